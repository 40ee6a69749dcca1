// Package ioutil holds small file-path helpers shared by the CLI driver and
// the sharder that don't belong to any one domain package.
package ioutil

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// probeContents is written to, then immediately removed from, every output
// path before any real work starts. Catching an unwriteable destination here
// means a shard operation fails before it has copied a single byte, instead
// of midway through.
const probeContents = "Testing\n"

// CheckWriteable probe-writes every path in paths and deletes the probe,
// failing fast if any destination can't be written to.
func CheckWriteable(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := checkOneWriteable(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func checkOneWriteable(ctx context.Context, path string) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("ioutil: output %s is not writeable", path))
	}
	if _, err := f.Writer(ctx).Write([]byte(probeContents)); err != nil {
		f.Close(ctx) // nolint:errcheck
		return errors.E(err, fmt.Sprintf("ioutil: output %s is not writeable", path))
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(err, fmt.Sprintf("ioutil: closing probe write to %s", path))
	}
	if err := file.Remove(ctx, path); err != nil {
		return errors.E(err, fmt.Sprintf("ioutil: removing probe write from %s", path))
	}
	return nil
}

// PathsInFile reads a newline-delimited list of paths from the file at path,
// skipping blank lines. Used for the --vcf_files/--mindex_files list
// arguments, which each name a file containing one path per line rather than
// the paths themselves.
func PathsInFile(ctx context.Context, path string) ([]string, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("ioutil: open %s", path))
	}
	defer f.Close(ctx) // nolint:errcheck
	return scanLines(f.Reader(ctx))
}

func scanLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(err, "ioutil: reading path list")
	}
	return lines, nil
}

// ListedProviders returns the lines printed by the --list_nio_providers
// introspection flag: a single fixed entry naming the local-file backend.
// grailbio/base/file doesn't expose a registry-enumeration API, so no runtime
// registry is queried and no remote backend is listed.
func ListedProviders() []string {
	return []string{"local (no scheme prefix)"}
}
