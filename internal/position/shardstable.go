package position

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// maxShardsTableLineBytes bounds a single shards-table line; genomic shard
// tables are small, this just keeps a malformed file from growing the
// scanner's buffer without limit.
const maxShardsTableLineBytes = 16 * 1024 * 1024

// ParseShardsTable reads a shards-table file: UTF-8, LF-terminated lines,
// where each non-comment ("#"-prefixed) line is a tab-separated sequence of
// CONTIG, START, END triples. Only the first triple's (CONTIG, START) on
// each line becomes a Position; the number of returned Positions is the
// shard count of the file. The contig order is derived from every triple on
// every line, in first-appearance order, so contigs used only in a later
// triple on an early line still get the index their first appearance (not
// necessarily field 0) implies.
//
// Blank lines are skipped. The number of tab-separated fields on any other
// non-comment line must be a positive multiple of 3; any other shape is a
// malformed shards table and is reported as a parse error.
func ParseShardsTable(r io.Reader) ([]Position, *ContigOrder, error) {
	order := newContigOrder()
	var positions []Position

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxShardsTableLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 || len(fields)%3 != 0 {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf(
				"shards table line %d: expected a positive multiple of 3 tab-separated fields, got %d: %q",
				lineNo, len(fields), line))
		}
		for i := 0; i+3 <= len(fields); i += 3 {
			order.add(fields[i])
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf(
				"shards table line %d: bad start position %q", lineNo, fields[1]))
		}
		positions = append(positions, New(fields[0], pos, order))
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.E(err, "reading shards table")
	}
	return positions, order, nil
}
