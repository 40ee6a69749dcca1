// Command shard cuts one shard out of a cohort of VCF/GVCF files at a
// position guaranteed not to split any deletion record, and copies each
// input's covered byte range to its own output file.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/spf13/cobra"

	"github.com/verilylifesciences/joint-genotype/internal/ioutil"
	"github.com/verilylifesciences/joint-genotype/internal/metricslog"
	"github.com/verilylifesciences/joint-genotype/internal/refcache"
	"github.com/verilylifesciences/joint-genotype/internal/sharder"
)

type flags struct {
	shardsFile    string
	shardNumber   int
	shardsTotal   int
	vcfFiles      string
	mindexFiles   string
	reference     string
	outputFolder  string
	threads       int
	metrics       string
	verbose       bool
	skipWriting   bool
	listProviders bool
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Cut one safe shard out of a cohort of VCF/GVCF files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.shardsFile, "shards_file", "", "path to the shards table")
	fs.IntVar(&f.shardNumber, "shard_number", 0, "0-based index of the shard to produce")
	fs.IntVar(&f.shardsTotal, "shards_total", 1, "total number of output shards")
	fs.StringVar(&f.vcfFiles, "vcf_files", "", "path to a newline-delimited file listing input VCF paths")
	fs.StringVar(&f.mindexFiles, "mindex_files", "", "path to a newline-delimited file listing mindex paths, matched positionally to vcf_files")
	fs.StringVar(&f.reference, "reference", "", "path to the reference FASTA (optional: only needed to split a boundary record)")
	fs.StringVar(&f.outputFolder, "output_folder", "", "directory to write shard output files into")
	fs.IntVar(&f.threads, "threads", 1, "worker count for the safe-cut search and the copy phase")
	fs.StringVar(&f.metrics, "metrics", "", "path to write shard metrics to; empty skips metrics entirely")
	fs.BoolVar(&f.verbose, "verbose", false, "log per-phase progress")
	fs.BoolVar(&f.skipWriting, "skip_writing", false, "find and report the safe cuts without copying any shard data")
	fs.BoolVar(&f.listProviders, "list_nio_providers", false, "print the file backends linked into this binary and exit")
	return cmd
}

func run(f *flags) error {
	if f.listProviders {
		for _, p := range ioutil.ListedProviders() {
			fmt.Println(p)
		}
		return nil
	}
	if f.shardsFile == "" || f.vcfFiles == "" || f.mindexFiles == "" || f.outputFolder == "" {
		return fmt.Errorf("shard: --shards_file, --vcf_files, --mindex_files and --output_folder are required")
	}

	ctx := vcontext.Background()

	vcfPaths, err := ioutil.PathsInFile(ctx, f.vcfFiles)
	if err != nil {
		return err
	}
	mindexPaths, err := ioutil.PathsInFile(ctx, f.mindexFiles)
	if err != nil {
		return err
	}
	outputPaths := makeOutputPaths(f.outputFolder, vcfPaths, f.shardNumber, f.shardsTotal)

	ref := refcache.New(ctx, f.reference)

	s, err := sharder.New(ctx, f.shardsFile, mindexPaths, vcfPaths, outputPaths, f.shardsTotal, ref)
	if err != nil {
		return err
	}
	s.SetVerbose(f.verbose).SetSkipWriting(f.skipWriting)

	sink, err := metricsSink(f.metrics)
	if err != nil {
		return err
	}
	defer sink.Close() // nolint:errcheck
	s.SetMetricsSink(sink)

	report, err := s.Shard(f.shardNumber, f.threads)
	if err != nil {
		return err
	}
	log.Printf("shard %d/%d done: begin=%s end_offsets=%v total_s=%.2f",
		report.ShardNumber, report.ShardsTotal, report.BeginCut, report.EndOffsets, report.TotalSeconds)
	return nil
}

func metricsSink(path string) (*metricslog.Sink, error) {
	if path == "" {
		return metricslog.NewNop(), nil
	}
	return metricslog.New(path)
}

// makeOutputPaths derives one output path per input VCF from its base name,
// the shard number and the total shard count: "<base>.shard-%05d-of-%05d.<ext>".
// GVCF inputs (a ".g.vcf" suffix) keep that compound suffix intact rather
// than splitting it at the last dot.
func makeOutputPaths(outputFolder string, vcfPaths []string, shardNumber, shardsTotal int) []string {
	paths := make([]string, len(vcfPaths))
	for i, p := range vcfPaths {
		base := filepath.Base(p)
		stem, ext := splitExt(base)
		name := fmt.Sprintf("%s.shard-%05d-of-%05d%s", stem, shardNumber, shardsTotal, ext)
		paths[i] = filepath.Join(outputFolder, name)
	}
	return paths
}

func splitExt(name string) (stem, ext string) {
	if strings.HasSuffix(name, ".g.vcf") {
		return strings.TrimSuffix(name, ".g.vcf"), ".g.vcf"
	}
	e := filepath.Ext(name)
	return strings.TrimSuffix(name, e), e
}
