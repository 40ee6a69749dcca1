// Package sharder orchestrates one shard of a cohort of VCF/GVCF files: find
// the safe cut at each end of the shard, then copy every input's covered
// byte range to its output path.
package sharder

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"

	"github.com/verilylifesciences/joint-genotype/internal/ioutil"
	"github.com/verilylifesciences/joint-genotype/internal/position"
	"github.com/verilylifesciences/joint-genotype/internal/refcache"
	"github.com/verilylifesciences/joint-genotype/internal/safecut"
	"github.com/verilylifesciences/joint-genotype/internal/vcfio"
)

// MetricsSink receives the Report produced by one Shard call. The zero value
// of Sharder has no sink and silently drops metrics; SetMetricsSink installs
// one (see internal/metricslog for the default implementation).
type MetricsSink interface {
	Write(Report) error
}

// Report carries everything worth recording about one shard operation: the
// cut points found at each end, the byte-offset and size summaries around
// them, and how long each phase took.
type Report struct {
	ShardNumber int
	ShardsTotal int
	VCFCount    int
	Threads     int

	BeginCut     position.Position
	BeginOffsets []int64
	EndCut       *position.Position // nil means "EOF": the last shard has no end cut.
	EndOffsets   []int64

	InitSeconds  float64
	WriteSeconds float64
	TotalSeconds float64

	WriteSkipped bool
	ShardSizes   []int64 // empty when WriteSkipped.
	RefQueried   int     // 0 when WriteSkipped.
}

// Sharder holds one cohort's inputs (a shards table, and a matched mindex +
// variant file + output path per input) and cuts/copies one output shard at
// a time via Shard.
type Sharder struct {
	ctx           context.Context
	shardsPath    string
	mindexPaths   []string
	variantsPaths []string
	outputPaths   []string
	totalShards   int
	ref           *refcache.Cache

	verbose     bool
	skipWriting bool
	sink        MetricsSink
}

// New builds a Sharder. mindexPaths, variantsPaths and outputPaths must all
// have the same length: one entry per input VCF. totalShards is the number
// of output shards the caller intends to produce across the whole cohort
// (not necessarily equal to the number of rows in the shards table -- see
// Shard).
func New(ctx context.Context, shardsPath string, mindexPaths, variantsPaths, outputPaths []string, totalShards int, ref *refcache.Cache) (*Sharder, error) {
	if len(mindexPaths) != len(variantsPaths) || len(variantsPaths) != len(outputPaths) {
		return nil, errors.E(errors.Invalid,
			"sharder: mindex, variant and output path lists must have the same length")
	}
	if totalShards < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sharder: totalShards must be >= 1, got %d", totalShards))
	}
	return &Sharder{
		ctx:           ctx,
		shardsPath:    shardsPath,
		mindexPaths:   mindexPaths,
		variantsPaths: variantsPaths,
		outputPaths:   outputPaths,
		totalShards:   totalShards,
		ref:           ref,
	}, nil
}

// SetVerbose enables per-phase progress logging.
func (s *Sharder) SetVerbose(v bool) *Sharder {
	s.verbose = v
	return s
}

// SetSkipWriting makes Shard run the safe-cut search and report it without
// copying any bytes -- a dry run useful for validating a shards table
// against a cohort before committing to a full copy.
func (s *Sharder) SetSkipWriting(skip bool) *Sharder {
	s.skipWriting = skip
	return s
}

// SetMetricsSink installs the sink that receives the Report built by Shard.
func (s *Sharder) SetMetricsSink(sink MetricsSink) *Sharder {
	s.sink = sink
	return s
}

func (s *Sharder) logf(format string, args ...interface{}) {
	if s.verbose {
		log.Printf(format, args...)
	}
}

// Shard computes and writes shard number shardNo of shardsTotal total output
// shards, using threads workers for both the safe-cut search and the copy
// phase.
func (s *Sharder) Shard(shardNo, threads int) (Report, error) {
	if shardNo < 0 || shardNo >= s.totalShards {
		return Report{}, errors.E(errors.Invalid, fmt.Sprintf(
			"sharder: shard %d out of range, totalShards=%d", shardNo, s.totalShards))
	}
	if threads < 1 {
		threads = 1
	}

	if !s.skipWriting {
		s.logf("checking output paths are writeable")
		if err := ioutil.CheckWriteable(s.ctx, s.outputPaths); err != nil {
			return Report{}, err
		}
	}

	finder, err := safecut.New(s.ctx, s.shardsPath, s.mindexPaths, s.variantsPaths, threads, s.ref)
	if err != nil {
		return Report{}, err
	}
	finderClosed := false
	closeFinder := func() error {
		if finderClosed {
			return nil
		}
		finderClosed = true
		return finder.Close()
	}
	defer closeFinder() // nolint:errcheck
	contigs := finder.Contigs()

	numRows := finder.NumShards()
	if s.totalShards > numRows || numRows%s.totalShards != 0 {
		return Report{}, errors.E(errors.Invalid, fmt.Sprintf(
			"sharder: totalShards=%d must divide the shards table's %d rows", s.totalShards, numRows))
	}
	shardsAtATime := numRows / s.totalShards

	start := time.Now()

	beginShardNo := shardNo * shardsAtATime
	if err := finder.Init(beginShardNo); err != nil {
		return Report{}, err
	}
	beginCut, err := finder.FindSafeCut()
	if err != nil {
		return Report{}, err
	}
	beginOffsets := finder.PreviousOffsets()
	s.logf("shard %d/%d: begin cut %s", shardNo, s.totalShards, beginCut)

	endShardNo := (shardNo + 1) * shardsAtATime
	var endCut *position.Position
	var endOffsets []int64
	if endShardNo < s.totalShards*shardsAtATime {
		if err := finder.Init(endShardNo); err != nil {
			return Report{}, err
		}
		cut, err := finder.FindSafeCut()
		if err != nil {
			return Report{}, err
		}
		endCut = &cut
		endOffsets = finder.PreviousOffsets()
		s.logf("shard %d/%d: end cut %s", shardNo, s.totalShards, cut)
	} else {
		endOffsets = make([]int64, len(s.variantsPaths))
		for i, p := range s.variantsPaths {
			size, err := fileSize(s.ctx, p)
			if err != nil {
				return Report{}, err
			}
			endOffsets[i] = size
		}
		s.logf("shard %d/%d: last shard, copying to end of file", shardNo, s.totalShards)
	}
	if err := closeFinder(); err != nil {
		return Report{}, err
	}
	initElapsed := time.Since(start)

	report := Report{
		ShardNumber:  shardNo,
		ShardsTotal:  s.totalShards,
		VCFCount:     len(s.variantsPaths),
		Threads:      threads,
		BeginCut:     beginCut,
		BeginOffsets: beginOffsets,
		EndCut:       endCut,
		EndOffsets:   endOffsets,
		InitSeconds:  initElapsed.Seconds(),
		WriteSkipped: s.skipWriting,
	}

	if s.skipWriting {
		report.TotalSeconds = report.InitSeconds
		return s.finish(report)
	}

	writeStart := time.Now()
	if err := s.copyAll(contigs, beginOffsets, beginCut, endOffsets, endCut, threads); err != nil {
		return Report{}, err
	}
	report.WriteSeconds = time.Since(writeStart).Seconds()
	report.TotalSeconds = time.Since(start).Seconds()

	sizes := make([]int64, len(s.outputPaths))
	for i, p := range s.outputPaths {
		size, err := fileSize(s.ctx, p)
		if err != nil {
			return Report{}, err
		}
		sizes[i] = size
	}
	report.ShardSizes = sizes
	report.RefQueried = s.ref.QueryCount()

	return s.finish(report)
}

func (s *Sharder) finish(report Report) (Report, error) {
	if s.sink != nil {
		if err := s.sink.Write(report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// copyAll partitions the inputs into ceil(n/threads)-sized groups (mirroring
// the safe-cut phase's own partitioning) and copies each group's shard on a
// separate worker. Every worker opens a fresh VcfReader per input -- none of
// the readers used during cut-finding are reused here, since those were
// already closed.
func (s *Sharder) copyAll(contigs *position.ContigOrder, beginOffsets []int64, beginCut position.Position, endOffsets []int64, endCut *position.Position, threads int) error {
	n := len(s.variantsPaths)
	groupSize := int(math.Ceil(float64(n) / float64(threads)))
	if groupSize < 1 {
		groupSize = 1
	}
	var groups [][]int
	for start := 0; start < n; start += groupSize {
		end := start + groupSize
		if end > n {
			end = n
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		groups = append(groups, idx)
	}

	return traverse.Each(len(groups), func(g int) error {
		for _, i := range groups[g] {
			if err := s.copyOne(i, contigs, beginOffsets[i], beginCut, endOffsets[i], endCut); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Sharder) copyOne(i int, contigs *position.ContigOrder, beginOffset int64, beginCut position.Position, endOffset int64, endCut *position.Position) error {
	reader, err := vcfio.Open(s.ctx, s.variantsPaths[i], contigs, s.ref)
	if err != nil {
		return err
	}
	defer reader.Close() // nolint:errcheck

	out, err := file.Create(s.ctx, s.outputPaths[i])
	if err != nil {
		return errors.E(err, fmt.Sprintf("sharder: create %s", s.outputPaths[i]))
	}
	if _, err := reader.Copy(beginOffset, beginCut, endOffset, endCut, out.Writer(s.ctx)); err != nil {
		out.Close(s.ctx) // nolint:errcheck
		return err
	}
	return out.Close(s.ctx)
}

func fileSize(ctx context.Context, path string) (int64, error) {
	info, err := file.Stat(ctx, path)
	if err != nil {
		return 0, errors.E(err, fmt.Sprintf("sharder: stat %s", path))
	}
	return info.Size(), nil
}
