// Package safecut finds a "safe cut": a genomic position such that cutting
// just before it would not split any deletion listed in any of the input
// VCFs.
//
// For example if there's a deletion from 10 to 20, 10 is a safe cut but 11
// is not (and neither is 20). Insertions are always safe to cut around: they
// occupy a single reference base, so they always end up entirely on one
// side of any cut.
package safecut

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"

	"github.com/verilylifesciences/joint-genotype/internal/mindex"
	"github.com/verilylifesciences/joint-genotype/internal/position"
	"github.com/verilylifesciences/joint-genotype/internal/refcache"
	"github.com/verilylifesciences/joint-genotype/internal/vcfio"
)

// initBatchSize bounds how many VCFs a single traverse.Each call opens and
// seeks at once; Init runs the batches one after another and logs nothing
// between them. Unlike the JVM original this has nothing to do with
// exhausting a pool (goroutines don't leak thread-locals), and there is no
// pool to reset between batches.
const initBatchSize = 250

// Finder locates safe cuts across a cohort of VCFs sharing one shards table.
type Finder struct {
	ctx           context.Context
	variantsPaths []string
	threads       int
	ref           *refcache.Cache

	positions []position.Position
	contigs   *position.ContigOrder
	mindexes  []*mindex.Mindex

	vcfs         []*vcfio.Reader
	tentativePos position.Position
	initialized  bool
}

// New loads the shards table and builds a Finder over variantsPaths, each
// paired positionally with the mindex at the same index in mindexPaths.
func New(ctx context.Context, shardsPath string, mindexPaths, variantsPaths []string, threads int, ref *refcache.Cache) (*Finder, error) {
	if len(mindexPaths) != len(variantsPaths) {
		return nil, errors.E(errors.Invalid, "safecut: mindex and variant path lists must have the same length")
	}
	f, err := file.Open(ctx, shardsPath)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("safecut: open %s", shardsPath))
	}
	defer f.Close(ctx) // nolint:errcheck
	positions, contigs, err := position.ParseShardsTable(f.Reader(ctx))
	if err != nil {
		return nil, err
	}

	mindexes := make([]*mindex.Mindex, len(mindexPaths))
	for i, p := range mindexPaths {
		mindexes[i] = mindex.Open(ctx, p)
	}

	return &Finder{
		ctx:           ctx,
		variantsPaths: variantsPaths,
		threads:       threads,
		ref:           ref,
		positions:     positions,
		contigs:       contigs,
		mindexes:      mindexes,
	}, nil
}

// NumShards returns the number of rows in the shards table.
func (f *Finder) NumShards() int { return len(f.positions) }

// Contigs returns the contig ordering derived from the shards table.
func (f *Finder) Contigs() *position.ContigOrder { return f.contigs }

// Init opens every input (if not already open) and seeks each to at least
// the shard's tentative position. Call before FindSafeCut. Safe to call
// again with a different shardNo to reuse the already-open readers.
func (f *Finder) Init(shardNo int) error {
	if shardNo < 0 || shardNo >= len(f.positions) {
		return errors.E(errors.Invalid, fmt.Sprintf("safecut: shard %d out of range, have %d", shardNo, len(f.positions)))
	}
	f.tentativePos = f.positions[shardNo]
	if f.vcfs == nil {
		f.vcfs = make([]*vcfio.Reader, len(f.variantsPaths))
	}
	for start := 0; start < len(f.vcfs); start += initBatchSize {
		end := start + initBatchSize
		if end > len(f.vcfs) {
			end = len(f.vcfs)
		}
		n := end - start
		if err := traverse.Each(n, func(i int) error {
			return f.initOne(start+i, shardNo)
		}); err != nil {
			return err
		}
	}
	f.initialized = true
	return nil
}

func (f *Finder) initOne(index, shardNo int) error {
	reader := f.vcfs[index]
	if reader == nil {
		r, err := vcfio.Open(f.ctx, f.variantsPaths[index], f.contigs, f.ref)
		if err != nil {
			return err
		}
		f.vcfs[index] = r
		reader = r
	}
	offset, err := f.mindexes[index].Get(shardNo)
	if err != nil {
		return err
	}
	if offset == mindex.PastEOF {
		offset = reader.Size()
	}
	if err := reader.Seek(offset); err != nil {
		return err
	}
	return reader.AdvanceTo(f.tentativePos)
}

// parallelism picks the worker count for the fixed-point search. The
// original computed min(1, threads), which is always 1 regardless of
// threads -- a bug, since it made the search single-threaded even when
// the caller asked for many threads. max(1, threads) is what was intended:
// at least one worker, scaling up with threads.
func parallelism(threads int) int {
	if threads < 1 {
		return 1
	}
	return threads
}

// FindSafeCut advances every input until a position is reached past which
// none of them have an unresolved deletion, repeating until a fixed point:
// every worker's proposal no longer moves the target.
func (f *Finder) FindSafeCut() (position.Position, error) {
	if !f.initialized {
		return position.Position{}, errors.E(errors.Invalid, "safecut: call Init first")
	}
	n := parallelism(f.threads)
	perWorker := int(math.Ceil(float64(len(f.vcfs)) / float64(n)))
	var subsets [][]int
	for start := 0; start < len(f.vcfs); start += perWorker {
		end := start + perWorker
		if end > len(f.vcfs) {
			end = len(f.vcfs)
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		subsets = append(subsets, idx)
	}

	considering := f.tentativePos
	for {
		initialPos := considering
		results := make([]position.Position, len(subsets))
		if err := traverse.Each(len(subsets), func(i int) error {
			safe, err := f.findSafeCutForSubset(subsets[i], initialPos)
			if err != nil {
				return err
			}
			results[i] = safe
			return nil
		}); err != nil {
			return position.Position{}, err
		}
		change := false
		for _, safe := range results {
			if !safe.Equal(initialPos) {
				change = true
			}
			considering = position.Max(considering, safe)
		}
		if !change {
			break
		}
	}
	return considering, nil
}

// findSafeCutForSubset finds a safe cut at or after tentativePos, considering
// only the inputs named by indices. Runs to a fixed point on its own before
// returning, since advancing one input in the subset can force another
// input in the same subset to advance further too.
func (f *Finder) findSafeCutForSubset(indices []int, tentativePos position.Position) (position.Position, error) {
	for {
		initialPos := tentativePos
		for _, i := range indices {
			reader := f.vcfs[i]
			if err := reader.AdvanceToAtLeast(tentativePos); err != nil {
				return position.Position{}, err
			}
			eof, err := reader.IsEOF()
			if err != nil {
				return position.Position{}, err
			}
			if !eof {
				actual, err := reader.Position()
				if err != nil {
					return position.Position{}, err
				}
				if actual.Pos() > tentativePos.Pos() {
					prevLine, ok, err := reader.PreviousRecord()
					if err != nil {
						return position.Position{}, err
					}
					if ok && vcfio.IsDeletion(prevLine) {
						// We overshot, and the record behind us can't be
						// split. The target must move up to where we are.
						tentativePos = actual
					}
				}
				continue
			}
			// We ran out of records. If the last one is a deletion that
			// still covers tentativePos, the cut has to move past its end.
			prevLine, ok, err := reader.PreviousRecord()
			if err != nil {
				return position.Position{}, err
			}
			if !ok || !vcfio.IsDeletion(prevLine) {
				continue
			}
			extent, err := reader.RecordExtentEnd(prevLine)
			if err != nil {
				return position.Position{}, err
			}
			if tentativePos.Before(extent) {
				tentativePos = extent
			}
		}
		if tentativePos.Equal(initialPos) {
			break
		}
	}
	return tentativePos, nil
}

// PreviousOffsets returns, for each input in the order passed to New, the
// byte offset of the record just before the most recently found safe cut.
// When a reader's record at the cut is the first line it read after its
// seek, that record's own offset (the seek offset) is returned instead.
func (f *Finder) PreviousOffsets() []int64 {
	offsets := make([]int64, len(f.vcfs))
	for i, r := range f.vcfs {
		offsets[i] = r.PreviousOffset()
	}
	return offsets
}

// Close closes every opened input reader.
func (f *Finder) Close() error {
	var once errors.Once
	for _, r := range f.vcfs {
		if r != nil {
			once.Set(r.Close())
		}
	}
	return once.Err()
}
