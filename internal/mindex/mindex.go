// Package mindex reads the external shard->byte-offset index that lets
// SafeCutFinder seek directly into a variant file instead of scanning it
// from the start.
package mindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// entrySize is the width of one mindex entry: a 64-bit integer in the byte
// order given by endian.
const entrySize = 8

// DefaultPrefetch is the number of consecutive entries fetched per disk read
// on a cache miss. Finding both the begin and end cut of a shard requires two
// adjacent mindex reads, so 3 is enough to serve both from one read even for
// shards only 2 rows wide.
const DefaultPrefetch = 3

// PastEOF is the sentinel mindex entry meaning "beyond the end of the
// variant file": the corresponding reader should be treated as already at
// EOF rather than seeking to this value.
const PastEOF = int64(1)<<62 - 1

// endian is the mindex file's fixed byte order. The original format left
// this unspecified ("native endian, provided writer and reader agree");
// here it's pinned to little-endian so every producer and consumer of a
// mindex file, regardless of host architecture, agrees without coordination.
var endian = binary.LittleEndian

// Mindex serves random reads into one mindex file, with a small forward
// prefetch window to amortize repeated nearby lookups.
type Mindex struct {
	ctx      context.Context
	path     string
	prefetch int

	mu     sync.Mutex
	base   int
	cached []int64
}

// Open returns a Mindex over path using DefaultPrefetch. Nothing is read
// from path until the first Get call.
func Open(ctx context.Context, path string) *Mindex {
	return OpenWithPrefetch(ctx, path, DefaultPrefetch)
}

// OpenWithPrefetch is like Open but lets the caller choose the prefetch
// window.
func OpenWithPrefetch(ctx context.Context, path string, prefetch int) *Mindex {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Mindex{ctx: ctx, path: path, prefetch: prefetch}
}

// Get returns the byte offset for shardNo, serving it from the prefetch
// cache when possible and loading a fresh window from disk otherwise.
func (m *Mindex) Get(shardNo int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := shardNo - m.base
	if m.cached == nil || idx < 0 || idx >= len(m.cached) {
		if err := m.load(shardNo); err != nil {
			return 0, err
		}
		idx = 0
	}
	return m.cached[idx], nil
}

func (m *Mindex) load(shardNo int) error {
	f, err := file.Open(m.ctx, m.path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("mindex: open %s", m.path))
	}
	defer f.Close(m.ctx)

	r := f.Reader(m.ctx)
	if _, err := r.Seek(int64(shardNo)*entrySize, io.SeekStart); err != nil {
		return errors.E(err, fmt.Sprintf("mindex: seek %s", m.path))
	}

	buf := make([]byte, entrySize*m.prefetch)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return errors.E(err, fmt.Sprintf("mindex: read %s", m.path))
	}
	if n < entrySize {
		return errors.E(errors.Invalid, fmt.Sprintf("mindex: shard %d out of range in %s", shardNo, m.path))
	}

	count := n / entrySize
	cached := make([]int64, count)
	for i := 0; i < count; i++ {
		cached[i] = int64(endian.Uint64(buf[i*entrySize:]))
	}
	m.cached = cached
	m.base = shardNo
	return nil
}

// WriteMindex writes offsets as a mindex file at path. Production mindex
// files are built by an external tool (see §1 scope); this exists so tests
// (and anything assembling small fixture mindexes) don't need to hand-encode
// int64s.
func WriteMindex(ctx context.Context, path string, offsets []int64) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("mindex: create %s", path))
	}
	buf := make([]byte, entrySize*len(offsets))
	for i, v := range offsets {
		endian.PutUint64(buf[i*entrySize:], uint64(v))
	}
	if _, err := f.Writer(ctx).Write(buf); err != nil {
		f.Close(ctx)
		return errors.E(err, fmt.Sprintf("mindex: write %s", path))
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(err, fmt.Sprintf("mindex: close %s", path))
	}
	return nil
}
