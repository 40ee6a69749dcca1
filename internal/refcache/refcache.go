// Package refcache provides a single-entry, thread-safe cache in front of a
// FASTA reference base provider. Opening a FASTA file can be expensive
// (index building), so the backend is only constructed on the first query.
package refcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bio/encoding/fasta"
)

// Backend is the minimal reference-base capability the rest of the system
// needs: a single base at a 1-based genomic position.
type Backend interface {
	BaseAt(contig string, pos int) (byte, error)
}

// Cache is safe to call from multiple goroutines; a single mutex around the
// backend is sufficient since reference queries are rare (only at boundary
// splits).
type Cache struct {
	open func() (Backend, error)

	mu           sync.Mutex
	backend      Backend
	cachedContig string
	cachedPos    int // -1 means "nothing cached"
	cachedBase   byte
	queries      int
}

// New returns a Cache that lazily opens fastaPath (and its ".fai" index, if
// present) on the first BaseAt call.
func New(ctx context.Context, fastaPath string) *Cache {
	return &Cache{open: func() (Backend, error) { return openFasta(ctx, fastaPath) }, cachedPos: -1}
}

// NewWithBackend wraps an already-constructed Backend, skipping lazy
// initialization. Intended for tests.
func NewWithBackend(backend Backend) *Cache {
	return &Cache{backend: backend, cachedPos: -1}
}

// BaseAt returns the reference base at (contig, pos), 1-based. Thread-safe.
func (c *Cache) BaseAt(contig string, pos int) (byte, error) {
	if pos < 1 {
		panic(fmt.Sprintf("refcache: pos must be >= 1, got %d", pos))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	if c.backend == nil {
		b, err := c.open()
		if err != nil {
			return 0, err
		}
		c.backend = b
	}
	if pos == c.cachedPos && contig == c.cachedContig {
		return c.cachedBase, nil
	}
	// If the backend call below fails, the cache must not look populated.
	c.cachedPos = -1
	base, err := c.backend.BaseAt(contig, pos)
	if err != nil {
		return 0, err
	}
	c.cachedContig = contig
	c.cachedBase = base
	c.cachedPos = pos
	return base, nil
}

// QueryCount returns the number of times BaseAt has been called.
func (c *Cache) QueryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

type fastaBackend struct {
	fa fasta.Fasta
}

func (b *fastaBackend) BaseAt(contig string, pos int) (byte, error) {
	s, err := b.fa.Get(contig, uint64(pos-1), uint64(pos))
	if err != nil {
		return 0, err
	}
	if len(s) != 1 {
		panic(fmt.Sprintf("refcache: reference base at %s:%d is not a single character: %q", contig, pos, s))
	}
	return s[0], nil
}

// openFasta prefers an indexed, random-access FASTA (fastaPath + ".fai") so
// that large references don't have to be loaded whole; it falls back to
// loading the entire FASTA into memory when no index is available.
func openFasta(ctx context.Context, fastaPath string) (Backend, error) {
	mainFile, err := file.Open(ctx, fastaPath)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("refcache: open %s", fastaPath))
	}

	indexFile, err := file.Open(ctx, fastaPath+".fai")
	if err != nil {
		defer mainFile.Close(ctx) // nolint:errcheck
		fa, err := fasta.New(mainFile.Reader(ctx))
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("refcache: parse %s", fastaPath))
		}
		return &fastaBackend{fa: fa}, nil
	}
	defer indexFile.Close(ctx) // nolint:errcheck

	fa, err := fasta.NewIndexed(mainFile.Reader(ctx), indexFile.Reader(ctx))
	if err != nil {
		mainFile.Close(ctx) // nolint:errcheck
		return nil, errors.E(err, fmt.Sprintf("refcache: parse index for %s", fastaPath))
	}
	// mainFile stays open for the cache's lifetime: the indexed Fasta keeps
	// reading from its seeker on every query.
	return &fastaBackend{fa: fa}, nil
}
