// Package position implements genomic positions and the shared contig
// ordering used to compare them across files.
package position

import "fmt"

// ContigOrder assigns each contig name a small integer index, in
// first-appearance order. Every Position derived from the same shards table
// shares one ContigOrder instance. Contig comparison is hot (it happens once
// per reader per fixed-point round), so it must stay an integer compare
// rather than a string compare.
type ContigOrder struct {
	index map[string]int
}

func newContigOrder() *ContigOrder {
	return &ContigOrder{index: map[string]int{}}
}

// add assigns contig the next free index if it hasn't been seen yet, and
// returns its index either way. Only the shards-table parser calls this;
// once built, a ContigOrder is read-only.
func (o *ContigOrder) add(contig string) int {
	if i, ok := o.index[contig]; ok {
		return i
	}
	i := len(o.index)
	o.index[contig] = i
	return i
}

// IndexOf returns contig's position in first-appearance order.
func (o *ContigOrder) IndexOf(contig string) (int, bool) {
	i, ok := o.index[contig]
	return i, ok
}

// Len returns the number of distinct contigs registered.
func (o *ContigOrder) Len() int {
	return len(o.index)
}

// Position is an immutable (contig, 1-based pos) pair, ordered relative to
// the ContigOrder it was built with.
type Position struct {
	contig string
	pos    int
	order  *ContigOrder
}

// New builds a Position. pos must be >= 1 (1-based); a smaller value is a
// programmer error, not a recoverable one, since it can only come from a bug
// in a caller that already parsed an integer.
func New(contig string, pos int, order *ContigOrder) Position {
	if pos < 1 {
		panic(fmt.Sprintf("position: pos must be >= 1, got %d for contig %q", pos, contig))
	}
	return Position{contig: contig, pos: pos, order: order}
}

// Contig returns the contig name.
func (p Position) Contig() string { return p.contig }

// Pos returns the 1-based position within the contig.
func (p Position) Pos() int { return p.pos }

// Equal reports structural equality over (contig, pos), ignoring which
// ContigOrder each position carries.
func (p Position) Equal(rhs Position) bool {
	return p.pos == rhs.pos && p.contig == rhs.contig
}

// Compare returns a negative number if p sorts before rhs, zero if equal, and
// a positive number otherwise. Equal positions always compare 0 regardless of
// ContigOrder. Non-equal positions must share the same ContigOrder instance
// (pointer identity, not value equality -- value equality would be far too
// slow for something this hot); comparing positions from two different shard
// tables is a programmer error and panics rather than silently producing a
// wrong answer.
func (p Position) Compare(rhs Position) int {
	if p.Equal(rhs) {
		return 0
	}
	if p.order != rhs.order {
		panic(fmt.Sprintf("position: cannot compare %s and %s: different contig orderings", p, rhs))
	}
	if p.contig == rhs.contig {
		if p.pos < rhs.pos {
			return -1
		}
		return 1
	}
	li, ok := p.order.IndexOf(p.contig)
	if !ok {
		panic(fmt.Sprintf("position: contig %q missing from its own ContigOrder", p.contig))
	}
	ri, ok := p.order.IndexOf(rhs.contig)
	if !ok {
		panic(fmt.Sprintf("position: contig %q missing from its own ContigOrder", rhs.contig))
	}
	if li < ri {
		return -1
	}
	return 1
}

// Before reports whether p is strictly earlier in the genome than rhs.
func (p Position) Before(rhs Position) bool { return p.Compare(rhs) < 0 }

// After reports whether p is strictly later in the genome than rhs.
func (p Position) After(rhs Position) bool { return p.Compare(rhs) > 0 }

func (p Position) String() string { return fmt.Sprintf("%s:%d", p.contig, p.pos) }

// Max returns whichever of a, b sorts later under Position ordering. If they
// are equal, it returns a.
func Max(a, b Position) Position {
	if a.Before(b) {
		return b
	}
	return a
}
