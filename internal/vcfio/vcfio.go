// Package vcfio reads a VCF/GVCF file as a seekable sequence of records and
// splices the record at a safe-cut boundary when writing a shard.
//
// A Reader keeps a cursor on the "current record." You can ask for that
// record or the genomic position it represents, get the byte offset just
// before or just after it, and advance the cursor to a target position. It
// also knows how to copy a byte range between two files while splitting the
// reference-block record straddling each end, which is what lets shard
// boundaries fall mid-record without losing information.
package vcfio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"

	"github.com/verilylifesciences/joint-genotype/internal/position"
	"github.com/verilylifesciences/joint-genotype/internal/refcache"
)

// UnknownOffset marks the previous offset as not yet known. Open and Seek set
// it and then read the first line at once, which replaces it with that
// line's offset, so PreviousOffset does not return it after a successful
// Open or Seek.
const UnknownOffset = int64(-1)

// Reader reads one VCF/GVCF file.
type Reader struct {
	ctx     context.Context
	f       file.File
	seeker  io.ReadSeeker
	size    int64
	contigs *position.ContigOrder
	ref     *refcache.Cache

	r *bufio.Reader // nil after a Seek, lazily rebuilt by the first read

	nextOffset   int64
	prevOffset   int64
	currentLine  *string
	previousLine *string
	primed       bool
}

// Open opens path for seekable reading. contigs resolves the contig order
// shared by every input to a shard; ref supplies the single reference base
// needed to split a reference-block record at the boundary.
func Open(ctx context.Context, path string, contigs *position.ContigOrder, ref *refcache.Cache) (*Reader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("vcfio: open %s", path))
	}
	seeker := f.Reader(ctx)
	size, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close(ctx) // nolint:errcheck
		return nil, errors.E(err, fmt.Sprintf("vcfio: determine size of %s", path))
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		f.Close(ctx) // nolint:errcheck
		return nil, errors.E(err, fmt.Sprintf("vcfio: rewind %s", path))
	}
	r := &Reader{
		ctx:        ctx,
		f:          f,
		seeker:     seeker,
		size:       size,
		contigs:    contigs,
		ref:        ref,
		prevOffset: UnknownOffset,
	}
	if err := r.prime(); err != nil {
		f.Close(ctx) // nolint:errcheck
		return nil, err
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close(r.ctx)
}

// Size returns the total size of the underlying file, in bytes.
func (r *Reader) Size() int64 { return r.size }

// Seek repositions the cursor at offset, which must be the start of a line
// (or the end of the file). The record there, if any, becomes the current
// record.
func (r *Reader) Seek(offset int64) error {
	r.r = nil
	if _, err := r.seeker.Seek(offset, io.SeekStart); err != nil {
		return errors.E(err, "vcfio: seek")
	}
	r.prevOffset = UnknownOffset
	r.nextOffset = offset
	r.previousLine = nil
	r.currentLine = nil
	r.primed = false
	return r.prime()
}

// prime reads the first record if none has been read yet since the last
// Seek.
func (r *Reader) prime() error {
	if r.primed {
		return nil
	}
	if err := r.advanceSkippingComments(); err != nil {
		return err
	}
	r.primed = true
	return nil
}

// advanceSkippingComments reads lines until a non-comment line or EOF.
func (r *Reader) advanceSkippingComments() error {
	if err := r.readLine(); err != nil {
		return err
	}
	for r.currentLine != nil && strings.HasPrefix(*r.currentLine, "#") {
		if err := r.readLine(); err != nil {
			return err
		}
	}
	return nil
}

// readLine reads one physical line, updating offset bookkeeping. Lines are
// assumed LF-terminated, single-byte-per-character.
func (r *Reader) readLine() error {
	if r.r == nil {
		r.r = bufio.NewReader(r.seeker)
	}
	r.prevOffset = r.CurrentOffset()

	line, err := r.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return errors.E(err, "vcfio: read")
	}
	if err == io.EOF && line == "" {
		r.previousLine = r.currentLine
		r.currentLine = nil
		return nil
	}
	line = strings.TrimSuffix(line, "\n")
	r.previousLine = r.currentLine
	r.currentLine = &line
	r.nextOffset += int64(len(line)) + 1
	return nil
}

// CurrentOffset returns the byte offset of the start of the current record.
func (r *Reader) CurrentOffset() int64 {
	if r.currentLine == nil {
		return r.nextOffset
	}
	return r.nextOffset - int64(len(*r.currentLine)) - 1
}

// PreviousOffset returns the byte offset of the line read just before the
// current one. When only one line has been read since the last Seek, it is
// the offset of that line, i.e. the seek offset itself.
func (r *Reader) PreviousOffset() int64 { return r.prevOffset }

// NextOffset returns the byte offset just after the current record.
func (r *Reader) NextOffset() int64 { return r.nextOffset }

// IsEOF reports whether the cursor is past the last record.
func (r *Reader) IsEOF() (bool, error) {
	if err := r.prime(); err != nil {
		return false, err
	}
	return r.currentLine == nil, nil
}

// Record returns the current record, without advancing. Returns io.EOF at
// the end of the file.
func (r *Reader) Record() (string, error) {
	if err := r.prime(); err != nil {
		return "", err
	}
	if r.currentLine == nil {
		return "", io.EOF
	}
	return *r.currentLine, nil
}

// PreviousRecord returns the line read just before the current record since
// the last Seek, if any. When the current record follows a comment line,
// that comment line is what is returned.
func (r *Reader) PreviousRecord() (line string, ok bool, err error) {
	if err := r.prime(); err != nil {
		return "", false, err
	}
	if r.previousLine == nil {
		return "", false, nil
	}
	return *r.previousLine, true, nil
}

// Next advances to the next record, skipping comment lines.
//
// The reader starts primed on the first record, so calling Next on a fresh
// Reader moves to the second record.
func (r *Reader) Next() error {
	if err := r.prime(); err != nil {
		return err
	}
	return r.advanceSkippingComments()
}

// Position returns the genomic position of the current record.
func (r *Reader) Position() (position.Position, error) {
	line, err := r.Record()
	if err != nil {
		return position.Position{}, err
	}
	return r.ParsePosition(line)
}

// PreviousPosition returns the genomic position of the previous record, if
// any.
func (r *Reader) PreviousPosition() (pos position.Position, ok bool, err error) {
	line, ok, err := r.PreviousRecord()
	if err != nil || !ok {
		return position.Position{}, false, err
	}
	pos, err = r.ParsePosition(line)
	if err != nil {
		return position.Position{}, false, err
	}
	return pos, true, nil
}

// ParsePosition parses the genomic position out of a raw VCF record line.
func (r *Reader) ParsePosition(line string) (position.Position, error) {
	fields := strings.SplitN(line, "\t", 3)
	if len(fields) < 2 {
		// Can happen if the mindex was wrong, landing mid-record.
		return position.Position{}, errors.E(errors.Invalid, fmt.Sprintf(
			"vcfio: expected at least 2 tab-separated fields, got %d in %q", len(fields), line))
	}
	pos, err := strconv.Atoi(fields[1])
	if err != nil {
		return position.Position{}, errors.E(errors.Invalid, fmt.Sprintf("vcfio: bad position %q in %q", fields[1], line))
	}
	return position.New(fields[0], pos, r.contigs), nil
}

// ParseEndPosition returns the record's END= tag position, if it has one.
func (r *Reader) ParseEndPosition(line string) (pos position.Position, ok bool, err error) {
	fields := strings.SplitN(line, "\t", 9)
	if len(fields) < 8 {
		return position.Position{}, false, nil
	}
	end := fields[7]
	if !strings.HasPrefix(end, "END=") {
		return position.Position{}, false, nil
	}
	v, err := strconv.Atoi(strings.TrimPrefix(end, "END="))
	if err != nil {
		return position.Position{}, false, errors.E(errors.Invalid, fmt.Sprintf("vcfio: bad END tag %q in %q", end, line))
	}
	return position.New(fields[0], v, r.contigs), true, nil
}

// IsDeletion reports whether a record describes a deletion, identified by a
// REF column longer than one base. Only deletion records list more than one
// reference base, which is what makes them unsafe to split at an arbitrary
// position.
func IsDeletion(line string) bool {
	fields := strings.SplitN(line, "\t", 5)
	if len(fields) < 4 {
		return false
	}
	return len(fields[3]) > 1
}

// RecordExtentEnd returns the position one past the last reference base a
// record covers: the END= tag position plus one if present, or the start
// position plus the length of the REF column otherwise. This is always a
// safe cut (nothing in the record falls at or after it).
func (r *Reader) RecordExtentEnd(line string) (position.Position, error) {
	start, err := r.ParsePosition(line)
	if err != nil {
		return position.Position{}, err
	}
	if endPos, ok, err := r.ParseEndPosition(line); err != nil {
		return position.Position{}, err
	} else if ok {
		return position.New(endPos.Contig(), endPos.Pos()+1, r.contigs), nil
	}
	fields := strings.SplitN(line, "\t", 5)
	if len(fields) < 4 {
		return position.New(start.Contig(), start.Pos()+1, r.contigs), nil
	}
	return position.New(start.Contig(), start.Pos()+len(fields[3]), r.contigs), nil
}

// advanceTo moves the cursor forward until the current record is at or past
// target. If throwIfPast, it's an error for the cursor to already be past
// target.
func (r *Reader) advanceTo(target position.Position, throwIfPast bool) error {
	eof, err := r.IsEOF()
	if err != nil {
		return err
	}
	if eof {
		return nil
	}
	current, err := r.Position()
	if err != nil {
		return err
	}
	if throwIfPast && target.Before(current) {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"vcfio: current position %s already beyond target %s", current, target))
	}
	for current.Before(target) {
		if err := r.Next(); err != nil {
			return err
		}
		eof, err := r.IsEOF()
		if err != nil {
			return err
		}
		if eof {
			break
		}
		current, err = r.Position()
		if err != nil {
			return err
		}
	}
	return nil
}

// AdvanceTo moves the cursor forward until it reaches target, erroring if
// the cursor is already past it.
func (r *Reader) AdvanceTo(target position.Position) error {
	return r.advanceTo(target, true)
}

// AdvanceToAtLeast moves the cursor forward until it reaches target. Unlike
// AdvanceTo, it's not an error to already be past target.
func (r *Reader) AdvanceToAtLeast(target position.Position) error {
	eof, err := r.IsEOF()
	if err != nil {
		return err
	}
	if eof {
		return nil
	}
	return r.advanceTo(target, false)
}

func writeLine(dest io.Writer, line string) (int64, error) {
	if _, err := dest.Write([]byte(line)); err != nil {
		return 0, err
	}
	if _, err := dest.Write([]byte("\n")); err != nil {
		return 0, err
	}
	return int64(len(line)) + 1, nil
}

// SaveFirstRecord advances to start and writes the first included record to
// dest, splitting the preceding record's reference block if it straddles
// start. Returns the byte offset just after what was written.
func (r *Reader) SaveFirstRecord(start position.Position, dest io.Writer) (int64, error) {
	if err := r.AdvanceTo(start); err != nil {
		return 0, err
	}
	eof, err := r.IsEOF()
	if err != nil {
		return 0, err
	}
	if eof {
		return r.size, nil
	}
	afterFirstCut, err := r.Position()
	if err != nil {
		return 0, err
	}
	if !afterFirstCut.Equal(start) {
		lineBefore, ok, err := r.PreviousRecord()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errors.E(errors.Invalid, "vcfio: copy given offset too close to safe cut")
		}
		beforePos, err := r.ParsePosition(lineBefore)
		if err != nil {
			return 0, err
		}
		if !beforePos.Before(start) {
			panic(fmt.Sprintf(
				"vcfio: line before the cut should have been included: %q (pos %s), cut starts at %s",
				lineBefore, beforePos, start))
		}

		// Two cases land here: the previous record simply ends before start
		// (a gap, nothing to split), or it's a reference block extending at
		// least to start, in which case we split it and keep only the half
		// at and after start.
		endOfBefore, hasEnd, err := r.ParseEndPosition(lineBefore)
		if err != nil {
			return 0, err
		}
		if hasEnd && endOfBefore.Compare(start) >= 0 {
			parts := strings.Split(lineBefore, "\t")
			parts[1] = strconv.Itoa(start.Pos())
			refBase, err := r.ref.BaseAt(start.Contig(), start.Pos())
			if err != nil {
				return 0, err
			}
			parts[3] = string(refBase)
			if _, err := writeLine(dest, strings.Join(parts, "\t")); err != nil {
				return 0, err
			}
		}
	}
	if eof, err = r.IsEOF(); err != nil {
		return 0, err
	} else if !eof {
		line, err := r.Record()
		if err != nil {
			return 0, err
		}
		if _, err := writeLine(dest, line); err != nil {
			return 0, err
		}
	}
	return r.NextOffset(), nil
}

// saveLastRecord writes every record starting at the reader's current
// previous record, up to but excluding excluded, trimming the final record's
// reference block if it extends past excluded.
func saveLastRecord(r *Reader, excluded position.Position, dest io.Writer) (int64, error) {
	var total int64
	var oldLine *string
	for {
		if oldLine != nil {
			n, err := writeLine(dest, *oldLine)
			if err != nil {
				return total, err
			}
			total += n
		}
		line, ok, err := r.PreviousRecord()
		if err != nil {
			return total, err
		}
		if ok {
			oldLine = &line
		} else {
			oldLine = nil
		}
		eof, err := r.IsEOF()
		if err != nil {
			return total, err
		}
		if eof {
			break
		}
		pos, err := r.Position()
		if err != nil {
			return total, err
		}
		if err := r.Next(); err != nil {
			return total, err
		}
		if !pos.Before(excluded) {
			break
		}
	}
	if oldLine != nil {
		parts := strings.Split(*oldLine, "\t")
		endPos, hasEnd, err := r.ParseEndPosition(*oldLine)
		if err != nil {
			return total, err
		}
		if hasEnd && excluded.Before(endPos) {
			if excluded.Contig() != endPos.Contig() {
				panic(fmt.Sprintf(
					"vcfio: last record ends after target but starts in a different contig: %q target %s",
					*oldLine, excluded))
			}
			parts[7] = "END=" + strconv.Itoa(excluded.Pos()-1)
			*oldLine = strings.Join(parts, "\t")
		}
		n, err := writeLine(dest, *oldLine)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Copy writes the shard [startPosition, nextShardPosition) to dest.
// startOffset/endOffset bound the byte range to scan (the offsets of the
// record before startPosition and before nextShardPosition, respectively,
// from a prior safe-cut search); nextShardPosition nil means copy to EOF.
func (r *Reader) Copy(startOffset int64, startPosition position.Position, endOffset int64, nextShardPosition *position.Position, dest io.Writer) (int64, error) {
	if startOffset > r.size {
		return 0, nil
	}
	if err := r.Seek(startOffset); err != nil {
		return 0, err
	}
	offset, err := r.SaveFirstRecord(startPosition, dest)
	if err != nil {
		return 0, err
	}
	total := offset - startOffset

	const bufSize = 1 << 20
	buf := make([]byte, bufSize)
	if _, err := r.seeker.Seek(offset, io.SeekStart); err != nil {
		return total, errors.E(err, "vcfio: seek for bulk copy")
	}
	for offset < endOffset {
		chunk := buf
		if offset+int64(len(chunk)) > endOffset {
			chunk = buf[:endOffset-offset]
		}
		n, rerr := r.seeker.Read(chunk)
		if n > 0 {
			if _, werr := dest.Write(chunk[:n]); werr != nil {
				return total, werr
			}
			offset += int64(n)
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return total, errors.E(rerr, "vcfio: bulk copy read")
		}
	}

	if nextShardPosition != nil {
		// We've read up to just before endOffset; the boundary record is
		// somewhere in what follows.
		if err := r.Seek(offset); err != nil {
			return total, err
		}
		n, err := saveLastRecord(r, *nextShardPosition, dest)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
