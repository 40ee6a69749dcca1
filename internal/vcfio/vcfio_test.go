package vcfio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verilylifesciences/joint-genotype/internal/position"
	"github.com/verilylifesciences/joint-genotype/internal/refcache"
)

type fakeRefBackend struct {
	bases map[string]byte
}

func (f *fakeRefBackend) BaseAt(contig string, pos int) (byte, error) {
	return f.bases[fmt.Sprintf("%s:%d", contig, pos)], nil
}

var testOrder *position.ContigOrder

func newTestOrder() *position.ContigOrder {
	if testOrder == nil {
		_, order, err := position.ParseShardsTable(strings.NewReader("chr1\t1\t1\nchr2\t1\t1\n"))
		if err != nil {
			panic(err)
		}
		testOrder = order
	}
	return testOrder
}

func pos(contig string, p int) position.Position {
	return position.New(contig, p, newTestOrder())
}

func writeTempVCF(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.vcf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func openTestReader(t *testing.T, contents string, bases map[string]byte) *Reader {
	t.Helper()
	ctx := vcontext.Background()
	path := writeTempVCF(t, contents)
	ref := refcache.NewWithBackend(&fakeRefBackend{bases: bases})
	r, err := Open(ctx, path, newTestOrder(), ref)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

const sample = "#header\n" +
	"chr1\t1\t.\tA\t.\t.\t.\t.\n" +
	"chr1\t5\t.\tAAAAAA\t.\t.\t.\tEND=10\n" +
	"chr1\t11\t.\tT\t.\t.\t.\t.\n" +
	"chr1\t20\t.\tG\t.\t.\t.\t.\n"

func TestRecordAndPositionAtStart(t *testing.T) {
	r := openTestReader(t, sample, nil)
	line, err := r.Record()
	require.NoError(t, err)
	assert.Equal(t, "chr1\t1\t.\tA\t.\t.\t.\t.", line)

	p, err := r.Position()
	require.NoError(t, err)
	assert.True(t, p.Equal(pos("chr1", 1)))
}

func TestNextSkipsCommentsAndTracksOffsets(t *testing.T) {
	r := openTestReader(t, sample, nil)
	// Starts primed on the first data record (comment already skipped).
	line, err := r.Record()
	require.NoError(t, err)
	assert.Equal(t, "chr1\t1\t.\tA\t.\t.\t.\t.", line)
	assert.Equal(t, int64(8), r.CurrentOffset()) // just after "#header\n"

	require.NoError(t, r.Next())
	line, err = r.Record()
	require.NoError(t, err)
	assert.Equal(t, "chr1\t5\t.\tAAAAAA\t.\t.\t.\tEND=10", line)
	assert.Equal(t, int64(27), r.CurrentOffset())
	assert.Equal(t, int64(8), r.PreviousOffset())

	prevLine, ok, err := r.PreviousRecord()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "chr1\t1\t.\tA\t.\t.\t.\t.", prevLine)
}

func TestIsEOFAtEndOfFile(t *testing.T) {
	r := openTestReader(t, sample, nil)
	for {
		eof, err := r.IsEOF()
		require.NoError(t, err)
		if eof {
			break
		}
		require.NoError(t, r.Next())
	}
	_, err := r.Record()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAdvanceToAtLeastPastEOFIsNoop(t *testing.T) {
	r := openTestReader(t, sample, nil)
	require.NoError(t, r.AdvanceToAtLeast(pos("chr1", 1000)))
	eof, err := r.IsEOF()
	require.NoError(t, err)
	assert.True(t, eof)
	// Calling it again once already at EOF must stay a no-op.
	require.NoError(t, r.AdvanceToAtLeast(pos("chr1", 2000)))
}

func TestAdvanceToPastTargetErrors(t *testing.T) {
	r := openTestReader(t, sample, nil)
	require.NoError(t, r.Next()) // now at chr1:5
	err := r.AdvanceTo(pos("chr1", 1))
	assert.Error(t, err)
}

func TestIsDeletion(t *testing.T) {
	assert.False(t, IsDeletion("chr1\t1\t.\tA\t.\t.\t.\t."))
	assert.True(t, IsDeletion("chr1\t5\t.\tAAAAAA\t.\t.\t.\tEND=10"))
}

func TestParseEndPosition(t *testing.T) {
	r := openTestReader(t, sample, nil)
	p, ok, err := r.ParseEndPosition("chr1\t5\t.\tAAAAAA\t.\t.\t.\tEND=10")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Equal(pos("chr1", 10)))

	_, ok, err = r.ParseEndPosition("chr1\t1\t.\tA\t.\t.\t.\t.")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestSaveFirstRecordSplitsReferenceBlock cuts in the middle of the deletion
// spanning chr1:5-10 and checks the emitted half starts exactly at the cut,
// with a freshly fetched reference base.
func TestSaveFirstRecordSplitsReferenceBlock(t *testing.T) {
	r := openTestReader(t, sample, map[string]byte{"chr1:7": 'C'})

	var buf bytes.Buffer
	next, err := r.SaveFirstRecord(pos("chr1", 7), &buf)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "chr1\t7\t.\tC\t.\t.\t.\tEND=10", lines[0])
	assert.Equal(t, "chr1\t11\t.\tT\t.\t.\t.\t.", lines[1])
	assert.Equal(t, r.NextOffset(), next)
}

// TestSaveFirstRecordAtExactBoundaryDoesNotSplit cuts exactly where a record
// starts: no splitting needed, the record is just written whole.
func TestSaveFirstRecordAtExactBoundaryDoesNotSplit(t *testing.T) {
	r := openTestReader(t, sample, nil)

	var buf bytes.Buffer
	_, err := r.SaveFirstRecord(pos("chr1", 11), &buf)
	require.NoError(t, err)
	assert.Equal(t, "chr1\t11\t.\tT\t.\t.\t.\t.\n", buf.String())
}

// TestSaveLastRecordTrimsReferenceBlock exercises the boundary splice from
// the other side: the deletion chr1:5-10 is trimmed so only the part before
// the excluded position survives in this shard.
func TestSaveLastRecordTrimsReferenceBlock(t *testing.T) {
	r := openTestReader(t, sample, nil)
	require.NoError(t, r.Seek(0))
	// Walk forward until we're positioned such that the deletion record is
	// "previous" and the cursor sits on the record after it.
	require.NoError(t, r.AdvanceToAtLeast(pos("chr1", 7)))

	var buf bytes.Buffer
	_, err := saveLastRecord(r, pos("chr1", 7), &buf)
	require.NoError(t, err)

	// saveLastRecord only knows about records starting at its caller's
	// current "previous record" onward; chr1:1 is already behind that and
	// is the bulk copy's responsibility in the real Copy flow, not this
	// isolated call's.
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "chr1\t5\t.\tAAAAAA\t.\t.\t.\tEND=6", lines[0])
}

// TestCopyEndToEnd shards the sample file at [chr1:1, chr1:20), exercising
// SaveFirstRecord, the bulk copy loop and saveLastRecord together.
func TestCopyEndToEnd(t *testing.T) {
	r := openTestReader(t, sample, nil)

	// Find the end offset: the offset just before the chr1:20 record.
	require.NoError(t, r.Seek(0))
	require.NoError(t, r.AdvanceToAtLeast(pos("chr1", 20)))
	endOffset := r.PreviousOffset()
	require.NotEqual(t, UnknownOffset, endOffset)

	var buf bytes.Buffer
	next := pos("chr1", 20)
	_, err := r.Copy(0, pos("chr1", 1), endOffset, &next, &buf)
	require.NoError(t, err)

	got := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	want := []string{
		"chr1\t1\t.\tA\t.\t.\t.\t.",
		"chr1\t5\t.\tAAAAAA\t.\t.\t.\tEND=10",
		"chr1\t11\t.\tT\t.\t.\t.\t.",
	}
	assert.Equal(t, want, got)
}

// TestCopyToEOFWhenNoNextShard copies everything from a given start onward
// when there is no following shard.
func TestCopyToEOFWhenNoNextShard(t *testing.T) {
	r := openTestReader(t, sample, nil)

	var buf bytes.Buffer
	_, err := r.Copy(0, pos("chr1", 11), r.Size(), nil, &buf)
	require.NoError(t, err)

	got := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	want := []string{
		"chr1\t11\t.\tT\t.\t.\t.\t.",
		"chr1\t20\t.\tG\t.\t.\t.\t.",
	}
	assert.Equal(t, want, got)
}
