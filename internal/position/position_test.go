package position_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verilylifesciences/joint-genotype/internal/position"
)

func TestOrderingSameContig(t *testing.T) {
	positions, order, err := position.ParseShardsTable(strings.NewReader(
		"chr1\t1\t100\nchr1\t101\t200\n"))
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.True(t, positions[0].Before(positions[1]))
	assert.False(t, positions[1].Before(positions[0]))
	assert.Equal(t, 0, positions[0].Compare(positions[0]))
	_ = order
}

func TestOrderingDifferentContigs(t *testing.T) {
	positions, _, err := position.ParseShardsTable(strings.NewReader(
		"chr1\t500\t600\nchr2\t1\t50\n"))
	require.NoError(t, err)
	assert.True(t, positions[0].Before(positions[1]), "chr1:500 should sort before chr2:1")
}

func TestEqualityIgnoresOrderInstance(t *testing.T) {
	_, order1, err := position.ParseShardsTable(strings.NewReader("chr1\t1\t2\n"))
	require.NoError(t, err)
	_, order2, err := position.ParseShardsTable(strings.NewReader("chr1\t1\t2\n"))
	require.NoError(t, err)
	a := position.New("chr1", 5, order1)
	b := position.New("chr1", 5, order2)
	assert.True(t, a.Equal(b))
	assert.Equal(t, 0, a.Compare(b))
}

func TestCompareAcrossOrdersPanicsWhenNotEqual(t *testing.T) {
	_, order1, err := position.ParseShardsTable(strings.NewReader("chr1\t1\t2\nchr2\t1\t2\n"))
	require.NoError(t, err)
	_, order2, err := position.ParseShardsTable(strings.NewReader("chr1\t1\t2\nchr2\t1\t2\n"))
	require.NoError(t, err)
	a := position.New("chr1", 5, order1)
	b := position.New("chr2", 6, order2)
	assert.Panics(t, func() { a.Compare(b) })
}

func TestNewPanicsOnNonPositivePos(t *testing.T) {
	order := &position.ContigOrder{}
	assert.Panics(t, func() { position.New("chr1", 0, order) })
}

func TestMax(t *testing.T) {
	positions, _, err := position.ParseShardsTable(strings.NewReader("chr1\t1\t2\nchr1\t50\t60\n"))
	require.NoError(t, err)
	assert.Equal(t, positions[1], position.Max(positions[0], positions[1]))
	assert.Equal(t, positions[1], position.Max(positions[1], positions[0]))
}

func TestParseShardsTableSkipsComments(t *testing.T) {
	positions, _, err := position.ParseShardsTable(strings.NewReader(
		"# a comment\nchr1\t1\t2\n\n#another\nchr1\t10\t20\n"))
	require.NoError(t, err)
	assert.Len(t, positions, 2)
}

func TestParseShardsTableRejectsBadArity(t *testing.T) {
	_, _, err := position.ParseShardsTable(strings.NewReader("chr1\t1\n"))
	assert.Error(t, err)

	_, _, err = position.ParseShardsTable(strings.NewReader("chr1\t1\t2\tchr2\n"))
	assert.Error(t, err)
}

func TestParseShardsTableMultiTripleContigOrder(t *testing.T) {
	// Second triple on the first line introduces chr2 before it appears as a
	// first-triple contig on its own line.
	positions, _, err := position.ParseShardsTable(strings.NewReader(
		"chr1\t100\t200\tchr2\t1\t50\nchr2\t51\t60\n"))
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.True(t, positions[0].Before(positions[1]))
}
