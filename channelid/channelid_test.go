package channelid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubID_UnsetSortsBelowSet(t *testing.T) {
	u := UnsetSubID(4)
	r := Rank(0, 4)
	assert.True(t, u.IsUnset())
	assert.False(t, r.IsUnset())
	assert.Equal(t, -1, u.Compare(r))
	assert.Equal(t, 1, r.Compare(u))
}

func TestSubID_StridedCovers(t *testing.T) {
	s := Strided(0, 2, 8)
	require.True(t, s.IsStrided())
	assert.True(t, s.Covers(Rank(0, 8)))
	assert.True(t, s.Covers(Rank(2, 8)))
	assert.True(t, s.Covers(Rank(6, 8)))
	assert.False(t, s.Covers(Rank(1, 8)))
	assert.False(t, s.Covers(Rank(-2, 8)))
}

func TestSubID_SingleStrideIsPlainRank(t *testing.T) {
	s := Strided(3, SingleStride, 8)
	assert.False(t, s.IsStrided())
	assert.True(t, s.Covers(Rank(3, 8)))
	assert.False(t, s.Covers(Rank(4, 8)))
}

func TestID_CompareLexicographic(t *testing.T) {
	a := ID{Rank(0, 2), Rank(1, 4)}
	b := ID{Rank(0, 2), Rank(2, 4)}
	c := ID{Rank(1, 2), Rank(0, 4)}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, -1, a.Compare(c))
	assert.True(t, a.Equal(a.Clone()))
}

func TestID_CompareShorterPrefix(t *testing.T) {
	a := ID{Rank(0, 2)}
	b := ID{Rank(0, 2), Rank(1, 4)}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
}

func TestID_CloneIsIndependent(t *testing.T) {
	a := ID{Rank(0, 2)}
	b := a.Clone()
	b[0] = Rank(1, 2)
	assert.Equal(t, int64(0), a[0].FromChannel)
	assert.Equal(t, int64(1), b[0].FromChannel)
}

func TestID_WithAppendedLeavesOriginalUntouched(t *testing.T) {
	a := ID{Rank(0, 2)}
	b := a.WithAppended(Rank(3, 4))
	require.Len(t, a, 1)
	require.Len(t, b, 2)
	assert.Equal(t, int64(3), b[1].FromChannel)
}
