package regionfilter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter_ContainsWithinRange(t *testing.T) {
	f := New()
	f.Add(100, 50) // [100, 150)

	require.True(t, f.Contains(100))
	require.True(t, f.Contains(149))
	require.False(t, f.Contains(150))
	require.False(t, f.Contains(99))
}

func TestFilter_AddIsIdempotent(t *testing.T) {
	f := New()
	f.Add(100, 50)
	f.Add(100, 50)
	require.Len(t, f.ivs, 1)
}

func TestFilter_RemoveReturnsSizeAndIsIdempotent(t *testing.T) {
	f := New()
	f.Add(100, 50)

	size, ok := f.Remove(100)
	require.True(t, ok)
	require.EqualValues(t, 50, size)

	_, ok = f.Remove(100)
	require.False(t, ok)
	require.False(t, f.Contains(120))
}

func TestFilter_MultipleRegionsSortedLookup(t *testing.T) {
	f := New()
	f.Add(500, 100)
	f.Add(100, 50)
	f.Add(1000, 10)

	require.True(t, f.Contains(520))
	require.True(t, f.Contains(105))
	require.True(t, f.Contains(1005))
	require.False(t, f.Contains(300))
}

func TestFilter_RegionsWithin(t *testing.T) {
	f := New()
	f.Add(0, 10)
	f.Add(20, 10)
	f.Add(40, 10)

	got := f.RegionsWithin(15, 10) // [15, 25) overlaps [20,30)
	require.Equal(t, []uint64{20}, got)

	got = f.RegionsWithin(0, 100)
	require.Equal(t, []uint64{0, 20, 40}, got)
}
