package vclock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClock_IncrIsMonotonic(t *testing.T) {
	c := New()
	c.Incr(1)
	require.EqualValues(t, 1, c.Get(1))
	c.Incr(1)
	require.EqualValues(t, 2, c.Get(1))
}

func TestClock_JoinIsPointwiseMax(t *testing.T) {
	a := New()
	a.Set(1, 5)
	a.Set(2, 1)

	b := New()
	b.Set(1, 3)
	b.Set(2, 9)
	b.Set(3, 4)

	a.Join(b)
	require.EqualValues(t, 5, a.Get(1))
	require.EqualValues(t, 9, a.Get(2))
	require.EqualValues(t, 4, a.Get(3))
}

func TestClock_HappensBefore(t *testing.T) {
	a := New()
	a.Set(1, 1)
	b := a.Clone()
	b.Incr(2)

	require.True(t, a.HappensBefore(b))
	require.False(t, b.HappensBefore(a))
	require.False(t, a.HappensBefore(a))
}

func TestClock_Concurrent(t *testing.T) {
	a := New()
	a.Set(1, 1)
	b := New()
	b.Set(2, 1)

	require.True(t, Concurrent(a, b))
	require.False(t, Concurrent(a, a))
}

func TestClock_Equal(t *testing.T) {
	a := New()
	a.Set(1, 4)
	b := a.Clone()
	require.True(t, a.Equal(b))
	b.Incr(1)
	require.False(t, a.Equal(b))
}

func TestLockSet_AddIssuesFreshVersionEachTime(t *testing.T) {
	ls := NewLockSet()
	v1 := ls.Add(100)
	ls.Remove(100)
	v2 := ls.Add(100)
	require.NotEqual(t, v1, v2)
}

func TestLockSet_RemoveIsIdempotent(t *testing.T) {
	ls := NewLockSet()
	ls.Add(100)
	ls.Remove(100)
	require.NotPanics(t, func() { ls.Remove(100) })
	_, ok := ls.Version(100)
	require.False(t, ok)
}

func TestLockSet_ExistTracksVersionPrecisely(t *testing.T) {
	ls := NewLockSet()
	v := ls.Add(42)
	require.True(t, ls.Exist(42, v))
	require.False(t, ls.Exist(42, v+1))
	ls.Remove(42)
	require.False(t, ls.Exist(42, v))
}

func TestLockSet_MatchIgnoresVersion(t *testing.T) {
	a := NewLockSet()
	a.Add(1)
	b := NewLockSet()
	b.Add(1)
	require.True(t, Match(a, b))

	b.Add(2)
	require.False(t, Match(a, b))
}

func TestLockSet_DisjointRequiresVersionMismatch(t *testing.T) {
	a := NewLockSet()
	v := a.Add(1)
	b := NewLockSet()
	require.True(t, Disjoint(a, b))

	b.Add(1) // different version, same address
	require.True(t, Disjoint(a, b))

	b2 := a.Clone()
	require.False(t, Disjoint(a, b2))
	_ = v
}

func TestFlaggedLockSet_MutuallyExclude(t *testing.T) {
	prevLS := NewLockSet()
	prevLS.Add(7)
	currLS := NewLockSet()

	prevFLS := NewFlaggedLockSet()
	prevFLS.SetFirst(7)
	prevFLS.CloseLast(prevLS, currLS) // lock released before curr -> Last=true

	currFLS := NewFlaggedLockSet()
	currLS2 := NewLockSet()
	currLS2.Add(7)
	currFLS.SetFirst(7)

	require.True(t, MutuallyExclude(prevFLS, currFLS, []Addr{7}))
}

func TestFlaggedLockSet_NotExcludedWithoutCommonAddr(t *testing.T) {
	a := NewFlaggedLockSet()
	b := NewFlaggedLockSet()
	require.False(t, MutuallyExclude(a, b, nil))
}
