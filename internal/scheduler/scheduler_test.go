package scheduler

import (
	"testing"

	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/joeycumines/go-idiomscan/internal/memo"
	"github.com/joeycumines/go-idiomscan/internal/vclock"
	"github.com/stretchr/testify/require"
)

func seedIdiom1(t *testing.T, db *irootdb.DB) *irootdb.IRoot {
	t.Helper()
	e1 := db.GetEvent(10, irootdb.MemWrite)
	e2 := db.GetEvent(20, irootdb.MemRead)
	return db.GetIRoot(irootdb.Idiom1, []irootdb.EventID{e1.ID, e2.ID}, 0, 0, true)
}

// seedIdiom2 mirrors predictor.tryEmit's idiom-2 event order: outer pair
// plus the shared middle event (spec.md §4.7: "a common remote thread T
// holds a succ S of prev and a pred P of curr... S = P").
func seedIdiom2(t *testing.T, db *irootdb.DB) *irootdb.IRoot {
	t.Helper()
	outerA := db.GetEvent(10, irootdb.MemWrite)
	mid := db.GetEvent(15, irootdb.MutexLock)
	outerB := db.GetEvent(20, irootdb.MemRead)
	return db.GetIRoot(irootdb.Idiom2, []irootdb.EventID{outerA.ID, mid.ID, outerB.ID}, 0, 0, true)
}

// seedIdiom34 mirrors predictor.tryEmit's idiom-3/4 event order: outer
// pair, then inner pair in forward timing order.
func seedIdiom34(t *testing.T, db *irootdb.DB, idiom irootdb.Idiom) *irootdb.IRoot {
	t.Helper()
	outerA := db.GetEvent(10, irootdb.MemWrite)
	outerB := db.GetEvent(20, irootdb.MemRead)
	innerA := db.GetEvent(30, irootdb.MemWrite)
	innerB := db.GetEvent(40, irootdb.MemRead)
	return db.GetIRoot(idiom, []irootdb.EventID{outerA.ID, outerB.ID, innerA.ID, innerB.ID}, 0, 0, true)
}

// seedIdiom5 mirrors predictor.emitDeadlockVariant's reversed-inner-pair
// event order (spec.md §4.7, §8 scenario 4's classic AB/BA deadlock
// shape).
func seedIdiom5(t *testing.T, db *irootdb.DB) *irootdb.IRoot {
	t.Helper()
	outerA := db.GetEvent(10, irootdb.MutexLock)
	outerB := db.GetEvent(20, irootdb.MutexLock)
	innerB := db.GetEvent(40, irootdb.MutexLock)
	innerA := db.GetEvent(30, irootdb.MutexLock)
	return db.GetIRoot(irootdb.Idiom5, []irootdb.EventID{outerA.ID, outerB.ID, innerB.ID, innerA.ID}, 0, 0, true)
}

func TestScheduler_ReachesDoneOnTargetSequenceAcrossThreads(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom1(t, db)
	s := New(db, r, Config{VW: 1000, WatchBudget: 100})

	require.Equal(t, ResultContinue, s.OnEvent(1, 10, irootdb.MemWrite))
	require.Equal(t, PriorityLower, s.Priority(1))

	require.Equal(t, ResultDone, s.OnEvent(2, 20, irootdb.MemRead))
	require.True(t, s.Done())
}

func TestScheduler_SameThreadRepeatEntersWatch(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom1(t, db)
	s := New(db, r, Config{VW: 1000, WatchBudget: 5})

	s.OnEvent(1, 10, irootdb.MemWrite)
	// Thread 1 also fires the second target event itself — not the
	// cross-thread completion the iRoot requires.
	s.OnEvent(1, 20, irootdb.MemRead)
	require.False(t, s.Done())

	require.Equal(t, ResultFailed, s.OnInstCount(1, 10))
	require.True(t, s.Failed())
}

func TestScheduler_WindowExpiryFails(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom1(t, db)
	s := New(db, r, Config{VW: 10, WatchBudget: 100})

	s.OnEvent(1, 10, irootdb.MemWrite)
	require.Equal(t, ResultFailed, s.OnInstCount(2, 20))
	require.True(t, s.Failed())
}

func TestScheduler_Complete_ReportsToMemo(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom1(t, db)
	m := memo.New(db, 6, 2)
	s := New(db, r, Config{VW: 1000, WatchBudget: 100})

	s.OnEvent(1, 10, irootdb.MemWrite)
	s.OnEvent(2, 20, irootdb.MemRead)
	require.Equal(t, ResultDone, s.Complete(m))
	require.True(t, m.Info(r.ID).Exposed)
}

func TestScheduler_FairnessBoost(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom1(t, db)
	s := New(db, r, Config{VW: 1000, WatchBudget: 100})

	s.OnEvent(1, 10, irootdb.MemWrite) // thread 1 demoted
	require.Equal(t, PriorityLower, s.Priority(1))

	s.OnMutexBlocked(2, 1) // thread 2 (promoted) blocked on thread 1 (demoted)
	require.Equal(t, PriorityMax, s.Priority(1))

	s.OnMutexUnlocked(1)
	require.Equal(t, PriorityLower, s.Priority(1))
}

func TestScheduler_Idiom2_ReachesDoneAcrossThreeEvents(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom2(t, db)
	s := New(db, r, Config{VW: 1000, WatchBudget: 100})

	require.Equal(t, ResultContinue, s.OnEvent(1, 10, irootdb.MemWrite))
	require.Equal(t, ResultContinue, s.OnEvent(2, 15, irootdb.MutexLock))
	require.Equal(t, ResultDone, s.OnEvent(1, 20, irootdb.MemRead))
	require.True(t, s.Done())
}

func TestScheduler_Idiom3_ReachesDoneAcrossFourEvents(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom34(t, db, irootdb.Idiom3)
	s := New(db, r, Config{VW: 1000, WatchBudget: 100})

	require.Equal(t, ResultContinue, s.OnEvent(1, 10, irootdb.MemWrite))
	require.Equal(t, ResultContinue, s.OnEvent(2, 20, irootdb.MemRead))
	require.Equal(t, ResultContinue, s.OnEvent(1, 30, irootdb.MemWrite))
	require.Equal(t, ResultDone, s.OnEvent(2, 40, irootdb.MemRead))
	require.True(t, s.Done())
}

func TestScheduler_Idiom4_ReachesDoneAcrossFourEvents(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom34(t, db, irootdb.Idiom4)
	s := New(db, r, Config{VW: 1000, WatchBudget: 100})

	require.Equal(t, ResultContinue, s.OnEvent(1, 10, irootdb.MemWrite))
	require.Equal(t, ResultContinue, s.OnEvent(2, 20, irootdb.MemRead))
	require.Equal(t, ResultContinue, s.OnEvent(1, 30, irootdb.MemWrite))
	require.Equal(t, ResultDone, s.OnEvent(2, 40, irootdb.MemRead))
	require.True(t, s.Done())
}

func TestScheduler_Idiom5_ReachesDoneAcrossFourEvents(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom5(t, db)
	s := New(db, r, Config{VW: 1000, WatchBudget: 100})

	require.Equal(t, ResultContinue, s.OnEvent(1, 10, irootdb.MutexLock))
	require.Equal(t, ResultContinue, s.OnEvent(2, 20, irootdb.MutexLock))
	// A third thread fires the inner pair's first target, so neither outer
	// actor's self-watch/second-watch branch fires — a plain advance.
	require.Equal(t, ResultContinue, s.OnEvent(3, 40, irootdb.MutexLock))
	require.Equal(t, ResultDone, s.OnEvent(1, 30, irootdb.MutexLock))
	require.True(t, s.Done())
}

// TestScheduler_Idiom5_DoubleWatchWindow drives both outer actors past the
// inner pair independently (spec.md §9 Open Question 1's "two watch
// windows"): each outer actor racing ahead arms its own watch slot, and
// the two must fail independently rather than one clobbering the other.
func TestScheduler_Idiom5_DoubleWatchWindow(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom5(t, db)
	s := New(db, r, Config{VW: 1000, WatchBudget: 5})

	// Both outer events fire, on distinct threads — actor[0]=1, actor[1]=2.
	require.Equal(t, ResultContinue, s.OnEvent(1, 10, irootdb.MutexLock))
	require.Equal(t, ResultContinue, s.OnEvent(2, 20, irootdb.MutexLock))

	// Thread 1 (actor[next-2]) reaches the inner pair's first target ahead
	// of schedule: arms the second watch slot without advancing the DFA.
	require.Equal(t, ResultContinue, s.OnEvent(1, 40, irootdb.MutexLock))
	require.False(t, s.Done())
	require.False(t, s.Failed())

	// Thread 2 (actor[next-1]) does the same: arms the first watch slot
	// concurrently with the second, which must remain armed.
	require.Equal(t, ResultContinue, s.OnEvent(2, 40, irootdb.MutexLock))
	require.False(t, s.Done())
	require.False(t, s.Failed())

	// The second watch slot (thread 1) expires first; the first slot
	// (thread 2) still has its full budget, so this must fail because of
	// thread 1's own watch expiring, not because the two slots collapsed
	// into one.
	require.Equal(t, ResultFailed, s.OnInstCount(1, 5))
	require.True(t, s.Failed())
}

func TestScheduler_Idiom5_DoubleWatchWindow_FirstSlotExpiresIndependently(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom5(t, db)
	s := New(db, r, Config{VW: 1000, WatchBudget: 5})

	require.Equal(t, ResultContinue, s.OnEvent(1, 10, irootdb.MutexLock))
	require.Equal(t, ResultContinue, s.OnEvent(2, 20, irootdb.MutexLock))
	require.Equal(t, ResultContinue, s.OnEvent(1, 40, irootdb.MutexLock)) // arms watch2 (thread 1)
	require.Equal(t, ResultContinue, s.OnEvent(2, 40, irootdb.MutexLock)) // arms watch1 (thread 2)

	// A small tick against thread 1 should not exhaust thread 2's
	// independent budget.
	require.Equal(t, ResultContinue, s.OnInstCount(1, 1))
	require.False(t, s.Failed())

	// Thread 2's own watch now expires on its own budget.
	require.Equal(t, ResultFailed, s.OnInstCount(2, 5))
	require.True(t, s.Failed())
}

func TestScheduler_IgnoresNonTargetEvents(t *testing.T) {
	db := irootdb.New()
	r := seedIdiom1(t, db)
	s := New(db, r, Config{VW: 1000, WatchBudget: 100})

	require.Equal(t, ResultContinue, s.OnEvent(5, 999, irootdb.MutexLock))
	require.False(t, s.Done())
	require.False(t, s.Failed())

	var threadID vclock.ThreadID = 1
	require.Equal(t, ResultContinue, s.OnEvent(threadID, 10, irootdb.MemWrite))
}
