package core

import (
	"testing"

	"github.com/joeycumines/go-idiomscan/internal/config"
	"github.com/joeycumines/go-idiomscan/internal/events"
	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/joeycumines/go-idiomscan/internal/logging"
	"github.com/joeycumines/go-idiomscan/internal/vclock"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := config.Resolve(config.WithVulnerabilityWindow(1000))
	require.NoError(t, err)
	return New(cfg, logging.Discard)
}

func start(e *Engine, thread, parent uint64) {
	e.Dispatch(events.Event{Kind: events.ThreadStart, ThreadID: events.ThreadID(thread), ParentOrChild: events.ThreadID(parent)})
}

func TestEngine_RecordsIdiom1AcrossThreads(t *testing.T) {
	e := newTestEngine(t)
	start(e, 1, 0)
	start(e, 2, 0)

	require.NoError(t, e.Dispatch(events.Event{
		Kind: events.BeforeMemWrite, ThreadID: 1, Inst: 10, Addr: 100, Size: 4,
	}))
	require.NoError(t, e.Dispatch(events.Event{
		Kind: events.BeforeMemRead, ThreadID: 2, Inst: 20, Addr: 100, Size: 4,
	}))

	found := false
	for _, r := range e.DB.All() {
		if r.Idiom == irootdb.Idiom1 {
			found = true
		}
	}
	require.True(t, found, "a write on one thread followed by a remote read must record an idiom-1 iRoot")
}

func TestEngine_MutexLockUnlockTracksHolder(t *testing.T) {
	e := newTestEngine(t)
	start(e, 1, 0)

	require.NoError(t, e.Dispatch(events.Event{Kind: events.AfterPthreadMutexLock, ThreadID: 1, Inst: 10, Addr: 200}))
	require.Equal(t, vclock.ThreadID(1), e.holders[200])

	require.NoError(t, e.Dispatch(events.Event{Kind: events.BeforePthreadMutexUnlock, ThreadID: 1, Inst: 10, Addr: 200}))
	_, held := e.holders[200]
	require.False(t, held, "unlock must clear the recorded holder")
}

func TestEngine_CondWaitJoinsSignalerVC(t *testing.T) {
	e := newTestEngine(t)
	start(e, 1, 0)
	start(e, 2, 0)

	require.NoError(t, e.Dispatch(events.Event{Kind: events.AfterPthreadMutexLock, ThreadID: 1, Inst: 1, Addr: 300}))
	require.NoError(t, e.Dispatch(events.Event{
		Kind: events.BeforePthreadCondWait, ThreadID: 1, Addr: 400, ParentOrChild: 300,
	}))
	require.NoError(t, e.Dispatch(events.Event{Kind: events.AfterPthreadCondSignal, ThreadID: 2, Addr: 400}))
	require.NoError(t, e.Dispatch(events.Event{
		Kind: events.AfterPthreadCondWait, ThreadID: 1, Addr: 400, ParentOrChild: 300,
	}))

	ts := e.threads[1]
	require.Greater(t, ts.vc.Get(2), uint64(0), "waking from cond_wait must join the signaler's VC")
}

func TestEngine_BarrierExchangesVC(t *testing.T) {
	e := newTestEngine(t)
	start(e, 1, 0)
	start(e, 2, 0)

	require.NoError(t, e.Dispatch(events.Event{Kind: events.BeforePthreadBarrierWait, ThreadID: 1, Addr: 500}))
	require.NoError(t, e.Dispatch(events.Event{Kind: events.BeforePthreadBarrierWait, ThreadID: 2, Addr: 500}))
	require.NoError(t, e.Dispatch(events.Event{Kind: events.AfterPthreadBarrierWait, ThreadID: 1, Addr: 500}))
	require.NoError(t, e.Dispatch(events.Event{Kind: events.AfterPthreadBarrierWait, ThreadID: 2, Addr: 500}))

	require.Greater(t, e.threads[1].vc.Get(2), uint64(0))
	require.Greater(t, e.threads[2].vc.Get(1), uint64(0))
}

func TestEngine_AllocFreeDoesNotPanic(t *testing.T) {
	e := newTestEngine(t)
	start(e, 1, 0)

	require.NoError(t, e.Dispatch(events.Event{Kind: events.AfterMalloc, ThreadID: 1, Addr: 600, Size: 16}))
	require.NoError(t, e.Dispatch(events.Event{Kind: events.BeforeMemWrite, ThreadID: 1, Inst: 1, Addr: 600, Size: 4}))
	require.NoError(t, e.Dispatch(events.Event{Kind: events.BeforeFree, ThreadID: 1, Addr: 600}))
}

func TestEngine_SyscallEntryMarksAsyncWindow(t *testing.T) {
	e := newTestEngine(t)
	start(e, 1, 0)

	require.NoError(t, e.Dispatch(events.Event{
		Kind: events.SyscallEntry, ThreadID: 1, SyscallOrSignalNum: events.SyscallAccept,
	}))
	require.True(t, e.threads[1].async)
}

func TestEngine_ActiveSchedulerCompletesAndReportsToMemo(t *testing.T) {
	e := newTestEngine(t)
	e1 := e.DB.GetEvent(10, irootdb.MutexLock)
	e2 := e.DB.GetEvent(20, irootdb.MutexLock)
	root := e.DB.GetIRoot(irootdb.Idiom1, []irootdb.EventID{e1.ID, e2.ID}, 0, 0, true)
	e.WithActiveScheduler(root, 1_000_000)

	start(e, 1, 0)
	start(e, 2, 0)

	require.NoError(t, e.Dispatch(events.Event{Kind: events.AfterPthreadMutexLock, ThreadID: 1, Inst: 10, Addr: 999}))
	require.NoError(t, e.Dispatch(events.Event{Kind: events.AfterPthreadMutexLock, ThreadID: 2, Inst: 20, Addr: 999}))

	require.True(t, e.Scheduler.Done())
	require.True(t, e.Memo.Info(root.ID).Exposed)
}

func TestEngine_Finish_DoesNotPanicOnEmptyState(t *testing.T) {
	e := newTestEngine(t)
	e.Finish()
	require.Equal(t, 1, e.History.Count())
}
