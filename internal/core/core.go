// Package core implements the ExecutionControl dispatch loop (spec.md §5,
// §6.1): the single call boundary every instrumentation callback enters
// through, serialized by one global kernel_lock exactly as spec.md §5
// describes ("parallel OS threads with a single global analyzer mutex").
// It owns per-thread VC/LS lifecycle (ThreadStart/ThreadExit, cond-wait and
// barrier rendezvous, join), translates the raw events.Event table into
// observer.Access / predictor.Access calls, and feeds the active or
// auxiliary scheduler when one is wired in.
//
// The panic-to-log translation on Dispatch is grounded on the teacher's
// top-level abort handling (eventloop/abort.go): any panic escaping a
// single callback is recovered, logged, and returned as an error rather
// than crashing the host application (SPEC_FULL.md §7.1). Dispatch does
// not write any database and does not end the process; saving is done by
// the cmd/ front ends after Finish.
package core

import (
	"math/rand"
	"sync"
	"syscall"

	"github.com/joeycumines/go-idiomscan/internal/auxsched"
	"github.com/joeycumines/go-idiomscan/internal/config"
	"github.com/joeycumines/go-idiomscan/internal/events"
	"github.com/joeycumines/go-idiomscan/internal/history"
	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/joeycumines/go-idiomscan/internal/logging"
	"github.com/joeycumines/go-idiomscan/internal/memo"
	"github.com/joeycumines/go-idiomscan/internal/observer"
	"github.com/joeycumines/go-idiomscan/internal/predictor"
	"github.com/joeycumines/go-idiomscan/internal/scheduler"
	"github.com/joeycumines/go-idiomscan/internal/sinfo"
	"github.com/joeycumines/go-idiomscan/internal/vclock"
)

// commonLibNames is the ignore_lib knob's (spec.md §6.3) fixed set of
// image-name substrings treated as "common library" code: "drop accesses
// from libc/libstdc++/ld-linux".
var commonLibNames = []string{"libc", "libstdc++", "ld-linux"}

// threadState is the per-thread lifecycle record the core owns: VC, LS,
// and the local logical clock (thd_clk) every event on this thread
// advances (spec.md §3, §5).
type threadState struct {
	vc      *vclock.Clock
	ls      *vclock.LockSet
	clk     uint64
	async   bool // true while inside an interruptible syscall window (spec.md §4.7)
	running bool
}

// condState tracks the threads currently parked between
// BeforePthreadCondWait and AfterPthreadCondWait on one condition variable,
// and any VC a signaler has joined into a waiter pending its wakeup
// (spec.md §6.1: "Join VC into waiters per the cond state machine").
type condState struct {
	waiting []vclock.ThreadID
	pending map[vclock.ThreadID]*vclock.Clock
}

// barrierState tracks one barrier's current generation and the pending
// double-buffered merge clock every arriving thread joins into (spec.md
// §6.1: "Double-buffered VC merge, all waiters exchange"). It does not
// record which threads have arrived.
type barrierState struct {
	generation uint64
	pending    *vclock.Clock
}

// Engine wires every analyzed-run component together under one kernel_lock
// (spec.md §5). One Engine is created per analyzed run.
type Engine struct {
	mu sync.Mutex // kernel_lock

	cfg *config.Knobs
	log *logging.Logger

	Registry  *sinfo.Registry
	DB        *irootdb.DB
	Memo      *memo.Store
	Observer  *observer.Observer
	Predictor *predictor.Predictor
	History   *history.Estimator

	// Exactly one of these is non-nil, selecting the run mode.
	Scheduler *scheduler.Scheduler
	Random    *auxsched.RandomScheduler
	PCT       *auxsched.PCTScheduler

	threads  map[vclock.ThreadID]*threadState
	conds    map[uint64]*condState
	barriers map[uint64]*barrierState
	holders  map[uint64]vclock.ThreadID // mutex address -> current holder, for fairness boosting

	instCount      uint64
	schedCompleted bool
}

// New builds an Engine for the observe-and-predict run mode (cmd/idiomscan-observe):
// C1 -> observer + predictor, with no active steering, starting from
// fresh (empty) databases.
func New(cfg *config.Knobs, log *logging.Logger) *Engine {
	return NewFromStores(cfg, log, sinfo.New(), irootdb.New(), nil)
}

// NewFromStores builds an Engine exactly as New does, but continuing
// atop already-populated stores (spec.md §4.3's "absent files start a
// fresh analysis" implies present files resume one): the shape every
// cmd/ front end needs once sinfo.db/iroot.db/memo.db have been loaded
// from a prior run. A nil memo is treated as "build a fresh one over db".
func NewFromStores(cfg *config.Knobs, log *logging.Logger, reg *sinfo.Registry, db *irootdb.DB, m *memo.Store) *Engine {
	if m == nil {
		m = memo.New(db, cfg.TotalFailedLimit, cfg.FailedLimit)
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		Registry: reg,
		DB:       db,
		Memo:     m,
		Observer: observer.New(db, m, uint64(cfg.VulnerabilityWindow)),
		History:  history.New(),
		threads:  make(map[vclock.ThreadID]*threadState),
		conds:    make(map[uint64]*condState),
		barriers: make(map[uint64]*barrierState),
		holders:  make(map[uint64]vclock.ThreadID),
	}
	var commonLib func(sinfo.InstID) bool
	if cfg.IgnoreLib {
		commonLib = e.isCommonLib
	}
	e.Predictor = predictor.New(db, m, predictor.Config{
		VW:              uint64(cfg.VulnerabilityWindow),
		ComplexIdioms:   cfg.ComplexIdioms,
		SingleVarIdioms: cfg.SingleVarIdioms,
		PredictDeadlock: cfg.PredictDeadlock,
		CommonLib:       commonLib,
	})
	return e
}

// WithActiveScheduler attaches C8, steering this run toward iroot
// (cmd/idiomscan-active). Must be called before any events are dispatched.
func (e *Engine) WithActiveScheduler(iroot *irootdb.IRoot, watchBudget uint64) *Engine {
	e.Scheduler = scheduler.New(e.DB, iroot, scheduler.Config{
		VW:                      uint64(e.cfg.VulnerabilityWindow),
		WatchBudget:             watchBudget,
		LowestRealtimePriority:  e.cfg.LowestRealtimePriority,
		HighestRealtimePriority: e.cfg.HighestRealtimePriority,
		CPU:                     e.cfg.CPU,
	})
	return e
}

// WithRandomScheduler attaches C9's uniform random baseline scheduler
// (cmd/idiomscan-random), scaled from the engine's prior-run history
// estimate.
func (e *Engine) WithRandomScheduler(rcfg auxsched.RandomConfig, rng *rand.Rand) *Engine {
	e.Random = auxsched.NewRandom(rcfg, e.History, rng)
	return e
}

// WithPCTScheduler attaches C9's PCT baseline scheduler (cmd/idiomscan-pct).
func (e *Engine) WithPCTScheduler(pcfg auxsched.PCTConfig, rng *rand.Rand) *Engine {
	e.PCT = auxsched.NewPCT(pcfg, e.History, rng)
	return e
}

// isCommonLib reports whether inst's owning image matches the ignore_lib
// knob's fixed name set (spec.md §6.3).
func (e *Engine) isCommonLib(inst sinfo.InstID) bool {
	si, ok := e.Registry.FindInst(inst)
	if !ok {
		return false
	}
	img, ok := e.Registry.FindImage(si.Image)
	if !ok {
		return false
	}
	for _, name := range commonLibNames {
		if containsFold(img.Name, name) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return len(needle) == 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equalFold(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (e *Engine) threadFor(t vclock.ThreadID) *threadState {
	ts, ok := e.threads[t]
	if !ok {
		ts = &threadState{vc: vclock.New(), ls: vclock.NewLockSet(), running: true}
		e.threads[t] = ts
	}
	return ts
}

// runningThreads returns every thread currently marked as running, for the
// auxiliary schedulers' Tick calls.
func (e *Engine) runningThreads() []vclock.ThreadID {
	out := make([]vclock.ThreadID, 0, len(e.threads))
	for t, ts := range e.threads {
		if ts.running {
			out = append(out, t)
		}
	}
	return out
}

// Dispatch feeds one instrumentation callback through the core under
// kernel_lock (spec.md §5). Any panic inside this call is recovered,
// logged, and returned as an error so one malformed callback cannot crash
// the host application (SPEC_FULL.md §7.1).
func (e *Engine) Dispatch(ev events.Event) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.log.Err().Log("core: recovered panic in Dispatch")
			err = &dispatchPanic{reason: r}
		}
	}()
	e.dispatchLocked(ev)
	return nil
}

type dispatchPanic struct{ reason any }

func (p *dispatchPanic) Error() string { return "idiomscan: core dispatch panic (recovered)" }

func (e *Engine) dispatchLocked(ev events.Event) {
	switch ev.Kind {
	case events.ThreadStart:
		e.onThreadStart(ev)
	case events.ThreadExit:
		e.onThreadExit(ev)
	case events.BeforeMemRead:
		// sync_only (spec.md §6.3) disables plain memory-access
		// instrumentation entirely, mirroring the original's
		// "if (!sync_only_) desc_.SetHookBeforeMem()" hook-registration
		// gate; the atomic-instruction hook is registered unconditionally
		// there and so is never gated here.
		if !e.cfg.SyncOnly {
			e.onMemAccess(ev, irootdb.MemRead, false)
		}
	case events.BeforeMemWrite:
		if !e.cfg.SyncOnly {
			e.onMemAccess(ev, irootdb.MemWrite, false)
		}
	case events.AfterAtomicInst:
		e.onMemAccess(ev, irootdb.MemWrite, true)
	case events.AfterPthreadMutexLock:
		e.onMutexLock(ev)
	case events.BeforePthreadMutexUnlock:
		e.onMutexUnlock(ev)
	case events.BeforePthreadCondWait:
		e.onBeforeCondWait(ev)
	case events.AfterPthreadCondWait:
		e.onAfterCondWait(ev)
	case events.AfterPthreadCondSignal:
		e.onCondSignal(ev, false)
	case events.AfterPthreadCondBroadcast:
		e.onCondSignal(ev, true)
	case events.BeforePthreadBarrierWait:
		e.onBeforeBarrier(ev)
	case events.AfterPthreadBarrierWait:
		e.onAfterBarrier(ev)
	case events.AfterPthreadJoin:
		e.onJoin(ev)
	case events.AfterMalloc, events.AfterCalloc, events.AfterRealloc, events.AfterValloc:
		e.onAllocRegion(ev)
	case events.BeforeFree, events.BeforeRealloc:
		e.onFreeRegion(ev)
	case events.SyscallEntry:
		e.onSyscallEntry(ev)
	case events.SignalReceived:
		// A pending SIGINT/SIGALRM handler opens the same "async" window as
		// an interruptible syscall (spec.md §4.7, §6.1): the handler racing
		// with the interrupted thread is the same hazard.
		if sig := syscall.Signal(ev.SyscallOrSignalNum); sig == syscall.SIGINT || sig == syscall.SIGALRM {
			e.threadFor(ev.ThreadID).async = true
		}
	}
	e.tickSchedulers(ev.ThreadID)
}

// onThreadStart creates curr's VC seeded from parent's, incrementing
// parent (spec.md §6.1: "Create VC, seed from parent VC, increment
// parent").
func (e *Engine) onThreadStart(ev events.Event) {
	curr := e.threadFor(ev.ThreadID)
	if parent, ok := e.threads[ev.ParentOrChild]; ok {
		curr.vc.Join(parent.vc)
		parent.vc.Incr(ev.ParentOrChild)
	}
	curr.vc.Incr(ev.ThreadID)
	if e.Random != nil {
		e.Random.OnThreadStart(ev.ThreadID)
	}
	if e.PCT != nil {
		e.PCT.OnThreadStart(ev.ThreadID)
	}
}

// onThreadExit moves curr's VC to its resting point and marks the thread
// no longer running; its VC remains available for a later AfterPthreadJoin
// (spec.md §6.1, §5's "release per-thread analyzer state").
func (e *Engine) onThreadExit(ev events.Event) {
	ts := e.threadFor(ev.ThreadID)
	ts.vc.Incr(ev.ThreadID)
	ts.running = false
}

// onJoin joins the child's exit VC into curr (spec.md §6.1).
func (e *Engine) onJoin(ev events.Event) {
	curr := e.threadFor(ev.ThreadID)
	if child, ok := e.threads[ev.ParentOrChild]; ok {
		curr.vc.Join(child.vc)
	}
	curr.vc.Incr(ev.ThreadID)
}

// onMemAccess generates one access per unit_size-aligned sub-range of
// [addr, addr+size) (spec.md §6.1) and feeds it to both the observer and
// the predictor.
func (e *Engine) onMemAccess(ev events.Event, kind irootdb.EventKind, atomicRMW bool) {
	ts := e.threadFor(ev.ThreadID)
	unit := uint64(e.cfg.UnitSize)
	if unit == 0 {
		unit = 1
	}
	size := ev.Size
	if size == 0 {
		size = unit
	}
	for off := uint64(0); off < size; off += unit {
		ts.clk++
		addr := (ev.Addr + off) / unit * unit
		e.processAccess(ev.ThreadID, ev.ThdClk, uint64(ev.Inst), addr, kind, atomicRMW, ts)
	}
}

func (e *Engine) processAccess(t vclock.ThreadID, thdClk, inst, addr uint64, kind irootdb.EventKind, atomicRMW bool, ts *threadState) {
	vc := ts.vc.Clone()
	ls := ts.ls.Clone()

	e.Observer.Observe(observer.Access{
		Thread: t,
		Clk:    ts.clk,
		Kind:   kind,
		Inst:   sinfo.InstID(inst),
		Addr:   addr,
		VC:     vc,
		LS:     ls,
		Async:  ts.async,
	})
	e.Predictor.Process(predictor.Access{
		Thread:    t,
		Clk:       ts.clk,
		Kind:      kind,
		Inst:      sinfo.InstID(inst),
		Addr:      addr,
		VC:        vc,
		LS:        ls,
		AtomicRMW: atomicRMW,
		Async:     ts.async,
	})
}

// onMutexLock records the lock acquisition in the thread's LS, then
// processes a LOCK iRoot event (spec.md §6.1: "LS.add; process LOCK iRoot
// event").
func (e *Engine) onMutexLock(ev events.Event) {
	ts := e.threadFor(ev.ThreadID)
	// A holder recorded at this address when the lock callback fires means
	// ev.ThreadID waited behind it: report the fairness-boost hazard
	// before the scheduler sees this thread become the new actor (spec.md
	// §4.9's "blocked promoted thread / demoted holder" rule).
	if e.Scheduler != nil {
		if holder, ok := e.holders[ev.Addr]; ok && holder != ev.ThreadID {
			e.Scheduler.OnMutexBlocked(ev.ThreadID, holder)
		}
	}
	ts.ls.Add(vclock.Addr(ev.Addr))
	e.holders[ev.Addr] = ev.ThreadID
	ts.clk++
	e.processAccess(ev.ThreadID, ev.ThdClk, uint64(ev.Inst), ev.Addr, irootdb.MutexLock, false, ts)
	if e.Scheduler != nil {
		e.onSchedulerEvent(ev.ThreadID, sinfo.InstID(ev.Inst), irootdb.MutexLock)
	}
}

// onMutexUnlock processes an UNLOCK iRoot event before releasing the lock
// from the thread's LS (spec.md §6.1: "LS.remove; process UNLOCK iRoot
// event").
func (e *Engine) onMutexUnlock(ev events.Event) {
	ts := e.threadFor(ev.ThreadID)
	ts.clk++
	e.processAccess(ev.ThreadID, ev.ThdClk, uint64(ev.Inst), ev.Addr, irootdb.MutexUnlock, false, ts)
	ts.ls.Remove(vclock.Addr(ev.Addr))
	delete(e.holders, ev.Addr)
	if e.Scheduler != nil {
		e.onSchedulerEvent(ev.ThreadID, sinfo.InstID(ev.Inst), irootdb.MutexUnlock)
		e.Scheduler.OnMutexUnlocked(ev.ThreadID)
	}
}

// condFor returns (creating if absent) the state for the cond at addr.
func (e *Engine) condFor(addr uint64) *condState {
	c, ok := e.conds[addr]
	if !ok {
		c = &condState{pending: make(map[vclock.ThreadID]*vclock.Clock)}
		e.conds[addr] = c
	}
	return c
}

// onBeforeCondWait emulates the unlock half of cond_wait: the mutex is
// released and the thread parks on the condition variable (spec.md §6.1:
// "Emulate unlock-then-wait-then-lock").
func (e *Engine) onBeforeCondWait(ev events.Event) {
	ts := e.threadFor(ev.ThreadID)
	ts.ls.Remove(vclock.Addr(ev.ParentOrChild)) // mutex address carried in ParentOrChild
	c := e.condFor(ev.Addr)
	c.waiting = append(c.waiting, ev.ThreadID)
}

// onAfterCondWait re-acquires the mutex and, if a signaler already joined
// a VC into this thread's pending slot, merges it before resuming (spec.md
// §6.1).
func (e *Engine) onAfterCondWait(ev events.Event) {
	ts := e.threadFor(ev.ThreadID)
	c := e.condFor(ev.Addr)
	if joined, ok := c.pending[ev.ThreadID]; ok {
		ts.vc.Join(joined)
		delete(c.pending, ev.ThreadID)
	}
	ts.ls.Add(vclock.Addr(ev.ParentOrChild))
	ts.clk++
}

// onCondSignal joins the signaler's VC into one (signal) or all
// (broadcast) currently-waiting threads' pending slots, moving them out of
// the waiting list (spec.md §6.1: "Join VC into waiters per the cond state
// machine").
func (e *Engine) onCondSignal(ev events.Event, broadcast bool) {
	ts := e.threadFor(ev.ThreadID)
	c := e.condFor(ev.Addr)
	if len(c.waiting) == 0 {
		return
	}
	n := 1
	if broadcast {
		n = len(c.waiting)
	}
	for i := 0; i < n && i < len(c.waiting); i++ {
		t := c.waiting[i]
		c.pending[t] = ts.vc.Clone()
	}
	c.waiting = c.waiting[n:]
}

// barrierFor returns (creating if absent) the state for the barrier at
// addr.
func (e *Engine) barrierFor(addr uint64) *barrierState {
	b, ok := e.barriers[addr]
	if !ok {
		b = &barrierState{pending: vclock.New()}
		e.barriers[addr] = b
	}
	return b
}

// onBeforeBarrier joins the arriving thread's VC into the barrier's
// pending double-buffer (spec.md §6.1).
func (e *Engine) onBeforeBarrier(ev events.Event) {
	ts := e.threadFor(ev.ThreadID)
	b := e.barrierFor(ev.Addr)
	if ev.BarrierGeneration != b.generation {
		b.generation = ev.BarrierGeneration
		b.pending = vclock.New()
	}
	b.pending.Join(ts.vc)
}

// onAfterBarrier merges the barrier's accumulated generation clock into
// the exiting thread, completing the exchange (spec.md §6.1: "all waiters
// exchange").
func (e *Engine) onAfterBarrier(ev events.Event) {
	ts := e.threadFor(ev.ThreadID)
	b := e.barrierFor(ev.Addr)
	ts.vc.Join(b.pending)
	ts.clk++
}

// onAllocRegion enters a freshly allocated range into both the observer's
// and the predictor's region filters (spec.md §6.1, §4.5, §4.7).
func (e *Engine) onAllocRegion(ev events.Event) {
	e.Observer.AllocRegion(ev.Addr, ev.Size)
	e.Predictor.AllocRegion(ev.Addr, ev.Size)
}

// onFreeRegion purges both filters' metas in [addr, addr+size) (spec.md
// §6.1: "Remove region; purge metas in range"). Size is not delivered with
// Before{Free,Realloc}; the filters resolve the live region's extent
// themselves from the address alone.
func (e *Engine) onFreeRegion(ev events.Event) {
	const maxRegionProbe = 1 // each filter widens this to the tracked region's size
	e.Observer.FreeRegion(ev.Addr, maxRegionProbe)
	e.Predictor.FreeRegion(ev.Addr, maxRegionProbe)
}

// onSyscallEntry marks the thread's async_start window open, per spec.md
// §4.7 and §6.1, for the subset of syscalls spec.md §4.7 names as
// interruptible.
func (e *Engine) onSyscallEntry(ev events.Event) {
	ts := e.threadFor(ev.ThreadID)
	if events.IsInterruptibleSyscall(ev.SyscallOrSignalNum) {
		ts.async = true
	}
}

// onSchedulerEvent feeds a live (thread, inst, kind) callback to the
// active scheduler and records the run's outcome into memo the moment the
// DFA first reaches DONE or FAILED (spec.md §4.9's "On DFA reaching DONE,
// call memo.test_success").
func (e *Engine) onSchedulerEvent(t vclock.ThreadID, inst sinfo.InstID, kind irootdb.EventKind) {
	e.maybeCompleteScheduler(e.Scheduler.OnEvent(t, inst, kind))
}

func (e *Engine) maybeCompleteScheduler(result scheduler.Result) {
	if e.schedCompleted || result == scheduler.ResultContinue {
		return
	}
	e.schedCompleted = true
	e.Scheduler.Complete(e.Memo)
}

// tickSchedulers advances the global instruction counter and feeds it to
// whichever scheduler is wired in (active's window/watch budget, or the
// random/PCT baselines' change-point ticks), per spec.md §4.9/§4.10.
func (e *Engine) tickSchedulers(t vclock.ThreadID) {
	e.instCount++
	if e.Scheduler != nil {
		e.maybeCompleteScheduler(e.Scheduler.OnInstCount(t, 1))
	}
	running := e.runningThreads()
	if e.Random != nil {
		e.Random.Tick(e.instCount, running)
	}
	if e.PCT != nil {
		e.PCT.Tick(e.instCount, running)
	}
}

// InstCount returns the total number of events dispatched so far, the
// "global instruction count" spec.md §4.9/§4.10 scale their windows and
// change-point ranges against.
func (e *Engine) InstCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instCount
}

// ThreadCount returns the number of distinct threads seen so far, for
// recording this run's shape into history.db (spec.md §6.2).
func (e *Engine) ThreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.threads)
}

// Finish runs the predictor's process_free over every remaining meta and
// its final compound-idiom synthesis pass, then records this run's shape
// into the history estimator (spec.md §4.7 "at program exit", §4.10's
// "update a persisted history"). Call once after the event stream ends.
func (e *Engine) Finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Predictor.Flush()
	e.Predictor.SynthesizeCompound()
	auxsched.RecordRun(e.History, e.instCount, len(e.threads))
}
