// Package events defines the event stream the core consumes (spec.md
// §6.1), the framed Stream reader whose events the cmd/ front ends pass
// straight to core.Engine.Dispatch, and Ingress, an ordered in-memory event
// queue; the core's dispatch path does not route events through Ingress.
// The binary-instrumentation
// driver that turns application bytes into these callbacks is an external
// collaborator (spec.md §1) — this package only models what it delivers.
package events

import "github.com/joeycumines/go-idiomscan/internal/vclock"

// Kind tags which of the table in spec.md §6.1 an Event carries.
type Kind int

const (
	ThreadStart Kind = iota
	ThreadExit
	BeforeMemRead
	BeforeMemWrite
	AfterAtomicInst
	AfterPthreadMutexLock
	BeforePthreadMutexUnlock
	BeforePthreadCondWait
	AfterPthreadCondWait
	AfterPthreadCondSignal
	AfterPthreadCondBroadcast
	BeforePthreadBarrierWait
	AfterPthreadBarrierWait
	AfterPthreadJoin
	AfterMalloc
	AfterCalloc
	AfterRealloc
	AfterValloc
	BeforeFree
	BeforeRealloc
	SyscallEntry
	SignalReceived
)

// AtomicOp distinguishes the atomic read-modify-write variants spec.md
// §6.1's AfterAtomicInst carries.
type AtomicOp int

const (
	AtomicCmpxchg AtomicOp = iota
	AtomicDec
	AtomicInc
	AtomicXchg
)

// Event is a single totally-ordered instrumentation callback. Only the
// fields relevant to Kind are populated; the rest are left zero. This
// tagged-union shape (rather than one interface per kind) mirrors the
// fixed-field record style spec.md §3 uses for Inst and iRoot event, and
// keeps the hot path (observer/predictor dispatch) allocation-free.
type Event struct {
	Kind Kind

	ThreadID ThreadID
	ThdClk   uint64
	Inst     InstRef

	// Memory access fields (BeforeMemRead/Write).
	Addr uint64
	Size uint64

	// AfterAtomicInst.
	AtomicOp AtomicOp

	// Mutex/cond/barrier fields: Addr doubles as the mutex/cond/barrier
	// address; ParentOrChild carries ThreadStart's parent, AfterPthreadJoin's
	// child, or (reinterpreted as an address) the mutex paired with a cond
	// in Before/AfterPthreadCondWait, spec.md §6.1's "(cond, mutex)" pair.
	ParentOrChild ThreadID

	// SyscallEntry / SignalReceived.
	SyscallOrSignalNum int

	// BeforePthreadBarrierWait/AfterPthreadBarrierWait's double-buffered
	// merge needs to know which generation this call belongs to.
	BarrierGeneration uint64
}

// ThreadID identifies a thread for the duration of one run. Aliasing
// vclock.ThreadID keeps every component's notion of "which thread" in
// lock-step without a conversion at every call site.
type ThreadID = vclock.ThreadID

// InstRef is the static-registry id of the instruction that produced this
// event; the core converts it to a sinfo.InstID as is, without a registry
// lookup. It is kept here as a bare id so this package has no dependency on sinfo (matching
// the acyclic dependency order of spec.md §2's component table).
type InstRef uint32

// IsInterruptibleSyscall reports whether num is one of the syscalls spec.md
// §4.7 names as creating an "async" window: "accept, select, pselect,
// rt_sigtimedwait, or a pending SIGINT/SIGALRM handler".
func IsInterruptibleSyscall(num int) bool {
	switch num {
	case SyscallAccept, SyscallSelect, SyscallPselect6, SyscallRtSigtimedwait:
		return true
	default:
		return false
	}
}

// Linux x86-64 syscall numbers for the interruptible set spec.md §4.7
// names explicitly. These are the only numbers the core inspects; the
// full syscall table is the instrumentation driver's concern.
const (
	SyscallAccept         = 43
	SyscallSelect         = 23
	SyscallPselect6       = 270
	SyscallRtSigtimedwait = 128
)
