// Package affinity acquires the OS-level resources the active and
// auxiliary schedulers steer with: a pinned CPU (spec.md §6.3's cpu knob)
// and a realtime scheduling priority within the configured band (spec.md
// §4.9/§4.10, §6.4's "non-zero if the scheduler cannot acquire realtime
// priority"). The CPU-pin call is grounded on the same
// runtime.LockOSThread + unix.SchedSetaffinity pairing an ublk queue
// runner in the retrieval pack uses to bind one goroutine to one CPU
// before doing latency-sensitive work.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-idiomscan/internal/errs"
)

// PinCPU locks the calling goroutine to its OS thread and restricts that
// thread to cpu. Callers that pin must never call runtime.UnlockOSThread
// themselves; use the returned release func, which both unpins the thread
// and unlocks it.
func PinCPU(cpu int) (release func(), err error) {
	runtime.LockOSThread()
	var prev, mask unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: %v", errs.ErrCPUPinDenied, err)
	}
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: %v", errs.ErrCPUPinDenied, err)
	}
	return func() {
		_ = unix.SchedSetaffinity(0, &prev)
		runtime.UnlockOSThread()
	}, nil
}

// AcquireRealtimePriority sets the calling thread's scheduling policy to
// SCHED_FIFO at priority (clamped to the kernel's allowed range), the
// mechanism spec.md §4.9's priority bands ride on. Most hosts require
// CAP_SYS_NICE or root for this to succeed; failure is reported through
// errs.ErrRealtimePriorityDenied rather than panicking, per spec.md §6.4's
// "non-zero [exit code] if the scheduler cannot acquire realtime
// priority" — the caller decides whether that is fatal.
func AcquireRealtimePriority(priority int) error {
	// Linux accepts SCHED_FIFO priorities 1 through 99.
	if priority < 1 {
		priority = 1
	} else if priority > 99 {
		priority = 99
	}
	sp := unix.SchedParam{Priority: int32(priority)}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, &sp); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRealtimePriorityDenied, err)
	}
	return nil
}
