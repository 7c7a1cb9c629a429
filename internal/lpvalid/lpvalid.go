// Package lpvalid implements the local-pair validity table (spec.md §4.6):
// a constant declaration of which *local* event sequences are meaningful
// boundaries for the outer/inner pairs of compound idioms 3-5. It must be
// initialized identically on every run, so it is expressed as a package-
// level constant table rather than anything computed at startup.
package lpvalid

import "github.com/joeycumines/go-idiomscan/internal/irootdb"

// table[prev][curr] is true iff a local prev->curr sequence in one thread
// is a meaningful boundary candidate for a compound idiom's outer or inner
// pair. Address-distinctness (spec.md §4.6: "READ→WRITE or WRITE→READ to
// different addresses") is checked separately by the predictor, which
// knows the addresses involved; this table only encodes kind-level
// validity.
var table = [4][4]bool{
	// curr:      READ,  WRITE, LOCK,  UNLOCK
	irootdb.MemRead:    {false, true, true, true},
	irootdb.MemWrite:   {true, false, true, true},
	irootdb.MutexLock:  {true, true, false, false},
	irootdb.MutexUnlock: {true, true, true, false},
}

// Valid reports whether a local prev -> curr sequence is a meaningful
// boundary candidate. LOCK->UNLOCK within the same thread is explicitly
// not meaningful (spec.md §4.6): it is the normal close of a critical
// section, not an inter-thread dependency boundary.
func Valid(prev, curr irootdb.EventKind) bool {
	return table[prev][curr]
}

// NormalizeAtomicDec maps an atomic-decrement access onto MutexUnlock for
// the purposes of local-pair validity lookups: spec.md §4.6 states
// "atomic-decrement immediately before lock is treated as lock-release".
func NormalizeAtomicDec(isAtomicDec bool, actual irootdb.EventKind) irootdb.EventKind {
	if isAtomicDec {
		return irootdb.MutexUnlock
	}
	return actual
}
