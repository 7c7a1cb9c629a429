package vclock

import "sync/atomic"

// Addr is a lock's memory address.
type Addr uint64

// versionCounter is the process-wide monotonic counter backing every
// LockSet.Add call (spec.md §4.2, "LS add(addr) must allocate a fresh
// global version"). Modeled as the design notes (§9) require: "LockSet's
// curr_lock_version_ becomes... an atomic counter inside the LockSet
// module", not a bare package-level global mutated without synchronization.
var versionCounter atomic.Uint64

// nextVersion returns a fresh, globally unique, monotonically increasing
// lock version. Version 0 is reserved to mean "never held".
func nextVersion() uint64 {
	return versionCounter.Add(1)
}

// LockSet is a per-thread scoped set of currently held locks, mapping
// address to the version assigned when it was most recently added
// (spec.md §3). Two locks "match" iff same address and same version,
// i.e. the same critical-section instance.
type LockSet struct {
	held map[Addr]uint64
}

// NewLockSet returns an empty lock set.
func NewLockSet() *LockSet {
	return &LockSet{held: make(map[Addr]uint64)}
}

// Add records addr as held, allocating a fresh global version for this
// acquisition.
func (ls *LockSet) Add(addr Addr) uint64 {
	v := nextVersion()
	ls.held[addr] = v
	return v
}

// Remove drops addr from the set. Idempotent: removing an address not
// currently held is a no-op (spec.md §4.2).
func (ls *LockSet) Remove(addr Addr) {
	delete(ls.held, addr)
}

// Version returns the version addr was added with, and whether it is
// currently held.
func (ls *LockSet) Version(addr Addr) (uint64, bool) {
	v, ok := ls.held[addr]
	return v, ok
}

// Exist reports whether addr is currently held with exactly the given
// version — true iff a matching Add produced that version and no
// intervening Remove occurred (the invariant tested in spec.md §8).
func (ls *LockSet) Exist(addr Addr, version uint64) bool {
	v, ok := ls.held[addr]
	return ok && v == version
}

// Clone returns an independent copy, for snapshotting into an access
// record (spec.md §3: "Lifecycle: per-thread; snapshots stored inside
// access records").
func (ls *LockSet) Clone() *LockSet {
	out := &LockSet{held: make(map[Addr]uint64, len(ls.held))}
	for a, v := range ls.held {
		out.held[a] = v
	}
	return out
}

// Addrs returns the set of addresses currently held, for Match/Disjoint.
func (ls *LockSet) Addrs() map[Addr]uint64 {
	return ls.held
}

// Match reports whether two lock sets hold exactly the same set of
// addresses, ignoring versions — used for local scope comparisons
// (spec.md §4.2).
func Match(a, b *LockSet) bool {
	if len(a.held) != len(b.held) {
		return false
	}
	for addr := range a.held {
		if _, ok := b.held[addr]; !ok {
			return false
		}
	}
	return true
}

// Disjoint reports whether two lock sets share no common *instance* of a
// held lock: for every address present in both, the versions must differ.
// Used to verify that two remote critical sections do not share a lock
// instance (spec.md §4.2).
func Disjoint(a, b *LockSet) bool {
	for addr, va := range a.held {
		if vb, ok := b.held[addr]; ok && va == vb {
			return false
		}
	}
	return true
}

// CommonAddrs returns the set of lock addresses held by both a and b,
// regardless of version — used to enumerate candidate mutex-exclusion
// checks in the predictor (spec.md §4.7, "For every common FLS lock
// address...").
func CommonAddrs(a, b *LockSet) []Addr {
	var out []Addr
	for addr := range a.held {
		if _, ok := b.held[addr]; ok {
			out = append(out, addr)
		}
	}
	return out
}
