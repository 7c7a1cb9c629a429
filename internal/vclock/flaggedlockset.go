package vclock

// FlaggedLockSet tracks, for each lock address common to a pair of remote
// accesses, whether the access occurred at the earliest (First) or latest
// (Last) moment of that critical section's instance (spec.md §3). It is
// used to reason about mutex exclusion between two remote accesses
// (spec.md §4.7's "Mutex exclusion" test): the earlier access must be last
// in its critical section and the later access must be first in its.
type FlaggedLockSet struct {
	flags map[Addr]Flag
}

// Flag is the (first, last) pair spec.md §3 describes for one lock
// address within a FlaggedLockSet.
type Flag struct {
	First bool
	Last  bool
}

// NewFlaggedLockSet returns an empty flagged lock set.
func NewFlaggedLockSet() *FlaggedLockSet {
	return &FlaggedLockSet{flags: make(map[Addr]Flag)}
}

// SetFirst marks addr as accessed at the earliest moment of its current
// critical section (the access immediately following the Add).
func (fls *FlaggedLockSet) SetFirst(addr Addr) {
	f := fls.flags[addr]
	f.First = true
	fls.flags[addr] = f
}

// CloseLast computes Last for every address in ls by diffing it against
// the lock set active at the *next* access from the same thread: any
// address held in ls but no longer held (or held with a different
// version) afterward was last accessed here. This mirrors spec.md §4.7
// step 2: "close the previous DynAcc: compute FLS.last by diffing the LS
// active at the previous access against the current LS."
func (fls *FlaggedLockSet) CloseLast(prev, curr *LockSet) {
	for addr, pv := range prev.Addrs() {
		if cv, ok := curr.Addrs()[addr]; !ok || cv != pv {
			f := fls.flags[addr]
			f.Last = true
			fls.flags[addr] = f
		}
	}
}

// Get returns the flag recorded for addr.
func (fls *FlaggedLockSet) Get(addr Addr) Flag {
	return fls.flags[addr]
}

// Addrs returns every lock address this flagged lock set has an entry for.
func (fls *FlaggedLockSet) Addrs() map[Addr]Flag {
	return fls.flags
}

// Clone returns an independent copy.
func (fls *FlaggedLockSet) Clone() *FlaggedLockSet {
	out := &FlaggedLockSet{flags: make(map[Addr]Flag, len(fls.flags))}
	for a, f := range fls.flags {
		out.flags[a] = f
	}
	return out
}

// MutuallyExclude reports whether, for every lock address common to prev
// and curr, prev was the last access in its critical-section instance and
// curr is the first in its — spec.md §4.7's mutex-exclusion test between
// a remote predecessor and the current access.
func MutuallyExclude(prev, curr *FlaggedLockSet, commonAddrs []Addr) bool {
	if len(commonAddrs) == 0 {
		return false
	}
	for _, addr := range commonAddrs {
		pf := prev.Get(addr)
		cf := curr.Get(addr)
		if !pf.Last || !cf.First {
			return false
		}
	}
	return true
}
