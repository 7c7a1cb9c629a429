// Package vclock implements the vector clock and lock set primitives
// shared by the observer and predictor (spec.md §3, §4.2). The API shape —
// Join as pointwise maximum, a strict HappensBefore check, an explicit
// Clone — follows the same contract as the retrieval pack's FastTrack-style
// vector clock (internal/race/vectorclock), but backed by a sparse
// map[threadID]tick rather than a fixed MaxThreads array, because spec.md
// §3 requires "sparse mapping thread_id → logical_tick", not a bounded
// thread count.
package vclock

// ThreadID identifies a thread for the lifetime of one analyzed run.
type ThreadID uint64

// Clock is a sparse vector clock: thread_id -> logical_tick. The zero value
// is a valid, empty clock (every thread implicitly at tick 0).
type Clock struct {
	ticks map[ThreadID]uint64
}

// New returns an empty vector clock.
func New() *Clock {
	return &Clock{}
}

// Get returns the logical tick recorded for t, or 0 if t has never been
// incremented or joined into this clock.
func (c *Clock) Get(t ThreadID) uint64 {
	if c == nil || c.ticks == nil {
		return 0
	}
	return c.ticks[t]
}

// Incr advances t's tick by exactly one. Strictly monotonic within a
// thread, per spec.md §4.2's contract on Incr.
func (c *Clock) Incr(t ThreadID) {
	if c.ticks == nil {
		c.ticks = make(map[ThreadID]uint64, 4)
	}
	c.ticks[t]++
}

// Set forces t's tick to an explicit value; a zero tick removes t from the
// sparse map, which Get then reports as 0.
func (c *Clock) Set(t ThreadID, tick uint64) {
	if tick == 0 {
		delete(c.ticks, t)
		return
	}
	if c.ticks == nil {
		c.ticks = make(map[ThreadID]uint64, 4)
	}
	c.ticks[t] = tick
}

// Clone returns an independent deep copy, so a snapshot embedded in an
// AccSum's time_info is never mutated by later Incr/Join calls on the
// thread's live clock.
func (c *Clock) Clone() *Clock {
	out := &Clock{}
	if len(c.ticks) == 0 {
		return out
	}
	out.ticks = make(map[ThreadID]uint64, len(c.ticks))
	for t, v := range c.ticks {
		out.ticks[t] = v
	}
	return out
}

// Join performs the pointwise-maximum synchronization operation used on
// join/broadcast/barrier (spec.md §3): c = c ⊔ other.
func (c *Clock) Join(other *Clock) {
	if other == nil {
		return
	}
	for t, v := range other.ticks {
		if c.ticks == nil {
			c.ticks = make(map[ThreadID]uint64, len(other.ticks))
		}
		if v > c.ticks[t] {
			c.ticks[t] = v
		}
	}
}

// HappensBefore reports whether c strictly happens-before other: every
// component of c is ≤ the matching component of other, and at least one
// component is strictly less (spec.md §3's ∀/∃ definition).
func (c *Clock) HappensBefore(other *Clock) bool {
	strictlyLess := false
	for t, v := range c.ticks {
		ov := other.Get(t)
		if v > ov {
			return false
		}
		if v < ov {
			strictlyLess = true
		}
	}
	for t, ov := range other.ticks {
		if _, ok := c.ticks[t]; ok {
			continue
		}
		if ov > 0 {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// Equal reports whether c and other have identical ticks for every thread
// either has ever recorded.
func (c *Clock) Equal(other *Clock) bool {
	for t, v := range c.ticks {
		if other.Get(t) != v {
			return false
		}
	}
	for t, v := range other.ticks {
		if c.Get(t) != v {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither clock happens-before the other and
// they are not equal — spec.md §4.7's "Concurrency" test: "there must
// exist a VC that is neither strictly before nor strictly after the
// current VC".
func Concurrent(a, b *Clock) bool {
	if a.Equal(b) {
		return false
	}
	return !a.HappensBefore(b) && !b.HappensBefore(a)
}
