// Package observer implements the live-execution observer (spec.md §4.5,
// C6): it watches the same event stream as the predictor and records each
// iRoot that fires in this run as a hit in the memoization store. Hits are
// looked up with irootdb.DB.GetIRoot, which creates the iRoot when the
// database does not hold it yet, so hits are not limited to already-known
// iRoots. It also performs the same local-pair compound-
// idiom scan the predictor does, for the OBSERVED (not merely PREDICTED)
// side of the spec's split. Memory-region lifecycle (alloc/free) purges
// the per-address state the same way the predictor's Meta table does
// (spec.md §4.8).
//
// Grounded on the teacher's ChunkedIngress owner pattern (eventloop/loop.go
// and ingress.go): a single mutex-guarded structure processed strictly
// serially by the caller under the core's kernel_lock (spec.md §5); every
// method also takes the observer's own mutex.
package observer

import (
	"sync"

	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/joeycumines/go-idiomscan/internal/lpvalid"
	"github.com/joeycumines/go-idiomscan/internal/memo"
	"github.com/joeycumines/go-idiomscan/internal/regionfilter"
	"github.com/joeycumines/go-idiomscan/internal/sinfo"
	"github.com/joeycumines/go-idiomscan/internal/vclock"
)

// Access is one instrumented memory or synchronization event, as the
// observer's caller (the core, fed from C1) presents it.
type Access struct {
	Thread vclock.ThreadID
	Clk    uint64
	Kind   irootdb.EventKind
	Inst   sinfo.InstID
	Addr   uint64
	VC     *vclock.Clock
	LS     *vclock.LockSet
	FLS    *vclock.FlaggedLockSet
	Async  bool // true if this access executed inside an interruptible syscall window (spec.md §4.7)
}

// record is an access wrapped with the succ/pred edges discovered while
// validating idiom-1 candidates against it, the bookkeeping the compound-
// idiom scan needs (spec.md §4.5's "appends (addr, access, succs)").
type record struct {
	access Access
	meta   *meta
	succs  []*record // remote accesses validated with this record as pred
	preds  []*record // remote accesses validated with this record as curr
}

// meta is the per-(addr) bookkeeping the observer keeps — a stripped-down
// analogue of the predictor's Meta (spec.md §3): only the single most
// recent writer/readers/unlocker are needed here, since the observer only
// checks idiom-1 pairs against those, not full AccSum history.
type meta struct {
	addr         uint64
	lastWriter   *record
	lastReaders  map[vclock.ThreadID]*record
	lastUnlocker *record
}

// Observer is the live-execution observer. One Observer is created per
// analyzed run.
type Observer struct {
	mu sync.Mutex // defensive; callers are expected to already hold kernel_lock

	db   *irootdb.DB
	memo *memo.Store

	vw      uint64 // vulnerability window, in thread-clock ticks (spec.md §6.3)
	regions *regionfilter.Filter

	metas   map[uint64]*meta
	entries map[vclock.ThreadID][]*record // thread-local sliding window, oldest first
}

// New returns an observer bound to db and memo, with the given
// vulnerability window (spec.md §6.3's vw knob).
func New(db *irootdb.DB, m *memo.Store, vw uint64) *Observer {
	return &Observer{
		db:      db,
		memo:    m,
		vw:      vw,
		regions: regionfilter.New(),
		metas:   make(map[uint64]*meta),
		entries: make(map[vclock.ThreadID][]*record),
	}
}

func (o *Observer) metaFor(addr uint64) *meta {
	m, ok := o.metas[addr]
	if !ok {
		m = &meta{addr: addr, lastReaders: make(map[vclock.ThreadID]*record)}
		o.metas[addr] = m
	}
	return m
}

// AllocRegion enters a freshly allocated [addr, addr+size) range into the
// region filter (spec.md §4.5's "on alloc, enter address range into a
// sorted interval filter").
func (o *Observer) AllocRegion(addr, size uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.regions.Add(addr, size)
}

// FreeRegion purges every meta whose address falls inside [addr, addr+size)
// and drops their succ-entries (spec.md §4.5, §4.8). When addr starts a
// tracked region larger than size, the region's own size is used.
func (o *Observer) FreeRegion(addr, size uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if regionSize, ok := o.regions.Remove(addr); ok && regionSize > size {
		size = regionSize
	}
	for a := range o.metas {
		if a >= addr && a < addr+size {
			delete(o.metas, a)
		}
	}
	for t, entries := range o.entries {
		filtered := entries[:0]
		for _, e := range entries {
			if e.meta.addr < addr || e.meta.addr >= addr+size {
				filtered = append(filtered, e)
			}
		}
		o.entries[t] = filtered
	}
}

// preds returns the existing records that must be checked as predecessors
// of acc, per spec.md §4.5: writes check {last writer} ∪ {last readers};
// reads check {last writer}; locks check {last unlocker}.
func (m *meta) preds(kind irootdb.EventKind) []*record {
	switch kind {
	case irootdb.MemWrite:
		out := make([]*record, 0, len(m.lastReaders)+1)
		if m.lastWriter != nil {
			out = append(out, m.lastWriter)
		}
		for _, r := range m.lastReaders {
			out = append(out, r)
		}
		return out
	case irootdb.MemRead:
		if m.lastWriter != nil {
			return []*record{m.lastWriter}
		}
		return nil
	case irootdb.MutexLock:
		if m.lastUnlocker != nil {
			return []*record{m.lastUnlocker}
		}
		return nil
	default:
		return nil
	}
}

func (m *meta) record(r *record) {
	switch r.access.Kind {
	case irootdb.MemWrite:
		m.lastWriter = r
		m.lastReaders = make(map[vclock.ThreadID]*record)
	case irootdb.MemRead:
		m.lastReaders[r.access.Thread] = r
	case irootdb.MutexUnlock:
		m.lastUnlocker = r
	}
}

// within reports whether two accesses are within the vulnerability window
// of one another, in thread-clock ticks.
func within(a, b uint64, vw uint64) bool {
	var d uint64
	if a > b {
		d = a - b
	} else {
		d = b - a
	}
	return d <= vw
}

// Observe processes one access: it validates each (pred, acc) pair and
// records it as an OBSERVED hit on its idiom-1 iRoot (created if absent),
// then runs the compound-idiom scan (spec.md
// §4.5). The caller must serialize calls (the core's kernel_lock).
func (o *Observer) Observe(acc Access) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := o.metaFor(acc.Addr)
	cur := &record{access: acc, meta: m}

	for _, pred := range m.preds(acc.Kind) {
		if pred.access.Thread == acc.Thread {
			continue
		}
		if !vclock.Disjoint(pred.access.LS, acc.LS) {
			continue
		}
		if !within(pred.access.Clk, acc.Clk, o.vw) {
			continue
		}
		if !lpvalid.Valid(pred.access.Kind, acc.Kind) {
			continue
		}

		e1 := o.db.GetEvent(pred.access.Inst, pred.access.Kind)
		e2 := o.db.GetEvent(acc.Inst, acc.Kind)
		r := o.db.GetIRoot(irootdb.Idiom1, []irootdb.EventID{e1.ID, e2.ID}, 0, 0, true)
		o.memo.MarkObserved(r.ID)

		pred.succs = append(pred.succs, cur)
		cur.preds = append(cur.preds, pred)
	}

	m.record(cur)
	o.scanCompound(acc.Thread, cur)
}

// scanCompound appends cur to the thread's sliding window and scans
// backward for compound-idiom candidates (spec.md §4.5, §4.7's synthesis
// rule repurposed for the OBSERVED side).
func (o *Observer) scanCompound(t vclock.ThreadID, cur *record) {
	entries := o.entries[t]

	for i := len(entries) - 1; i >= 0; i-- {
		prev := entries[i]
		if !within(prev.access.Clk, cur.access.Clk, o.vw) {
			break
		}
		if !lpvalid.Valid(prev.access.Kind, cur.access.Kind) {
			continue
		}
		o.emitCompound(prev, cur)
	}

	entries = append(entries, cur)
	// drop entries that have fallen outside vw of the newest access
	lo := 0
	for lo < len(entries) && !within(entries[lo].access.Clk, cur.access.Clk, o.vw) {
		lo++
	}
	o.entries[t] = append([]*record(nil), entries[lo:]...)
}

// emitCompound looks for a common remote thread T holding a succ S of prev
// timed before a pred P of cur, and records the matching idiom-2/3/4
// candidate as OBSERVED (spec.md §4.7's synthesis rule, applied here to
// pairs that fired in this run; the iRoot is created if absent).
func (o *Observer) emitCompound(prev, cur *record) {
	for _, s := range prev.succs {
		for _, p := range cur.preds {
			if s.access.Thread != p.access.Thread {
				continue
			}
			if s.access.Clk > p.access.Clk {
				continue
			}

			outerA := o.db.GetEvent(prev.access.Inst, prev.access.Kind)
			outerB := o.db.GetEvent(cur.access.Inst, cur.access.Kind)

			var idiom irootdb.Idiom
			var events []irootdb.EventID
			switch {
			case s == p:
				idiom = irootdb.Idiom2
				mid := o.db.GetEvent(s.access.Inst, s.access.Kind)
				events = []irootdb.EventID{outerA.ID, mid.ID, outerB.ID}
			case prev.meta == cur.meta:
				idiom = irootdb.Idiom3
				innerA := o.db.GetEvent(s.access.Inst, s.access.Kind)
				innerB := o.db.GetEvent(p.access.Inst, p.access.Kind)
				events = []irootdb.EventID{outerA.ID, outerB.ID, innerA.ID, innerB.ID}
			default:
				idiom = irootdb.Idiom4
				innerA := o.db.GetEvent(s.access.Inst, s.access.Kind)
				innerB := o.db.GetEvent(p.access.Inst, p.access.Kind)
				events = []irootdb.EventID{outerA.ID, outerB.ID, innerA.ID, innerB.ID}
			}

			r := o.db.GetIRoot(idiom, events, 0, 0, true)
			o.memo.MarkObserved(r.ID)
		}
	}
}
