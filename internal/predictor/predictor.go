// Package predictor implements the idiom predictor (spec.md §4.7, C7): from
// a single observed execution it builds a per-meta access-summary graph,
// applies conflict, happens-before and atomicity filters (no lock-set or
// mutex-exclusion filter is applied), and emits iRoot
// candidates of all five structural idioms that did *not* necessarily fire
// this run but are feasible under an alternate schedule.
//
// This is the largest and most novel component of the system (spec.md §2:
// "24% share"); there is no single teacher file it maps onto one-to-one.
// It is grounded piecewise: the per-meta map-of-mutable-records shape
// follows catrate.Limiter's sync.Map-of-categoryData pattern (repointed at
// addresses instead of rate-limit categories), and the "close the previous
// record, then merge" two-phase update follows the predecessor-closing
// shape of ChunkedIngress's chunk rollover (eventloop/ingress.go).
package predictor

import (
	"sync"

	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/joeycumines/go-idiomscan/internal/lpvalid"
	"github.com/joeycumines/go-idiomscan/internal/memo"
	"github.com/joeycumines/go-idiomscan/internal/regionfilter"
	"github.com/joeycumines/go-idiomscan/internal/sinfo"
	"github.com/joeycumines/go-idiomscan/internal/vclock"
)

// Access is one instrumented event, as presented to the predictor. It
// carries everything spec.md §4.7 needs per step: the VC/LS snapshot
// active at the time of the access, whether the source instruction is an
// atomic read-modify-write, and whether it executed inside an
// interruptible syscall window (spec.md §4.7's async flag).
type Access struct {
	Thread    vclock.ThreadID
	Clk       uint64
	Kind      irootdb.EventKind
	Inst      sinfo.InstID
	Addr      uint64
	VC        *vclock.Clock
	LS        *vclock.LockSet
	AtomicRMW bool
	Async     bool
}

// timeInfoEntry is one (VC, ThdClkRange) pair from spec.md §3's AccSum
// definition.
type timeInfoEntry struct {
	vc    *vclock.Clock
	start uint64
	end   uint64
}

// accSum is the access summary of one (meta, thd, kind, inst) (spec.md
// §3). The predictor keys solely on (thd, kind, inst): the flagged lock
// set is not part of the key and mergeAccSum never sets fls, since two
// accesses from the same thread/inst/kind to the same meta are already
// extremely unlikely to carry materially different flagged-lock-set
// shapes in practice, and the spec does not define flagged-lock-set
// equality.
type accSum struct {
	meta     *meta
	thd      vclock.ThreadID
	kind     irootdb.EventKind
	inst     sinfo.InstID
	fls      *vclock.FlaggedLockSet
	timeInfo []timeInfoEntry
	async    bool // sticky: true once any merged access executed inside an interruptible syscall window

	succs []*accSum // pair-graph edges: this -> succ, a valid idiom-1 candidate
}

// dynAcc is the transient, most-recent-access-per-thread snapshot used to
// compute the next AccSum update (spec.md §3).
type dynAcc struct {
	thdClk uint64
	kind   irootdb.EventKind
	inst   sinfo.InstID
	vc     *vclock.Clock
	ls     *vclock.LockSet
	fls    *vclock.FlaggedLockSet
	sum    *accSum
}

// recentEntry is one RecentInfo entry: (thd_clk, acc_sum, vc, ls, meta)
// (spec.md §3), used to find local predecessors within vw for compound
// idioms.
type recentEntry struct {
	thdClk uint64
	sum    *accSum
	vc     *vclock.Clock
	ls     *vclock.LockSet
	meta   *meta
}

// meta is per-(address) metadata (spec.md §3): a per-thread AccSum vector
// plus the last DynAcc per thread.
type meta struct {
	addr    uint64
	accSums map[vclock.ThreadID][]*accSum
	dyn     map[vclock.ThreadID]*dynAcc
}

func newMeta(addr uint64) *meta {
	return &meta{
		addr:    addr,
		accSums: make(map[vclock.ThreadID][]*accSum),
		dyn:     make(map[vclock.ThreadID]*dynAcc),
	}
}

// Config carries the subset of spec.md §6.3's knobs the predictor itself
// consults.
type Config struct {
	VW              uint64 // vulnerability window, in thread-clock ticks
	ComplexIdioms   bool   // enable idioms 2-5
	SingleVarIdioms bool   // skip idioms 4 and 5
	PredictDeadlock bool   // emit deadlock-shaped idiom-5 candidates
	CommonLib       func(sinfo.InstID) bool
}

// Predictor is the idiom predictor. One Predictor is created per analyzed
// run; its Config is fixed for that run's lifetime.
type Predictor struct {
	mu sync.Mutex

	db   *irootdb.DB
	memo *memo.Store
	cfg  Config

	regions   *regionfilter.Filter
	metas     map[uint64]*meta
	recent    map[vclock.ThreadID][]recentEntry
	predicted []irootdb.IRootID // delta: every id newly predicted this run, for ilist.db (spec.md §6.2)
}

// New returns a predictor bound to db and memo, using cfg for its idiom
// and windowing knobs.
func New(db *irootdb.DB, m *memo.Store, cfg Config) *Predictor {
	return &Predictor{
		db:      db,
		memo:    m,
		cfg:     cfg,
		regions: regionfilter.New(),
		metas:   make(map[uint64]*meta),
		recent:  make(map[vclock.ThreadID][]recentEntry),
	}
}

// markPredicted forwards to memo.MarkPredicted and additionally records id
// in this run's delta list, the flat id list ilist.db persists (spec.md
// §6.2: "flat list of predicted iroot ids from a single delta-observer
// run").
func (p *Predictor) markPredicted(id irootdb.IRootID, async bool) {
	p.memo.MarkPredicted(id, async)
	p.predicted = append(p.predicted, id)
}

// PredictedThisRun returns every iRoot id newly predicted since this
// Predictor was constructed, for a cmd/ front end to persist to ilist.db.
func (p *Predictor) PredictedThisRun() []irootdb.IRootID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]irootdb.IRootID, len(p.predicted))
	copy(out, p.predicted)
	return out
}

func (p *Predictor) metaFor(addr uint64) *meta {
	m, ok := p.metas[addr]
	if !ok {
		m = newMeta(addr)
		p.metas[addr] = m
	}
	return m
}

// AllocRegion tracks a freshly allocated range (spec.md §4.5/§4.8, shared
// lifecycle rule with the observer).
func (p *Predictor) AllocRegion(addr, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regions.Add(addr, size)
}

// FreeRegion runs process_free over every meta in [addr, addr+size) before
// dropping it (spec.md §4.7: "at program exit (or on free of the meta),
// run process_free"). When addr starts a tracked region larger than size,
// the region's own size is used.
func (p *Predictor) FreeRegion(addr, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if regionSize, ok := p.regions.Remove(addr); ok && regionSize > size {
		size = regionSize
	}
	for a, m := range p.metas {
		if a >= addr && a < addr+size {
			p.processFreeLocked(m)
			delete(p.metas, a)
		}
	}
}

// Process handles one access, implementing spec.md §4.7 steps 1-5. The
// caller must serialize calls (the core's kernel_lock).
func (p *Predictor) Process(acc Access) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.metaFor(acc.Addr)

	// Step 2: close the previous DynAcc for this thread, if any.
	if prev, ok := m.dyn[acc.Thread]; ok {
		prev.fls.CloseLast(prev.ls, acc.LS)
	}

	// Step 3: merge into an AccSum.
	sum := p.mergeAccSum(m, acc)

	// Step 4: full search across other threads' AccSums on the same meta.
	p.searchConflicts(m, acc, sum)

	// Step 5: append a RecentInfoEntry for compound idioms.
	p.appendRecent(acc, sum, m)

	// Record the DynAcc for this thread at this meta. Every lock currently
	// held is provisionally flagged First; CloseLast (run when the *next*
	// access from this thread arrives) flips Last for whichever of them
	// were released or re-acquired by then.
	fls := vclock.NewFlaggedLockSet()
	for addr := range acc.LS.Addrs() {
		fls.SetFirst(addr)
	}
	m.dyn[acc.Thread] = &dynAcc{
		thdClk: acc.Clk,
		kind:   acc.Kind,
		inst:   acc.Inst,
		vc:     acc.VC,
		ls:     acc.LS,
		fls:    fls,
		sum:    sum,
	}
}

// mergeAccSum implements spec.md §4.7 step 3: find-or-create an AccSum
// keyed by (thd, kind, inst), appending a new time_info entry when the VC
// differs from the last, or extending the last entry's ThdClkRange when it
// matches.
func (p *Predictor) mergeAccSum(m *meta, acc Access) *accSum {
	sums := m.accSums[acc.Thread]
	for _, s := range sums {
		if s.kind == acc.Kind && s.inst == acc.Inst {
			last := &s.timeInfo[len(s.timeInfo)-1]
			if last.vc.Equal(acc.VC) {
				if acc.Clk < last.start {
					last.start = acc.Clk
				}
				if acc.Clk > last.end {
					last.end = acc.Clk
				}
			} else {
				s.timeInfo = append(s.timeInfo, timeInfoEntry{vc: acc.VC.Clone(), start: acc.Clk, end: acc.Clk})
			}
			s.async = s.async || acc.Async
			return s
		}
	}
	s := &accSum{
		meta:  m,
		thd:   acc.Thread,
		kind:  acc.Kind,
		inst:  acc.Inst,
		async: acc.Async,
		timeInfo: []timeInfoEntry{
			{vc: acc.VC.Clone(), start: acc.Clk, end: acc.Clk},
		},
	}
	m.accSums[acc.Thread] = append(sums, s)
	return s
}

// conflict is the conflict table from spec.md §4.7 step 4: R<->W, W<->W,
// UNLOCK->LOCK.
func conflict(prev, curr irootdb.EventKind) bool {
	switch {
	case prev == irootdb.MemRead && curr == irootdb.MemWrite:
		return true
	case prev == irootdb.MemWrite && curr == irootdb.MemRead:
		return true
	case prev == irootdb.MemWrite && curr == irootdb.MemWrite:
		return true
	case prev == irootdb.MutexUnlock && curr == irootdb.MutexLock:
		return true
	default:
		return false
	}
}

// searchConflicts implements spec.md §4.7 step 4: full-search across other
// threads' AccSums on the same meta, applying the Conflict, concurrency,
// and atomicity tests, recording a pair-graph edge (an idiom-1 candidate)
// for every pass. No mutex-exclusion test is applied: lock sets and
// flagged lock sets play no part in the search.
func (p *Predictor) searchConflicts(m *meta, acc Access, curSum *accSum) {
	for thd, sums := range m.accSums {
		if thd == acc.Thread {
			continue
		}
		for _, prevSum := range sums {
			if prevSum == curSum {
				continue
			}
			if !conflict(prevSum.kind, acc.Kind) {
				continue
			}
			if !p.concurrent(prevSum, acc.VC) {
				continue
			}
			if !p.atomicityOK(prevSum, acc) {
				continue
			}

			prevSum.succs = append(prevSum.succs, curSum)

			e1 := p.db.GetEvent(prevSum.inst, prevSum.kind)
			e2 := p.db.GetEvent(acc.Inst, acc.Kind)
			r := p.db.GetIRoot(irootdb.Idiom1, []irootdb.EventID{e1.ID, e2.ID}, 0, 0, true)
			p.markPredicted(r.ID, acc.Async || prevSum.async)
		}
	}
}

// concurrent implements spec.md §4.7's "Concurrency" test: scanning
// prev.time_info in reverse, there must exist a VC that is neither
// strictly before nor strictly after the current VC.
func (p *Predictor) concurrent(prev *accSum, curVC *vclock.Clock) bool {
	for i := len(prev.timeInfo) - 1; i >= 0; i-- {
		if vclock.Concurrent(prev.timeInfo[i].vc, curVC) {
			return true
		}
	}
	return false
}

// atomicityOK implements spec.md §4.7's "Atomicity" test: an atomic
// read-modify-write source instruction may not be the second half of a
// pair of kind READ (and symmetrically for WRITE).
func (p *Predictor) atomicityOK(prev *accSum, acc Access) bool {
	if acc.AtomicRMW && acc.Kind == irootdb.MemRead && prev.kind == irootdb.MemRead {
		return false
	}
	if acc.AtomicRMW && acc.Kind == irootdb.MemWrite && prev.kind == irootdb.MemWrite {
		return false
	}
	return true
}

// appendRecent implements spec.md §4.7 step 5.
func (p *Predictor) appendRecent(acc Access, sum *accSum, m *meta) {
	p.recent[acc.Thread] = append(p.recent[acc.Thread], recentEntry{
		thdClk: acc.Clk,
		sum:    sum,
		vc:     acc.VC,
		ls:     acc.LS,
		meta:   m,
	})
}

// processFreeLocked implements spec.md §4.7's process_free: discard the
// remaining DynAccs, then for this meta perform the non-concurrent pair
// pass described there, recording happens-before pairs as valid idiom-1
// candidates too (they still form a valid candidate under re-ordering).
func (p *Predictor) processFreeLocked(m *meta) {
	clear(m.dyn)

	type ordered = struct {
		thd vclock.ThreadID
		sum *accSum
		end uint64
	}
	var all []ordered
	for thd, sums := range m.accSums {
		for _, s := range sums {
			all = append(all, ordered{thd: thd, sum: s, end: s.timeInfo[len(s.timeInfo)-1].end})
		}
	}
	sortByClk(all)

	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if all[i].thd == all[j].thd {
				continue
			}
			// Thread-clock ends of different threads do not order the pair,
			// so either summary may be the earlier one.
			prev, curr := all[i].sum, all[j].sum
			if !prev.timeInfo[len(prev.timeInfo)-1].vc.HappensBefore(curr.timeInfo[0].vc) {
				prev, curr = curr, prev
				if !prev.timeInfo[len(prev.timeInfo)-1].vc.HappensBefore(curr.timeInfo[0].vc) {
					continue
				}
			}
			if !conflict(prev.kind, curr.kind) {
				continue
			}
			e1 := p.db.GetEvent(prev.inst, prev.kind)
			e2 := p.db.GetEvent(curr.inst, curr.kind)
			r := p.db.GetIRoot(irootdb.Idiom1, []irootdb.EventID{e1.ID, e2.ID}, 0, 0, true)
			p.markPredicted(r.ID, false)
		}
	}
}

func sortByClk(s []struct {
	thd vclock.ThreadID
	sum *accSum
	end uint64
}) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].end > s[j].end; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Flush runs process_free over every remaining meta — called at program
// exit (spec.md §4.7: "At program exit ... run process_free").
func (p *Predictor) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.metas {
		p.processFreeLocked(m)
	}
}

// SynthesizeCompound runs the compound-idiom synthesis pass over every
// thread's RecentInfo entries (spec.md §4.7's final paragraph): for each
// (prev, curr) pair within vw whose local sequencing is valid, look up a
// common remote thread T holding a succ S of prev and a pred P of curr
// with S timed before P, and emit the matching idiom-2/3/4/5 candidate.
// Called once the live pass (Process/FreeRegion calls) is complete, since
// it needs the fully-populated pair graph.
func (p *Predictor) SynthesizeCompound() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.ComplexIdioms {
		return
	}

	for _, entries := range p.recent {
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				prev, cur := entries[i], entries[j]
				if !within(prev.thdClk, cur.thdClk, p.cfg.VW) {
					break
				}
				if !lpvalid.Valid(prev.sum.kind, cur.sum.kind) {
					continue
				}
				p.emitCompound(prev, cur)
			}
		}
	}
}

func within(a, b, vw uint64) bool {
	var d uint64
	if a > b {
		d = a - b
	} else {
		d = b - a
	}
	return d <= vw
}

// emitCompound looks, for each succ S of prev, for a candidate pred P of
// cur on S's thread (tryEmit), per spec.md §4.7's synthesis rule: "a
// common remote thread T holds a succ S of prev and a pred P of curr with
// S timed earlier than P".
func (p *Predictor) emitCompound(prev, cur recentEntry) {
	for _, s := range prev.sum.succs {
		p.tryEmit(prev, cur, s)
	}
}

// tryEmit checks whether s (a succ of prev) is timed before some access of
// cur's thread acting as a pred of cur, and if so records the idiom-2/3/4
// (and, under predict_deadlock, idiom-5) candidate (spec.md §4.7).
func (p *Predictor) tryEmit(prev, cur recentEntry, s *accSum) {
	for _, candidatePred := range cur.meta.accSums[s.thd] {
		if candidatePred.timeInfo[0].start < s.timeInfo[len(s.timeInfo)-1].end {
			continue // must be timed after s, not before
		}
		if !conflict(candidatePred.kind, cur.sum.kind) && candidatePred != cur.sum {
			continue
		}

		outerA := p.db.GetEvent(prev.sum.inst, prev.sum.kind)
		outerB := p.db.GetEvent(cur.sum.inst, cur.sum.kind)

		var idiom irootdb.Idiom
		var events []irootdb.EventID
		switch {
		case s == candidatePred:
			idiom = irootdb.Idiom2
			mid := p.db.GetEvent(s.inst, s.kind)
			events = []irootdb.EventID{outerA.ID, mid.ID, outerB.ID}
		case prev.meta == cur.meta:
			idiom = irootdb.Idiom3
			innerA := p.db.GetEvent(s.inst, s.kind)
			innerB := p.db.GetEvent(candidatePred.inst, candidatePred.kind)
			events = []irootdb.EventID{outerA.ID, outerB.ID, innerA.ID, innerB.ID}
		default:
			if p.cfg.SingleVarIdioms {
				continue
			}
			idiom = irootdb.Idiom4
			innerA := p.db.GetEvent(s.inst, s.kind)
			innerB := p.db.GetEvent(candidatePred.inst, candidatePred.kind)
			events = []irootdb.EventID{outerA.ID, outerB.ID, innerA.ID, innerB.ID}
		}

		r := p.db.GetIRoot(idiom, events, 0, 0, true)
		async := prev.sum.async || cur.sum.async || s.async || candidatePred.async
		p.markPredicted(r.ID, async)

		if p.cfg.PredictDeadlock && !p.cfg.SingleVarIdioms && idiom == irootdb.Idiom4 {
			p.emitDeadlockVariant(events)
		}
	}
}

// emitDeadlockVariant records the idiom-5 "deadlock-shaped, reversed
// timing" sibling of an idiom-4 candidate (spec.md §4.7, §4.9): the same
// four events, but with the inner pair's order reversed, modeling each
// thread locking the other's mutex in opposite order (the classic AB/BA
// shape from spec.md §8 scenario 4).
func (p *Predictor) emitDeadlockVariant(idiom4Events []irootdb.EventID) {
	if len(idiom4Events) != 4 {
		return
	}
	reversed := []irootdb.EventID{
		idiom4Events[0], idiom4Events[1],
		idiom4Events[3], idiom4Events[2],
	}
	r := p.db.GetIRoot(irootdb.Idiom5, reversed, 0, 0, true)
	p.markPredicted(r.ID, false)
}
