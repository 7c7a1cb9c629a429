// Package memo implements the memoization store (spec.md §3 "iRoot info",
// §4.4): per-iRoot EXPOSED/FAILED/PREDICTED/SHADOW_EXPOSED/CANDIDATE state,
// and the priority logic the active scheduler uses to pick its next
// target. The per-category bookkeeping (a concurrent map of small mutable
// records, each independently locked) follows the shape of
// catrate.Limiter's categoryData / sync.Map design, repointed at iRoot ids
// instead of rate-limit categories.
package memo

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/joeycumines/go-idiomscan/internal/sinfo"
)

// Flag is one membership bit from spec.md §3's "iRoot info" set.
type Flag int

const (
	Exposed Flag = iota
	Failed
	Predicted
	ShadowExposed
	Candidate
	numFlags
)

// Defaults for the two failure thresholds spec.md §3 names.
const (
	DefaultTotalFailedLimit = 6
	DefaultFailedLimit      = 2
)

// entry is the per-iRoot mutable record.
type entry struct {
	mu             sync.Mutex
	totalTestRuns  int
	candidateTries int
	asyncFlag      bool
	flags          [numFlags]bool
}

func (e *entry) has(f Flag) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags[f]
}

// Store is the memoization store. One Store is shared by the observer
// (which marks OBSERVED==EXPOSED-adjacent hits on already-known iRoots),
// the predictor (which inserts PREDICTED candidates), and the active
// scheduler (which calls TestSuccess/TestFail after steering a run).
type Store struct {
	db *irootdb.DB

	mu      sync.Mutex // guards entries map structure; entry.mu guards entry contents
	entries map[irootdb.IRootID]*entry

	totalFailedLimit int
	failedLimit      int
}

// New returns an empty memoization store bound to db, whose events it
// consults to resolve an iRoot's representative instruction (for the
// "not in common libraries" tie-break in ChooseForTest).
func New(db *irootdb.DB, totalFailedLimit, failedLimit int) *Store {
	if totalFailedLimit <= 0 {
		totalFailedLimit = DefaultTotalFailedLimit
	}
	if failedLimit <= 0 {
		failedLimit = DefaultFailedLimit
	}
	return &Store{
		db:               db,
		entries:          make(map[irootdb.IRootID]*entry),
		totalFailedLimit: totalFailedLimit,
		failedLimit:      failedLimit,
	}
}

func (s *Store) get(id irootdb.IRootID) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// MarkPredicted inserts id into PREDICTED and CANDIDATE, recording whether
// either endpoint executed inside an interruptible syscall window (spec.md
// §4.7's async flag).
func (s *Store) MarkPredicted(id irootdb.IRootID, async bool) {
	e := s.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags[Predicted] = true
	e.flags[Candidate] = true
	if async {
		e.asyncFlag = true
	}
}

// MarkObserved records that an already-known iRoot fired during a live
// (non-steered) execution — the observer's job (spec.md §4.5). This does
// not, by itself, imply EXPOSED: EXPOSED is reserved for the active
// scheduler's confirmed result (spec.md §4.9's "On DFA reaching DONE, call
// memo.test_success").
func (s *Store) MarkObserved(id irootdb.IRootID) {
	e := s.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags[ShadowExposed] = true
}

// TestSuccess increments the iRoot's run counter and adds it to EXPOSED
// (spec.md §4.4).
func (s *Store) TestSuccess(id irootdb.IRootID) {
	e := s.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalTestRuns++
	e.flags[Exposed] = true
}

// TestFail increments the iRoot's run counter; once total_test_runs
// reaches the store's total_failed_limit, it also becomes sticky-FAILED
// (spec.md §3, §4.4: "Failed membership is sticky after total_failed_limit
// runs").
func (s *Store) TestFail(id irootdb.IRootID) {
	e := s.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalTestRuns++
	e.candidateTries++
	if e.totalTestRuns >= s.totalFailedLimit {
		e.flags[Failed] = true
	}
}

// Info reports the current counters and flags for id, for tests and
// reporting.
type Info struct {
	TotalTestRuns int
	AsyncFlag     bool
	Exposed       bool
	Failed        bool
	Predicted     bool
	ShadowExposed bool
	Candidate     bool
}

func (s *Store) Info(id irootdb.IRootID) Info {
	e := s.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		TotalTestRuns: e.totalTestRuns,
		AsyncFlag:     e.asyncFlag,
		Exposed:       e.flags[Exposed],
		Failed:        e.flags[Failed],
		Predicted:     e.flags[Predicted],
		ShadowExposed: e.flags[ShadowExposed],
		Candidate:     e.flags[Candidate],
	}
}

// candidates returns every iRoot currently flagged CANDIDATE.
func (s *Store) candidates() []irootdb.IRootID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]irootdb.IRootID, 0, len(s.entries))
	for id, e := range s.entries {
		if e.has(Candidate) {
			out = append(out, id)
		}
	}
	return out
}

// representativeInst returns the instruction of an iRoot's first event,
// used only to evaluate the "not in common libraries" tie-break.
func (s *Store) representativeInst(id irootdb.IRootID) (sinfo.InstID, bool) {
	r, ok := s.db.FindIRoot(id)
	if !ok || len(r.Events) == 0 {
		return 0, false
	}
	e, ok := s.db.FindEvent(r.Events[0])
	if !ok {
		return 0, false
	}
	return e.Inst, true
}

// ChooseForTest implements spec.md §4.4's selection priority: (a) filter
// candidates by idiom priority 1->2->3->4->5; (b) within an idiom, prefer
// iRoots whose inst is not in common libraries; (c) break ties by smallest
// total_test_runs. commonLib reports whether inst belongs to a library the
// ignore_lib knob would exclude (spec.md §6.3).
func (s *Store) ChooseForTest(commonLib func(sinfo.InstID) bool) (irootdb.IRootID, bool) {
	cands := s.candidates()
	if len(cands) == 0 {
		return 0, false
	}

	byIdiom := make(map[irootdb.Idiom][]irootdb.IRootID)
	for _, id := range cands {
		r, ok := s.db.FindIRoot(id)
		if !ok {
			continue
		}
		byIdiom[r.Idiom] = append(byIdiom[r.Idiom], id)
	}

	for idiom := irootdb.Idiom1; idiom <= irootdb.Idiom5; idiom++ {
		group := byIdiom[idiom]
		if len(group) == 0 {
			continue
		}

		type scored struct {
			id    irootdb.IRootID
			inLib bool
			runs  int
		}
		scoredGroup := make([]scored, 0, len(group))
		for _, id := range group {
			inst, _ := s.representativeInst(id)
			inLib := commonLib != nil && commonLib(inst)
			scoredGroup = append(scoredGroup, scored{id: id, inLib: inLib, runs: s.Info(id).TotalTestRuns})
		}
		sort.Slice(scoredGroup, func(i, j int) bool {
			if scoredGroup[i].inLib != scoredGroup[j].inLib {
				return !scoredGroup[i].inLib // prefer not-in-lib
			}
			if scoredGroup[i].runs != scoredGroup[j].runs {
				return scoredGroup[i].runs < scoredGroup[j].runs
			}
			return scoredGroup[i].id < scoredGroup[j].id
		})
		return scoredGroup[0].id, true
	}
	return 0, false
}

// RefineCandidate removes candidates whose per-candidate failure counter
// reached failed_limit, removes EXPOSED iRoots, and optionally removes
// FAILED iRoots (spec.md §4.4).
func (s *Store) RefineCandidate(removeFailed bool) {
	s.mu.Lock()
	ids := make([]irootdb.IRootID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		e := s.get(id)
		e.mu.Lock()
		remove := e.candidateTries >= s.failedLimit || e.flags[Exposed] || (removeFailed && e.flags[Failed])
		if remove {
			e.flags[Candidate] = false
		}
		e.mu.Unlock()
	}
}

// SampleCandidate keeps at most n uniformly chosen CANDIDATE iRoots of the
// given idiom, demoting the rest out of CANDIDATE (spec.md §4.4).
func (s *Store) SampleCandidate(idiom irootdb.Idiom, n int) {
	if n < 0 {
		return
	}
	var group []irootdb.IRootID
	for _, id := range s.candidates() {
		r, ok := s.db.FindIRoot(id)
		if ok && r.Idiom == idiom {
			group = append(group, r.ID)
		}
	}
	if len(group) <= n {
		return
	}
	rand.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
	keep := make(map[irootdb.IRootID]bool, n)
	for _, id := range group[:n] {
		keep[id] = true
	}
	for _, id := range group[n:] {
		if keep[id] {
			continue
		}
		e := s.get(id)
		e.mu.Lock()
		e.flags[Candidate] = false
		e.mu.Unlock()
	}
}

// Merge is a commutative union with other, used when combining the results
// of multiple observer/predictor runs (spec.md §4.4). Test-run counts are
// summed, the candidate try count takes the larger of the two, and flags
// are OR'd together.
func (s *Store) Merge(other *Store) {
	other.mu.Lock()
	ids := make([]irootdb.IRootID, 0, len(other.entries))
	for id := range other.entries {
		ids = append(ids, id)
	}
	other.mu.Unlock()

	for _, id := range ids {
		oe := other.get(id)
		oe.mu.Lock()
		runs, tries, async := oe.totalTestRuns, oe.candidateTries, oe.asyncFlag
		flags := oe.flags
		oe.mu.Unlock()

		se := s.get(id)
		se.mu.Lock()
		se.totalTestRuns += runs
		if tries > se.candidateTries {
			se.candidateTries = tries
		}
		se.asyncFlag = se.asyncFlag || async
		for f := Flag(0); f < numFlags; f++ {
			se.flags[f] = se.flags[f] || flags[f]
		}
		se.mu.Unlock()
	}
}
