// Package auxsched implements the two auxiliary schedulers (spec.md §4.10,
// C9): the uniform random scheduler and the PCT (priority-change-at-
// random-points) scheduler, both baselines and profiling vehicles used
// alongside the active scheduler (internal/scheduler). They share the
// active scheduler's priority-band vocabulary and affinity machinery but
// differ in when priorities change: at uniformly-sampled absolute
// instruction counts (random), or at change points reassigning one
// currently-running thread per point (PCT).
//
// Both consult internal/history's P² estimator to scale their change-point
// range to prior runs' observed instruction counts (spec.md §4.10's "scale
// the random range"), and both feed their own run's outcome back into it.
package auxsched

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"

	"github.com/joeycumines/go-idiomscan/internal/history"
	"github.com/joeycumines/go-idiomscan/internal/vclock"
)

// changePointHeap is a min-heap of pending instruction-count change points,
// grounded on the teacher's timerHeap (eventloop/loop.go): both pop the
// next-due point in O(log n) instead of scanning a sorted slice with a
// walking index.
type changePointHeap []uint64

func (h changePointHeap) Len() int           { return len(h) }
func (h changePointHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h changePointHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *changePointHeap) Push(x any) { *h = append(*h, x.(uint64)) }

func (h *changePointHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// PriorityPool is a pre-shuffled pool of raw realtime-priority values
// bracketed between lowest and highest (spec.md §6.3's
// lowest_realtime_priority/highest_realtime_priority knobs): "each new
// thread receives the next unused priority from a pre-shuffled pool"
// (spec.md §4.10).
type PriorityPool struct {
	mu     sync.Mutex
	lowest int
	values []int
	idx    int
}

// NewPriorityPool returns a pool covering [lowest, highest] in a shuffled
// order determined by rng.
func NewPriorityPool(lowest, highest int, rng *rand.Rand) *PriorityPool {
	if highest < lowest {
		lowest, highest = highest, lowest
	}
	n := highest - lowest + 1
	values := make([]int, n)
	for i := range values {
		values[i] = lowest + i
	}
	rng.Shuffle(n, func(i, j int) { values[i], values[j] = values[j], values[i] })
	return &PriorityPool{lowest: lowest, values: values}
}

// Next returns the next unused priority, or false once the pool is
// exhausted.
func (p *PriorityPool) Next() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx >= len(p.values) {
		return 0, false
	}
	v := p.values[p.idx]
	p.idx++
	return v, true
}

// Demote returns current's priority lowered by one band, clamped at the
// pool's lowest configured value.
func (p *PriorityPool) Demote(current int) int {
	if current <= p.lowest {
		return p.lowest
	}
	return current - 1
}

// sampleChangePoints draws n distinct instruction counts uniformly from
// [lo, hi] and returns them as a ready-to-pop min-heap.
func sampleChangePoints(rng *rand.Rand, lo, hi uint64, n int) changePointHeap {
	if hi <= lo {
		hi = lo + 1
	}
	span := hi - lo + 1
	seen := make(map[uint64]bool, n)
	out := make(changePointHeap, 0, n)
	for len(out) < n {
		v := lo + uint64(rng.Int63n(int64(span)))
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	heap.Init(&out)
	return out
}

// RandomConfig configures the uniform random scheduler.
type RandomConfig struct {
	NumChangePoints int
	DelayMode       bool          // insert a sleep instead of a priority swap (spec.md §4.10)
	Delay           time.Duration // sleep duration used when DelayMode is set
	LowestPriority  int
	HighestPriority int
}

// RandomScheduler picks a uniformly-distributed set of absolute-
// instruction-count change points and, at each, reassigns priorities
// across the currently running threads (spec.md §4.10).
type RandomScheduler struct {
	mu           sync.Mutex
	changePoints changePointHeap
	cfg          RandomConfig
	rng          *rand.Rand
	pool         *PriorityPool
	assigned     map[vclock.ThreadID]int
}

// NewRandom returns a random scheduler whose change-point range is scaled
// from est's prior-run history (spec.md §4.10).
func NewRandom(cfg RandomConfig, est *history.Estimator, rng *rand.Rand) *RandomScheduler {
	lo, hi := est.EstimateRange()
	return &RandomScheduler{
		changePoints: sampleChangePoints(rng, lo, hi, cfg.NumChangePoints),
		cfg:          cfg,
		rng:          rng,
		pool:         NewPriorityPool(cfg.LowestPriority, cfg.HighestPriority, rng),
		assigned:     make(map[vclock.ThreadID]int),
	}
}

// OnThreadStart assigns a new thread its next unused priority from the
// pre-shuffled pool.
func (r *RandomScheduler) OnThreadStart(t vclock.ThreadID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pool.Next()
	if !ok {
		p = r.cfg.LowestPriority
	}
	r.assigned[t] = p
	return p
}

// Reassignment is the outcome of crossing a change point: either a
// priority reshuffle across running threads, or (in delay mode) a sleep
// duration to apply instead.
type Reassignment struct {
	Priorities map[vclock.ThreadID]int
	Delay      time.Duration
	Hit        bool
}

// Tick reports whether globalInstCount has crossed the next unconsumed
// change point and, if so, reassigns priorities across running (or, in
// delay mode, returns a sleep duration).
func (r *RandomScheduler) Tick(globalInstCount uint64, running []vclock.ThreadID) Reassignment {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.changePoints) == 0 || globalInstCount < r.changePoints[0] {
		return Reassignment{}
	}
	heap.Pop(&r.changePoints)

	if r.cfg.DelayMode {
		return Reassignment{Delay: r.cfg.Delay, Hit: true}
	}

	perm := r.rng.Perm(len(running))
	span := r.cfg.HighestPriority - r.cfg.LowestPriority + 1
	out := make(map[vclock.ThreadID]int, len(running))
	for i, t := range running {
		p := r.cfg.LowestPriority
		if span > 0 {
			p = r.cfg.LowestPriority + perm[i]%span
		}
		out[t] = p
		r.assigned[t] = p
	}
	return Reassignment{Priorities: out, Hit: true}
}

// PCTConfig configures the PCT scheduler.
type PCTConfig struct {
	NumChangePoints int // "d" in spec.md §4.10
	LowestPriority  int
	HighestPriority int
}

// PCTScheduler draws d change points uniformly between 1 and an estimate
// of the total instruction count; at each, one currently-running thread is
// demoted to the next-lower priority band (spec.md §4.10).
type PCTScheduler struct {
	mu           sync.Mutex
	changePoints changePointHeap
	cfg          PCTConfig
	rng          *rand.Rand
	pool         *PriorityPool
	assigned     map[vclock.ThreadID]int
}

// NewPCT returns a PCT scheduler whose change points are scaled from est's
// estimate of the total instruction count for a run of this shape.
func NewPCT(cfg PCTConfig, est *history.Estimator, rng *rand.Rand) *PCTScheduler {
	_, hi := est.EstimateRange()
	if hi == 0 {
		hi = 1
	}
	return &PCTScheduler{
		changePoints: sampleChangePoints(rng, 1, hi, cfg.NumChangePoints),
		cfg:          cfg,
		rng:          rng,
		pool:         NewPriorityPool(cfg.LowestPriority, cfg.HighestPriority, rng),
		assigned:     make(map[vclock.ThreadID]int),
	}
}

// OnThreadStart assigns a new thread the next unused priority from the
// pre-shuffled pool (spec.md §4.10: "Each new thread receives the next
// unused priority from a pre-shuffled pool").
func (p *PCTScheduler) OnThreadStart(t vclock.ThreadID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.pool.Next()
	if !ok {
		v = p.cfg.LowestPriority
	}
	p.assigned[t] = v
	return v
}

// Tick reports whether globalInstCount has crossed the next change point
// and, if so, demotes one of the currently-running threads (chosen
// uniformly at random from running) to its next-lower priority band.
func (p *PCTScheduler) Tick(globalInstCount uint64, running []vclock.ThreadID) (demoted vclock.ThreadID, newPriority int, hit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.changePoints) == 0 || globalInstCount < p.changePoints[0] || len(running) == 0 {
		return 0, 0, false
	}
	heap.Pop(&p.changePoints)

	t := running[p.rng.Intn(len(running))]
	cur, ok := p.assigned[t]
	if !ok {
		cur = p.cfg.HighestPriority
	}
	next := p.pool.Demote(cur)
	p.assigned[t] = next
	return t, next, true
}

// RecordRun folds this run's (instruction count, thread count) into est,
// updating the persisted history used to scale subsequent runs' change-
// point ranges (spec.md §4.10's "update a persisted history").
func RecordRun(est *history.Estimator, instCount uint64, threadCount int) {
	est.Observe(history.Sample{InstCount: instCount, ThreadCount: threadCount})
}
