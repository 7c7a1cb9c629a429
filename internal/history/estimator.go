// Package history implements the instruction-count history estimator
// (SPEC_FULL.md §4.11, resolving spec.md §4.10's "scale the random range"
// and §6.2's history.db): an online P50/P90/P99 estimate of observed
// (instruction count, thread count) pairs from prior runs, consulted by
// the random and PCT schedulers to size their change-point ranges.
//
// The estimator itself is the P-Square (piecewise-parabolic) streaming
// quantile algorithm, adapted line-for-line from the teacher's
// eventloop/psquare.go, which there tracks event-loop tick-latency
// percentiles; here it tracks instruction counts instead. See Jain &
// Chlamtac (1985), "The P^2 Algorithm for Dynamic Calculation of
// Quantiles and Histograms Without Storing Observations".
package history

import "math"

// quantile is one P-Square marker set for a single target percentile.
// Not safe for concurrent use; Estimator serializes access.
type quantile struct {
	p           float64
	q           [5]float64
	n           [5]int
	np          [5]float64
	dn          [5]float64
	initialized bool
	count       int
	initBuffer  [5]float64
}

func newQuantile(p float64) *quantile {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &quantile{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (q *quantile) update(x float64) {
	q.count++

	if q.count <= 5 {
		q.initBuffer[q.count-1] = x
		if q.count == 5 {
			q.initialize()
		}
		return
	}

	var k int
	if x < q.q[0] {
		q.q[0] = x
		k = 0
	} else if x >= q.q[4] {
		q.q[4] = x
		k = 3
	} else {
		for k = 0; k < 4; k++ {
			if q.q[k] <= x && x < q.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		q.n[i]++
	}
	for i := 0; i < 5; i++ {
		q.np[i] += q.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := q.np[i] - float64(q.n[i])
		if (d >= 1 && q.n[i+1]-q.n[i] > 1) || (d <= -1 && q.n[i-1]-q.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := q.parabolic(i, sign)
			if q.q[i-1] < qPrime && qPrime < q.q[i+1] {
				q.q[i] = qPrime
			} else {
				q.q[i] = q.linear(i, sign)
			}
			q.n[i] += sign
		}
	}
}

func (q *quantile) initialize() {
	for i := 1; i < 5; i++ {
		key := q.initBuffer[i]
		j := i - 1
		for j >= 0 && q.initBuffer[j] > key {
			q.initBuffer[j+1] = q.initBuffer[j]
			j--
		}
		q.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		q.q[i] = q.initBuffer[i]
		q.n[i] = i
	}
	q.np = [5]float64{0, 2 * q.p, 4 * q.p, 2 + 2*q.p, 4}
	q.initialized = true
}

func (q *quantile) parabolic(i, d int) float64 {
	df := float64(d)
	ni := float64(q.n[i])
	niPrev := float64(q.n[i-1])
	niNext := float64(q.n[i+1])

	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (q.q[i+1] - q.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (q.q[i] - q.q[i-1]) / (ni - niPrev)
	return q.q[i] + term1*(term2+term3)
}

func (q *quantile) linear(i, d int) float64 {
	if d == 1 {
		return q.q[i] + (q.q[i+1]-q.q[i])/float64(q.n[i+1]-q.n[i])
	}
	return q.q[i] - (q.q[i]-q.q[i-1])/float64(q.n[i]-q.n[i-1])
}

func (q *quantile) value() float64 {
	if q.count == 0 {
		return 0
	}
	if q.count < 5 {
		sorted := make([]float64, q.count)
		copy(sorted, q.initBuffer[:q.count])
		for i := 1; i < len(sorted); i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		index := int(float64(q.count-1) * q.p)
		if index >= q.count {
			index = q.count - 1
		}
		return sorted[index]
	}
	return q.q[2]
}

// Sample is one (instruction count, thread count) observation from a
// completed run, the row shape spec.md §6.2 defines for history.db.
type Sample struct {
	InstCount   uint64
	ThreadCount int
}

// Estimator tracks P50/P90/P99 of instruction counts across runs, plus a
// running mean thread count, feeding the random/PCT schedulers' change-
// point range (spec.md §4.10). Not safe for concurrent use.
type Estimator struct {
	p50, p90, p99 *quantile

	count        int
	threadSum    int
	maxInstCount uint64
}

// New returns an empty estimator.
func New() *Estimator {
	return &Estimator{
		p50: newQuantile(0.50),
		p90: newQuantile(0.90),
		p99: newQuantile(0.99),
	}
}

// Observe folds one completed run's (instCount, threadCount) into the
// estimator.
func (e *Estimator) Observe(s Sample) {
	x := float64(s.InstCount)
	e.p50.update(x)
	e.p90.update(x)
	e.p99.update(x)
	e.count++
	e.threadSum += s.ThreadCount
	if s.InstCount > e.maxInstCount {
		e.maxInstCount = s.InstCount
	}
}

// Count returns the number of samples folded in so far.
func (e *Estimator) Count() int { return e.count }

// MeanThreadCount returns the running mean of observed thread counts, 0
// if no samples have been observed.
func (e *Estimator) MeanThreadCount() float64 {
	if e.count == 0 {
		return 0
	}
	return float64(e.threadSum) / float64(e.count)
}

// P50, P90, P99 return the current instruction-count percentile
// estimates.
func (e *Estimator) P50() float64 { return e.p50.value() }
func (e *Estimator) P90() float64 { return e.p90.value() }
func (e *Estimator) P99() float64 { return e.p99.value() }

// EstimateRange returns the (lo, hi) instruction-count bounds the random
// and PCT schedulers should draw change points from (spec.md §4.10): lo
// is the P50 estimate (skip trivially short runs), hi is the P99 estimate
// scaled up by a small safety margin to accommodate a longer-than-usual
// run, falling back to [0, maxInstCount] before enough samples have
// accumulated to trust the P² markers.
func (e *Estimator) EstimateRange() (lo, hi uint64) {
	if e.count < 5 {
		return 0, e.maxInstCount
	}
	lo = uint64(math.Max(0, e.p50.value()))
	hi = uint64(e.p99.value() * 1.25)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Reset clears all accumulated state, for reuse across test binaries.
func (e *Estimator) Reset() {
	*e = *New()
}
