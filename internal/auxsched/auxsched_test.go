package auxsched

import (
	"math/rand"
	"testing"
	"time"

	"github.com/joeycumines/go-idiomscan/internal/history"
	"github.com/joeycumines/go-idiomscan/internal/vclock"
	"github.com/stretchr/testify/require"
)

func warmEstimator() *history.Estimator {
	e := history.New()
	for _, n := range []uint64{1000, 2000, 3000, 4000, 5000} {
		e.Observe(history.Sample{InstCount: n, ThreadCount: 3})
	}
	return e
}

func TestPriorityPool_NeverRepeatsUntilExhausted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pool := NewPriorityPool(1, 5, rng)

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		v, ok := pool.Next()
		require.True(t, ok)
		require.False(t, seen[v], "pool must not hand out the same priority twice")
		seen[v] = true
	}
	_, ok := pool.Next()
	require.False(t, ok, "pool must report exhaustion once all priorities are handed out")
}

func TestPriorityPool_DemoteClampsAtLowest(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pool := NewPriorityPool(10, 20, rng)
	require.Equal(t, 10, pool.Demote(10))
	require.Equal(t, 11, pool.Demote(12))
}

func TestRandomScheduler_TicksAtChangePointsOnly(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	est := warmEstimator()
	rs := NewRandom(RandomConfig{NumChangePoints: 3, LowestPriority: 1, HighestPriority: 5}, est, rng)

	running := []vclock.ThreadID{1, 2, 3}
	hits := 0
	for i := uint64(0); i < 20000; i += 100 {
		if rs.Tick(i, running).Hit {
			hits++
		}
	}
	require.Equal(t, 3, hits, "exactly NumChangePoints reassignments must occur across the whole run")
}

func TestRandomScheduler_DelayModeReturnsDelayNotPriorities(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	est := warmEstimator()
	rs := NewRandom(RandomConfig{
		NumChangePoints: 1, DelayMode: true, Delay: 5 * time.Millisecond,
		LowestPriority: 1, HighestPriority: 5,
	}, est, rng)

	var got Reassignment
	for i := uint64(0); i < 20000; i += 50 {
		r := rs.Tick(i, []vclock.ThreadID{1})
		if r.Hit {
			got = r
			break
		}
	}
	require.True(t, got.Hit)
	require.Equal(t, 5*time.Millisecond, got.Delay)
	require.Nil(t, got.Priorities)
}

func TestPCTScheduler_DemotesOneRunningThreadPerChangePoint(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	est := warmEstimator()
	pct := NewPCT(PCTConfig{NumChangePoints: 2, LowestPriority: 1, HighestPriority: 5}, est, rng)

	running := []vclock.ThreadID{1, 2, 3}
	for _, t := range running {
		pct.OnThreadStart(t)
	}

	hits := 0
	for i := uint64(0); i < 20000; i++ {
		_, _, hit := pct.Tick(i, running)
		if hit {
			hits++
		}
	}
	require.Equal(t, 2, hits)
}

func TestPCTScheduler_NoRunningThreadsNeverHits(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	est := warmEstimator()
	pct := NewPCT(PCTConfig{NumChangePoints: 5, LowestPriority: 1, HighestPriority: 5}, est, rng)
	_, _, hit := pct.Tick(1, nil)
	require.False(t, hit)
}

func TestRecordRun_UpdatesEstimator(t *testing.T) {
	est := history.New()
	RecordRun(est, 500, 2)
	require.Equal(t, 1, est.Count())
}
