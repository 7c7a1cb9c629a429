package observer

import (
	"testing"

	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/joeycumines/go-idiomscan/internal/memo"
	"github.com/joeycumines/go-idiomscan/internal/vclock"
	"github.com/stretchr/testify/require"
)

func vc(t *testing.T, pairs ...uint64) *vclock.Clock {
	t.Helper()
	c := vclock.New()
	for i := 0; i+1 < len(pairs); i += 2 {
		c.Set(vclock.ThreadID(pairs[i]), pairs[i+1])
	}
	return c
}

func TestObserver_RecordsIdiom1OnConflictingConcurrentAccess(t *testing.T) {
	db := irootdb.New()
	m := memo.New(db, 6, 2)
	o := New(db, m, 1000)

	ls1 := vclock.NewLockSet()
	ls2 := vclock.NewLockSet()

	o.Observe(Access{
		Thread: 1, Clk: 1, Kind: irootdb.MemWrite, Inst: 10, Addr: 100,
		VC: vc(t, 1, 1), LS: ls1,
	})
	o.Observe(Access{
		Thread: 2, Clk: 1, Kind: irootdb.MemRead, Inst: 20, Addr: 100,
		VC: vc(t, 2, 1), LS: ls2,
	})

	found := false
	for _, r := range db.All() {
		if r.Idiom == irootdb.Idiom1 {
			found = true
		}
	}
	require.True(t, found, "a write followed by a remote read to the same address must record an idiom-1 iRoot")
}

func TestObserver_SkipsSameThread(t *testing.T) {
	db := irootdb.New()
	m := memo.New(db, 6, 2)
	o := New(db, m, 1000)

	ls := vclock.NewLockSet()
	o.Observe(Access{Thread: 1, Clk: 1, Kind: irootdb.MemWrite, Inst: 10, Addr: 100, VC: vc(t, 1, 1), LS: ls})
	o.Observe(Access{Thread: 1, Clk: 2, Kind: irootdb.MemRead, Inst: 11, Addr: 100, VC: vc(t, 1, 2), LS: ls})

	require.Equal(t, 0, db.Count(), "same-thread accesses must never form an idiom-1 iRoot")
}

func TestObserver_SkipsSharedLockInstance(t *testing.T) {
	db := irootdb.New()
	m := memo.New(db, 6, 2)
	o := New(db, m, 1000)

	ls1 := vclock.NewLockSet()
	ls1.Add(42)
	ls2 := ls1.Clone() // same address *and* same version: a shared lock instance

	o.Observe(Access{Thread: 1, Clk: 1, Kind: irootdb.MemWrite, Inst: 10, Addr: 100, VC: vc(t, 1, 1), LS: ls1})
	o.Observe(Access{Thread: 2, Clk: 1, Kind: irootdb.MemRead, Inst: 20, Addr: 100, VC: vc(t, 2, 1), LS: ls2})

	require.Equal(t, 0, db.Count(), "accesses sharing a lock instance must not form an idiom-1 iRoot")
}

func TestObserver_SkipsOutsideWindow(t *testing.T) {
	db := irootdb.New()
	m := memo.New(db, 6, 2)
	o := New(db, m, 5)

	ls := vclock.NewLockSet()
	o.Observe(Access{Thread: 1, Clk: 1, Kind: irootdb.MemWrite, Inst: 10, Addr: 100, VC: vc(t, 1, 1), LS: vclock.NewLockSet()})
	o.Observe(Access{Thread: 2, Clk: 1000, Kind: irootdb.MemRead, Inst: 20, Addr: 100, VC: vc(t, 2, 1000), LS: ls})

	require.Equal(t, 0, db.Count(), "accesses outside the vulnerability window must not form an iRoot")
}

func TestObserver_AllocFreePurgesMeta(t *testing.T) {
	db := irootdb.New()
	m := memo.New(db, 6, 2)
	o := New(db, m, 1000)

	o.AllocRegion(100, 16)
	ls := vclock.NewLockSet()
	o.Observe(Access{Thread: 1, Clk: 1, Kind: irootdb.MemWrite, Inst: 10, Addr: 100, VC: vc(t, 1, 1), LS: ls})
	require.Contains(t, o.metas, uint64(100))

	o.FreeRegion(100, 16)
	require.NotContains(t, o.metas, uint64(100))
}
