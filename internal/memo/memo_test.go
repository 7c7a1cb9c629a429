package memo

import (
	"bytes"
	"testing"

	"github.com/joeycumines/go-idiomscan/internal/irootdb"
	"github.com/joeycumines/go-idiomscan/internal/sinfo"
	"github.com/stretchr/testify/require"
)

func seedIRoot(t *testing.T, db *irootdb.DB, idiom irootdb.Idiom, inst sinfo.InstID) irootdb.IRootID {
	t.Helper()
	e1 := db.GetEvent(inst, irootdb.MemRead)
	e2 := db.GetEvent(inst+1, irootdb.MemWrite)
	r := db.GetIRoot(idiom, []irootdb.EventID{e1.ID, e2.ID}, 1, 1, true)
	return r.ID
}

func TestStore_TestSuccessAndTestFail(t *testing.T) {
	db := irootdb.New()
	s := New(db, 6, 2)
	id := seedIRoot(t, db, irootdb.Idiom1, 1)

	s.TestSuccess(id)
	info := s.Info(id)
	require.Equal(t, 1, info.TotalTestRuns)
	require.True(t, info.Exposed)
	require.False(t, info.Failed)

	for i := 0; i < 6; i++ {
		s.TestFail(id)
	}
	info = s.Info(id)
	require.True(t, info.Failed, "FAILED must become sticky once total_test_runs reaches total_failed_limit")
}

func TestStore_ChooseForTest_PrefersLowerIdiomNumber(t *testing.T) {
	db := irootdb.New()
	s := New(db, 6, 2)

	id5 := seedIRoot(t, db, irootdb.Idiom5, 100)
	id1 := seedIRoot(t, db, irootdb.Idiom1, 200)

	s.MarkPredicted(id5, false)
	s.MarkPredicted(id1, false)

	chosen, ok := s.ChooseForTest(nil)
	require.True(t, ok)
	require.Equal(t, id1, chosen, "idiom 1 candidates must be preferred over idiom 5")
}

func TestStore_ChooseForTest_PrefersNotInCommonLib(t *testing.T) {
	db := irootdb.New()
	s := New(db, 6, 2)

	idLib := seedIRoot(t, db, irootdb.Idiom1, 1)
	idApp := seedIRoot(t, db, irootdb.Idiom1, 10)

	s.MarkPredicted(idLib, false)
	s.MarkPredicted(idApp, false)

	commonLib := func(inst sinfo.InstID) bool { return inst == 1 }

	chosen, ok := s.ChooseForTest(commonLib)
	require.True(t, ok)
	require.Equal(t, idApp, chosen)
}

func TestStore_ChooseForTest_TieBreaksOnFewerRuns(t *testing.T) {
	db := irootdb.New()
	s := New(db, 6, 2)

	idA := seedIRoot(t, db, irootdb.Idiom1, 1)
	idB := seedIRoot(t, db, irootdb.Idiom1, 10)
	s.MarkPredicted(idA, false)
	s.MarkPredicted(idB, false)

	s.TestFail(idA)
	s.TestFail(idA)

	chosen, ok := s.ChooseForTest(nil)
	require.True(t, ok)
	require.Equal(t, idB, chosen, "the candidate with fewer total_test_runs must win the tie-break")
}

func TestStore_ChooseForTest_EmptyWhenNoCandidates(t *testing.T) {
	db := irootdb.New()
	s := New(db, 6, 2)
	_, ok := s.ChooseForTest(nil)
	require.False(t, ok)
}

func TestStore_RefineCandidate_RemovesExposedAndOverFailed(t *testing.T) {
	db := irootdb.New()
	s := New(db, 6, 2)

	idExposed := seedIRoot(t, db, irootdb.Idiom1, 1)
	idOverTries := seedIRoot(t, db, irootdb.Idiom1, 10)
	idFresh := seedIRoot(t, db, irootdb.Idiom1, 20)

	s.MarkPredicted(idExposed, false)
	s.MarkPredicted(idOverTries, false)
	s.MarkPredicted(idFresh, false)

	s.TestSuccess(idExposed)
	s.TestFail(idOverTries)
	s.TestFail(idOverTries)

	s.RefineCandidate(false)

	require.False(t, s.Info(idExposed).Candidate)
	require.False(t, s.Info(idOverTries).Candidate)
	require.True(t, s.Info(idFresh).Candidate)
}

func TestStore_SampleCandidate_CapsCount(t *testing.T) {
	db := irootdb.New()
	s := New(db, 6, 2)

	var ids []irootdb.IRootID
	for i := 0; i < 5; i++ {
		id := seedIRoot(t, db, irootdb.Idiom2, sinfo.InstID(i*10+1))
		s.MarkPredicted(id, false)
		ids = append(ids, id)
	}

	s.SampleCandidate(irootdb.Idiom2, 2)

	remaining := 0
	for _, id := range ids {
		if s.Info(id).Candidate {
			remaining++
		}
	}
	require.Equal(t, 2, remaining)
}

func TestStore_Merge_IsCommutativeUnion(t *testing.T) {
	db := irootdb.New()
	a := New(db, 6, 2)
	b := New(db, 6, 2)

	id := seedIRoot(t, db, irootdb.Idiom1, 1)
	a.MarkPredicted(id, false)
	a.TestFail(id)
	b.TestSuccess(id)

	merged := New(db, 6, 2)
	merged.Merge(a)
	merged.Merge(b)

	info := merged.Info(id)
	require.True(t, info.Predicted)
	require.True(t, info.Exposed)
	require.Equal(t, 2, info.TotalTestRuns)
}

func TestStore_SaveLoad_RoundTrip(t *testing.T) {
	db := irootdb.New()
	s := New(db, 6, 2)

	id := seedIRoot(t, db, irootdb.Idiom1, 1)
	s.MarkPredicted(id, true)
	s.TestSuccess(id)
	s.TestFail(id)

	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))

	loaded := New(db, 6, 2)
	require.NoError(t, loaded.Load(bytes.NewReader(buf.Bytes())))

	want := s.Info(id)
	got := loaded.Info(id)
	require.Equal(t, want, got)
}

func TestStore_MarkObserved(t *testing.T) {
	db := irootdb.New()
	s := New(db, 6, 2)
	id := seedIRoot(t, db, irootdb.Idiom1, 1)

	s.MarkObserved(id)
	require.True(t, s.Info(id).ShadowExposed)
	require.False(t, s.Info(id).Exposed, "observed-only must not imply the scheduler-confirmed EXPOSED flag")
}
