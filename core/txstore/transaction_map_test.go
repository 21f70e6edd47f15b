package txstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStringStorage() StorageMap[string, VersionedValue[string]] {
	return NewBTreeStorageMap[string, VersionedValue[string]](
		func(a, b string) bool { return a < b },
		func(a, b VersionedValue[string]) bool { return a == b },
		"VARCHAR",
	)
}

func newTestEngine() *TransactionEngine {
	return NewTransactionEngine()
}

func TestPutGetWithinOwnTransaction(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()
	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)

	_, found := m.Get("a")
	require.False(t, found)

	require.NoError(t, m.Put("a", "1"))

	v, found := m.Get("a")
	require.True(t, found)
	require.Equal(t, "1", v)
}

func TestCommitMakesValueVisibleToNewTransaction(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	tx1 := engine.Begin(nil)
	m1 := OpenMap[string, string](tx1, 1, storage)
	require.NoError(t, m1.Put("a", "1"))
	require.NoError(t, tx1.Commit())

	tx2 := engine.Begin(nil)
	m2 := OpenMap[string, string](tx2, 1, storage)
	v, found := m2.Get("a")
	require.True(t, found)
	require.Equal(t, "1", v)
}

// TestWriteWriteConflict walks through the exact scenario in spec: T1 writes
// "a" without committing; T2's tryPut fails and its read sees the pre-state;
// after T1 commits, T2's retry succeeds.
func TestWriteWriteConflict(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	tx1 := engine.Begin(nil)
	m1 := OpenMap[string, string](tx1, 1, storage)
	require.NoError(t, m1.Put("a", "1"))

	tx2 := engine.Begin(nil)
	m2 := OpenMap[string, string](tx2, 1, storage)

	ok, err := m2.TryPut("a", "2")
	require.NoError(t, err)
	require.False(t, ok, "T2 must not win against T1's uncommitted write")

	_, found := m2.Get("a")
	require.False(t, found, "T2 must see pre-state while T1 is uncommitted")

	require.NoError(t, tx1.Commit())

	ok, err = m2.TryPut("a", "2")
	require.NoError(t, err)
	require.True(t, ok, "T2 must succeed once T1 has committed")
}

func TestAtMostOneWriterWins(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	setup := engine.Begin(nil)
	m0 := OpenMap[string, string](setup, 1, storage)
	require.NoError(t, m0.Put("a", "0"))
	require.NoError(t, setup.Commit())

	tx1 := engine.Begin(nil)
	tx2 := engine.Begin(nil)
	m1 := OpenMap[string, string](tx1, 1, storage)
	m2 := OpenMap[string, string](tx2, 1, storage)

	ok1, err := m1.TryPut("a", "1")
	require.NoError(t, err)
	ok2, err := m2.TryPut("a", "2")
	require.NoError(t, err)

	require.True(t, ok1 != ok2, "exactly one of the two concurrent writers must win")
}

func TestRollbackRestoresPriorValue(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	setup := engine.Begin(nil)
	m0 := OpenMap[string, string](setup, 1, storage)
	require.NoError(t, m0.Put("a", "0"))
	require.NoError(t, setup.Commit())

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	require.NoError(t, m.Put("a", "1"))
	require.NoError(t, tx.Rollback())

	verify := engine.Begin(nil)
	mv := OpenMap[string, string](verify, 1, storage)
	v, found := mv.Get("a")
	require.True(t, found)
	require.Equal(t, "0", v)
}

func TestRollbackOfFreshInsertRemovesKey(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	require.NoError(t, m.Put("a", "1"))
	require.NoError(t, tx.Rollback())

	verify := engine.Begin(nil)
	mv := OpenMap[string, string](verify, 1, storage)
	_, found := mv.Get("a")
	require.False(t, found)
}

func TestRollbackToSavepoint(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	require.NoError(t, m.Put("a", "1"))
	sp := tx.SetSavepoint("sp1")
	require.NoError(t, m.Put("b", "2"))

	require.NoError(t, tx.RollbackToSavepoint("sp1"))
	require.Equal(t, sp, tx.LogID())

	v, found := m.Get("a")
	require.True(t, found)
	require.Equal(t, "1", v)

	_, found = m.Get("b")
	require.False(t, found, "write made after the savepoint must be undone")
}

func TestRemoveInstallsTombstone(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	setup := engine.Begin(nil)
	m0 := OpenMap[string, string](setup, 1, storage)
	require.NoError(t, m0.Put("a", "1"))
	require.NoError(t, setup.Commit())

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	require.NoError(t, m.Remove("a"))
	_, found := m.Get("a")
	require.False(t, found)
	require.NoError(t, tx.Commit())

	verify := engine.Begin(nil)
	mv := OpenMap[string, string](verify, 1, storage)
	_, found = mv.Get("a")
	require.False(t, found)
}

func TestSizeAsLongAdaptsToUndoLogSize(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	require.Equal(t, int64(0), m.SizeAsLong())

	require.NoError(t, m.Put("a", "1"))
	require.NoError(t, m.Put("b", "2"))
	require.Equal(t, int64(2), m.SizeAsLong())

	require.NoError(t, m.Remove("a"))
	require.Equal(t, int64(1), m.SizeAsLong())

	// Once the undo log is empty (U == 0), SizeAsLong returns the raw map
	// size directly per spec §4.5.3 — an approximation that still counts a
	// committed tombstone physically present in the map, since no
	// compaction runs in this reference implementation.
	require.NoError(t, tx.Commit())
	require.Equal(t, int64(2), m.SizeAsLong())
}

func TestKeyIteratorSkipsInvisibleKeys(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	setup := engine.Begin(nil)
	m0 := OpenMap[string, string](setup, 1, storage)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m0.Put(k, k))
	}
	require.NoError(t, setup.Commit())

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	require.NoError(t, m.Remove("b"))

	it := m.KeyIterator(nil, false)
	var keys []string
	for it.HasNext() {
		keys = append(keys, it.Next())
	}
	require.Equal(t, []string{"a", "c"}, keys)
}

func TestOrderedNavigationSkipsInvisibleKeys(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	setup := engine.Begin(nil)
	m0 := OpenMap[string, string](setup, 1, storage)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m0.Put(k, k))
	}
	require.NoError(t, setup.Commit())

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	require.NoError(t, m.Remove("b"))

	higher, ok := m.HigherKey("a")
	require.True(t, ok)
	require.Equal(t, "c", higher, "invisible tombstoned key must be skipped")
}

// fakeValidator lets tests control whether an in-doubt transaction is
// reported committed.
type fakeValidator struct {
	valid bool
}

func (f *fakeValidator) Validate(ctx context.Context, correlationID [16]byte, foreignTxID uint32) (bool, error) {
	return f.valid, nil
}

func TestInDoubtTransactionValidatesAndFlattens(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()
	validator := &fakeValidator{valid: true}

	remote := engine.BeginInDoubt(validator)
	require.True(t, IsInDoubt(remote.ID()))
	mRemote := OpenMap[string, string](remote, 1, storage)
	require.NoError(t, mRemote.Put("a", "1"))

	reader := engine.Begin(validator)
	mReader := OpenMap[string, string](reader, 1, storage)

	v, found := mReader.Get("a")
	require.True(t, found, "a validated in-doubt write must become visible")
	require.Equal(t, "1", v)
}

func TestInDoubtTransactionStaysHiddenWhenInvalid(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()
	validator := &fakeValidator{valid: false}

	remote := engine.BeginInDoubt(validator)
	mRemote := OpenMap[string, string](remote, 1, storage)
	require.NoError(t, mRemote.Put("a", "1"))

	reader := engine.Begin(validator)
	mReader := OpenMap[string, string](reader, 1, storage)

	_, found := mReader.Get("a")
	require.False(t, found, "an unvalidated in-doubt write must not be visible")
}

func TestIsSameTransaction(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	require.NoError(t, m.Put("a", "1"))
	require.True(t, m.IsSameTransaction("a"))
}

// TestTrySetOnlyIfUnchangedWithoutDivergenceActsAsNormalRemove covers the
// common case: onlyIfUnchanged compares the value the caller is about to
// overwrite against the raw entry currently stored, not against the value
// being written. When nothing has diverged since the read that produced
// `cur` — the usual case, even for a self-owned entry — the call proceeds
// straight into the normal CAS path below: a real undo entry is logged and
// logID advances, the same as any other remove.
func TestTrySetOnlyIfUnchangedWithoutDivergenceActsAsNormalRemove(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	require.NoError(t, m.Put("a", "1"))

	logIDBefore := tx.LogID()
	ok, err := m.TrySet("a", "", true, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, logIDBefore+1, tx.LogID(), "an unchanged onlyIfUnchanged remove must still log a real undo entry")

	_, found := m.Get("a")
	require.False(t, found)
}

// TestTrySetOnlyIfUnchangedSelfOwnedDivergentRemoveCollapses exercises the
// first self-transaction special case: the caller read "a" at a savepoint
// before this same transaction went on to change it, so the raw entry has
// genuinely diverged from what onlyIfUnchanged is comparing against.
// Removing against that stale read collapses to success without touching
// the map any further.
func TestTrySetOnlyIfUnchangedSelfOwnedDivergentRemoveCollapses(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	setup := engine.Begin(nil)
	m0 := OpenMap[string, string](setup, 1, storage)
	require.NoError(t, m0.Put("a", "0"))
	require.NoError(t, setup.Commit())

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	m.SetSavepoint(tx.LogID())
	require.NoError(t, m.Put("a", "1"))

	logIDBefore := tx.LogID()
	ok, err := m.TrySet("a", "", true, true)
	require.NoError(t, err)
	require.True(t, ok, "removing against a value this same transaction has since diverged from must collapse to success")
	require.Equal(t, logIDBefore, tx.LogID(), "the collapse must not append a new undo entry")

	v, found := m.GetLatest("a")
	require.True(t, found, "the collapse must not touch the map; the prior self-write stands")
	require.Equal(t, "1", v)
}

// TestTrySetOnlyIfUnchangedSelfOwnedDivergentReAddFallsThrough is the
// second self-transaction special case: re-adding a key this same
// transaction has already tombstoned since the savepoint the caller's read
// was taken at falls through to a normal CAS write rather than failing the
// onlyIfUnchanged comparison.
func TestTrySetOnlyIfUnchangedSelfOwnedDivergentReAddFallsThrough(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	setup := engine.Begin(nil)
	m0 := OpenMap[string, string](setup, 1, storage)
	require.NoError(t, m0.Put("a", "0"))
	require.NoError(t, setup.Commit())

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	m.SetSavepoint(tx.LogID())
	require.NoError(t, m.Remove("a"))

	ok, err := m.TrySet("a", "1", false, true)
	require.NoError(t, err)
	require.True(t, ok, "re-adding after this same transaction's own divergent removal must fall through to a write")

	v, found := m.GetLatest("a")
	require.True(t, found)
	require.Equal(t, "1", v)
}

func TestPutCommittedBypassesMVCC(t *testing.T) {
	engine := newTestEngine()
	storage := newStringStorage()

	tx := engine.Begin(nil)
	m := OpenMap[string, string](tx, 1, storage)
	m.PutCommitted("a", "bulk-loaded")

	other := engine.Begin(nil)
	mo := OpenMap[string, string](other, 1, storage)
	v, found := mo.Get("a")
	require.True(t, found)
	require.Equal(t, "bulk-loaded", v)
}
