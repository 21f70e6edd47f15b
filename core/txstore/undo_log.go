package txstore

import "sync"

// UndoEntry is one entry of the UndoLog: the prior VersionedValue a write
// overwrote, keyed by the OperationID of that write. Prior is nil when the
// write created a brand new key (there was nothing to restore on rollback).
// Key is stored as `any` because one UndoLog is shared by every
// TransactionMap of an engine, regardless of each map's concrete K/V types.
type UndoEntry struct {
	MapID int
	Key   any
	Prior *rawVersionedValue
}

// UndoLog is the record of (OperationID -> prior VersionedValue) shared by
// every Transaction of one TransactionEngine. Entries are held in a Go map
// keyed by OperationID, so Snapshot and RangeAll visit them in no particular
// order; callers needing log-id order look entries up one OperationID at a
// time, as Commit and Rollback do. All structural
// operations — Append, Remove, SizeAsLong, and the ranging scan used by
// SizeAsLong — take the single mutex U; single-key Get lookups also take
// it, but only for the duration of that one lookup, since U is leaf level
// and nothing holds it while doing other locked work.
type UndoLog struct {
	mu      sync.Mutex
	entries map[OperationID]*UndoEntry
}

// NewUndoLog creates an empty undo log.
func NewUndoLog() *UndoLog {
	return &UndoLog{entries: make(map[OperationID]*UndoEntry)}
}

// Append records the entry that must be written back to restore the prior
// state of (mapID, key) if opID's write is rolled back.
func (u *UndoLog) Append(opID OperationID, mapID int, key any, prior *rawVersionedValue) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries[opID] = &UndoEntry{MapID: mapID, Key: key, Prior: prior}
}

// Remove deletes the entry for opID. Used both by Transaction.LogUndo (to
// pop an entry whose CAS failed) and by commit/rollback draining applied
// writes.
func (u *UndoLog) Remove(opID OperationID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.entries, opID)
}

// Get looks up the entry for opID, taking the mutex only for this single
// lookup.
func (u *UndoLog) Get(opID OperationID) (*UndoEntry, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, ok := u.entries[opID]
	return e, ok
}

// SizeAsLong reports the number of entries currently in the log.
func (u *UndoLog) SizeAsLong() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return int64(len(u.entries))
}

// UndoSnapshot is one (opID, entry) pair copied out of the log by Snapshot.
type UndoSnapshot struct {
	OpID  OperationID
	Entry *UndoEntry
}

// Snapshot copies every entry belonging to mapID while holding the mutex,
// then returns without it held. TransactionMap.SizeAsLong's undo-log pass
// must resolve each key's visibility via getValue, which itself takes U
// for single-key lookups — so the scan is done over a copy rather than
// live under U, sidestepping reentrancy.
func (u *UndoLog) Snapshot(mapID int) []UndoSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []UndoSnapshot
	for opID, e := range u.entries {
		if e.MapID != mapID {
			continue
		}
		out = append(out, UndoSnapshot{OpID: opID, Entry: e})
	}
	return out
}

// RangeAll calls fn for every entry in the log regardless of map, used by
// TransactionEngine.commitAfterValidate to flatten every write of a
// now-committed in-doubt transaction.
func (u *UndoLog) RangeAll(fn func(opID OperationID, e *UndoEntry)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for opID, e := range u.entries {
		fn(opID, e)
	}
}
