package txstore

import (
	"context"
	"math"
)

// TransactionMap is one transaction's view over a single underlying ordered
// StorageMap: the centerpiece of this package. Every read is resolved
// through getValue against readLogId; every write goes through trySet's
// optimistic, non-blocking CAS protocol. A TransactionMap is bound to
// exactly one Transaction and is not safe for concurrent use by more than
// one goroutine, matching the single-owner rule on Transaction itself.
type TransactionMap[K any, V any] struct {
	mapID     int
	storage   StorageMap[K, VersionedValue[V]]
	tx        *Transaction
	readLogID uint32
}

// OpenMap binds a TransactionMap to tx over storage, registering storage
// with tx's engine under mapID the first time that id is used. readLogId
// starts at MAX: by default a transaction sees its own writes and every
// already-committed value.
func OpenMap[K any, V any](tx *Transaction, mapID int, storage StorageMap[K, VersionedValue[V]]) *TransactionMap[K, V] {
	registerMap(tx.engine, mapID, storage)
	return &TransactionMap[K, V]{mapID: mapID, storage: storage, tx: tx, readLogID: math.MaxUint32}
}

// GetMapID returns the id this map was opened under.
func (m *TransactionMap[K, V]) GetMapID() int { return m.mapID }

// GetKeyType returns the underlying StorageMap's key type label.
func (m *TransactionMap[K, V]) GetKeyType() string { return m.storage.KeyType() }

// SetVolatile forwards to the underlying StorageMap.
func (m *TransactionMap[K, V]) SetVolatile(v bool) { m.storage.SetVolatile(v) }

// IsClosed forwards to the underlying StorageMap.
func (m *TransactionMap[K, V]) IsClosed() bool { return m.storage.IsClosed() }

// Instance returns a TransactionMap sharing the same underlying storage and
// mapID but bound to a different transaction and read savepoint, used when
// a transaction resumes a map at a different read point without reopening
// it.
func (m *TransactionMap[K, V]) Instance(tx *Transaction, savepoint uint32) *TransactionMap[K, V] {
	return &TransactionMap[K, V]{mapID: m.mapID, storage: m.storage, tx: tx, readLogID: savepoint}
}

// SetSavepoint sets readLogId for subsequent reads on this map.
// Read savepoints are per-map.
func (m *TransactionMap[K, V]) SetSavepoint(logID uint32) { m.readLogID = logID }

// getValue resolves current to the VersionedValue visible at maxLog from
// this map's transaction's point of view. current is the raw value
// currently stored under key, or nil if absent.
func (m *TransactionMap[K, V]) getValue(key K, maxLog uint32, current *VersionedValue[V]) (*VersionedValue[V], error) {
	for {
		if current == nil {
			return nil, nil
		}
		if current.OperationID == Committed {
			return current, nil
		}
		txID := TransactionOf(current.OperationID)
		logID := LogOf(current.OperationID)
		if txID == m.tx.id && logID < maxLog {
			return current, nil
		}
		if IsInDoubt(txID) {
			if m.tx.engine.validateTransaction(context.Background(), m.tx.validator, txID) {
				m.tx.engine.commitAfterValidate(txID)
				reloaded, found := m.storage.Get(key)
				if found {
					current = &reloaded
				} else {
					current = nil
				}
				continue
			}
		}
		entry, ok := m.tx.engine.undoLog.Get(current.OperationID)
		if ok {
			if entry.Prior == nil {
				current = nil
			} else {
				prior := fromRaw[V](entry.Prior)
				current = &prior
			}
			continue
		}
		reloaded, found := m.storage.Get(key)
		if found && reloaded.OperationID == current.OperationID {
			return nil, ErrTransactionCorrupt
		}
		if found {
			current = &reloaded
		} else {
			current = nil
		}
	}
}

func (m *TransactionMap[K, V]) loadCurrent(key K) *VersionedValue[V] {
	v, found := m.storage.Get(key)
	if !found {
		return nil
	}
	return &v
}

// Get returns the value visible at readLogId, or the zero value and false
// if absent or tombstoned.
func (m *TransactionMap[K, V]) Get(key K) (V, bool) {
	return m.get(key, m.readLogID)
}

// GetLatest reads at logId = MAX: the most recent committed-or-own value,
// ignoring this map's savepoint.
func (m *TransactionMap[K, V]) GetLatest(key K) (V, bool) {
	return m.get(key, math.MaxUint32)
}

func (m *TransactionMap[K, V]) get(key K, maxLog uint32) (V, bool) {
	resolved, err := m.getValue(key, maxLog, m.loadCurrent(key))
	if err != nil || resolved == nil || resolved.Tombstone {
		var zero V
		return zero, false
	}
	return resolved.Value, true
}

// ContainsKey reports whether Get would return a visible, non-tombstoned
// value.
func (m *TransactionMap[K, V]) ContainsKey(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// IsSameTransaction reports whether the latest raw write under key belongs
// to this map's transaction, regardless of visibility.
func (m *TransactionMap[K, V]) IsSameTransaction(key K) bool {
	cur := m.loadCurrent(key)
	if cur == nil || cur.OperationID == Committed {
		return false
	}
	return TransactionOf(cur.OperationID) == m.tx.id
}

// valuesMatch compares two possibly-nil VersionedValues for the
// onlyIfUnchanged check in trySet: equal if both absent, or both present
// with matching tombstone state and (for non-tombstones) equal values.
func (m *TransactionMap[K, V]) valuesMatch(a, b *VersionedValue[V]) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Tombstone != b.Tombstone {
		return false
	}
	if a.Tombstone {
		return true
	}
	return m.storage.AreValuesEqual(*a, *b)
}

// TrySet is the non-blocking optimistic write at the heart of every public
// write method. tombstone true installs a logical delete.
func (m *TransactionMap[K, V]) TrySet(key K, value V, tombstone bool, onlyIfUnchanged bool) (bool, error) {
	if err := m.tx.checkNotClosed(); err != nil {
		return false, err
	}
	cur := m.loadCurrent(key)

	if onlyIfUnchanged {
		old, err := m.getValue(key, m.readLogID, cur)
		if err != nil {
			return false, err
		}
		if !m.valuesMatch(old, cur) {
			selfOwned := cur != nil && cur.OperationID != Committed && TransactionOf(cur.OperationID) == m.tx.id
			if !selfOwned {
				return false, nil
			}
			if tombstone {
				// Removing an entry this same transaction already added or
				// changed collapses to success without writing anything.
				return true, nil
			}
			// Re-adding after this transaction's own earlier removal is
			// permitted: fall through and let the CAS below install it.
			// Any other divergent write fails the check.
			if !cur.Tombstone {
				return false, nil
			}
		}
	}

	newValue := VersionedValue[V]{OperationID: PackOperationID(m.tx.id, m.tx.logID), Value: value, Tombstone: tombstone}

	switch {
	case cur == nil:
		m.tx.Log(m.mapID, key, nil)
		if _, existed := m.storage.PutIfAbsent(key, newValue); existed {
			m.tx.LogUndo()
			return false, nil
		}
		return true, nil

	case cur.OperationID == Committed:
		m.tx.Log(m.mapID, key, toRaw(*cur))
		if !m.storage.Replace(key, *cur, newValue) {
			m.tx.LogUndo()
			return false, nil
		}
		return true, nil

	default:
		txID := TransactionOf(cur.OperationID)
		if txID == m.tx.id {
			m.tx.Log(m.mapID, key, toRaw(*cur))
			if !m.storage.Replace(key, *cur, newValue) {
				m.tx.LogUndo()
				return false, nil
			}
			return true, nil
		}
		if IsInDoubt(txID) {
			if m.tx.engine.validateTransaction(context.Background(), m.tx.validator, txID) {
				m.tx.engine.commitAfterValidate(txID)
				return m.TrySet(key, value, tombstone, onlyIfUnchanged)
			}
			m.tx.engine.metrics.LockConflicts.Add(context.Background(), 1)
			return false, nil
		}
		// Foreign, even-id, uncommitted: locked.
		m.tx.engine.metrics.LockConflicts.Add(context.Background(), 1)
		return false, nil
	}
}

// TryPut is TrySet with tombstone=false, onlyIfUnchanged=false.
func (m *TransactionMap[K, V]) TryPut(key K, value V) (bool, error) {
	return m.TrySet(key, value, false, false)
}

// TryRemove is TrySet with tombstone=true, onlyIfUnchanged=false.
func (m *TransactionMap[K, V]) TryRemove(key K) (bool, error) {
	var zero V
	return m.TrySet(key, zero, true, false)
}

// Put is the blocking form of TryPut: it raises ErrTransactionLocked
// instead of returning false.
func (m *TransactionMap[K, V]) Put(key K, value V) error {
	ok, err := m.TryPut(key, value)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTransactionLocked
	}
	return nil
}

// Remove is the blocking form of TryRemove.
func (m *TransactionMap[K, V]) Remove(key K) error {
	ok, err := m.TryRemove(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTransactionLocked
	}
	return nil
}

// PutCommitted bypasses MVCC entirely, writing a shared-immutable entry
// directly, for bulk loads and initialization where no concurrent reader
// could be mid-transaction yet.
func (m *TransactionMap[K, V]) PutCommitted(key K, value V) {
	m.storage.Put(key, VersionedValue[V]{OperationID: Committed, Value: value})
}

// SizeAsLong estimates the number of visible entries, adapting its
// strategy to how many undo entries are outstanding relative to the raw
// map size. The result is clamped to 0: the undo-scan subtraction must
// never be allowed to underflow past an empty map.
func (m *TransactionMap[K, V]) SizeAsLong() int64 {
	r := m.storage.SizeAsLong()
	u := m.tx.engine.undoLog.SizeAsLong()
	var size int64
	switch {
	case u == 0:
		size = r
	case u > r:
		size = m.sizeByFullScan()
	default:
		size = m.sizeByUndoScan(r)
	}
	if size < 0 {
		return 0
	}
	return size
}

// SizeAsLongMax returns the raw underlying map size: an upper bound on
// SizeAsLong, since every visible entry is also a raw entry but not every
// raw entry (e.g. a committed tombstone, or a foreign uncommitted write)
// is visible.
func (m *TransactionMap[K, V]) SizeAsLongMax() int64 {
	return m.storage.SizeAsLong()
}

func (m *TransactionMap[K, V]) sizeByFullScan() int64 {
	var count int64
	cur := m.storage.Cursor(nil)
	for cur.HasNext() {
		key, err := cur.Next()
		if err != nil {
			continue
		}
		v := cur.Value()
		resolved, err := m.getValue(key, m.readLogID, &v)
		if err == nil && resolved != nil && !resolved.Tombstone {
			count++
		}
	}
	return count
}

func (m *TransactionMap[K, V]) sizeByUndoScan(r int64) int64 {
	size := r
	seen := m.tx.engine.CreateTempMap()
	for _, snap := range m.tx.engine.undoLog.Snapshot(m.mapID) {
		key, ok := snap.Entry.Key.(K)
		if !ok {
			continue
		}
		resolved, err := m.getValue(key, m.readLogID, m.loadCurrent(key))
		if err != nil || (resolved != nil && !resolved.Tombstone) {
			continue
		}
		if _, dup := seen.Get(snap.Entry.Key); dup {
			continue
		}
		seen.PutIfAbsent(snap.Entry.Key, 0)
		size--
	}
	return size
}

// visible reports whether key's value at readLogId is present and not
// tombstoned, used by the ordered-navigation methods below to skip
// invisible keys.
func (m *TransactionMap[K, V]) visible(key K) bool {
	_, ok := m.get(key, m.readLogID)
	return ok
}

// FirstKey returns the first visible key.
func (m *TransactionMap[K, V]) FirstKey() (K, bool) {
	key, ok := m.storage.FirstKey()
	for ok && !m.visible(key) {
		key, ok = m.storage.HigherKey(key)
	}
	return key, ok
}

// LastKey returns the last visible key.
func (m *TransactionMap[K, V]) LastKey() (K, bool) {
	key, ok := m.storage.LastKey()
	for ok && !m.visible(key) {
		key, ok = m.storage.LowerKey(key)
	}
	return key, ok
}

// HigherKey returns the smallest visible key strictly greater than key.
func (m *TransactionMap[K, V]) HigherKey(key K) (K, bool) {
	next, ok := m.storage.HigherKey(key)
	for ok && !m.visible(next) {
		next, ok = m.storage.HigherKey(next)
	}
	return next, ok
}

// LowerKey returns the largest visible key strictly less than key.
func (m *TransactionMap[K, V]) LowerKey(key K) (K, bool) {
	prev, ok := m.storage.LowerKey(key)
	for ok && !m.visible(prev) {
		prev, ok = m.storage.LowerKey(prev)
	}
	return prev, ok
}

// RelativeKey seeks by raw index into the underlying map and intentionally
// does not apply the visibility filter — callers use it for statistical
// sampling only.
func (m *TransactionMap[K, V]) RelativeKey(key K, offset int64) (K, bool) {
	index := m.storage.GetKeyIndex(key)
	if index < 0 {
		var zero K
		return zero, false
	}
	return m.storage.GetKey(index + offset)
}

// Clear empties the underlying map directly; non-transactional.
func (m *TransactionMap[K, V]) Clear() { m.storage.Clear() }

// RemoveMap destroys the underlying map directly; non-transactional.
func (m *TransactionMap[K, V]) RemoveMap() { m.storage.Remove() }
