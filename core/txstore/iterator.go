package txstore

import "errors"

// KeyIterator is a forward, visibility-filtered iterator over a
// TransactionMap's keys. It wraps the underlying StorageMap's raw Cursor and
// is a weakly consistent snapshot: writes made after creation need not be
// observed. remove() is intentionally not exposed.
type KeyIterator[K any, V any] struct {
	m                  *TransactionMap[K, V]
	cur                Cursor[K, VersionedValue[V]]
	includeUncommitted bool

	nextKey  K
	haveNext bool
	lastKey  K
	haveLast bool
}

// KeyIterator opens a forward key iterator starting at from (or the first
// key, if from is nil). When includeUncommitted is false, keys whose value
// isn't visible at readLogId are skipped.
func (m *TransactionMap[K, V]) KeyIterator(from *K, includeUncommitted bool) *KeyIterator[K, V] {
	it := &KeyIterator[K, V]{
		m:                  m,
		cur:                m.storage.Cursor(from),
		includeUncommitted: includeUncommitted,
	}
	it.advance()
	return it
}

// RawKeyIterator is an externally supplied, already-ordered sequence of
// keys — e.g. from a secondary index — that WrapKeyIterator filters by this
// map's visibility rules.
type RawKeyIterator[K any] interface {
	HasNext() bool
	Next() (K, error)
}

// rawCursorAdapter makes a RawKeyIterator satisfy Cursor[K,
// VersionedValue[V]] by fetching each key's current raw value from this
// map's storage as the external iterator advances, so KeyIterator's usual
// advance/visibility logic can drive it unchanged.
type rawCursorAdapter[K any, V any] struct {
	it      RawKeyIterator[K]
	storage StorageMap[K, VersionedValue[V]]
	current VersionedValue[V]
}

func (a *rawCursorAdapter[K, V]) HasNext() bool { return a.it.HasNext() }

func (a *rawCursorAdapter[K, V]) Next() (K, error) {
	key, err := a.it.Next()
	if err != nil {
		return key, err
	}
	a.current, _ = a.storage.Get(key)
	return key, nil
}

func (a *rawCursorAdapter[K, V]) Value() VersionedValue[V] { return a.current }

// WrapKeyIterator filters an externally supplied ordered key sequence by
// this map's visibility rules, the same way KeyIterator filters a raw
// StorageMap cursor.
func (m *TransactionMap[K, V]) WrapKeyIterator(raw RawKeyIterator[K], includeUncommitted bool) *KeyIterator[K, V] {
	it := &KeyIterator[K, V]{
		m:                  m,
		cur:                &rawCursorAdapter[K, V]{it: raw, storage: m.storage},
		includeUncommitted: includeUncommitted,
	}
	it.advance()
	return it
}

// HasNext reports whether Next would return a key.
func (it *KeyIterator[K, V]) HasNext() bool { return it.haveNext }

// Next returns the next visible key and advances the iterator.
func (it *KeyIterator[K, V]) Next() K {
	k := it.nextKey
	it.advance()
	return k
}

// advance pulls raw cursor entries until it finds one that's visible (or
// includeUncommitted is set), reseeking past a transient ErrChunkNotFound
// exactly once per occurrence.
func (it *KeyIterator[K, V]) advance() {
	for {
		if !it.cur.HasNext() {
			it.haveNext = false
			return
		}
		key, err := it.cur.Next()
		if err != nil {
			if errors.Is(err, ErrChunkNotFound) {
				it.reseek()
				continue
			}
			continue
		}
		it.lastKey = key
		it.haveLast = true
		if it.includeUncommitted {
			it.nextKey = key
			it.haveNext = true
			return
		}
		value := it.cur.Value()
		resolved, gerr := it.m.getValue(key, it.m.readLogID, &value)
		if gerr != nil {
			continue
		}
		if resolved != nil && !resolved.Tombstone {
			it.nextKey = key
			it.haveNext = true
			return
		}
	}
}

// reseek rebuilds the raw cursor from the last key observed before a
// compacted-page error. The rebuilt cursor starts at lastKey itself
// (StorageMap.Cursor's "from" is inclusive), and lastKey was already handed
// to the caller before the error, so one entry is discarded here to skip
// past the duplicate before advance resumes.
func (it *KeyIterator[K, V]) reseek() {
	var from *K
	if it.haveLast {
		from = &it.lastKey
	}
	it.cur = it.m.storage.Cursor(from)
	if it.haveLast && it.cur.HasNext() {
		it.cur.Next()
	}
}

// EntryIterator is KeyIterator's (key, value) counterpart, always
// visibility-filtered.
type EntryIterator[K any, V any] struct {
	m   *TransactionMap[K, V]
	cur Cursor[K, VersionedValue[V]]

	nextKey   K
	nextValue V
	haveNext  bool
	lastKey   K
	haveLast  bool
}

// EntryIterator opens a forward (key, value) iterator starting at from.
func (m *TransactionMap[K, V]) EntryIterator(from *K) *EntryIterator[K, V] {
	it := &EntryIterator[K, V]{m: m, cur: m.storage.Cursor(from)}
	it.advance()
	return it
}

// HasNext reports whether Next would return an entry.
func (it *EntryIterator[K, V]) HasNext() bool { return it.haveNext }

// Next returns the next visible (key, value) pair and advances.
func (it *EntryIterator[K, V]) Next() (K, V) {
	k, v := it.nextKey, it.nextValue
	it.advance()
	return k, v
}

func (it *EntryIterator[K, V]) advance() {
	for {
		if !it.cur.HasNext() {
			it.haveNext = false
			return
		}
		key, err := it.cur.Next()
		if err != nil {
			if errors.Is(err, ErrChunkNotFound) {
				it.reseek()
				continue
			}
			continue
		}
		it.lastKey = key
		it.haveLast = true
		value := it.cur.Value()
		resolved, gerr := it.m.getValue(key, it.m.readLogID, &value)
		if gerr != nil {
			continue
		}
		if resolved != nil && !resolved.Tombstone {
			it.nextKey = key
			it.nextValue = resolved.Value
			it.haveNext = true
			return
		}
	}
}

// reseek is EntryIterator's counterpart to KeyIterator.reseek: see its
// comment for why one entry is discarded after rebuilding the cursor.
func (it *EntryIterator[K, V]) reseek() {
	var from *K
	if it.haveLast {
		from = &it.lastKey
	}
	it.cur = it.m.storage.Cursor(from)
	if it.haveLast && it.cur.HasNext() {
		it.cur.Next()
	}
}
