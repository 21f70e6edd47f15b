package txstore

import (
	"sync"

	"github.com/google/btree"
)

// StorageMap is the contract this package requires of the underlying
// ordered persistent map. The SQL and page-layout concerns of a real
// storage engine are out of scope for this package — BTreeStorageMap below
// is the in-memory reference collaborator used by this package's own tests
// and by callers that don't yet have a disk-backed implementation to plug
// in.
type StorageMap[K any, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V) (V, bool)
	PutIfAbsent(key K, value V) (V, bool)
	// Replace performs the compare-and-swap that serializes writers on a
	// single key: it installs newValue iff the current value equals
	// oldValue under AreValuesEqual.
	Replace(key K, oldValue, newValue V) bool
	// Delete hard-removes a key (used by rollback to undo a brand new
	// insert). It is not part of the MVCC tombstone protocol: a tombstone
	// is a VersionedValue with Tombstone set, written via PutIfAbsent/Replace
	// like any other value.
	Delete(key K)
	// Remove destroys the whole map.
	Remove()

	Cursor(from *K) Cursor[K, V]

	FirstKey() (K, bool)
	LastKey() (K, bool)
	HigherKey(key K) (K, bool)
	LowerKey(key K) (K, bool)
	CeilingKey(key K) (K, bool)
	FloorKey(key K) (K, bool)
	GetKey(index int64) (K, bool)
	GetKeyIndex(key K) int64

	SizeAsLong() int64
	IsClosed() bool
	Clear()
	SetVolatile(isVolatile bool)
	AreValuesEqual(a, b V) bool
	KeyType() string
}

// Cursor is an ordered forward cursor over a StorageMap. Implementations
// may raise ErrChunkNotFound from Next when the underlying page backing
// the cursor's position has been compacted away; callers (this package's
// iterators) reseek and continue.
type Cursor[K any, V any] interface {
	HasNext() bool
	Next() (K, error)
	Value() V
}

// BTreeStorageMap is a StorageMap reference implementation backed by
// google/btree. Concurrency is a single RWMutex guarding the whole tree —
// coarse compared to a real page-latched disk B-tree, but it satisfies the
// "atomic get/putIfAbsent/replace" contract StorageMap requires, which is
// all this package's MVCC logic depends on.
type BTreeStorageMap[K any, V any] struct {
	mu      sync.RWMutex
	less    func(a, b K) bool
	equal   func(a, b V) bool
	tree    *btree.BTreeG[mapItem[K, V]]
	closed  bool
	keyType string
}

type mapItem[K any, V any] struct {
	key   K
	value V
}

// NewBTreeStorageMap creates an in-memory StorageMap ordered by less. equal
// is used as the value-equality predicate for compare-and-swap (AreValuesEqual);
// keyType is a free-form label returned by KeyType.
func NewBTreeStorageMap[K any, V any](less func(a, b K) bool, equal func(a, b V) bool, keyType string) *BTreeStorageMap[K, V] {
	itemLess := func(a, b mapItem[K, V]) bool { return less(a.key, b.key) }
	return &BTreeStorageMap[K, V]{
		less:    less,
		equal:   equal,
		tree:    btree.NewG(32, itemLess),
		keyType: keyType,
	}
}

func (m *BTreeStorageMap[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.tree.Get(mapItem[K, V]{key: key})
	return item.value, ok
}

func (m *BTreeStorageMap[K, V]) Put(key K, value V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, existed := m.tree.ReplaceOrInsert(mapItem[K, V]{key: key, value: value})
	return old.value, existed
}

func (m *BTreeStorageMap[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tree.Get(mapItem[K, V]{key: key}); ok {
		return existing.value, true
	}
	m.tree.ReplaceOrInsert(mapItem[K, V]{key: key, value: value})
	var zero V
	return zero, false
}

func (m *BTreeStorageMap[K, V]) Replace(key K, oldValue, newValue V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tree.Get(mapItem[K, V]{key: key})
	if !ok || !m.equal(current.value, oldValue) {
		return false
	}
	m.tree.ReplaceOrInsert(mapItem[K, V]{key: key, value: newValue})
	return true
}

func (m *BTreeStorageMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Delete(mapItem[K, V]{key: key})
}

func (m *BTreeStorageMap[K, V]) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	m.closed = true
}

func (m *BTreeStorageMap[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
}

func (m *BTreeStorageMap[K, V]) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *BTreeStorageMap[K, V]) SetVolatile(bool) {
	// In-memory map; durability is not modeled, so this is a no-op kept
	// only to satisfy the StorageMap contract real backings rely on.
}

func (m *BTreeStorageMap[K, V]) AreValuesEqual(a, b V) bool {
	return m.equal(a, b)
}

func (m *BTreeStorageMap[K, V]) KeyType() string {
	return m.keyType
}

func (m *BTreeStorageMap[K, V]) SizeAsLong() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(m.tree.Len())
}

func (m *BTreeStorageMap[K, V]) FirstKey() (K, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.tree.Min()
	return item.key, ok
}

func (m *BTreeStorageMap[K, V]) LastKey() (K, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.tree.Max()
	return item.key, ok
}

func (m *BTreeStorageMap[K, V]) HigherKey(key K) (K, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found K
	var ok bool
	m.tree.AscendGreaterOrEqual(mapItem[K, V]{key: key}, func(item mapItem[K, V]) bool {
		if m.less(key, item.key) {
			found, ok = item.key, true
			return false
		}
		return true
	})
	return found, ok
}

func (m *BTreeStorageMap[K, V]) LowerKey(key K) (K, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found K
	var ok bool
	m.tree.DescendLessOrEqual(mapItem[K, V]{key: key}, func(item mapItem[K, V]) bool {
		if m.less(item.key, key) {
			found, ok = item.key, true
			return false
		}
		return true
	})
	return found, ok
}

func (m *BTreeStorageMap[K, V]) CeilingKey(key K) (K, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found K
	var ok bool
	m.tree.AscendGreaterOrEqual(mapItem[K, V]{key: key}, func(it mapItem[K, V]) bool {
		found, ok = it.key, true
		return false
	})
	return found, ok
}

func (m *BTreeStorageMap[K, V]) FloorKey(key K) (K, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found K
	var ok bool
	m.tree.DescendLessOrEqual(mapItem[K, V]{key: key}, func(it mapItem[K, V]) bool {
		found, ok = it.key, true
		return false
	})
	return found, ok
}

// GetKey and GetKeyIndex perform an O(n) ordinal scan under the read lock.
// google/btree has no order-statistics support, and relativeKey exists
// purely for statistical sampling, so this reference implementation favors
// simplicity over an order-statistics tree.
func (m *BTreeStorageMap[K, V]) GetKey(index int64) (K, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 {
		var zero K
		return zero, false
	}
	var i int64
	var found K
	var ok bool
	m.tree.Ascend(func(item mapItem[K, V]) bool {
		if i == index {
			found, ok = item.key, true
			return false
		}
		i++
		return true
	})
	return found, ok
}

func (m *BTreeStorageMap[K, V]) GetKeyIndex(key K) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var idx int64 = -1
	var i int64
	m.tree.Ascend(func(item mapItem[K, V]) bool {
		if !m.less(item.key, key) && !m.less(key, item.key) {
			idx = i
			return false
		}
		i++
		return true
	})
	return idx
}

// Cursor snapshots the ordered key/value pairs from >= *from (or the whole
// map, if from is nil) under the read lock at creation time. Spec §4.5.5
// only requires a "weakly consistent snapshot" that need not observe writes
// made after creation, so materializing the slice up front both satisfies
// that contract and keeps the cursor lock-free while the caller iterates.
func (m *BTreeStorageMap[K, V]) Cursor(from *K) Cursor[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]mapItem[K, V], 0, m.tree.Len())
	visit := func(item mapItem[K, V]) bool {
		items = append(items, item)
		return true
	}
	if from == nil {
		m.tree.Ascend(visit)
	} else {
		m.tree.AscendGreaterOrEqual(mapItem[K, V]{key: *from}, visit)
	}
	return &sliceCursor[K, V]{items: items, pos: -1}
}

type sliceCursor[K any, V any] struct {
	items []mapItem[K, V]
	pos   int
}

func (c *sliceCursor[K, V]) HasNext() bool {
	return c.pos+1 < len(c.items)
}

func (c *sliceCursor[K, V]) Next() (K, error) {
	c.pos++
	return c.items[c.pos].key, nil
}

func (c *sliceCursor[K, V]) Value() V {
	return c.items[c.pos].value
}
