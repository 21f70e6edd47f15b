package txstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// opaqueMap is the type-erased face a mapAdapter[K, V] presents to the
// engine. Commit, Rollback and commitAfterValidate walk undo entries that
// may belong to any TransactionMap registered with the engine, so they
// cannot be generic over a single (K, V) — this interface is the seam that
// lets one engine-wide algorithm touch arbitrarily typed maps.
type opaqueMap interface {
	get(key any) (*rawVersionedValue, bool)
	replace(key any, old, new *rawVersionedValue) bool
	restore(key any, prior *rawVersionedValue)
}

type mapAdapter[K any, V any] struct {
	storage StorageMap[K, VersionedValue[V]]
}

func (a *mapAdapter[K, V]) get(key any) (*rawVersionedValue, bool) {
	k, ok := key.(K)
	if !ok {
		return nil, false
	}
	vv, found := a.storage.Get(k)
	if !found {
		return nil, false
	}
	return toRaw(vv), true
}

func (a *mapAdapter[K, V]) replace(key any, old, new *rawVersionedValue) bool {
	k := key.(K)
	return a.storage.Replace(k, fromRaw[V](old), fromRaw[V](new))
}

func (a *mapAdapter[K, V]) restore(key any, prior *rawVersionedValue) {
	k := key.(K)
	if prior == nil {
		a.storage.Delete(k)
		return
	}
	a.storage.Put(k, fromRaw[V](prior))
}

// TransactionEngine allocates transaction and log ids, owns the undo log,
// validates remote in-doubt transactions, and commits/rolls back local
// transactions.
type TransactionEngine struct {
	mu          sync.Mutex
	nextLocalID uint32
	nextDoubtID uint32
	undoLog     *UndoLog
	maps        map[int]opaqueMap

	logger  *zap.Logger
	metrics *Metrics
}

// EngineOption configures optional collaborators of a TransactionEngine.
type EngineOption func(*TransactionEngine)

// WithLogger attaches a zap logger; the default is zap.NewNop().
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *TransactionEngine) { e.logger = l }
}

// WithMetrics attaches the OpenTelemetry instruments defined in metrics.go;
// the default is a no-op Metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *TransactionEngine) { e.metrics = m }
}

// NewTransactionEngine creates an engine with its own undo log and map
// registry. Local transaction ids start at 2 and increase by 2 (even);
// in-doubt transaction ids start at 1 and increase by 2 (odd).
func NewTransactionEngine(opts ...EngineOption) *TransactionEngine {
	e := &TransactionEngine{
		nextLocalID: 2,
		nextDoubtID: 1,
		undoLog:     NewUndoLog(),
		maps:        make(map[int]opaqueMap),
		logger:      zap.NewNop(),
		metrics:     NewNopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Begin allocates a new local (even id) transaction.
func (e *TransactionEngine) Begin(validator TransactionValidator) *Transaction {
	e.mu.Lock()
	id := e.nextLocalID
	e.nextLocalID += 2
	e.mu.Unlock()
	e.metrics.ActiveTransactions.Add(context.Background(), 1)
	return &Transaction{id: id, status: StatusOpen, validator: validator, engine: e, logger: e.logger}
}

// BeginInDoubt allocates a new in-doubt (odd id) transaction: one whose
// commit status requires external validation before its writes are visible
// to anyone else. Tests and coordinators simulating a remote participant
// use this directly.
func (e *TransactionEngine) BeginInDoubt(validator TransactionValidator) *Transaction {
	e.mu.Lock()
	id := e.nextDoubtID
	e.nextDoubtID += 2
	e.mu.Unlock()
	e.metrics.ActiveTransactions.Add(context.Background(), 1)
	return &Transaction{id: id, status: StatusOpen, validator: validator, engine: e, logger: e.logger}
}

// CreateTempMap returns a transient scratch StorageMap used by
// TransactionMap.SizeAsLong to deduplicate keys while scanning the undo log.
// It is never registered with the engine's map registry since no
// Transaction ever writes MVCC entries into it.
func (e *TransactionEngine) CreateTempMap() StorageMap[any, int] {
	less := func(a, b any) bool { return fmt.Sprint(a) < fmt.Sprint(b) }
	equal := func(a, b int) bool { return a == b }
	return NewBTreeStorageMap[any, int](less, equal, "temp")
}

// registerMap installs the adapter for mapID the first time a
// TransactionMap for that id is opened. Re-registration with the same id is
// a no-op: one mapId names one underlying map across the engine.
func registerMap[K any, V any](e *TransactionEngine, mapID int, storage StorageMap[K, VersionedValue[V]]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.maps[mapID]; exists {
		return
	}
	e.maps[mapID] = &mapAdapter[K, V]{storage: storage}
}

func (e *TransactionEngine) adapterFor(mapID int) (opaqueMap, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.maps[mapID]
	return a, ok
}

// validateTransaction asks validator whether foreignTxID has in fact
// committed. A nil validator means no coordinator is reachable, so the
// transaction is treated as still in doubt (never valid) — conservative,
// since claiming a commit that didn't happen would corrupt the map.
func (e *TransactionEngine) validateTransaction(ctx context.Context, validator TransactionValidator, foreignTxID uint32) bool {
	if validator == nil {
		return false
	}
	e.metrics.Validations.Add(ctx, 1)
	corrID := uuid.New()
	ok, err := validator.Validate(ctx, [16]byte(corrID), foreignTxID)
	if err != nil {
		e.logger.Warn("in-doubt validation failed", zap.Uint32("foreign_tx", foreignTxID), zap.Error(err))
		return false
	}
	return ok
}

// commitAfterValidate atomically retires an odd-id transaction the caller
// has observed to be committed: every VersionedValue it still owns is
// replaced with a committed clone (OperationID 0) and its undo entries are
// purged.
func (e *TransactionEngine) commitAfterValidate(foreignTxID uint32) error {
	type flatten struct {
		opID  OperationID
		mapID int
		key   any
	}
	var toFlatten []flatten
	e.undoLog.RangeAll(func(opID OperationID, entry *UndoEntry) {
		if TransactionOf(opID) == foreignTxID {
			toFlatten = append(toFlatten, flatten{opID, entry.MapID, entry.Key})
		}
	})
	for _, f := range toFlatten {
		adapter, ok := e.adapterFor(f.mapID)
		if !ok {
			e.undoLog.Remove(f.opID)
			e.metrics.UndoLogSize.Add(context.Background(), -1)
			continue
		}
		current, found := adapter.get(f.key)
		if !found || current.OperationID != f.opID {
			// Already flattened or overwritten by a newer write.
			e.undoLog.Remove(f.opID)
			e.metrics.UndoLogSize.Add(context.Background(), -1)
			continue
		}
		committed := &rawVersionedValue{OperationID: Committed, Value: current.Value, Tombstone: current.Tombstone}
		if adapter.replace(f.key, current, committed) {
			e.undoLog.Remove(f.opID)
			e.metrics.UndoLogSize.Add(context.Background(), -1)
		}
	}
	return nil
}

// Commit iterates this transaction's undo entries in log-id order; for
// each it replaces the current VersionedValue (whose operationId must still
// match the transaction's write) with a committed clone via CAS, then
// deletes the undo entry. When a later write of this same transaction has
// since overwritten the key, the earlier entry is simply deleted: that later
// write's own entry commits the key. A CAS failure here means something else
// mutated an entry this transaction still owned, which can only happen if
// the log is corrupt.
func (e *TransactionEngine) Commit(t *Transaction) error {
	if err := t.checkNotClosed(); err != nil {
		return err
	}
	t.status = StatusCommitting
	for logID := uint32(0); logID < t.logID; logID++ {
		opID := PackOperationID(t.id, logID)
		entry, ok := e.undoLog.Get(opID)
		if !ok {
			continue
		}
		adapter, ok := e.adapterFor(entry.MapID)
		if !ok {
			return fmt.Errorf("%w: unknown map %d", ErrTransactionCorrupt, entry.MapID)
		}
		current, found := adapter.get(entry.Key)
		if found && current.OperationID != opID &&
			TransactionOf(current.OperationID) == t.id && LogOf(current.OperationID) > logID {
			e.undoLog.Remove(opID)
			e.metrics.UndoLogSize.Add(context.Background(), -1)
			continue
		}
		if !found || current.OperationID != opID {
			return fmt.Errorf("%w: tx %d log %d", ErrTransactionCorrupt, t.id, logID)
		}
		committed := &rawVersionedValue{OperationID: Committed, Value: current.Value, Tombstone: current.Tombstone}
		if !adapter.replace(entry.Key, current, committed) {
			return fmt.Errorf("%w: tx %d log %d failed CAS on commit", ErrTransactionCorrupt, t.id, logID)
		}
		e.undoLog.Remove(opID)
		e.metrics.UndoLogSize.Add(context.Background(), -1)
	}
	t.status = StatusClosed
	e.metrics.Commits.Add(context.Background(), 1)
	e.metrics.ActiveTransactions.Add(context.Background(), -1)
	e.logger.Debug("transaction committed", zap.Uint32("tx", t.id), zap.Uint32("writes", t.logID))
	return nil
}

// Rollback iterates this transaction's undo entries in reverse, restoring
// each entry's prior value (or deleting the key if there was no prior
// value), then deletes the undo entry.
func (e *TransactionEngine) Rollback(t *Transaction) error {
	if err := e.rollbackRange(t, 0); err != nil {
		return err
	}
	t.status = StatusClosed
	e.metrics.Rollbacks.Add(context.Background(), 1)
	e.metrics.ActiveTransactions.Add(context.Background(), -1)
	e.logger.Debug("transaction rolled back", zap.Uint32("tx", t.id))
	return nil
}

// RollbackToSavepoint restores only entries with logId >= savepointLogID,
// then rewinds the transaction's logId to savepointLogID so it may keep
// writing.
func (e *TransactionEngine) RollbackToSavepoint(t *Transaction, savepointLogID uint32) error {
	if err := e.rollbackRange(t, savepointLogID); err != nil {
		return err
	}
	t.logID = savepointLogID
	t.haveLast = false
	return nil
}

func (e *TransactionEngine) rollbackRange(t *Transaction, fromLogID uint32) error {
	for logID := t.logID; logID > fromLogID; logID-- {
		opID := PackOperationID(t.id, logID-1)
		entry, ok := e.undoLog.Get(opID)
		if !ok {
			continue
		}
		adapter, ok := e.adapterFor(entry.MapID)
		if !ok {
			return fmt.Errorf("%w: unknown map %d", ErrTransactionCorrupt, entry.MapID)
		}
		adapter.restore(entry.Key, entry.Prior)
		e.undoLog.Remove(opID)
		e.metrics.UndoLogSize.Add(context.Background(), -1)
	}
	return nil
}
