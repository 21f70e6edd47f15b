package txstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Status is the lifecycle state of a Transaction. Adapted from the
// teacher's transaction.TransactionState enum, renamed to match this
// package's vocabulary (no PREPARED/2PC concept here — this layer's
// "prepared" equivalent is validation of in-doubt transactions, which is
// driven externally via TransactionValidator).
type Status int32

const (
	// StatusOpen is the only state in which writes are accepted.
	StatusOpen Status = iota
	// StatusPrepared marks a transaction that has voted to commit and is
	// waiting on a coordinator decision (kept for engines that layer 2PC
	// on top; this package's own Commit/Rollback never produce it).
	StatusPrepared
	// StatusCommitting is set for the duration of TransactionEngine.Commit.
	StatusCommitting
	// StatusClosed marks a committed or rolled-back transaction; no
	// further writes are accepted.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitting:
		return "COMMITTING"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// TransactionValidator is the pluggable hook a Transaction calls when it
// observes a write from an odd-id (in-doubt) foreign transaction. A real
// deployment wires this to a coordinator round-trip; correlationID lets the
// implementation trace that round-trip without the engine inventing its own
// id scheme.
type TransactionValidator interface {
	Validate(ctx context.Context, correlationID [16]byte, foreignTxID uint32) (bool, error)
}

// Transaction is a single writer's context: its id, current log slot,
// status and savepoints. A Transaction is owned by exactly one goroutine
// at a time; none of its methods take a lock.
type Transaction struct {
	id         uint32
	logID      uint32
	status     Status
	savepoints map[string]uint32
	validator  TransactionValidator
	engine     *TransactionEngine
	lastLogged OperationID
	haveLast   bool
	logger     *zap.Logger
}

// ID returns the transaction id. Odd ids are in-doubt/remotely coordinated;
// even ids are locally authoritative.
func (t *Transaction) ID() uint32 { return t.id }

// LogID returns the next log slot that will be assigned by Log.
func (t *Transaction) LogID() uint32 { return t.logID }

// Status returns the current lifecycle state.
func (t *Transaction) Status() Status { return t.status }

// SetValidator installs (or replaces) the validator consulted when this
// transaction observes an in-doubt foreign write.
func (t *Transaction) SetValidator(v TransactionValidator) { t.validator = v }

// checkNotClosed is the precondition every write operation must satisfy.
func (t *Transaction) checkNotClosed() error {
	if t.status == StatusClosed {
		return ErrTransactionClosed
	}
	return nil
}

// Log reserves the transaction's current logId, appends an undo entry
// recording what (mapID, key) held before this write, and then advances
// logId. It is called before the CAS that attempts to install the new
// VersionedValue.
func (t *Transaction) Log(mapID int, key any, prior *rawVersionedValue) OperationID {
	opID := PackOperationID(t.id, t.logID)
	t.engine.undoLog.Append(opID, mapID, key, prior)
	t.engine.metrics.UndoLogSize.Add(context.Background(), 1)
	t.lastLogged = opID
	t.haveLast = true
	t.logID++
	return opID
}

// LogUndo pops the most recently appended undo entry and rewinds logId by
// one. Called when the CAS following Log fails, so the log accurately
// reflects only applied writes.
func (t *Transaction) LogUndo() {
	if !t.haveLast {
		return
	}
	t.engine.undoLog.Remove(t.lastLogged)
	t.engine.metrics.UndoLogSize.Add(context.Background(), -1)
	t.logID--
	t.haveLast = false
}

// SetSavepoint records the current logId under name, for a later
// RollbackToSavepoint.
func (t *Transaction) SetSavepoint(name string) uint32 {
	if t.savepoints == nil {
		t.savepoints = make(map[string]uint32)
	}
	t.savepoints[name] = t.logID
	return t.logID
}

// Savepoint returns the logId recorded under name.
func (t *Transaction) Savepoint(name string) (uint32, bool) {
	logID, ok := t.savepoints[name]
	return logID, ok
}

// Commit finalizes every write this transaction has made: see
// TransactionEngine.Commit for the algorithm.
func (t *Transaction) Commit() error {
	return t.engine.Commit(t)
}

// Rollback undoes every write this transaction has made: see
// TransactionEngine.Rollback for the algorithm.
func (t *Transaction) Rollback() error {
	return t.engine.Rollback(t)
}

// RollbackToSavepoint undoes only the writes made after name was recorded,
// and leaves the transaction open for further writes.
func (t *Transaction) RollbackToSavepoint(name string) error {
	logID, ok := t.savepoints[name]
	if !ok {
		return fmt.Errorf("txstore: unknown savepoint %q", name)
	}
	return t.engine.RollbackToSavepoint(t, logID)
}
