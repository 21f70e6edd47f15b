package txstore

import "errors"

// Sentinel errors surfaced at the boundary of this package. Callers should
// use errors.Is against these rather than string-matching messages.
var (
	// ErrTransactionLocked is returned by the blocking Put/Remove
	// wrappers when a foreign, even-id transaction holds the key. It is a
	// contention error: the caller may retry with backoff.
	ErrTransactionLocked = errors.New("txstore: transaction locked")

	// ErrTransactionCorrupt is raised by the snapshot-read path when an
	// undo entry has vanished while the stored VersionedValue still bears
	// its operationId. It is fatal to the transaction, not the engine.
	ErrTransactionCorrupt = errors.New("txstore: transaction log corrupt")

	// ErrChunkNotFound mirrors the storage-transient error a StorageMap
	// cursor may raise when an underlying page disappears mid-iteration.
	// It is caught and reseeked inside this package's iterators; it should
	// never escape to a caller.
	ErrChunkNotFound = errors.New("txstore: chunk not found")

	// ErrDuplicateKey signals a unique-index violation from AddRow. The
	// MERGE processor reclassifies this to ErrConcurrentUpdate whenever the
	// statement declares key columns; it does not check which index was
	// violated.
	ErrDuplicateKey = errors.New("txstore: duplicate key")

	// ErrConcurrentUpdate is the reclassified form of ErrDuplicateKey (see
	// above) and is also returned directly when an UPDATE affects more
	// than one row for what should be a unique key.
	ErrConcurrentUpdate = errors.New("txstore: concurrent update")

	// ErrColumnContainsNull is raised when a NOT NULL column receives a
	// null value while building a row for MERGE/INSERT.
	ErrColumnContainsNull = errors.New("txstore: column contains null values")

	// ErrConstraintNotFound is raised when a MERGE statement names a KEY
	// column set that doesn't match any constraint/index on the table.
	ErrConstraintNotFound = errors.New("txstore: constraint not found")

	// ErrColumnCountMismatch is raised when a VALUES row's arity doesn't
	// match the declared column list.
	ErrColumnCountMismatch = errors.New("txstore: column count does not match")

	// ErrTransactionClosed is a programmer error: a write was attempted
	// after the owning transaction committed or rolled back.
	ErrTransactionClosed = errors.New("txstore: transaction is closed")
)
