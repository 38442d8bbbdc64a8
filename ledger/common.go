package ledger

import (
	"errors"
)

// Business-rule failures. These are returned as typed results to the caller
// and never terminate the process; a failed operation mutates no state.
var (
	ErrLimitExceeded     = errors.New("borrower has reached the maximum number of outstanding loans")
	ErrItemNotFound      = errors.New("no item matches the given key or title")
	ErrAmbiguousItem     = errors.New("lookup matches more than one item, disambiguate with the exact item key")
	ErrItemUnavailable   = errors.New("no copies of the item are currently available")
	ErrDuplicateLoan     = errors.New("borrower already holds an outstanding loan for this item")
	ErrNoOutstandingLoan = errors.New("no outstanding loan matches the given borrower and item")
	ErrBorrowerNotFound  = errors.New("no borrower is registered with the given key")
)

// Store failures. ErrStoreFailed is only ever returned after the enclosing
// transaction has been rolled back; ErrStoreConflict marks transient
// lock/serialization conflicts that are safe to retry.
var (
	ErrStoreFailed   = errors.New("store operation failed")
	ErrStoreConflict = errors.New("transient store conflict")
)

// Construction errors.
var (
	ErrNilDatabaseConnection = errors.New("nil database connection supplied")
	ErrNilStore              = errors.New("nil store supplied")
	ErrEmptyTableName        = errors.New("empty table name supplied")
	ErrInvalidPolicy         = errors.New("invalid lending policy supplied")
)
