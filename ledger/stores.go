package ledger

import (
	"context"
	"time"
)

// CatalogStore is the durable record of item identity and copy counts.
// External collaborators may ingest items and read; only the loan engine
// adjusts availability, and only inside a transaction.
type CatalogStore interface {
	// UpsertItems inserts new items or adds copies to existing ones:
	// on key conflict both total and available grow by the supplied total.
	UpsertItems(ctx context.Context, items []Item) error

	// FindItem looks up an item by its exact key.
	// Returns ErrItemNotFound when no item has the key.
	FindItem(ctx context.Context, key string) (Item, error)

	// FindItemsByLookup returns all items whose title contains the term,
	// case-insensitively.
	FindItemsByLookup(ctx context.Context, term string) ([]Item, error)

	// AdjustAvailable shifts an item's available count by delta.
	// Returns ErrItemNotFound when no item has the key.
	AdjustAvailable(ctx context.Context, key string, delta int) error

	// ListAllItems returns the whole catalog.
	ListAllItems(ctx context.Context) ([]Item, error)

	// SearchItems matches key, title, or author as a case-insensitive
	// substring.
	SearchItems(ctx context.Context, term string) ([]Item, error)
}

// BorrowerStore is the durable record of borrower identity.
type BorrowerStore interface {
	RegisterBorrowers(ctx context.Context, borrowers []Borrower) error

	// FindBorrower looks up a borrower by key.
	// Returns ErrBorrowerNotFound when no borrower has the key.
	FindBorrower(ctx context.Context, key string) (Borrower, error)
}

// LedgerStore is the durable, append-oriented record of loan transactions.
type LedgerStore interface {
	// InsertLoan persists a new loan and returns it with its assigned ID.
	InsertLoan(ctx context.Context, loan Loan) (Loan, error)

	// MarkLoanReturned sets the return date and fine and flips the loan to
	// returned. Returns ErrNoOutstandingLoan when the loan does not exist
	// or is not outstanding.
	MarkLoanReturned(ctx context.Context, id int64, returnedAt time.Time, fine float64) error

	// FindOutstandingLoan returns the single outstanding loan for the
	// exact (borrower, item) pair, or ErrNoOutstandingLoan.
	FindOutstandingLoan(ctx context.Context, borrowerKey, itemKey string) (Loan, error)

	// MatchOutstandingLoans returns the borrower's outstanding loans whose
	// item matches the lookup term by exact key or case-insensitive title
	// substring, each joined with its item.
	MatchOutstandingLoans(ctx context.Context, borrowerKey, lookup string) ([]OutstandingLoan, error)

	// CountOutstanding counts the borrower's outstanding loans.
	CountOutstanding(ctx context.Context, borrowerKey string) (int, error)

	// ListOutstanding returns all of the borrower's outstanding loans,
	// each joined with its item.
	ListOutstanding(ctx context.Context, borrowerKey string) ([]OutstandingLoan, error)
}

// TxStore is the view of the stores inside a transaction. LockItem is the
// extra primitive the loan engine needs: it reads the item row under a
// row-level lock so availability and duplicate checks stay race-free
// against concurrent transitions for the same item.
type TxStore interface {
	CatalogStore
	BorrowerStore
	LedgerStore

	LockItem(ctx context.Context, key string) (Item, error)
}

// Store is the full storage surface consumed by the loan engine. WithinTx
// runs fn inside a single transaction: either every write in fn applies,
// or none do. A non-nil error from fn rolls the transaction back and is
// returned unchanged; commit/rollback failures surface as ErrStoreFailed,
// transient lock conflicts as ErrStoreConflict.
type Store interface {
	CatalogStore
	BorrowerStore
	LedgerStore

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error
}
