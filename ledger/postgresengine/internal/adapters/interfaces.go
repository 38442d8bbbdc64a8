package adapters

import "context"

// DBRunner defines the query operations shared by a connection pool and an
// open transaction. All queries arrive as complete SQL strings.
type DBRunner interface {
	Query(ctx context.Context, query string) (DBRows, error)
	Exec(ctx context.Context, query string) (DBResult, error)
}

// DBAdapter defines the interface for database operations needed by the
// ledger store, including starting transactions.
type DBAdapter interface {
	DBRunner

	Begin(ctx context.Context) (DBTx, error)
}

// DBTx defines an open database transaction. Rollback after a successful
// Commit must be a no-op error that callers may ignore.
type DBTx interface {
	DBRunner

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DBRows defines the interface for query result rows.
type DBRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
}

// DBResult defines the interface for execution results.
type DBResult interface {
	RowsAffected() (int64, error)
}
