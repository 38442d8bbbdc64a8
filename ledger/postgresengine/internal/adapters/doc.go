// Package adapters provides thin wrappers that let the ledger store run on
// a pgxpool.Pool, a database/sql DB, or a sqlx.DB through one interface,
// including transaction begin/commit/rollback.
package adapters
