// Package postgresengine implements the ledger stores on Postgres.
//
// All SQL is built with goqu and executed through a small adapter layer, so
// the store runs unchanged on a pgxpool.Pool, a database/sql DB (lib/pq),
// or a sqlx.DB. Multi-step mutations happen through WithinTx, which hands
// the caller a transaction-bound view of the stores plus LockItem, the
// SELECT ... FOR UPDATE primitive the loan engine uses to serialize
// transitions for one item.
package postgresengine
