// Package testutil provides shared test fixtures and an in-memory
// ledger.Store so engine and API tests run without a database.
package testutil
