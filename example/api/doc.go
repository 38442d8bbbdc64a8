// Package api is a thin HTTP facade over the loan engine. It renders the
// engine's structured receipts as JSON and maps the typed ledger errors to
// HTTP statuses; all lending rules live in the engine.
package api
