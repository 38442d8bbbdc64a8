// Package loanengine implements the loan lifecycle engine, the only
// component that mutates item availability and loan status.
//
// The engine separates pure business decisions from the imperative shell:
// the decide functions take a snapshot of state and apply the lending rules
// in strict order, while the engine gathers that snapshot inside a store
// transaction with the item row locked and performs the atomic transition
// when the decision allows it. Transient store conflicts are retried with
// exponential backoff; business-rule failures are returned as typed
// sentinel errors and never mutate state.
package loanengine
