// Package ledger defines the domain records of the lending ledger (items
// with finite copies, borrowers, and loan transactions) together with the
// lending policy, the sentinel errors of the loan lifecycle, and the store
// interfaces the loan engine consumes.
//
// The package holds no behavior beyond the records themselves: the loan
// lifecycle rules live in ledger/loanengine, the Postgres persistence in
// ledger/postgresengine.
package ledger
