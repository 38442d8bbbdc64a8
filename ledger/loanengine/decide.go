package loanengine

import (
	"github.com/circulib/loanledger/ledger"
)

// issueState is the snapshot of everything the issue rules look at. It is
// gathered inside the transaction, after the item row has been locked, so
// the decision below is race-free against concurrent transitions for the
// same item.
type issueState struct {
	borrowerFound    bool
	outstandingCount int
	itemFound        bool
	ambiguousLookup  bool
	item             ledger.Item
	hasDuplicate     bool
}

// decideIssue applies the issue rules in strict order and returns the first
// violated rule, or nil when the loan may be issued.
//
// Rules, in order:
//
//	ERROR: ErrBorrowerNotFound when no borrower is registered with the key
//	ERROR: ErrLimitExceeded when the borrower is at the outstanding-loan maximum
//	ERROR: ErrAmbiguousItem when the lookup matches more than one item
//	ERROR: ErrItemNotFound when the lookup matches no item
//	ERROR: ErrItemUnavailable when no copy of the item is available
//	ERROR: ErrDuplicateLoan when the borrower already holds this item
func decideIssue(s issueState, p ledger.Policy) error {
	if !s.borrowerFound {
		return ledger.ErrBorrowerNotFound
	}

	if s.outstandingCount >= p.MaxLoansPerBorrower {
		return ledger.ErrLimitExceeded
	}

	if s.ambiguousLookup {
		return ledger.ErrAmbiguousItem
	}

	if !s.itemFound {
		return ledger.ErrItemNotFound
	}

	if !s.item.HasAvailableCopy() {
		return ledger.ErrItemUnavailable
	}

	if s.hasDuplicate {
		return ledger.ErrDuplicateLoan
	}

	return nil
}

// decideReturn resolves which outstanding loan a return targets, given all
// of the borrower's outstanding loans matching the lookup.
func decideReturn(matches []ledger.OutstandingLoan) (ledger.OutstandingLoan, error) {
	switch len(matches) {
	case 0:
		return ledger.OutstandingLoan{}, ledger.ErrNoOutstandingLoan
	case 1:
		return matches[0], nil
	default:
		return ledger.OutstandingLoan{}, ledger.ErrAmbiguousItem
	}
}
