package loanengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/circulib/loanledger/ledger"
)

const (
	logMsgLoanIssued     = "loan issued"
	logMsgLoanReturned   = "loan returned"
	logMsgIssueRejected  = "issue rejected"
	logMsgReturnRejected = "return rejected"
	logAttrBorrowerKey   = "borrower_key"
	logAttrItemKey       = "item_key"
	logAttrLookup        = "lookup"
	logAttrLoanID        = "loan_id"
	logAttrDueAt         = "due_at"
	logAttrFine          = "fine"
	logAttrReason        = "reason"
	messageDateLayout    = "2006-01-02"
)

// Engine is the loan lifecycle engine. It enforces the borrowing-limit,
// availability, and duplicate-loan rules, computes due dates and fines,
// and performs the atomic transition between "available copy" and
// "outstanding loan" and back. No other component mutates copy counts or
// loan status.
//
// Every mutation runs inside a single store transaction with the item row
// locked, so the last available copy is never issued twice and the
// duplicate-loan check cannot race a concurrent issue for the same pair.
type Engine struct {
	store        ledger.Store
	policy       ledger.Policy
	logger       Logger
	clock        func() time.Time
	retryOptions []RetryOption
}

// New creates an Engine on top of a ledger.Store with optional configuration.
func New(store ledger.Store, options ...Option) (Engine, error) {
	if store == nil {
		return Engine{}, ledger.ErrNilStore
	}

	engine := Engine{
		store:  store,
		policy: ledger.DefaultPolicy(),
		clock:  time.Now,
	}

	for _, option := range options {
		if err := option(&engine); err != nil {
			return Engine{}, err
		}
	}

	return engine, nil
}

// Policy returns the lending policy the engine enforces.
func (e Engine) Policy() ledger.Policy {
	return e.policy
}

// Issue lends one copy of an item to a borrower. The lookup key is either
// an exact item key or a case-insensitive substring of the item's title;
// an exact key match always wins, and a substring matching more than one
// item fails with ledger.ErrAmbiguousItem rather than picking a row.
//
// Checks run in strict order, short-circuiting on the first failure:
// borrower existence, borrowing limit, item resolution, availability,
// duplicate loan. On success the availability decrement and the loan
// insert commit atomically; on any failure no state changes.
func (e Engine) Issue(ctx context.Context, borrowerKey, lookupKey string) (IssueReceipt, error) {
	var receipt IssueReceipt

	err := RetryOnConflict(ctx, func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
			issued, txErr := e.issueWithinTx(ctx, tx, borrowerKey, lookupKey)
			if txErr != nil {
				return txErr
			}

			receipt = issued

			return nil
		})
	}, e.retryOptions...)

	if err != nil {
		e.logRejection(logMsgIssueRejected, borrowerKey, lookupKey, err)
		return IssueReceipt{}, err
	}

	e.logOperation(logMsgLoanIssued,
		logAttrBorrowerKey, borrowerKey,
		logAttrItemKey, receipt.Item.Key,
		logAttrLoanID, receipt.Loan.ID,
		logAttrDueAt, receipt.Loan.DueAt.Format(messageDateLayout))

	return receipt, nil
}

func (e Engine) issueWithinTx(
	ctx context.Context,
	tx ledger.TxStore,
	borrowerKey string,
	lookupKey string,
) (IssueReceipt, error) {

	var empty IssueReceipt

	state, gatherErr := e.gatherIssueState(ctx, tx, borrowerKey, lookupKey)
	if gatherErr != nil {
		return empty, gatherErr
	}

	if decideErr := decideIssue(state, e.policy); decideErr != nil {
		return empty, decideErr
	}

	if adjustErr := tx.AdjustAvailable(ctx, state.item.Key, -1); adjustErr != nil {
		return empty, adjustErr
	}

	issuedAt := ledger.DateOf(e.clock())

	loan, insertErr := tx.InsertLoan(ctx, ledger.Loan{
		ItemKey:     state.item.Key,
		BorrowerKey: borrowerKey,
		IssuedAt:    issuedAt,
		DueAt:       e.policy.DueDate(issuedAt),
		Status:      ledger.LoanStatusIssued,
	})
	if insertErr != nil {
		return empty, insertErr
	}

	item := state.item
	item.Available--

	return IssueReceipt{
		Loan: loan,
		Item: item,
		Message: fmt.Sprintf("item %q issued to borrower %s, due on %s",
			item.Title, borrowerKey, loan.DueAt.Format(messageDateLayout)),
	}, nil
}

// gatherIssueState reads everything the issue rules need, locking the item
// row before the availability and duplicate reads.
func (e Engine) gatherIssueState(
	ctx context.Context,
	tx ledger.TxStore,
	borrowerKey string,
	lookupKey string,
) (issueState, error) {

	var state issueState

	if _, err := tx.FindBorrower(ctx, borrowerKey); err == nil {
		state.borrowerFound = true
	} else if !errors.Is(err, ledger.ErrBorrowerNotFound) {
		return state, err
	}

	count, countErr := tx.CountOutstanding(ctx, borrowerKey)
	if countErr != nil {
		return state, countErr
	}
	state.outstandingCount = count

	item, found, ambiguous, resolveErr := e.resolveItem(ctx, tx, lookupKey)
	if resolveErr != nil {
		return state, resolveErr
	}
	state.ambiguousLookup = ambiguous

	if !found {
		return state, nil
	}

	locked, lockErr := tx.LockItem(ctx, item.Key)
	if lockErr != nil {
		return state, lockErr
	}
	state.itemFound = true
	state.item = locked

	if _, dupErr := tx.FindOutstandingLoan(ctx, borrowerKey, locked.Key); dupErr == nil {
		state.hasDuplicate = true
	} else if !errors.Is(dupErr, ledger.ErrNoOutstandingLoan) {
		return state, dupErr
	}

	return state, nil
}

// resolveItem maps a lookup key to at most one item: exact key match takes
// priority, otherwise the lookup must match exactly one title.
func (e Engine) resolveItem(ctx context.Context, tx ledger.TxStore, lookupKey string) (
	item ledger.Item,
	found bool,
	ambiguous bool,
	err error,
) {

	item, findErr := tx.FindItem(ctx, lookupKey)
	if findErr == nil {
		return item, true, false, nil
	}

	if !errors.Is(findErr, ledger.ErrItemNotFound) {
		return ledger.Item{}, false, false, findErr
	}

	matches, lookupErr := tx.FindItemsByLookup(ctx, lookupKey)
	if lookupErr != nil {
		return ledger.Item{}, false, false, lookupErr
	}

	switch len(matches) {
	case 0:
		return ledger.Item{}, false, false, nil
	case 1:
		return matches[0], true, false, nil
	default:
		return ledger.Item{}, false, true, nil
	}
}

// Return takes back the borrower's single outstanding loan for the item
// matched by the lookup key. The fine is computed once here (whole days
// past due times the daily rate) and frozen on the loan. The availability
// increment and the loan update commit atomically.
func (e Engine) Return(ctx context.Context, borrowerKey, lookupKey string) (ReturnReceipt, error) {
	var receipt ReturnReceipt

	err := RetryOnConflict(ctx, func(ctx context.Context) error {
		return e.store.WithinTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
			returned, txErr := e.returnWithinTx(ctx, tx, borrowerKey, lookupKey)
			if txErr != nil {
				return txErr
			}

			receipt = returned

			return nil
		})
	}, e.retryOptions...)

	if err != nil {
		e.logRejection(logMsgReturnRejected, borrowerKey, lookupKey, err)
		return ReturnReceipt{}, err
	}

	e.logOperation(logMsgLoanReturned,
		logAttrBorrowerKey, borrowerKey,
		logAttrItemKey, receipt.Item.Key,
		logAttrLoanID, receipt.Loan.ID,
		logAttrFine, receipt.Fine)

	return receipt, nil
}

func (e Engine) returnWithinTx(
	ctx context.Context,
	tx ledger.TxStore,
	borrowerKey string,
	lookupKey string,
) (ReturnReceipt, error) {

	var empty ReturnReceipt

	matches, matchErr := tx.MatchOutstandingLoans(ctx, borrowerKey, lookupKey)
	if matchErr != nil {
		return empty, matchErr
	}

	outstanding, decideErr := decideReturn(matches)
	if decideErr != nil {
		return empty, decideErr
	}

	locked, lockErr := tx.LockItem(ctx, outstanding.Item.Key)
	if lockErr != nil {
		return empty, lockErr
	}

	returnedAt := ledger.DateOf(e.clock())
	fine := e.policy.FineFor(outstanding.Loan.DueAt, returnedAt)

	// The status-guarded update runs first: when another return of the same
	// loan committed in between, it affects zero rows and fails cleanly
	// before the availability increment can overshoot total.
	if markErr := tx.MarkLoanReturned(ctx, outstanding.Loan.ID, returnedAt, fine); markErr != nil {
		return empty, markErr
	}

	if adjustErr := tx.AdjustAvailable(ctx, locked.Key, +1); adjustErr != nil {
		return empty, adjustErr
	}

	loan := outstanding.Loan
	loan.ReturnedAt = &returnedAt
	loan.Fine = fine
	loan.Status = ledger.LoanStatusReturned

	item := locked
	item.Available++

	message := fmt.Sprintf("item %q returned by borrower %s", item.Title, borrowerKey)
	if fine > 0 {
		message = fmt.Sprintf("%s, fine %.2f", message, fine)
	}

	return ReturnReceipt{
		Loan:    loan,
		Item:    item,
		Fine:    fine,
		Message: message,
	}, nil
}

// OutstandingLoans returns the borrower's current standing: every
// outstanding loan with its item and the fine that would be due if the
// item were returned today. It mutates no stored state; the accruing fine
// is projected, not persisted.
func (e Engine) OutstandingLoans(ctx context.Context, borrowerKey string) ([]CurrentLoan, error) {
	outstanding, err := e.store.ListOutstanding(ctx, borrowerKey)
	if err != nil {
		return nil, err
	}

	asOf := ledger.DateOf(e.clock())
	current := make([]CurrentLoan, 0, len(outstanding))

	for _, ol := range outstanding {
		current = append(current, CurrentLoan{
			Item:         ol.Item,
			IssuedAt:     ol.Loan.IssuedAt,
			DueAt:        ol.Loan.DueAt,
			AccruingFine: e.policy.FineFor(ol.Loan.DueAt, asOf),
		})
	}

	return current, nil
}

// logOperation logs successful transitions at info level if the logger is configured.
func (e Engine) logOperation(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Info(msg, args...)
	}
}

// logRejection logs failed operations at debug level if the logger is
// configured. Rejections are expected business outcomes, not faults.
func (e Engine) logRejection(msg string, borrowerKey, lookupKey string, err error) {
	if e.logger != nil {
		e.logger.Debug(msg,
			logAttrBorrowerKey, borrowerKey,
			logAttrLookup, lookupKey,
			logAttrReason, err.Error())
	}
}
