package ledger

import (
	"time"
)

// LoanStatus is the lifecycle state of a loan. The only transition is
// issued -> returned; returned is terminal.
type LoanStatus string

const (
	LoanStatusIssued   LoanStatus = "issued"
	LoanStatusReturned LoanStatus = "returned"
)

// Loan is a single borrowing transaction linking one borrower to one item
// copy, from issue to return. Loans are never deleted; they are the
// permanent audit trail. The fine is computed once at return time and
// frozen on the record.
type Loan struct {
	ID          int64      `json:"id"`
	ItemKey     string     `json:"item_key"`
	BorrowerKey string     `json:"borrower_key"`
	IssuedAt    time.Time  `json:"issued_at"`
	DueAt       time.Time  `json:"due_at"`
	ReturnedAt  *time.Time `json:"returned_at,omitempty"`
	Fine        float64    `json:"fine"`
	Status      LoanStatus `json:"status"`
}

// IsOutstanding reports whether the loan has not been returned yet.
func (l Loan) IsOutstanding() bool {
	return l.Status == LoanStatusIssued
}

// OutstandingLoan pairs an outstanding loan with its catalog item, as
// produced by the current-standing query.
type OutstandingLoan struct {
	Loan Loan `json:"loan"`
	Item Item `json:"item"`
}

// DateOf truncates a timestamp to its calendar date in UTC. Loan dates are
// kept at day precision, mirroring the DATE columns in the schema.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
