package ledger

import (
	"time"
)

// Default lending policy, overridable per engine instance.
const (
	DefaultLoanPeriodDays      = 30
	DefaultMaxLoansPerBorrower = 5
	DefaultFineRatePerDay      = 1.0
)

// Policy holds the configurable lending rules: how long a loan runs, how
// many loans a borrower may hold at once, and the fine accrued per day
// past the due date.
type Policy struct {
	LoanPeriodDays      int
	MaxLoansPerBorrower int
	FineRatePerDay      float64
}

// DefaultPolicy returns the standard lending policy.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriodDays:      DefaultLoanPeriodDays,
		MaxLoansPerBorrower: DefaultMaxLoansPerBorrower,
		FineRatePerDay:      DefaultFineRatePerDay,
	}
}

// Validate reports whether the policy values are usable.
func (p Policy) Validate() error {
	if p.LoanPeriodDays <= 0 || p.MaxLoansPerBorrower <= 0 || p.FineRatePerDay < 0 {
		return ErrInvalidPolicy
	}

	return nil
}

// DueDate computes the due date for a loan issued on the given date.
func (p Policy) DueDate(issuedAt time.Time) time.Time {
	return DateOf(issuedAt).AddDate(0, 0, p.LoanPeriodDays)
}

// FineFor computes the fine for a loan due on dueAt and returned on
// returnedAt: whole overdue days times the daily rate, never negative.
func (p Policy) FineFor(dueAt, returnedAt time.Time) float64 {
	days := int(DateOf(returnedAt).Sub(DateOf(dueAt)).Hours() / 24)
	if days <= 0 {
		return 0
	}

	return float64(days) * p.FineRatePerDay
}
