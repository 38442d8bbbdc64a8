package loanengine

import (
	"time"

	"github.com/circulib/loanledger/ledger"
)

// IssueReceipt is the structured result of a successful issue: the created
// loan, the item as it stands after the transition, and a human-readable
// confirmation. The engine performs no formatting or I/O beyond this; the
// presentation layer decides how to render it.
type IssueReceipt struct {
	Loan    ledger.Loan `json:"loan"`
	Item    ledger.Item `json:"item"`
	Message string      `json:"message"`
}

// ReturnReceipt is the structured result of a successful return. Fine is
// the frozen amount persisted on the loan, 0 when the return was on time.
type ReturnReceipt struct {
	Loan    ledger.Loan `json:"loan"`
	Item    ledger.Item `json:"item"`
	Fine    float64     `json:"fine"`
	Message string      `json:"message"`
}

// CurrentLoan is one row of the current-standing query. AccruingFine is a
// projected, non-persisted value: what the fine would be if the item were
// returned on the query date.
type CurrentLoan struct {
	Item         ledger.Item `json:"item"`
	IssuedAt     time.Time   `json:"issued_at"`
	DueAt        time.Time   `json:"due_at"`
	AccruingFine float64     `json:"accruing_fine"`
}
