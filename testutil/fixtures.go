package testutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/circulib/loanledger/ledger"
)

// GivenUniqueItemKey returns a fresh item key for test isolation.
func GivenUniqueItemKey(t testing.TB) string {
	t.Helper()

	id, err := uuid.NewV7()
	assert.NoError(t, err, "error in arranging test data")

	return "item-" + id.String()
}

// GivenUniqueBorrowerKey returns a fresh borrower key for test isolation.
func GivenUniqueBorrowerKey(t testing.TB) string {
	t.Helper()

	id, err := uuid.NewV7()
	assert.NoError(t, err, "error in arranging test data")

	return "borrower-" + id.String()
}

// BuildItem creates a catalog item with the given number of copies, all
// available.
func BuildItem(key, title string, copies int) ledger.Item {
	return ledger.Item{
		Key:       key,
		Title:     title,
		Author:    "Vlad Khononov",
		Total:     copies,
		Available: copies,
	}
}

// BuildBorrower creates a borrower record.
func BuildBorrower(key string) ledger.Borrower {
	return ledger.Borrower{
		Key:        key,
		FirstName:  "Ada",
		LastName:   "Lovelace",
		Department: "Mathematics",
		Branch:     "Main",
	}
}
