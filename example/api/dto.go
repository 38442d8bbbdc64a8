package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// LoanRequest is the request body for issuing or returning a loan. Lookup
// is either an exact item key or a case-insensitive title substring.
type LoanRequest struct {
	BorrowerKey string `json:"borrower_key"`
	Lookup      string `json:"lookup"`
}

// Validate checks the request fields.
func (r LoanRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BorrowerKey, validation.Required),
		validation.Field(&r.Lookup, validation.Required),
	)
}

// ItemRequest is one catalog entry in an ingest request. Quantity is the
// number of copies added; for an existing key it grows total and available.
type ItemRequest struct {
	Key      string `json:"key"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Quantity int    `json:"quantity"`
}

// Validate checks the item fields.
func (r ItemRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Key, validation.Required),
		validation.Field(&r.Title, validation.Required),
		validation.Field(&r.Author, validation.Required),
		validation.Field(&r.Quantity, validation.Required, validation.Min(1)),
	)
}

// BorrowerRequest is one borrower in a registration request.
type BorrowerRequest struct {
	Key        string `json:"key"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Department string `json:"department"`
	Branch     string `json:"branch"`
}

// Validate checks the borrower fields.
func (r BorrowerRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Key, validation.Required),
		validation.Field(&r.FirstName, validation.Required),
		validation.Field(&r.LastName, validation.Required),
	)
}
