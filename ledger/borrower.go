package ledger

// Borrower identifies who may take loans. Borrowers are created by an
// external registration operation and are immutable for the loan engine.
type Borrower struct {
	Key        string `json:"key"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Department string `json:"department"`
	Branch     string `json:"branch"`
}
