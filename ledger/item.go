package ledger

// Item is a catalog entry with a finite number of lendable copies.
// The invariant 0 <= Available <= Total holds at all times; Available is
// mutated only by the loan engine as part of an issue or return transition.
type Item struct {
	Key       string `json:"key"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
}

// HasAvailableCopy reports whether at least one copy can be issued.
func (i Item) HasAvailableCopy() bool {
	return i.Available > 0
}
