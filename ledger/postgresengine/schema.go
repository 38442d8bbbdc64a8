package postgresengine

import (
	"context"
	"fmt"
)

// CreateSchema creates the items, borrowers, and loans tables if they do
// not exist. The CHECK constraints enforce the copy-count invariant
// (0 <= available <= total) and the non-negative fine at the storage
// level, on top of the engine's own guards.
func (s *Store) CreateSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			item_key TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			total INTEGER NOT NULL,
			available INTEGER NOT NULL,
			CONSTRAINT available_within_total CHECK (available >= 0 AND available <= total)
		)`, s.tables.items),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			borrower_key TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			department TEXT NOT NULL,
			branch TEXT NOT NULL
		)`, s.tables.borrowers),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			item_key TEXT NOT NULL REFERENCES %s (item_key),
			borrower_key TEXT NOT NULL REFERENCES %s (borrower_key),
			issued_at DATE NOT NULL,
			due_at DATE NOT NULL,
			returned_at DATE,
			fine NUMERIC(10,2) NOT NULL DEFAULT 0 CHECK (fine >= 0),
			status TEXT NOT NULL
		)`, s.tables.loans, s.tables.items, s.tables.borrowers),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_outstanding_idx ON %s (borrower_key) WHERE status = 'issued'`,
			s.tables.loans, s.tables.loans),
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(ctx, statement); err != nil {
			return s.storeError(err)
		}
	}

	return nil
}
