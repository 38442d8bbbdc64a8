package postgresengine

import (
	"github.com/circulib/loanledger/ledger"
)

// Logger interface for SQL query logging, operational summaries, warnings,
// and error reporting.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Option defines a functional option for configuring Store.
type Option func(*Store) error

// WithTableNames sets the table names for items, borrowers, and loans.
func WithTableNames(items, borrowers, loans string) Option {
	return func(s *Store) error {
		if items == "" || borrowers == "" || loans == "" {
			return ledger.ErrEmptyTableName
		}

		s.tables = tableNames{items: items, borrowers: borrowers, loans: loans}

		return nil
	}
}

// WithLogger sets the logger for the Store.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL queries with execution timing (development use)
// Info level: operation summaries and row counts (production-safe)
// Warn level: non-critical issues like rollback failures after errors
// Error level: critical failures that cause operation failures.
func WithLogger(logger Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}
