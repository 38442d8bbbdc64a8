package loanengine

import (
	"errors"
	"time"

	"github.com/circulib/loanledger/ledger"
)

// ErrNilClock is returned when a nil clock function is supplied.
var ErrNilClock = errors.New("nil clock supplied")

// Logger interface for decision and transition logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Option defines a functional option for configuring Engine.
type Option func(*Engine) error

// WithPolicy overrides the default lending policy.
func WithPolicy(policy ledger.Policy) Option {
	return func(e *Engine) error {
		if err := policy.Validate(); err != nil {
			return err
		}

		e.policy = policy

		return nil
	}
}

// WithLogger sets the logger for the Engine. Successful transitions are
// logged at info level, rejected operations at debug level.
func WithLogger(logger Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithClock overrides the engine's time source. Tests use this to issue
// and return loans on specific dates.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) error {
		if clock == nil {
			return ErrNilClock
		}

		e.clock = clock

		return nil
	}
}

// WithRetryOptions sets a custom retry configuration for transient store
// conflicts.
func WithRetryOptions(options ...RetryOption) Option {
	return func(e *Engine) error {
		e.retryOptions = options
		return nil
	}
}
