// Package retry decides what happens to an outbox event whose application
// failed: reschedule it with backoff, or abandon it.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/backoff"
	"github.com/alfredjeanlab/indexsync/internal/model"
)

// DefaultMaxRetries is used when a Policy has no MaxRetries set.
const DefaultMaxRetries = 3

// Action is what the processor must do with a failed event.
type Action int

const (
	Reschedule Action = iota
	Abandon
)

func (a Action) String() string {
	switch a {
	case Reschedule:
		return "reschedule"
	case Abandon:
		return "abandon"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// FailureKind classifies an abandonment.
type FailureKind string

const (
	KindRetryExhausted FailureKind = "retry_exhausted"
	KindNonRetryable   FailureKind = "non_retryable"
)

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action       Action
	Kind         FailureKind // set when Action is Abandon
	Attempts     int
	ProcessAfter time.Time // set when Action is Reschedule
}

// Policy holds the retry limits.
type Policy struct {
	MaxRetries int
	Backoff    backoff.Strategy
}

// Decide returns the decision for ev after cause. It does not modify ev.
func (p Policy) Decide(ev *model.Event, cause error, now time.Time) Decision {
	attempts := ev.Attempts + 1
	if IsPermanent(cause) {
		return Decision{Action: Abandon, Kind: KindNonRetryable, Attempts: attempts}
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if attempts >= maxRetries {
		return Decision{Action: Abandon, Kind: KindRetryExhausted, Attempts: attempts}
	}
	strategy := p.Backoff
	if strategy == nil {
		strategy = backoff.Default()
	}
	return Decision{
		Action:       Reschedule,
		Attempts:     attempts,
		ProcessAfter: now.Add(strategy.Delay(attempts)),
	}
}

// permanentError marks an error that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
