// Package booking defines the contract with the booking-runner subsystem,
// the out-of-process component that drives the actual portal flow
// (including captcha recognition). The scheduler treats it as one opaque
// call per attempt.
package booking

import (
	"context"
	"errors"
	"fmt"

	"thsrsniper/internal/domain"
)

// Outcome is the result of one booking attempt. Ordinary booking failures
// (sold out, validation rejected, captcha exhausted) come back as OK=false
// with a human-readable Reason, not as errors.
type Outcome struct {
	OK     bool   `json:"ok"`
	PNR    string `json:"pnr,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Attempter runs one booking attempt. A returned error is reserved for
// infrastructure faults (see TransientError); the scheduler records it as a
// failed attempt like any other.
type Attempter interface {
	Attempt(ctx context.Context, params domain.JourneyParams) (Outcome, error)
}

// TransientError signals a runner-side infrastructure fault (portal
// unreachable, runner down). It still consumes an attempt, but is logged
// distinctly from ordinary booking failures.
type TransientError struct {
	Reason string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient booking failure: %s", e.Reason)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AttempterFunc adapts a function to the Attempter interface.
type AttempterFunc func(ctx context.Context, params domain.JourneyParams) (Outcome, error)

func (f AttempterFunc) Attempt(ctx context.Context, params domain.JourneyParams) (Outcome, error) {
	return f(ctx, params)
}
