package models

import (
	"errors"
	"fmt"
)

// Failure classes used across the pipeline. Components decide retry and
// shutdown behaviour from the class, never from error text.
var (
	// ErrTransientIO marks network and 5xx failures that are safe to retry.
	ErrTransientIO = errors.New("transient io")
	// ErrAuthExpired marks credential failures that need a token refresh.
	ErrAuthExpired = errors.New("auth expired")
	// ErrValidationRejected marks broker 4xx rejections. Never retried.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrSequenceGap marks a detected jump in venue sequence numbers.
	ErrSequenceGap = errors.New("sequence gap detected")
	// ErrRateLimitTimeout marks an intent that waited too long for a
	// rate limiter slot.
	ErrRateLimitTimeout = errors.New("rate limit timeout")
	// ErrStrategy marks a strategy evaluation failure. The event is
	// skipped and the engine keeps running.
	ErrStrategy = errors.New("strategy error")
	// ErrFatalStartup marks failures that must abort process startup.
	ErrFatalStartup = errors.New("fatal startup")
)

// TransientIO wraps err as a retryable I/O failure.
func TransientIO(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransientIO, err)
}

// AuthExpired wraps err as a credential failure.
func AuthExpired(err error) error {
	if err == nil {
		return ErrAuthExpired
	}
	return fmt.Errorf("%w: %v", ErrAuthExpired, err)
}

// ValidationRejected wraps a broker rejection with its reason.
func ValidationRejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidationRejected, reason)
}

// FatalStartup wraps err as a startup-aborting failure.
func FatalStartup(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrFatalStartup, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool { return errors.Is(err, ErrTransientIO) }

// IsAuthExpired reports whether err means the session token is no longer
// accepted by the broker.
func IsAuthExpired(err error) bool { return errors.Is(err, ErrAuthExpired) }

// IsValidationRejected reports whether err is a terminal broker rejection.
func IsValidationRejected(err error) bool { return errors.Is(err, ErrValidationRejected) }
