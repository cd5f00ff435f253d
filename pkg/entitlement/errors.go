package entitlement

import "errors"

var (
	// ErrSignatureInvalid is returned when a webhook fails authenticity checks.
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when an authentic webhook cannot be decoded
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrProviderUnavailable is returned for timeouts, 5xx responses and an
	// open circuit. Callers may retry.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrProviderNotConfigured is returned when no provider serves a source
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrNotFound is returned when a record does not exist locally or the
	// provider knows no subscription for the user.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration is returned for invalid configuration or admin input.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidTransition is returned when a state change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDiscountCodeExists is returned when creating a code that already exists
	ErrDiscountCodeExists = errors.New("discount code already exists")

	// ErrDiscountCodeInUse is returned when deleting a code that was redeemed
	ErrDiscountCodeInUse = errors.New("discount code has redemptions")

	// ErrNotReplayable is returned when replaying an event that did not fail
	ErrNotReplayable = errors.New("webhook event is not replayable")

	// ErrQueueEmpty is returned by TaskQueue.Dequeue when no task is due
	ErrQueueEmpty = errors.New("no task due")
)

// permanentError marks a task failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker fails the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
