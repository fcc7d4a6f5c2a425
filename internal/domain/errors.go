package domain

import (
	"errors"
	"fmt"
)

// ErrProductNotFound is returned by repositories for unknown product ids.
var ErrProductNotFound = errors.New("product not found")

// ErrContentNotFound is returned when a product has no generated content yet.
var ErrContentNotFound = errors.New("generated content not found")

// ErrListingNotFound is returned when a product has no marketplace listing.
var ErrListingNotFound = errors.New("marketplace listing not found")

// ErrAttemptTimeout marks a generation attempt killed by the watchdog
// deadline. It is always wrapped in a non-retryable AIProviderError.
var ErrAttemptTimeout = errors.New("generation attempt timed out")

// ValidationError reports malformed caller input. Never retried, surfaced
// synchronously to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// AIProviderError is the single error shape every provider adapter raises.
// Retryable distinguishes transient faults (network, 429, 5xx) from
// structural ones (malformed response, rejected request).
type AIProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *AIProviderError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("ai provider %s (%s): %v", e.Provider, kind, e.Err)
}

func (e *AIProviderError) Unwrap() error { return e.Err }

// InvalidTransitionError signals a forbidden lifecycle move. Always a bug or
// a lost race, never expected in normal operation.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ConflictError rejects a second trigger for a product that already has an
// attempt in flight. The caller should treat it as a no-op, not retry.
type ConflictError struct {
	ProductID string
	Status    Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("product %s: operation already in flight (status %s)", e.ProductID, e.Status)
}

// PublishError carries a marketplace-side rejection. Terminal for the
// attempt; the detail is preserved on the product for the user to act on.
type PublishError struct {
	Code    string
	Message string
	Err     error
}

func (e *PublishError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("marketplace publish: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("marketplace publish: %s", e.Message)
}

func (e *PublishError) Unwrap() error { return e.Err }
