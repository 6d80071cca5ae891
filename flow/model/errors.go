package model

import "fmt"

// ErrorClass partitions provider failures for the resilient client.
//
// Adapters translate SDK-specific failures into this common shape so retry
// and fallback decisions never depend on provider internals.
type ErrorClass int

const (
	// ClassUnknown marks errors the adapter could not classify. The
	// client applies message-pattern heuristics before treating these as
	// permanent.
	ClassUnknown ErrorClass = iota

	// ClassTransient covers network failures, 5xx responses, rate limits,
	// and overload conditions. Eligible for retry.
	ClassTransient

	// ClassPermanent covers auth failures, invalid requests, and content
	// policy blocks. Never retried.
	ClassPermanent
)

// ProviderError is the normalized error shape returned by provider adapters.
type ProviderError struct {
	// Provider names the endpoint that failed.
	Provider string

	// Model is the model ID the call targeted.
	Model string

	// Class drives retry eligibility.
	Class ErrorClass

	// StatusCode is the HTTP status when the failure came from an API
	// response, zero otherwise.
	StatusCode int

	// Message is a human-readable description.
	Message string

	// Cause is the underlying SDK or transport error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: %s (status %d)", e.Provider, e.Model, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Model, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ClassifyStatus maps an HTTP status code to an error class using the usual
// provider conventions: 408/429/5xx transient, other 4xx permanent.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == 408 || status == 429:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassPermanent
	default:
		return ClassUnknown
	}
}
