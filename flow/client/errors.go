// Package client executes prompts against providers with retry, circuit
// breaking, per-provider concurrency limits, and model fallback.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/tierflow-go/flow/model"
)

// ErrProviderUnavailable is returned when a provider's circuit is open and
// the call was rejected without an HTTP attempt.
var ErrProviderUnavailable = errors.New("provider unavailable: circuit open")

// ErrTimeout is returned when a call exhausted its deadline. Timeouts are
// transient for retry purposes; the sentinel is what remains after the retry
// budget is spent.
var ErrTimeout = errors.New("provider call timed out")

// AttemptError records one failed model attempt within a fallback chain.
type AttemptError struct {
	ModelID  string
	Provider string
	Err      error
}

// AllProvidersFailedError is the terminal error for a call: every model in
// the fallback chain exhausted its retries or was rejected by its breaker.
type AllProvidersFailedError struct {
	Attempts []AttemptError
}

// Error implements the error interface.
func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s(%s): %v", a.ModelID, a.Provider, a.Err)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the last attempt's error for errors.Is/As chains.
func (e *AllProvidersFailedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// classify determines the retry class of an error.
//
// Order matters: explicit adapter classification wins, then context errors,
// then message-pattern heuristics for errors that reached us unclassified
// (raw transport failures, mock errors in tests).
func classify(err error) model.ErrorClass {
	if err == nil {
		return model.ClassUnknown
	}

	var pe *model.ProviderError
	if errors.As(err, &pe) && pe.Class != model.ClassUnknown {
		return pe.Class
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "timed out", "network", "connection", "temporary",
		"rate limit", "overloaded", "500", "502", "503", "504", "429",
	} {
		if strings.Contains(msg, pattern) {
			return model.ClassTransient
		}
	}
	for _, pattern := range []string{
		"auth", "api key", "invalid request", "content policy", "permission",
		"400", "401", "403",
	} {
		if strings.Contains(msg, pattern) {
			return model.ClassPermanent
		}
	}
	return model.ClassUnknown
}
