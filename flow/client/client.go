package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/dshills/tierflow-go/flow/model"
)

// RetryConfig tunes the per-model retry loop.
type RetryConfig struct {
	// InitialDelay is the first backoff interval.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// MaxAttempts bounds total attempts per model, including the first.
	MaxAttempts int

	// Multiplier scales the delay between attempts.
	Multiplier float64
}

// DefaultRetryConfig returns the standard retry tuning: 200ms initial delay
// doubling to an 8s cap, 4 attempts, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		MaxAttempts:  4,
		Multiplier:   2.0,
	}
}

// Options configures a Client.
type Options struct {
	// Retry tunes the backoff loop. Zero value uses DefaultRetryConfig.
	Retry RetryConfig

	// Breaker tunes the per-provider circuit breakers. Zero value uses
	// DefaultBreakerConfig.
	Breaker BreakerConfig

	// ProviderConcurrency bounds in-flight calls per provider. Default 8.
	ProviderConcurrency int

	// ProviderTimeout is the per-call deadline when the caller's own
	// deadline is absent or further away. Default 60s.
	ProviderTimeout time.Duration

	// OnBreakerChange observes circuit transitions. Optional.
	OnBreakerChange func(provider string, from, to gobreaker.State)
}

// Result is a successful provider call.
type Result struct {
	// Response is the model output with usage accounting.
	Response model.Response

	// ModelID is the model that actually answered, which differs from the
	// requested model when fallback engaged.
	ModelID string

	// Provider is the endpoint that served the call.
	Provider string

	// Duration is wall time for the whole call including retries and
	// fallback attempts.
	Duration time.Duration

	// FallbackChain lists every model attempted, in order, ending with
	// the one that answered.
	FallbackChain []string
}

// Client is the only component that talks to LLM endpoints.
//
// Each Call runs the requested model through retry with exponential backoff
// and jitter, behind its provider's circuit breaker and concurrency
// semaphore. When the model exhausts its retries or its provider circuit is
// open, the client walks the model's fallback chain. Permanent errors (auth,
// invalid request, content policy) surface immediately without retry or
// fallback.
//
// Breaker and semaphore state is shared across all calls for the life of the
// process.
type Client struct {
	registry *model.Registry
	retry    RetryConfig
	timeout  time.Duration
	breakers *breakerSet
	sems     *semaphoreSet
}

// New creates a resilient client over the given registry.
func New(registry *model.Registry, opts Options) *Client {
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		registry: registry,
		retry:    retry,
		timeout:  timeout,
		breakers: newBreakerSet(opts.Breaker, opts.OnBreakerChange),
		sems:     newSemaphoreSet(opts.ProviderConcurrency),
	}
}

// BreakerState reports the current circuit state for a provider.
func (c *Client) BreakerState(provider string) gobreaker.State {
	return c.breakers.state(provider)
}

// Call executes a prompt against modelID, falling back along the model's
// registered chain when needed.
//
// Returns a typed error:
//   - model.ProviderError with ClassPermanent for non-retriable failures
//   - *AllProvidersFailedError when every chain entry exhausted
//   - ctx.Err() when the caller cancelled
func (c *Client) Call(ctx context.Context, modelID string, req model.Request) (*Result, error) {
	start := time.Now()

	desc, ok := c.registry.Model(modelID)
	if !ok {
		return nil, &model.ProviderError{
			Provider: "",
			Model:    modelID,
			Class:    model.ClassPermanent,
			Message:  "unknown model",
		}
	}

	chain := append([]string{modelID}, desc.FallbackChain...)
	attempted := make([]string, 0, len(chain))
	var failures []AttemptError

	for _, id := range chain {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		d, ok := c.registry.Model(id)
		if !ok {
			// Chains are validated at registry freeze; an unknown
			// entry here means a test registry skipped Freeze.
			continue
		}
		attempted = append(attempted, id)

		resp, err := c.callModel(ctx, d, req)
		if err == nil {
			return &Result{
				Response:      resp,
				ModelID:       id,
				Provider:      d.Provider,
				Duration:      time.Since(start),
				FallbackChain: attempted,
			}, nil
		}

		if errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		if classify(err) == model.ClassPermanent && !errors.Is(err, ErrProviderUnavailable) {
			return nil, err
		}

		failures = append(failures, AttemptError{ModelID: id, Provider: d.Provider, Err: err})
	}

	return nil, &AllProvidersFailedError{Attempts: failures}
}

// callModel runs one model through semaphore, breaker, and the retry loop.
func (c *Client) callModel(ctx context.Context, d model.Descriptor, req model.Request) (model.Response, error) {
	provider, ok := c.registry.Provider(d.Provider)
	if !ok {
		return model.Response{}, &model.ProviderError{
			Provider: d.Provider,
			Model:    d.ID,
			Class:    model.ClassPermanent,
			Message:  "provider not registered",
		}
	}

	// Fast-path rejection while the circuit is open: no semaphore hold,
	// no backoff sleeps, no HTTP attempt.
	cb := c.breakers.forProvider(d.Provider)
	if cb.State() == gobreaker.StateOpen {
		return model.Response{}, ErrProviderUnavailable
	}

	release, err := c.sems.acquire(ctx, d.Provider)
	if err != nil {
		return model.Response{}, err
	}
	defer release()

	operation := func() (model.Response, error) {
		attemptCtx, cancel := c.attemptContext(ctx)
		defer cancel()

		out, cbErr := cb.Execute(func() (interface{}, error) {
			return provider.Complete(attemptCtx, d.ID, req)
		})
		if cbErr != nil {
			if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
				// Circuit rejected the attempt; retrying inside the
				// cooldown is pointless, move to fallback instead.
				return model.Response{}, backoff.Permanent(ErrProviderUnavailable)
			}
			if errors.Is(cbErr, context.DeadlineExceeded) {
				// Attempt deadline: transient, stays in the retry
				// budget unless the caller's own context is done.
				if ctx.Err() != nil {
					return model.Response{}, backoff.Permanent(ctx.Err())
				}
				return model.Response{}, ErrTimeout
			}
			if classify(cbErr) == model.ClassPermanent {
				return model.Response{}, backoff.Permanent(cbErr)
			}
			return model.Response{}, cbErr
		}
		resp, _ := out.(model.Response)
		return resp, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retry.InitialDelay
	expo.Multiplier = c.retry.Multiplier
	expo.MaxInterval = c.retry.MaxDelay

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.retry.MaxAttempts)), // #nosec G115 -- validated positive config value
	)
}

// attemptContext narrows the caller's deadline to the provider default:
// deadline = min(caller deadline, now + ProviderTimeout).
func (c *Client) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	limit := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(limit) {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, limit)
}
