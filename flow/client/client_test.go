package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dshills/tierflow-go/flow/model"
)

// fastRetry keeps test wall time low while preserving the retry shape.
func fastRetry() RetryConfig {
	return RetryConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxAttempts:  4,
		Multiplier:   2.0,
	}
}

func fastBreaker() BreakerConfig {
	return BreakerConfig{
		FailuresToOpen: 5,
		Window:         60 * time.Second,
		Cooldown:       30 * time.Second,
		HalfOpenProbes: 2,
	}
}

func transientErr(provider string) error {
	return &model.ProviderError{Provider: provider, Class: model.ClassTransient, Message: "500 server error"}
}

func permanentErr(provider string) error {
	return &model.ProviderError{Provider: provider, Class: model.ClassPermanent, Message: "invalid api key"}
}

// buildRegistry registers providers p1/p2 with one capable model each;
// m-p1-capable falls back to m-p2-capable.
func buildRegistry(t *testing.T, p1, p2 model.Provider) *model.Registry {
	t.Helper()
	r := model.NewRegistry()
	if err := r.RegisterProvider("p1", p1); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterProvider("p2", p2); err != nil {
		t.Fatal(err)
	}
	models := []model.Descriptor{
		{
			ID: "m-p1-capable", Provider: "p1", Tier: model.TierCapable,
			InputMicrosPer1M: 3_000_000, OutputMicrosPer1M: 15_000_000,
			FallbackChain: []string{"m-p2-capable"},
		},
		{
			ID: "m-p2-capable", Provider: "p2", Tier: model.TierCapable,
			InputMicrosPer1M: 3_000_000, OutputMicrosPer1M: 15_000_000,
		},
	}
	for _, d := range models {
		if err := r.RegisterModel(d); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Freeze(); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestClient_RetriesTransientThenSucceeds(t *testing.T) {
	p1 := &model.MockProvider{
		Responses: []model.Response{{Text: "ok", Usage: model.Usage{InputTokens: 10, OutputTokens: 5}}},
		Err:       transientErr("p1"),
		FailFirst: 2,
	}
	reg := buildRegistry(t, p1, &model.MockProvider{})
	c := New(reg, Options{Retry: fastRetry(), Breaker: fastBreaker()})

	res, err := c.Call(context.Background(), "m-p1-capable", model.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Response.Text != "ok" {
		t.Errorf("response = %q", res.Response.Text)
	}
	if p1.CallCount() != 3 {
		t.Errorf("provider attempts = %d, want 3 (2 failures + 1 success)", p1.CallCount())
	}
	if res.ModelID != "m-p1-capable" {
		t.Errorf("answered model = %q", res.ModelID)
	}
	if len(res.FallbackChain) != 1 || res.FallbackChain[0] != "m-p1-capable" {
		t.Errorf("fallback chain = %v, want just the primary", res.FallbackChain)
	}
}

func TestClient_PermanentErrorNotRetried(t *testing.T) {
	p1 := &model.MockProvider{Err: permanentErr("p1")}
	p2 := &model.MockProvider{Responses: []model.Response{{Text: "fallback"}}}
	reg := buildRegistry(t, p1, p2)
	c := New(reg, Options{Retry: fastRetry(), Breaker: fastBreaker()})

	_, err := c.Call(context.Background(), "m-p1-capable", model.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *model.ProviderError
	if !errors.As(err, &pe) || pe.Class != model.ClassPermanent {
		t.Errorf("expected permanent provider error, got %v", err)
	}
	if p1.CallCount() != 1 {
		t.Errorf("provider attempts = %d, want 1 (no retries)", p1.CallCount())
	}
	if p2.CallCount() != 0 {
		t.Errorf("permanent errors must not trigger fallback, p2 saw %d calls", p2.CallCount())
	}
}

func TestClient_CircuitOpensAndFallbackSucceeds(t *testing.T) {
	// p1 fails with 500 on its first 5 calls; the breaker needs 5
	// consecutive failures, and each Call makes up to 4 attempts.
	p1 := &model.MockProvider{
		Responses: []model.Response{{Text: "late recovery"}},
		Err:       transientErr("p1"),
		FailFirst: 5,
	}
	p2 := &model.MockProvider{Responses: []model.Response{{Text: "from p2"}}}
	reg := buildRegistry(t, p1, p2)
	c := New(reg, Options{Retry: fastRetry(), Breaker: fastBreaker()})
	ctx := context.Background()

	// First call: 4 transient failures on p1 exhaust the retry budget,
	// fallback answers on p2.
	res, err := c.Call(ctx, "m-p1-capable", model.Request{Prompt: "q1"})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if res.ModelID != "m-p2-capable" {
		t.Errorf("first call answered by %q, want m-p2-capable", res.ModelID)
	}
	want := []string{"m-p1-capable", "m-p2-capable"}
	if len(res.FallbackChain) != 2 || res.FallbackChain[0] != want[0] || res.FallbackChain[1] != want[1] {
		t.Errorf("fallback chain = %v, want %v", res.FallbackChain, want)
	}
	if c.BreakerState("p1") != gobreaker.StateClosed {
		t.Errorf("breaker after 4 failures = %v, want still closed", c.BreakerState("p1"))
	}

	// Second call: p1's 5th consecutive failure trips the breaker open.
	res, err = c.Call(ctx, "m-p1-capable", model.Request{Prompt: "q2"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.ModelID != "m-p2-capable" {
		t.Errorf("second call answered by %q", res.ModelID)
	}
	if c.BreakerState("p1") != gobreaker.StateOpen {
		t.Errorf("breaker after 5th failure = %v, want open", c.BreakerState("p1"))
	}
	attemptsSoFar := p1.CallCount()

	// Within the cooldown every further call skips p1 entirely: no new
	// provider attempts, straight to p2.
	res, err = c.Call(ctx, "m-p1-capable", model.Request{Prompt: "q3"})
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if res.ModelID != "m-p2-capable" {
		t.Errorf("third call answered by %q", res.ModelID)
	}
	if p1.CallCount() != attemptsSoFar {
		t.Errorf("open circuit made %d new attempts against p1", p1.CallCount()-attemptsSoFar)
	}
}

func TestClient_OpenCircuitEmptyChainFails(t *testing.T) {
	p1 := &model.MockProvider{Err: transientErr("p1")}
	reg := model.NewRegistry()
	if err := reg.RegisterProvider("p1", p1); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterModel(model.Descriptor{
		ID: "m-lonely", Provider: "p1", Tier: model.TierCheap,
		InputMicrosPer1M: 1, OutputMicrosPer1M: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Freeze(); err != nil {
		t.Fatal(err)
	}

	c := New(reg, Options{
		Retry:   RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1, Multiplier: 2},
		Breaker: BreakerConfig{FailuresToOpen: 2, Window: time.Minute, Cooldown: time.Minute, HalfOpenProbes: 2},
	})
	ctx := context.Background()

	// Trip the breaker with two failing calls (1 attempt each).
	for i := 0; i < 2; i++ {
		if _, err := c.Call(ctx, "m-lonely", model.Request{}); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	if c.BreakerState("p1") != gobreaker.StateOpen {
		t.Fatalf("breaker = %v, want open", c.BreakerState("p1"))
	}
	attempts := p1.CallCount()

	// Open circuit, no fallback chain: AllProvidersFailed with zero
	// provider attempts.
	_, err := c.Call(ctx, "m-lonely", model.Request{})
	var all *AllProvidersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if len(all.Attempts) != 1 || !errors.Is(all.Attempts[0].Err, ErrProviderUnavailable) {
		t.Errorf("attempts = %+v, want one ProviderUnavailable", all.Attempts)
	}
	if p1.CallCount() != attempts {
		t.Error("open breaker must reject without a provider attempt")
	}
}

func TestClient_AllProvidersFailed(t *testing.T) {
	p1 := &model.MockProvider{Err: transientErr("p1")}
	p2 := &model.MockProvider{Err: transientErr("p2")}
	reg := buildRegistry(t, p1, p2)
	c := New(reg, Options{Retry: fastRetry(), Breaker: fastBreaker()})

	_, err := c.Call(context.Background(), "m-p1-capable", model.Request{})
	var all *AllProvidersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if len(all.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2 (both chain entries)", len(all.Attempts))
	}
}

func TestClient_UnknownModel(t *testing.T) {
	reg := buildRegistry(t, &model.MockProvider{}, &model.MockProvider{})
	c := New(reg, Options{Retry: fastRetry()})

	_, err := c.Call(context.Background(), "no-such-model", model.Request{})
	var pe *model.ProviderError
	if !errors.As(err, &pe) || pe.Class != model.ClassPermanent {
		t.Errorf("expected permanent error for unknown model, got %v", err)
	}
}

func TestClient_CancelledContext(t *testing.T) {
	p1 := &model.MockProvider{Responses: []model.Response{{Text: "x"}}}
	reg := buildRegistry(t, p1, &model.MockProvider{})
	c := New(reg, Options{Retry: fastRetry()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Call(ctx, "m-p1-capable", model.Request{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want model.ErrorClass
	}{
		{"classified transient", transientErr("p"), model.ClassTransient},
		{"classified permanent", permanentErr("p"), model.ClassPermanent},
		{"deadline", context.DeadlineExceeded, model.ClassTransient},
		{"pattern 503", errors.New("HTTP 503 service unavailable"), model.ClassTransient},
		{"pattern rate limit", errors.New("rate limit exceeded"), model.ClassTransient},
		{"pattern auth", errors.New("authentication failed"), model.ClassPermanent},
		{"unknown", errors.New("something odd"), model.ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); got != tc.want {
				t.Errorf("classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestSemaphore_BoundsConcurrency(t *testing.T) {
	sems := newSemaphoreSet(2)
	ctx := context.Background()

	r1, err := sems.acquire(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := sems.acquire(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}

	// Third acquisition must block until a slot frees.
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := sems.acquire(blocked, "p"); err == nil {
		t.Fatal("third acquire should block and time out")
	}

	r1()
	r3, err := sems.acquire(ctx, "p")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	r2()
	r3()
}
