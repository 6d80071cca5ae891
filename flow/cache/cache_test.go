package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/tierflow-go/flow/model"
)

func testKey(prompt string) Key {
	return Key{
		Prompt:      prompt,
		System:      "sys",
		ModelID:     "m-cheap",
		Tier:        model.TierCheap,
		Temperature: 0.2,
	}
}

func buildEntry(text string, inTok, outTok int) func(context.Context) (*Entry, error) {
	return func(context.Context) (*Entry, error) {
		return &Entry{
			Response: text,
			Usage:    model.Usage{InputTokens: inTok, OutputTokens: outTok},
			ModelID:  "m-cheap",
			Tier:     model.TierCheap,
		}, nil
	}
}

func TestCache_ExactHit(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	key := testKey("hello")

	entry, kind, err := c.GetOrCompute(ctx, key, buildEntry("R", 10, 5))
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if kind != HitNone {
		t.Errorf("first lookup kind = %q, want miss", kind)
	}
	if entry.Response != "R" {
		t.Errorf("first lookup response = %q", entry.Response)
	}

	entry, kind, err = c.GetOrCompute(ctx, key, func(context.Context) (*Entry, error) {
		t.Fatal("second lookup must not rebuild")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if kind != HitExact {
		t.Errorf("second lookup kind = %q, want exact", kind)
	}
	if entry.Response != "R" || entry.Usage.InputTokens != 10 {
		t.Errorf("hit must replay stored response and tokens, got %+v", entry)
	}
	if entry.HitCount != 1 {
		t.Errorf("hit count = %d, want 1", entry.HitCount)
	}
}

func TestCache_Coalescing(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	key := testKey("identical prompt")

	var builds atomic.Int32
	var hits, misses atomic.Int32

	const callers = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			entry, kind, err := c.GetOrCompute(ctx, key, func(context.Context) (*Entry, error) {
				builds.Add(1)
				time.Sleep(50 * time.Millisecond) // hold the build slot so callers pile up
				return &Entry{Response: "shared", ModelID: "m-cheap", Tier: model.TierCheap}, nil
			})
			if err != nil {
				t.Errorf("caller error: %v", err)
				return
			}
			if entry.Response != "shared" {
				t.Errorf("caller got %q", entry.Response)
			}
			if kind == HitNone {
				misses.Add(1)
			} else {
				hits.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if builds.Load() != 1 {
		t.Errorf("builds = %d, want exactly 1 (at-most-one build per fingerprint)", builds.Load())
	}
	if misses.Load() != 1 {
		t.Errorf("misses = %d, want 1", misses.Load())
	}
	if hits.Load() != callers-1 {
		t.Errorf("hits = %d, want %d", hits.Load(), callers-1)
	}
}

func TestCache_BuildFailureReleasesSlot(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	key := testKey("flaky")

	wantErr := errors.New("upstream down")
	_, _, err := c.GetOrCompute(ctx, key, func(context.Context) (*Entry, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected build error, got %v", err)
	}

	// The failed fingerprint must be buildable again.
	entry, _, err := c.GetOrCompute(ctx, key, buildEntry("recovered", 1, 1))
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if entry.Response != "recovered" {
		t.Errorf("retry response = %q", entry.Response)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	// Budget sized so the third entry forces out the least recently used.
	small := New(Options{MaxBytes: 700})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		key := testKey(fmt.Sprintf("prompt-%d", i))
		if _, _, err := small.GetOrCompute(ctx, key, buildEntry("x", 1, 1)); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	if small.Len() != 2 {
		t.Fatalf("expected 2 entries before eviction, got %d", small.Len())
	}

	// Touch prompt-0 so prompt-1 becomes LRU.
	if _, kind, _ := small.GetOrCompute(ctx, testKey("prompt-0"), buildEntry("", 0, 0)); kind != HitExact {
		t.Fatal("expected exact hit on prompt-0")
	}

	if _, _, err := small.GetOrCompute(ctx, testKey("prompt-2"), buildEntry("x", 1, 1)); err != nil {
		t.Fatalf("admit third: %v", err)
	}

	// prompt-1 evicted, prompt-0 retained.
	if _, kind, _ := small.GetOrCompute(ctx, testKey("prompt-0"), buildEntry("rebuilt-0", 0, 0)); kind != HitExact {
		t.Error("prompt-0 should have survived eviction")
	}
	_, kind, _ := small.GetOrCompute(ctx, testKey("prompt-1"), buildEntry("rebuilt-1", 0, 0))
	if kind != HitNone {
		t.Error("prompt-1 should have been evicted")
	}

	stats := small.Stats()
	if stats.Evictions == 0 {
		t.Error("expected at least one eviction recorded")
	}
	if stats.Bytes > stats.MaxBytes {
		t.Errorf("cache bytes %d exceed cap %d after eviction", stats.Bytes, stats.MaxBytes)
	}
}

func TestCache_Reset(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	if _, _, err := c.GetOrCompute(ctx, testKey("a"), buildEntry("x", 1, 1)); err != nil {
		t.Fatal(err)
	}
	c.Reset()
	if c.Len() != 0 {
		t.Errorf("Len after reset = %d, want 0", c.Len())
	}
	if _, kind, _ := c.GetOrCompute(ctx, testKey("a"), buildEntry("x", 1, 1)); kind != HitNone {
		t.Error("reset cache must miss")
	}
}

// stubEmbedder maps known prompts to fixed vectors.
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestCache_SemanticHit(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"what is the capital of france": {1, 0, 0},
		"capital city of france":        {0.99, 0.14, 0}, // cosine ~0.99 with the stored prompt
	}}
	c := New(Options{Embedder: embedder, SemanticThreshold: 0.92})
	ctx := context.Background()

	if _, _, err := c.GetOrCompute(ctx, testKey("what is the capital of france"), buildEntry("Paris", 5, 1)); err != nil {
		t.Fatal(err)
	}

	entry, kind, err := c.GetOrCompute(ctx, testKey("capital city of france"), func(context.Context) (*Entry, error) {
		t.Fatal("semantic neighbor should have short-circuited the build")
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if kind != HitSemantic {
		t.Errorf("kind = %q, want semantic", kind)
	}
	if entry.Response != "Paris" {
		t.Errorf("semantic hit response = %q", entry.Response)
	}
}

func TestCache_SemanticRespectsModelAndTier(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"same prompt": {1, 0, 0},
	}}
	c := New(Options{Embedder: embedder})
	ctx := context.Background()

	if _, _, err := c.GetOrCompute(ctx, testKey("same prompt"), buildEntry("cheap answer", 1, 1)); err != nil {
		t.Fatal(err)
	}

	// Identical text at a different tier must not match semantically.
	other := testKey("same prompt")
	other.Tier = model.TierPremium
	_, kind, err := c.GetOrCompute(ctx, other, func(context.Context) (*Entry, error) {
		return &Entry{Response: "premium answer", ModelID: "m-cheap", Tier: model.TierPremium}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if kind != HitNone {
		t.Errorf("cross-tier lookup kind = %q, want miss", kind)
	}
}

func TestCache_EmbedderFailureDegradesToHashOnly(t *testing.T) {
	var warnings atomic.Int32
	embedder := &stubEmbedder{err: errors.New("embedding model offline")}
	c := New(Options{
		Embedder: embedder,
		Warn:     func(string, ...any) { warnings.Add(1) },
	})
	ctx := context.Background()

	// Misses still compute; exact hits still work.
	if _, _, err := c.GetOrCompute(ctx, testKey("p"), buildEntry("r", 1, 1)); err != nil {
		t.Fatal(err)
	}
	_, kind, err := c.GetOrCompute(ctx, testKey("p"), buildEntry("", 0, 0))
	if err != nil || kind != HitExact {
		t.Fatalf("exact path must survive embedder failure: kind=%q err=%v", kind, err)
	}

	// One warning per process, no matter how many lookups degraded.
	for i := 0; i < 5; i++ {
		_, _, _ = c.GetOrCompute(ctx, testKey(fmt.Sprintf("q-%d", i)), buildEntry("r", 1, 1))
	}
	if warnings.Load() != 1 {
		t.Errorf("warnings = %d, want exactly 1", warnings.Load())
	}
}

// failingStore always errors, proving store failures never fail calls.
type failingStore struct{}

func (failingStore) Put(context.Context, *Entry) error { return errors.New("disk full") }
func (failingStore) Reset(context.Context) error       { return errors.New("disk full") }

func (failingStore) LoadAll(context.Context) ([]*Entry, error) {
	return nil, errors.New("disk full")
}

func TestCache_StoreFailureBypassed(t *testing.T) {
	var warnings atomic.Int32
	c := New(Options{
		Store: failingStore{},
		Warn:  func(string, ...any) { warnings.Add(1) },
	})
	ctx := context.Background()

	entry, _, err := c.GetOrCompute(ctx, testKey("p"), buildEntry("r", 1, 1))
	if err != nil {
		t.Fatalf("store failure must not fail the call: %v", err)
	}
	if entry.Response != "r" {
		t.Errorf("response = %q", entry.Response)
	}
	if warnings.Load() != 1 {
		t.Errorf("warnings = %d, want exactly 1", warnings.Load())
	}
}
