package store

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/tierflow-go/flow/cache"
	"github.com/dshills/tierflow-go/flow/model"
)

// storeUnderTest runs the shared contract tests against any cache.Store.
func storeUnderTest(t *testing.T, name string, open func(t *testing.T) cache.Store) {
	t.Run(name, func(t *testing.T) {
		ctx := context.Background()

		entry := func(fp string, created time.Time) *cache.Entry {
			return &cache.Entry{
				Fingerprint: cache.Fingerprint(fp),
				Prompt:      "prompt for " + fp,
				Response:    "response for " + fp,
				Usage:       model.Usage{InputTokens: 10, OutputTokens: 20},
				ModelID:     "m-cheap",
				Tier:        model.TierCheap,
				HitCount:    3,
				CreatedAt:   created,
			}
		}

		t.Run("round trip preserves fields", func(t *testing.T) {
			s := open(t)
			want := entry("fp-1", time.Now().Truncate(time.Millisecond))
			if err := s.Put(ctx, want); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, err := s.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("entries = %d", len(got))
			}
			e := got[0]
			if e.Fingerprint != want.Fingerprint || e.Prompt != want.Prompt || e.Response != want.Response {
				t.Errorf("round trip mismatch: %+v", e)
			}
			if e.Usage != want.Usage || e.Tier != want.Tier || e.HitCount != want.HitCount {
				t.Errorf("metadata mismatch: %+v", e)
			}
		})

		t.Run("put replaces same fingerprint", func(t *testing.T) {
			s := open(t)
			first := entry("fp-dup", time.Now())
			if err := s.Put(ctx, first); err != nil {
				t.Fatal(err)
			}
			updated := entry("fp-dup", time.Now())
			updated.Response = "newer response"
			if err := s.Put(ctx, updated); err != nil {
				t.Fatal(err)
			}

			got, err := s.LoadAll(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Response != "newer response" {
				t.Errorf("replacement failed: %+v", got)
			}
		})

		t.Run("loads oldest first", func(t *testing.T) {
			s := open(t)
			now := time.Now()
			_ = s.Put(ctx, entry("fp-new", now))
			_ = s.Put(ctx, entry("fp-old", now.Add(-time.Hour)))

			got, err := s.LoadAll(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].Fingerprint != "fp-old" {
				t.Errorf("order = %v", []cache.Fingerprint{got[0].Fingerprint, got[1].Fingerprint})
			}
		})

		t.Run("reset empties the store", func(t *testing.T) {
			s := open(t)
			_ = s.Put(ctx, entry("fp-x", time.Now()))
			if err := s.Reset(ctx); err != nil {
				t.Fatalf("Reset: %v", err)
			}
			got, err := s.LoadAll(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 0 {
				t.Errorf("entries after reset = %d", len(got))
			}
		})
	})
}

func TestStores(t *testing.T) {
	storeUnderTest(t, "memory", func(t *testing.T) cache.Store {
		return NewMemStore()
	})

	storeUnderTest(t, "sqlite", func(t *testing.T) cache.Store {
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestCacheWarmsFromSQLite(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.db"

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	key := cache.Key{Prompt: "persisted prompt", ModelID: "m-cheap", Tier: model.TierCheap}
	if err := s.Put(context.Background(), &cache.Entry{
		Fingerprint: key.Fingerprint(),
		Prompt:      "persisted prompt",
		Response:    "persisted response",
		ModelID:     "m-cheap",
		Tier:        model.TierCheap,
		CreatedAt:   time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh process opens the store and starts warm.
	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	c := cache.New(cache.Options{Store: reopened})
	entry, kind, err := c.GetOrCompute(context.Background(), key, func(context.Context) (*cache.Entry, error) {
		t.Fatal("warm cache must not rebuild")
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if kind != cache.HitExact {
		t.Errorf("kind = %q, want exact hit from warmed entry", kind)
	}
	if entry.Response != "persisted response" {
		t.Errorf("response = %q", entry.Response)
	}
}
