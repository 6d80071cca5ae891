package cache

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dshills/tierflow-go/flow/model"
)

// Embedder produces embedding vectors for semantic cache lookups.
//
// Hybrid cache mode is enabled by injecting an implementation; there is no
// conditional wiring inside the cache itself. An embedder that errors causes
// a silent degradation to hash-only lookups.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// semanticIndex is a brute-force cosine index over cached prompt embeddings.
//
// Entry counts are bounded by the LRU byte cap, so linear scan is adequate;
// a vector-index service is explicitly out of scope.
type semanticIndex struct {
	mu        sync.RWMutex
	embedder  Embedder
	threshold float64
	ageLimit  time.Duration
	vectors   map[Fingerprint]semanticRecord
}

type semanticRecord struct {
	vector    []float32
	modelID   string
	tier      model.Tier
	createdAt time.Time
}

func newSemanticIndex(e Embedder, threshold float64, ageLimit time.Duration) *semanticIndex {
	if threshold <= 0 {
		threshold = 0.92
	}
	if ageLimit <= 0 {
		ageLimit = 7 * 24 * time.Hour
	}
	return &semanticIndex{
		embedder:  e,
		threshold: threshold,
		ageLimit:  ageLimit,
		vectors:   make(map[Fingerprint]semanticRecord),
	}
}

func (s *semanticIndex) embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.Embed(ctx, text)
}

// indexEntry embeds and indexes a newly admitted entry. Embedding failures
// just leave the entry out of the semantic index; exact lookups still work.
func (s *semanticIndex) indexEntry(e *Entry) {
	vec, err := s.embedder.Embed(context.Background(), e.Prompt)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.vectors[e.Fingerprint] = semanticRecord{
		vector:    vec,
		modelID:   e.ModelID,
		tier:      e.Tier,
		createdAt: e.CreatedAt,
	}
	s.mu.Unlock()
}

// nearest returns the fingerprint of the closest indexed entry with cosine
// similarity at or above the threshold, restricted to the same model and
// tier and to entries younger than the age limit.
func (s *semanticIndex) nearest(query []float32, modelID string, tier model.Tier) (Fingerprint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-s.ageLimit)
	var bestFP Fingerprint
	bestSim := s.threshold
	found := false

	for fp, rec := range s.vectors {
		if rec.modelID != modelID || rec.tier != tier {
			continue
		}
		if rec.createdAt.Before(cutoff) {
			continue
		}
		sim := cosine(query, rec.vector)
		if sim > bestSim || (!found && sim == bestSim) {
			bestFP = fp
			bestSim = sim
			found = true
		}
	}
	return bestFP, found
}

func (s *semanticIndex) remove(fp Fingerprint) {
	s.mu.Lock()
	delete(s.vectors, fp)
	s.mu.Unlock()
}

func (s *semanticIndex) reset() {
	s.mu.Lock()
	s.vectors = make(map[Fingerprint]semanticRecord)
	s.mu.Unlock()
}

// cosine computes cosine similarity between two vectors. Mismatched lengths
// or zero vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
