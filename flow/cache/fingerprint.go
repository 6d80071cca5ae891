// Package cache short-circuits identical or near-identical LLM calls and
// coalesces concurrent identical misses into a single upstream call.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/dshills/tierflow-go/flow/model"
)

// Fingerprint is the stable hash identifying a cacheable prompt dispatch.
type Fingerprint string

// Key is the canonical tuple a fingerprint is derived from.
//
// Sampling parameters are bucketed before hashing so near-identical requests
// land on the same entry: temperature and top_p to two decimals, max_tokens
// to the nearest 256.
type Key struct {
	Prompt      string
	System      string
	ModelID     string
	Tier        model.Tier
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Fingerprint computes the SHA-256 fingerprint of the canonical tuple.
//
// The prompt is normalized first, so fp(canonical(p)) == fp(canonical(canonical(p))).
func (k Key) Fingerprint() Fingerprint {
	h := sha256.New()
	// Unit separator between fields prevents boundary ambiguity.
	const sep = "\x1f"
	h.Write([]byte(Normalize(k.Prompt)))
	h.Write([]byte(sep))
	h.Write([]byte(k.System))
	h.Write([]byte(sep))
	h.Write([]byte(k.ModelID))
	h.Write([]byte(sep))
	h.Write([]byte(k.Tier.String()))
	h.Write([]byte(sep))
	fmt.Fprintf(h, "%.2f%s%.2f%s%d", bucket2(k.Temperature), sep, bucket2(k.TopP), sep, bucketTokens(k.MaxTokens))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Normalize canonicalizes prompt text for fingerprinting: runs of whitespace
// collapse to a single space and trailing newlines are stripped. Nothing
// else changes, so semantically distinct prompts stay distinct.
func Normalize(s string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
		default:
			b.WriteRune(r)
			inSpace = false
		}
	}
	return b.String()
}

// bucket2 rounds to two decimals.
func bucket2(v float64) float64 {
	return math.Round(v*100) / 100
}

// bucketTokens rounds to the nearest 256 tokens.
func bucketTokens(n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Round(float64(n)/256) * 256)
}
