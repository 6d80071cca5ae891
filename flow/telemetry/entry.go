// Package telemetry records every provider-bound call to a local append-only
// JSON-lines ledger powering cost and savings analytics.
//
// The ledger captures dispatch metadata only: no prompts, no responses, no
// file paths. A user identifier, when configured, is stored solely as a
// truncated SHA-256 hash.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is written into every entry's "v" field.
const SchemaVersion = "1.0"

// Time wraps time.Time with the ledger's wire format: UTC RFC 3339 with
// millisecond precision, e.g. "2026-01-08T10:23:45.123Z".
type Time struct {
	time.Time
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(timeLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting any RFC 3339 string.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid telemetry timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// TokenCounts carries input/output token totals for one call.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// CacheInfo records whether and how the cache satisfied the call.
type CacheInfo struct {
	Hit  bool   `json:"hit"`
	Kind string `json:"kind,omitempty"`
}

// Entry is one ledger line.
//
// Entries are immutable once written; the only deletion path is retention
// cleanup of whole rotated files. Cost is serialized as a decimal in the
// canonical currency unit; internal arithmetic stays in integer micro-units.
type Entry struct {
	Version    string      `json:"v"`
	TS         Time        `json:"ts"`
	Workflow   string      `json:"workflow"`
	Stage      string      `json:"stage"`
	Tier       string      `json:"tier"`
	Model      string      `json:"model"`
	Provider   string      `json:"provider"`
	Cost       float64     `json:"cost"`
	Tokens     TokenCounts `json:"tokens"`
	Cache      CacheInfo   `json:"cache"`
	DurationMS int64       `json:"duration_ms"`
	UserID     string      `json:"user_id,omitempty"`
}

// CostMicros recovers the integer micro-unit cost from the serialized
// decimal. Exact for any value that was produced from micros.
func (e Entry) CostMicros() int64 {
	return int64(e.Cost*1_000_000 + 0.5)
}

// Validate checks the fields every entry must carry.
func (e Entry) Validate() error {
	if e.Version == "" {
		return fmt.Errorf("telemetry entry missing schema version")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("telemetry entry missing timestamp")
	}
	if e.Workflow == "" || e.Stage == "" {
		return fmt.Errorf("telemetry entry missing workflow/stage")
	}
	if e.Cost < 0 {
		return fmt.Errorf("telemetry entry has negative cost")
	}
	if e.Cache.Hit && e.Cost != 0 {
		return fmt.Errorf("cache hit entry must have zero cost")
	}
	return nil
}

// HashUserID derives the privacy-preserving user identifier stored in
// entries: SHA-256 hex truncated to 16 characters. Empty input stays empty.
func HashUserID(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:16]
}
