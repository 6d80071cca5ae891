// Package store provides persistent backends for the response cache.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dshills/tierflow-go/flow/cache"
	"github.com/dshills/tierflow-go/flow/model"
)

// SQLiteStore is a SQLite implementation of cache.Store.
//
// It persists cached responses in a single-file database so a restarted
// process starts with a warm cache. Designed for:
//   - Development and single-process deployments with zero setup
//   - Local workflows where re-paying cold-cache cost matters
//
// Uses WAL mode for concurrent reads and transactional writes.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./cache.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//	c := cache.New(cache.Options{Store: st})
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the cache database at path.
// Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			fingerprint TEXT NOT NULL PRIMARY KEY,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			model_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create cache_entries table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_cache_created ON cache_entries(created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_cache_created: %w", err)
	}
	return nil
}

// Put implements cache.Store.
func (s *SQLiteStore) Put(ctx context.Context, e *cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries
			(fingerprint, prompt, response, input_tokens, output_tokens, model_id, tier, hit_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			prompt = excluded.prompt,
			response = excluded.response,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			model_id = excluded.model_id,
			tier = excluded.tier,
			hit_count = excluded.hit_count,
			created_at = excluded.created_at
	`,
		string(e.Fingerprint), e.Prompt, e.Response,
		e.Usage.InputTokens, e.Usage.OutputTokens,
		e.ModelID, e.Tier.String(), e.HitCount, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist cache entry: %w", err)
	}
	return nil
}

// LoadAll implements cache.Store, returning entries oldest first.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, prompt, response, input_tokens, output_tokens, model_id, tier, hit_count, created_at
		FROM cache_entries
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*cache.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reset implements cache.Store.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("failed to reset cache entries: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*cache.Entry, error) {
	var (
		fp, prompt, response, modelID, tierName string
		inTok, outTok                           int
		hits                                    int64
		createdAt                               time.Time
	)
	if err := row.Scan(&fp, &prompt, &response, &inTok, &outTok, &modelID, &tierName, &hits, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan cache entry: %w", err)
	}
	tier, err := model.ParseTier(tierName)
	if err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", fp, err)
	}
	return &cache.Entry{
		Fingerprint: cache.Fingerprint(fp),
		Prompt:      prompt,
		Response:    response,
		Usage:       model.Usage{InputTokens: inTok, OutputTokens: outTok},
		ModelID:     modelID,
		Tier:        tier,
		HitCount:    hits,
		CreatedAt:   createdAt,
	}, nil
}
