package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dshills/tierflow-go/flow/cache"
)

// MySQLStore is a MySQL implementation of cache.Store.
//
// Use it when several processes on one host should share a warm response
// cache. Each process still holds its own in-memory LRU; MySQL is the
// write-through durability layer they warm from.
//
// DSN format follows go-sql-driver/mysql, e.g.
// "user:pass@tcp(localhost:3306)/tierflow?parseTime=true". parseTime=true is
// required so created_at scans into time.Time.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewMySQLStore connects to MySQL and ensures the schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			fingerprint VARCHAR(64) NOT NULL PRIMARY KEY,
			prompt MEDIUMTEXT NOT NULL,
			response MEDIUMTEXT NOT NULL,
			input_tokens INT NOT NULL,
			output_tokens INT NOT NULL,
			model_id VARCHAR(128) NOT NULL,
			tier VARCHAR(16) NOT NULL,
			hit_count BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME(3) NOT NULL,
			INDEX idx_cache_created (created_at)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create cache_entries table: %w", err)
	}
	return nil
}

// Put implements cache.Store.
func (s *MySQLStore) Put(ctx context.Context, e *cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries
			(fingerprint, prompt, response, input_tokens, output_tokens, model_id, tier, hit_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			prompt = VALUES(prompt),
			response = VALUES(response),
			input_tokens = VALUES(input_tokens),
			output_tokens = VALUES(output_tokens),
			model_id = VALUES(model_id),
			tier = VALUES(tier),
			hit_count = VALUES(hit_count),
			created_at = VALUES(created_at)
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
func (s *MySQLStore) LoadAll(ctx context.Context) ([]*cache.Entry, error) {
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
func (s *MySQLStore) Reset(ctx context.Context) error {
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
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
