// Package store keeps the history of completed exchanges in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so created_at sorts as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultLimit is used by Recent when limit is not positive.
const DefaultLimit = 50

// Exchange is one prompt and the reply generated for it.
type Exchange struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"` // "chat" or "completion"
	Model      string    `json:"model"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	Tokens     int64     `json:"tokens"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// SQLiteStore is a history store backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating when needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serialises writers anyway and an in-memory
	// database is per connection.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_created_at ON exchanges(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append stores ex, filling in ID and CreatedAt when unset.
func (s *SQLiteStore) Append(ctx context.Context, ex Exchange) (Exchange, error) {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	ex.CreatedAt = ex.CreatedAt.UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (id, kind, model, prompt, response, tokens, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ex.ID, ex.Kind, ex.Model, ex.Prompt, ex.Response, ex.Tokens, ex.DurationMs,
		ex.CreatedAt.Format(timeFormat))
	if err != nil {
		return Exchange{}, fmt.Errorf("insert exchange: %w", err)
	}
	return ex, nil
}

// Recent returns up to limit exchanges, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, model, prompt, response, tokens, duration_ms, created_at
		FROM exchanges
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	out := []Exchange{}
	for rows.Next() {
		var ex Exchange
		var created string
		if err := rows.Scan(&ex.ID, &ex.Kind, &ex.Model, &ex.Prompt, &ex.Response,
			&ex.Tokens, &ex.DurationMs, &created); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.CreatedAt, err = time.Parse(timeFormat, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", created, err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return out, nil
}
