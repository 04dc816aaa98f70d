package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"
)

// SQLiteProvider stores documents in a single SQLite table.
type SQLiteProvider struct {
	path string
	conn *sql.DB
}

var _ Backend = (*SQLiteProvider)(nil)

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "forecaster.db", "Database file for the sqlite storage provider")

	s := &SQLiteProvider{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// NewSQLiteProvider opens (or creates) the database at path.
func NewSQLiteProvider(ctx context.Context, path string) (*SQLiteProvider, error) {
	s := &SQLiteProvider{path: path}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Init opens the database and creates the schema.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	conn, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	// a single connection serializes writers
	conn.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, name)
	);
	`
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return fmt.Errorf("initializing schema: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *SQLiteProvider) GetDocument(ctx context.Context, kind, name string) ([]byte, error) {
	var data string
	err := s.conn.QueryRowContext(ctx, `SELECT json FROM documents WHERE kind = ? AND name = ?`, kind, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s/%s: %w", kind, name, err)
	}
	return []byte(data), nil
}

func (s *SQLiteProvider) SetDocument(ctx context.Context, kind, name string, data []byte, version int) error {
	query := `
	INSERT INTO documents (kind, name, version, json, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (kind, name) DO UPDATE SET
		version = excluded.version,
		json = excluded.json,
		updated_at = excluded.updated_at
	`
	updatedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.conn.ExecContext(ctx, query, kind, name, version, string(data), updatedAt); err != nil {
		return fmt.Errorf("saving %s/%s: %w", kind, name, err)
	}
	return nil
}

func (s *SQLiteProvider) DeleteDocuments(ctx context.Context, kind string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM documents WHERE kind = ?`, kind); err != nil {
		return fmt.Errorf("deleting %s documents: %w", kind, err)
	}
	return nil
}

func (s *SQLiteProvider) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
