package undo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tungmaiv/lumikb-client/internal/domain/models"
)

// Store is the durable mirror of the undo buffer: one snapshot per chat
// surface, written on capture, deleted on consumption or expiry. It is what
// lets the undo window survive a process restart.
type Store interface {
	Save(ctx context.Context, surfaceID string, snap models.UndoSnapshot) error
	Load(ctx context.Context, surfaceID string) (*models.UndoSnapshot, error)
	Delete(ctx context.Context, surfaceID string) error
	Close() error
}

// SQLiteStore implements Store using modernc.org/sqlite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the client-local database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	// WAL keeps the countdown reads cheap while captures are written
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS undo_snapshots (
			surface_id  TEXT PRIMARY KEY,
			turns       TEXT NOT NULL,
			captured_at DATETIME NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With("component", "undo_store"),
	}
	s.logger.Debug("undo store opened", "path", path)
	return s, nil
}

// Save writes the snapshot for a surface, replacing any previous one
func (s *SQLiteStore) Save(ctx context.Context, surfaceID string, snap models.UndoSnapshot) error {
	turns, err := json.Marshal(snap.Turns)
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO undo_snapshots (surface_id, turns, captured_at, ttl_seconds)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(surface_id) DO UPDATE SET
			turns = excluded.turns,
			captured_at = excluded.captured_at,
			ttl_seconds = excluded.ttl_seconds`,
		surfaceID, string(turns), snap.CapturedAt.UTC().Format(time.RFC3339Nano), snap.TTLSeconds,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot for a surface. Returns (nil, nil) when absent.
func (s *SQLiteStore) Load(ctx context.Context, surfaceID string) (*models.UndoSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT turns, captured_at, ttl_seconds
		FROM undo_snapshots WHERE surface_id = ?`, surfaceID)

	var (
		turnsJSON  string
		capturedAt string
		ttlSeconds int
	)
	if err := row.Scan(&turnsJSON, &capturedAt, &ttlSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap := &models.UndoSnapshot{TTLSeconds: ttlSeconds}
	if err := json.Unmarshal([]byte(turnsJSON), &snap.Turns); err != nil {
		return nil, fmt.Errorf("deserialize snapshot: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, capturedAt)
	if err != nil {
		return nil, fmt.Errorf("parse capture time: %w", err)
	}
	snap.CapturedAt = ts

	return snap, nil
}

// Delete removes the snapshot for a surface. Deleting an absent row is not
// an error - expiry and consumption race benignly.
func (s *SQLiteStore) Delete(ctx context.Context, surfaceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM undo_snapshots WHERE surface_id = ?`, surfaceID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
