// Package state persists run bookkeeping inside records.db: embedding run
// history, PR crawl cursors, and a small meta KV. It shares the vector
// store's connection and never opens its own.
package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// SchemaVersion is written to the meta table on init.
const SchemaVersion = "1"

// Store reads and writes run state over a shared database handle.
type Store struct {
	db *sql.DB
}

// New creates a Store over the shared records.db handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the state tables and records the schema version.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS embedding_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			scanned INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			excluded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			dims INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS crawl_state (
			repository TEXT PRIMARY KEY,
			last_pr_number INTEGER NOT NULL DEFAULT 0,
			last_updated_at TEXT NOT NULL DEFAULT '',
			comment_count INTEGER NOT NULL DEFAULT 0,
			finished INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(errors.ErrCodeDBQuery, err, "create state tables")
		}
	}
	return s.SetMeta(ctx, "schema_version", SchemaVersion)
}

// EmbeddingRun is one completed indexing run.
type EmbeddingRun struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Scanned    int
	Processed  int
	Skipped    int
	Excluded   int
	Failed     int
	Model      string
	Dims       int
}

// RecordRun appends an embedding run and returns its id.
func (s *Store) RecordRun(ctx context.Context, run *EmbeddingRun) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_runs
			(started_at, finished_at, scanned, processed, skipped, excluded, failed, model, dims)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		run.Scanned, run.Processed, run.Skipped, run.Excluded, run.Failed,
		run.Model, run.Dims)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeDBQuery, err, "record embedding run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrapf(errors.ErrCodeDBQuery, err, "embedding run id")
	}
	return id, nil
}

// LastRun returns the most recent embedding run, or nil when none exist.
func (s *Store) LastRun(ctx context.Context) (*EmbeddingRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, scanned, processed, skipped, excluded, failed, model, dims
		FROM embedding_runs ORDER BY id DESC LIMIT 1`)

	var run EmbeddingRun
	var started, finished string
	err := row.Scan(&run.ID, &started, &finished, &run.Scanned, &run.Processed,
		&run.Skipped, &run.Excluded, &run.Failed, &run.Model, &run.Dims)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "load last run")
	}
	run.StartedAt, _ = time.Parse(time.RFC3339, started)
	run.FinishedAt, _ = time.Parse(time.RFC3339, finished)
	return &run, nil
}

// CrawlState is the resume cursor for one repository's PR crawl.
type CrawlState struct {
	Repository    string
	LastPRNumber  int
	LastUpdatedAt string
	CommentCount  int
	Finished      bool
	UpdatedAt     time.Time
}

// CrawlCursor returns the crawl state for a repository, or nil when the
// repository has never been crawled.
func (s *Store) CrawlCursor(ctx context.Context, repository string) (*CrawlState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repository, last_pr_number, last_updated_at, comment_count, finished, updated_at
		FROM crawl_state WHERE repository = ?`, repository)

	var cs CrawlState
	var finished int
	var updated string
	err := row.Scan(&cs.Repository, &cs.LastPRNumber, &cs.LastUpdatedAt,
		&cs.CommentCount, &finished, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "load crawl state")
	}
	cs.Finished = finished != 0
	cs.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &cs, nil
}

// SaveCrawlCursor upserts the crawl state for a repository.
func (s *Store) SaveCrawlCursor(ctx context.Context, cs *CrawlState) error {
	finished := 0
	if cs.Finished {
		finished = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_state
			(repository, last_pr_number, last_updated_at, comment_count, finished, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository) DO UPDATE SET
			last_pr_number = excluded.last_pr_number,
			last_updated_at = excluded.last_updated_at,
			comment_count = excluded.comment_count,
			finished = excluded.finished,
			updated_at = excluded.updated_at`,
		cs.Repository, cs.LastPRNumber, cs.LastUpdatedAt, cs.CommentCount,
		finished, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "save crawl state")
	}
	return nil
}

// ClearCrawlCursor removes the crawl state for a repository.
func (s *Store) ClearCrawlCursor(ctx context.Context, repository string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM crawl_state WHERE repository = ?", repository)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "clear crawl state")
	}
	return nil
}

// SetMeta writes a meta key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "set meta %s", key)
	}
	return nil
}

// GetMeta reads a meta key; missing keys return the empty string.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(errors.ErrCodeDBQuery, err, "get meta %s", key)
	}
	return value, nil
}
