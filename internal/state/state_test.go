package state

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestInit_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init(context.Background()))

	version, err := s.GetMeta(context.Background(), "schema_version")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}

func TestRecordRun_AndLastRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	first := &EmbeddingRun{
		StartedAt: started, FinishedAt: started.Add(time.Minute),
		Scanned: 100, Processed: 80, Skipped: 15, Excluded: 4, Failed: 1,
		Model: "all-minilm", Dims: 384,
	}
	id1, err := s.RecordRun(ctx, first)
	require.NoError(t, err)
	assert.Greater(t, id1, int64(0))

	second := &EmbeddingRun{
		StartedAt: started.Add(time.Hour), FinishedAt: started.Add(time.Hour + time.Minute),
		Scanned: 100, Processed: 2, Skipped: 98,
		Model: "all-minilm", Dims: 384,
	}
	id2, err := s.RecordRun(ctx, second)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	last, err = s.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, id2, last.ID)
	assert.Equal(t, 2, last.Processed)
	assert.Equal(t, 98, last.Skipped)
	assert.Equal(t, started.Add(time.Hour), last.StartedAt)
}

func TestCrawlCursor_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cursor, err := s.CrawlCursor(ctx, "owner/repo")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	require.NoError(t, s.SaveCrawlCursor(ctx, &CrawlState{
		Repository:    "owner/repo",
		LastPRNumber:  42,
		LastUpdatedAt: "2026-08-20T12:00:00Z",
		CommentCount:  17,
	}))

	cursor, err = s.CrawlCursor(ctx, "owner/repo")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, 42, cursor.LastPRNumber)
	assert.Equal(t, 17, cursor.CommentCount)
	assert.False(t, cursor.Finished)
	assert.False(t, cursor.UpdatedAt.IsZero())

	// Upsert replaces in place.
	require.NoError(t, s.SaveCrawlCursor(ctx, &CrawlState{
		Repository:   "owner/repo",
		LastPRNumber: 50,
		CommentCount: 30,
		Finished:     true,
	}))
	cursor, err = s.CrawlCursor(ctx, "owner/repo")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, 50, cursor.LastPRNumber)
	assert.True(t, cursor.Finished)

	// Cursors are per repository.
	other, err := s.CrawlCursor(ctx, "owner/other")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestClearCrawlCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCrawlCursor(ctx, &CrawlState{Repository: "owner/repo", LastPRNumber: 7}))
	require.NoError(t, s.ClearCrawlCursor(ctx, "owner/repo"))

	cursor, err := s.CrawlCursor(ctx, "owner/repo")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetMeta(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, "", missing)

	require.NoError(t, s.SetMeta(ctx, "k", "v1"))
	require.NoError(t, s.SetMeta(ctx, "k", "v2"))

	got, err := s.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}
