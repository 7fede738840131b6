package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/embed"
	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/vecstore"
)

const testDims = 8

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestIndexer(t *testing.T, project string) (*Indexer, *vecstore.DB) {
	t.Helper()
	db, err := vecstore.Open(t.TempDir(), testDims, vecstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ix := New(db, embed.NewStaticEmbedder(testDims), nil, Options{
		ProjectPath: project,
		Config:      config.NewConfig(),
	})
	return ix, db
}

func seedProject(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, dir, "cmd/main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, dir, "internal/server.go", "package internal\n\nfunc Serve() {}\n")
	writeFile(t, dir, "docs/guide.md", "# Guide\n\nIntro.\n\n## Setup\n\nRun the thing.\n")
	writeFile(t, dir, "node_modules/pkg/index.js", "module.exports = 1\n")
	writeFile(t, dir, "go.sum", "example.com v1.0.0 h1:abc\n")
	writeFile(t, dir, "notes.txt", "not indexable\n")
}

func TestRun_IndexesCodeAndDocs(t *testing.T) {
	project := t.TempDir()
	seedProject(t, project)
	ix, db := newTestIndexer(t, project)

	var statuses []FileStatus
	ix.onProgress = func(path string, status FileStatus) {
		statuses = append(statuses, status)
	}

	summary, err := ix.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.GreaterOrEqual(t, summary.Excluded, 2) // go.sum, notes.txt
	assert.NotEmpty(t, statuses)

	fileTable, err := db.Table(vecstore.TableFileEmbeddings)
	require.NoError(t, err)
	codeCount, err := fileTable.CountRows(context.Background(), vecstore.Filter{
		ProjectPath: project,
		RecordType:  RecordTypeCode,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), codeCount)

	chunkTable, err := db.Table(vecstore.TableDocumentChunks)
	require.NoError(t, err)
	chunkCount, err := chunkTable.CountRows(context.Background(), vecstore.Filter{
		ProjectPath: project,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, chunkCount, int64(1))
}

func TestRun_WritesStructureRecord(t *testing.T) {
	project := t.TempDir()
	seedProject(t, project)
	ix, db := newTestIndexer(t, project)

	_, err := ix.Run(context.Background())
	require.NoError(t, err)

	fileTable, err := db.Table(vecstore.TableFileEmbeddings)
	require.NoError(t, err)
	hits, err := fileTable.HybridSearch(context.Background(), vecstore.Query{
		Text: "main",
		Filter: vecstore.Filter{
			ProjectPath: project,
			RecordType:  vecstore.RecordTypeStructure,
		},
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, StructurePath, hits[0].Path)
	assert.Contains(t, hits[0].Content, "cmd/")
	assert.Contains(t, hits[0].Content, "guide.md")
}

func TestRun_SkipsUnchangedFiles(t *testing.T) {
	project := t.TempDir()
	seedProject(t, project)
	ix, _ := newTestIndexer(t, project)

	first, err := ix.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, first.Processed)

	second, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 3, second.Skipped)
}

func TestRun_ReindexesChangedFile(t *testing.T) {
	project := t.TempDir()
	seedProject(t, project)
	ix, db := newTestIndexer(t, project)

	_, err := ix.Run(context.Background())
	require.NoError(t, err)

	writeFile(t, project, "cmd/main.go", "package main\n\nfunc main() { println(1) }\n")
	summary, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Skipped)

	// The old row for the path is gone: exactly one row per path.
	fileTable, err := db.Table(vecstore.TableFileEmbeddings)
	require.NoError(t, err)
	count, err := fileTable.CountRows(context.Background(), vecstore.Filter{
		ProjectPath: project,
		Path:        "cmd/main.go",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// And the surviving row carries the new content.
	row, err := fileTable.First(context.Background(), vecstore.Filter{
		ProjectPath: project,
		Path:        "cmd/main.go",
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Contains(t, row.Content, "println(1)")
}

func TestRun_ExcludesBinaryContent(t *testing.T) {
	project := t.TempDir()
	writeFile(t, project, "blob.go", "package x\n\x00\x01\x02")
	ix, _ := newTestIndexer(t, project)

	summary, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, summary.Excluded)
}

func TestRun_FailsFastWhenLockHeld(t *testing.T) {
	project := t.TempDir()
	seedProject(t, project)
	ix, db := newTestIndexer(t, project)

	held := flock.New(filepath.Join(db.Dir(), lockFileName))
	acquired, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, acquired)
	defer func() { _ = held.Unlock() }()

	_, err = ix.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockHeld))
}

func TestClear(t *testing.T) {
	project := t.TempDir()
	seedProject(t, project)
	ix, _ := newTestIndexer(t, project)

	_, err := ix.Run(context.Background())
	require.NoError(t, err)

	deleted, err := ix.Clear(context.Background(), false)
	require.NoError(t, err)
	assert.Greater(t, deleted, int64(0))

	stats, err := ix.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[vecstore.TableFileEmbeddings])
	assert.Equal(t, int64(0), stats[vecstore.TableDocumentChunks])
}

func TestStats_MissingTablesReportZero(t *testing.T) {
	project := t.TempDir()
	ix, _ := newTestIndexer(t, project)

	stats, err := ix.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[vecstore.TablePRComments])
}
