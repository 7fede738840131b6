// Package indexer walks a project, filters files through the exclusion
// pipeline, embeds their content, and upserts the rows into the vector
// store. It backs the `embeddings generate|clear|stats` commands.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/embed"
	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/gitx"
	"github.com/reviewloop/reviewloop/internal/mdchunk"
	"github.com/reviewloop/reviewloop/internal/vecstore"
)

// RecordTypeCode marks whole-file code rows in file_embeddings.
const RecordTypeCode = "code"

// lockFileName is the per-store writer lock.
const lockFileName = ".lock"

// FileStatus is the per-file outcome reported through the progress
// callback.
type FileStatus string

// File outcomes.
const (
	StatusProcessed FileStatus = "processed"
	StatusSkipped   FileStatus = "skipped"
	StatusExcluded  FileStatus = "excluded"
	StatusFailed    FileStatus = "failed"
)

// ProgressFunc receives one callback per scanned file.
type ProgressFunc func(path string, status FileStatus)

// Summary reports one indexing run.
type Summary struct {
	Scanned   int
	Processed int
	Skipped   int
	Excluded  int
	Failed    int
	Duration  time.Duration
}

// Indexer indexes one project into its vector store.
type Indexer struct {
	db       *vecstore.DB
	embedder embed.Embedder
	git      *gitx.Client
	cfg      *config.Config

	projectPath string
	onProgress  ProgressFunc
}

// Options configures an Indexer.
type Options struct {
	// ProjectPath is the absolute project root.
	ProjectPath string
	// Config supplies index and embedding settings; nil uses defaults.
	Config *config.Config
	// OnProgress receives per-file status callbacks; nil disables them.
	OnProgress ProgressFunc
}

// New creates an Indexer. git may be nil when the project is not a
// repository; the check-ignore stage then becomes a no-op.
func New(db *vecstore.DB, embedder embed.Embedder, git *gitx.Client, opts Options) *Indexer {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &Indexer{
		db:          db,
		embedder:    embedder,
		git:         git,
		cfg:         cfg,
		projectPath: opts.ProjectPath,
		onProgress:  opts.OnProgress,
	}
}

func (ix *Indexer) progress(path string, status FileStatus) {
	if ix.onProgress != nil {
		ix.onProgress(path, status)
	}
}

// candidate is a file that survived the walk-time pipeline stages.
type candidate struct {
	relPath string
	absPath string
	modTime time.Time
}

// unit is the embed-and-upsert work for one file.
type unit struct {
	relPath string
	table   string
	rows    []*vecstore.Row
	texts   []string
}

// Run indexes the project. A second concurrent writer on the same store
// fails fast with ERR_215.
func (ix *Indexer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	lock := flock.New(filepath.Join(ix.db.Dir(), lockFileName))
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeFilePermission, err, "acquire index lock")
	}
	if !acquired {
		return nil, errors.New(errors.ErrCodeLockHeld,
			"another indexing run holds the store lock", nil).
			WithSuggestion("wait for the other run to finish, or remove a stale " + lockFileName)
	}
	defer func() { _ = lock.Unlock() }()

	fileTable, err := ix.db.CreateTable(vecstore.TableFileEmbeddings)
	if err != nil {
		return nil, err
	}
	chunkTable, err := ix.db.CreateTable(vecstore.TableDocumentChunks)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}

	candidates, err := ix.scan(ctx, summary)
	if err != nil {
		return nil, err
	}
	candidates, err = ix.dropGitIgnored(ctx, candidates, summary)
	if err != nil {
		return nil, err
	}

	units, indexedPaths := ix.readAll(ctx, candidates, fileTable, chunkTable, summary)

	if err := ix.embedAndUpsert(ctx, units, fileTable, chunkTable, summary); err != nil {
		return nil, err
	}

	if err := ix.writeStructure(ctx, fileTable, indexedPaths); err != nil {
		slog.Warn("failed to write project structure record",
			slog.String("error", err.Error()))
	}

	for _, t := range []*vecstore.Table{fileTable, chunkTable} {
		if err := t.Optimize(ctx); err != nil {
			if errors.IsCode(err, errors.ErrCodeLegacyVectors) {
				slog.Warn("stale-width vectors skipped during optimize",
					slog.String("table", t.Name()),
					slog.String("error", err.Error()))
				continue
			}
			return nil, err
		}
	}

	summary.Duration = time.Since(start)
	slog.Info("indexing complete",
		slog.Int("scanned", summary.Scanned),
		slog.Int("processed", summary.Processed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("excluded", summary.Excluded),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", summary.Duration))
	return summary, nil
}

// scan walks the project under the scan deadline and applies the local
// filter stages.
func (ix *Indexer) scan(ctx context.Context, summary *Summary) ([]candidate, error) {
	filter, err := NewFilter(ix.cfg.Index.MaxFileBytes, ix.cfg.Index.MaxDocBytes,
		ix.cfg.Paths.Include, ix.cfg.Paths.Exclude)
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, ix.cfg.ScanTimeout())
	defer cancel()

	var candidates []candidate
	walkErr := filepath.WalkDir(ix.projectPath, func(path string, d fs.DirEntry, err error) error {
		if scanCtx.Err() != nil {
			return scanCtx.Err()
		}
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}

		if d.IsDir() {
			if path != ix.projectPath && filter.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(ix.projectPath, path)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		info, err := d.Info()
		if err != nil {
			return nil
		}

		summary.Scanned++
		if reason := filter.Check(relPath, info.Size()); reason != ExcludeNone {
			summary.Excluded++
			ix.progress(relPath, StatusExcluded)
			return nil
		}
		candidates = append(candidates, candidate{
			relPath: relPath,
			absPath: path,
			modTime: info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		if scanCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Newf(errors.ErrCodeTimeout,
				"project scan exceeded %s", ix.cfg.ScanTimeout())
		}
		return nil, errors.Wrapf(errors.ErrCodeFileNotFound, walkErr, "scan %s", ix.projectPath)
	}
	return candidates, nil
}

// dropGitIgnored batches all survivors through git check-ignore.
// Outside a repository this is a no-op.
func (ix *Indexer) dropGitIgnored(ctx context.Context, candidates []candidate, summary *Summary) ([]candidate, error) {
	if ix.git == nil || len(candidates) == 0 || !ix.git.IsRepo(ctx) {
		return candidates, nil
	}

	paths := make([]string, len(candidates))
	for i, c := range candidates {
		paths[i] = c.relPath
	}
	ignored, err := ix.git.CheckIgnore(ctx, paths)
	if err != nil {
		slog.Warn("git check-ignore failed, keeping all candidates",
			slog.String("error", err.Error()))
		return candidates, nil
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if ignored[c.relPath] {
			summary.Excluded++
			ix.progress(c.relPath, StatusExcluded)
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// readAll reads and prepares candidates on a worker pool. Unchanged files
// are skipped by id; changed files have their previous rows deleted.
// Returns the embed units and the relative paths that are (or stay)
// indexed, for the structure record.
func (ix *Indexer) readAll(ctx context.Context, candidates []candidate, fileTable, chunkTable *vecstore.Table, summary *Summary) ([]unit, []string) {
	var mu sync.Mutex
	var units []unit
	var indexedPaths []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Index.Workers)

	for _, c := range candidates {
		g.Go(func() error {
			u, status := ix.readOne(gctx, c, fileTable, chunkTable)

			mu.Lock()
			defer mu.Unlock()
			switch status {
			case StatusProcessed:
				units = append(units, *u)
				indexedPaths = append(indexedPaths, c.relPath)
			case StatusSkipped:
				summary.Skipped++
				indexedPaths = append(indexedPaths, c.relPath)
			case StatusFailed:
				summary.Failed++
			case StatusExcluded:
				summary.Excluded++
			}
			ix.progress(c.relPath, status)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(units, func(i, j int) bool { return units[i].relPath < units[j].relPath })
	sort.Strings(indexedPaths)
	return units, indexedPaths
}

// readOne reads, sniffs, hashes, and converts one file into rows.
func (ix *Indexer) readOne(ctx context.Context, c candidate, fileTable, chunkTable *vecstore.Table) (*unit, FileStatus) {
	data, err := os.ReadFile(c.absPath)
	if err != nil {
		slog.Warn("failed to read file", slog.String("path", c.relPath),
			slog.String("error", err.Error()))
		return nil, StatusFailed
	}
	if IsBinaryContent(data) {
		return nil, StatusExcluded
	}

	content := string(data)
	hash := contentHash(content)
	baseID := rowID(c.relPath, hash)

	if IsMarkdown(c.relPath) {
		return ix.prepareDocument(ctx, c, content, hash, baseID, chunkTable)
	}
	return ix.prepareCode(ctx, c, content, hash, baseID, fileTable)
}

func (ix *Indexer) prepareCode(ctx context.Context, c candidate, content, hash, id string, fileTable *vecstore.Table) (*unit, FileStatus) {
	if existing, err := fileTable.Get(ctx, id); err == nil && existing != nil {
		return nil, StatusSkipped
	}
	if _, err := fileTable.DeleteWhere(ctx, vecstore.Filter{
		ProjectPath: ix.projectPath,
		Path:        c.relPath,
	}); err != nil {
		slog.Warn("failed to delete stale rows", slog.String("path", c.relPath),
			slog.String("error", err.Error()))
	}

	truncated := truncateLines(content, ix.cfg.Index.MaxLines)
	row := &vecstore.Row{
		ID:           id,
		ProjectPath:  ix.projectPath,
		Path:         c.relPath,
		Content:      truncated,
		Language:     DetectLanguage(c.relPath),
		ContentHash:  hash,
		LastModified: c.modTime.UTC().Format(time.RFC3339),
		RecordType:   RecordTypeCode,
	}
	return &unit{
		relPath: c.relPath,
		table:   vecstore.TableFileEmbeddings,
		rows:    []*vecstore.Row{row},
		texts:   []string{embed.Truncate(truncated, ix.cfg.Embeddings.MaxEmbedChars)},
	}, StatusProcessed
}

func (ix *Indexer) prepareDocument(ctx context.Context, c candidate, content, hash, baseID string, chunkTable *vecstore.Table) (*unit, FileStatus) {
	sections := mdchunk.Chunk(content, c.relPath)
	if len(sections) == 0 {
		return nil, StatusExcluded
	}

	firstID := fmt.Sprintf("%s:%d", baseID, 0)
	if existing, err := chunkTable.Get(ctx, firstID); err == nil && existing != nil {
		return nil, StatusSkipped
	}
	if _, err := chunkTable.DeleteWhere(ctx, vecstore.Filter{
		ProjectPath: ix.projectPath,
		Path:        c.relPath,
	}); err != nil {
		slog.Warn("failed to delete stale chunks", slog.String("path", c.relPath),
			slog.String("error", err.Error()))
	}

	u := &unit{relPath: c.relPath, table: vecstore.TableDocumentChunks}
	for _, s := range sections {
		u.rows = append(u.rows, &vecstore.Row{
			ID:                   fmt.Sprintf("%s:%d", baseID, s.Order),
			ProjectPath:          ix.projectPath,
			OriginalDocumentPath: c.relPath,
			DocumentTitle:        s.DocumentTitle,
			HeadingText:          s.HeadingText,
			StartLine:            s.StartLine,
			Content:              s.Content,
			ContentHash:          hash,
			Language:             "markdown",
		})
		embedText := s.DocumentTitle + "\n" + s.HeadingText + "\n" + s.Content
		u.texts = append(u.texts, embed.Truncate(embedText, ix.cfg.Embeddings.MaxEmbedChars))
	}
	return u, StatusProcessed
}

// embedAndUpsert embeds unit texts in batches and upserts rows per table.
// Per-item embedding failures produce nil-vector rows (still lexically
// searchable) and count as failed.
func (ix *Indexer) embedAndUpsert(ctx context.Context, units []unit, fileTable, chunkTable *vecstore.Table, summary *Summary) error {
	tables := map[string]*vecstore.Table{
		vecstore.TableFileEmbeddings: fileTable,
		vecstore.TableDocumentChunks: chunkTable,
	}
	batchSize := ix.cfg.Embeddings.BatchSize
	if batchSize <= 0 {
		batchSize = embed.DefaultBatchSize
	}

	for _, tableName := range []string{vecstore.TableFileEmbeddings, vecstore.TableDocumentChunks} {
		var rows []*vecstore.Row
		var texts []string
		unitOf := make([]string, 0) // relPath per row, for failure accounting

		for _, u := range units {
			if u.table != tableName {
				continue
			}
			rows = append(rows, u.rows...)
			texts = append(texts, u.texts...)
			for range u.rows {
				unitOf = append(unitOf, u.relPath)
			}
		}

		failedPaths := make(map[string]bool)
		for start := 0; start < len(rows); start += batchSize {
			end := min(start+batchSize, len(rows))
			vectors, err := ix.embedder.EmbedBatch(ctx, texts[start:end])
			if err != nil {
				// Whole-batch failure: keep the rows lexical-only.
				slog.Warn("embedding batch failed, storing rows without vectors",
					slog.String("table", tableName),
					slog.String("error", err.Error()))
				vectors = make([][]float32, end-start)
			}
			for i, vec := range vectors {
				rows[start+i].Vector = vec
				if vec == nil {
					failedPaths[unitOf[start+i]] = true
				}
			}
			if err := tables[tableName].Upsert(ctx, rows[start:end]); err != nil {
				return err
			}
		}

		for _, u := range units {
			if u.table != tableName {
				continue
			}
			if failedPaths[u.relPath] {
				summary.Failed++
			} else {
				summary.Processed++
			}
		}
	}
	return nil
}

// writeStructure replaces the project-structure record.
func (ix *Indexer) writeStructure(ctx context.Context, fileTable *vecstore.Table, relPaths []string) error {
	if _, err := fileTable.DeleteWhere(ctx, vecstore.Filter{
		ProjectPath: ix.projectPath,
		RecordType:  vecstore.RecordTypeStructure,
	}); err != nil {
		return err
	}
	if len(relPaths) == 0 {
		return nil
	}

	content := renderStructure(relPaths)
	hash := contentHash(content)
	vectors, err := ix.embedder.EmbedBatch(ctx, []string{embed.Truncate(content, ix.cfg.Embeddings.MaxEmbedChars)})
	if err != nil {
		vectors = [][]float32{nil}
	}

	return fileTable.Upsert(ctx, []*vecstore.Row{{
		ID:           rowID(StructurePath, hash),
		ProjectPath:  ix.projectPath,
		Path:         StructurePath,
		Content:      content,
		ContentHash:  hash,
		LastModified: time.Now().UTC().Format(time.RFC3339),
		RecordType:   vecstore.RecordTypeStructure,
		Vector:       vectors[0],
	}})
}

// Clear deletes this project's rows from the code and document tables.
// With includeComments, pr_comments rows scoped to the project go too.
func (ix *Indexer) Clear(ctx context.Context, includeComments bool) (int64, error) {
	names := []string{vecstore.TableFileEmbeddings, vecstore.TableDocumentChunks}
	if includeComments {
		names = append(names, vecstore.TablePRComments)
	}

	var total int64
	for _, name := range names {
		t, err := ix.db.Table(name)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeTableMissing) {
				continue
			}
			return total, err
		}
		n, err := t.DeleteWhere(ctx, vecstore.Filter{ProjectPath: ix.projectPath})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Stats reports per-table row counts for this project.
func (ix *Indexer) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, name := range []string{
		vecstore.TableFileEmbeddings,
		vecstore.TableDocumentChunks,
		vecstore.TablePRComments,
	} {
		t, err := ix.db.Table(name)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeTableMissing) {
				stats[name] = 0
				continue
			}
			return nil, err
		}
		n, err := t.CountRows(ctx, vecstore.Filter{ProjectPath: ix.projectPath})
		if err != nil {
			return nil, err
		}
		stats[name] = n
	}
	return stats, nil
}

// contentHash is the first 8 hex characters of the sha256 of content.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:8]
}

// rowID builds the deterministic row id for a path at a content state.
func rowID(relPath, hash string) string {
	return "hash:" + relPath + ":" + hash
}

// truncateLines caps content at maxLines, appending a marker naming how
// many lines were dropped.
func truncateLines(content string, maxLines int) string {
	if maxLines <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) <= maxLines {
		return content
	}
	dropped := len(lines) - maxLines
	return strings.Join(lines[:maxLines], "\n") +
		fmt.Sprintf("\n(truncated, %d more lines)", dropped)
}
