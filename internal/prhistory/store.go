// Package prhistory stores and retrieves historical pull-request review
// comments. The crawler pulls them from GitHub; the store searches them
// by content similarity so past feedback resurfaces on similar code.
package prhistory

import (
	"context"
	"fmt"
	"sort"

	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/embed"
	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/vecstore"
)

// DefaultSearchLimit is how many comment matches a review includes.
const DefaultSearchLimit = 5

// Store searches and maintains the pr_comments table.
type Store struct {
	db       *vecstore.DB
	embedder embed.Embedder
	cfg      *config.Config
}

// NewStore creates a Store.
func NewStore(db *vecstore.DB, embedder embed.Embedder, cfg *config.Config) *Store {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &Store{db: db, embedder: embedder, cfg: cfg}
}

// SearchOptions scope a comment search.
type SearchOptions struct {
	// ProjectPath scopes matches to one project.
	ProjectPath string
	// Repository scopes matches to one origin repository.
	Repository string
	// ReviewedPath is the file under review. Comments anchored to test
	// files are dropped, except when it is itself a test file: then only
	// test-file comments match.
	ReviewedPath string
	// Limit caps returned matches (default 5).
	Limit int
	// Threshold drops matches below this similarity (default from
	// pr_history.similarity_threshold).
	Threshold float64
}

// CommentMatch is one historical comment relevant to the content.
type CommentMatch struct {
	ID              string
	PRNumber        int
	Author          string
	FilePath        string
	Body            string
	CommentType     string
	CreatedAt       string
	MatchedChunk    string
	SimilarityScore float64
}

// SearchByContent finds past comments similar to the file content.
// A store with no pr_comments table yields no matches, not an error.
func (s *Store) SearchByContent(ctx context.Context, fileContent string, opts SearchOptions) ([]CommentMatch, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = s.cfg.PRHistory.SimilarityThreshold
	}

	table, err := s.db.Table(vecstore.TablePRComments)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeTableMissing) {
			return nil, nil
		}
		return nil, err
	}

	content := embed.Truncate(fileContent, s.cfg.Embeddings.MaxCommentChars)
	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		vector = nil // lexical-only search still works
	}

	testMode := vecstore.TestFilesExclude
	if vecstore.IsTestPath(opts.ReviewedPath) {
		testMode = vecstore.TestFilesOnly
	}

	hits, err := table.HybridSearch(ctx, vecstore.Query{
		Text:   content,
		Vector: vector,
		Filter: vecstore.Filter{
			ProjectPath: opts.ProjectPath,
			Repository:  opts.Repository,
			TestFiles:   testMode,
		},
		Limit: limit * 3,
	})
	if err != nil {
		return nil, err
	}

	matches := make([]CommentMatch, 0, len(hits))
	for i := range hits {
		hit := &hits[i]
		similarity := hit.Similarity()
		if similarity < threshold {
			continue
		}
		matches = append(matches, CommentMatch{
			ID:              hit.ID,
			PRNumber:        hit.PRNumber,
			Author:          hit.Author,
			FilePath:        hit.FilePath,
			Body:            hit.Body,
			CommentType:     hit.CommentType,
			CreatedAt:       hit.CreatedAt,
			MatchedChunk:    hit.MatchedChunk,
			SimilarityScore: similarity,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].SimilarityScore > matches[j].SimilarityScore
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Stats summarizes the stored comments for one repository and project.
type Stats struct {
	Comments    int64
	DistinctPRs int64
}

// Stats reports comment counts. A missing table reports zeros.
func (s *Store) Stats(ctx context.Context, projectPath, repository string) (*Stats, error) {
	if _, err := s.db.Table(vecstore.TablePRComments); err != nil {
		if errors.IsCode(err, errors.ErrCodeTableMissing) {
			return &Stats{}, nil
		}
		return nil, err
	}

	stmt := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(DISTINCT pr_number) FROM %s WHERE project_path = ? AND repository = ?",
		vecstore.TablePRComments)
	var stats Stats
	err := s.db.SQL().QueryRowContext(ctx, stmt, projectPath, repository).
		Scan(&stats.Comments, &stats.DistinctPRs)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "pr comment stats")
	}
	return &stats, nil
}

// Clear deletes stored comments for one repository and project.
func (s *Store) Clear(ctx context.Context, projectPath, repository string) (int64, error) {
	table, err := s.db.Table(vecstore.TablePRComments)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeTableMissing) {
			return 0, nil
		}
		return 0, err
	}
	return table.DeleteWhere(ctx, vecstore.Filter{
		ProjectPath: projectPath,
		Repository:  repository,
	})
}

// upsertComments embeds comment rows in batches and stores them.
// Per-item embedding failures keep the rows lexical-only.
func (s *Store) upsertComments(ctx context.Context, rows []*vecstore.Row) error {
	if len(rows) == 0 {
		return nil
	}
	table, err := s.db.CreateTable(vecstore.TablePRComments)
	if err != nil {
		return err
	}

	batchSize := s.cfg.Embeddings.BatchSize
	if batchSize <= 0 {
		batchSize = embed.DefaultBatchSize
	}

	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		texts := make([]string, end-start)
		for i, r := range rows[start:end] {
			texts[i] = embed.Truncate(r.Body, s.cfg.Embeddings.MaxCommentChars)
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			vectors = make([][]float32, end-start)
		}
		for i, vec := range vectors {
			rows[start+i].Vector = vec
		}
		if err := table.Upsert(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}
