// Package retrieve finds review context: guideline document chunks and
// similar code from the project's vector store, reranked against the
// change under review.
package retrieve

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/reviewloop/reviewloop/internal/classify"
	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/embed"
	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/vecstore"
)

// Retrieval defaults.
const (
	DefaultThreshold      = 0.05
	DefaultCodeThreshold  = 0.3
	DefaultDocCandidates  = 100
	DefaultCodeCandidates = 40
	DefaultMaxDocs        = 4
	DefaultMaxCode        = 8
)

// DocRequest asks for guideline documents relevant to a change.
type DocRequest struct {
	// Query is the retrieval query text.
	Query string
	// QueryVector is the query embedding; embedded here when nil.
	QueryVector []float32
	// ProjectPath scopes the search.
	ProjectPath string
	// ChangedPath is the file under review, for path similarity.
	ChangedPath string
	// Change is the change context from classification.
	Change classify.Context
	// Limit caps returned documents (default 4).
	Limit int
	// Threshold drops raw matches below this similarity (default 0.05).
	Threshold float64
	// Candidates is the hybrid search pool size (default 100).
	Candidates int
}

// ChunkMatch is the best chunk of a matched document.
type ChunkMatch struct {
	Heading   string
	Content   string
	StartLine int
	Score     float64
}

// DocMatch is one guideline document with its rollup score.
type DocMatch struct {
	Path  string
	Title string
	Score float64
	Chunk ChunkMatch
}

// CodeRequest asks for code similar to the file under review.
type CodeRequest struct {
	// Content is the file content; embedded after truncation.
	Content string
	// Path is the file under review; its basename is self-excluded.
	Path string
	// ProjectPath scopes the search.
	ProjectPath string
	// Limit caps returned matches (default 8).
	Limit int
	// Threshold drops raw matches below this similarity (default 0.3).
	Threshold float64
	// Candidates is the hybrid search pool size (default 40).
	Candidates int
}

// CodeMatch is one similar code file.
type CodeMatch struct {
	Path       string
	Content    string
	Language   string
	Similarity float64
	// IsStructure marks the appended project-structure record.
	IsStructure bool
}

// Retriever runs context retrieval against one project store.
type Retriever struct {
	db         *vecstore.DB
	embedder   embed.Embedder
	titles     embed.Embedder
	classifier *classify.Classifier
	cfg        *config.Config
}

// New creates a Retriever. Title and query embeddings go through an LRU
// so repeated reviews of one branch reuse them.
func New(db *vecstore.DB, embedder embed.Embedder, classifier *classify.Classifier, cfg *config.Config) *Retriever {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &Retriever{
		db:         db,
		embedder:   embedder,
		titles:     embed.NewCachedEmbedder(embedder, cfg.Embeddings.CacheSize),
		classifier: classifier,
		cfg:        cfg,
	}
}

// FindRelevantDocs retrieves, scores, and rolls up guideline documents.
// A store with no document table yields no matches, not an error.
func (r *Retriever) FindRelevantDocs(ctx context.Context, req DocRequest) ([]DocMatch, error) {
	limit := orDefault(req.Limit, r.cfg.Search.MaxDocs, DefaultMaxDocs)
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = orDefaultF(r.cfg.Search.Threshold, DefaultThreshold)
	}
	candidates := orDefault(req.Candidates, r.cfg.Search.DocCandidates, DefaultDocCandidates)

	table, err := r.db.Table(vecstore.TableDocumentChunks)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeTableMissing) {
			return nil, nil
		}
		return nil, err
	}

	vector := req.QueryVector
	if vector == nil && !embed.IsBlank(req.Query) {
		vector, err = r.titles.Embed(ctx, req.Query)
		if err != nil {
			vector = nil // lexical-only retrieval still works
		}
	}

	hits, err := table.HybridSearch(ctx, vecstore.Query{
		Text:   req.Query,
		Vector: vector,
		Filter: vecstore.Filter{
			ProjectPath:       req.ProjectPath,
			ProjectOrUnscoped: true,
		},
		Limit: candidates,
	})
	if err != nil {
		return nil, err
	}

	docs := make(map[string]*docAccumulator)
	for i := range hits {
		hit := &hits[i]
		if hit.ProjectPath == "" && !resolvesUnderProject(req.ProjectPath, hit.OriginalDocumentPath) {
			continue
		}
		similarity := hit.Similarity()
		if similarity < threshold {
			continue
		}

		acc, ok := docs[hit.OriginalDocumentPath]
		if !ok {
			docCtx := r.classifier.DocumentContext(ctx,
				hit.OriginalDocumentPath, hit.DocumentTitle,
				[]string{hit.Content}, hit.Language)
			acc = &docAccumulator{
				path:        hit.OriginalDocumentPath,
				title:       hit.DocumentTitle,
				doc:         docCtx,
				h1Relevance: r.h1Relevance(ctx, hit.DocumentTitle, vector),
			}
			docs[hit.OriginalDocumentPath] = acc
		}

		pathSim := pathSimilarity(req.ChangedPath, hit.OriginalDocumentPath)
		acc.chunks = append(acc.chunks, scoredChunk{
			heading:   hit.HeadingText,
			content:   hit.Content,
			startLine: hit.StartLine,
			score:     chunkScore(similarity, req.Change, acc.doc, acc.h1Relevance, pathSim),
		})
	}

	var matches []DocMatch
	for _, acc := range docs {
		score := acc.rollup(req.Change)
		if score < MinDocScore {
			continue
		}
		best := acc.bestChunk()
		matches = append(matches, DocMatch{
			Path:  acc.path,
			Title: acc.title,
			Score: score,
			Chunk: ChunkMatch{
				Heading:   best.heading,
				Content:   best.content,
				StartLine: best.startLine,
				Score:     best.score,
			},
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Path < matches[j].Path
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// h1Relevance is the cosine similarity of the document title embedding
// to the query vector.
func (r *Retriever) h1Relevance(ctx context.Context, title string, queryVector []float32) float64 {
	if embed.IsBlank(title) || queryVector == nil {
		return 0
	}
	titleVec, err := r.titles.Embed(ctx, title)
	if err != nil || titleVec == nil {
		return 0
	}
	return cosine(titleVec, queryVector)
}

// resolvesUnderProject reports whether a legacy unscoped document path
// exists under the project root.
func resolvesUnderProject(projectPath, docPath string) bool {
	if projectPath == "" || docPath == "" || filepath.IsAbs(docPath) {
		return false
	}
	_, err := os.Stat(filepath.Join(projectPath, filepath.FromSlash(docPath)))
	return err == nil
}

// FindSimilarCode retrieves code files similar to the file under review.
// The file's own basename is excluded. Test files are dropped, except
// when the reviewed file is itself a test: then only test files are
// candidates. When a project-structure record exists and resembles the
// query it is appended as a final match.
func (r *Retriever) FindSimilarCode(ctx context.Context, req CodeRequest) ([]CodeMatch, error) {
	limit := orDefault(req.Limit, r.cfg.Search.MaxCode, DefaultMaxCode)
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = orDefaultF(r.cfg.Search.CodeThreshold, DefaultCodeThreshold)
	}
	candidates := orDefault(req.Candidates, r.cfg.Search.CodeCandidates, DefaultCodeCandidates)

	table, err := r.db.Table(vecstore.TableFileEmbeddings)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeTableMissing) {
			return nil, nil
		}
		return nil, err
	}

	content := embed.Truncate(req.Content, r.cfg.Embeddings.MaxEmbedChars)
	vector, err := r.embedder.Embed(ctx, content)
	if err != nil {
		vector = nil
	}

	testMode := vecstore.TestFilesExclude
	if vecstore.IsTestPath(req.Path) {
		testMode = vecstore.TestFilesOnly
	}

	hits, err := table.HybridSearch(ctx, vecstore.Query{
		Text:   content,
		Vector: vector,
		Filter: vecstore.Filter{
			ProjectPath:     req.ProjectPath,
			NotRecordType:   vecstore.RecordTypeStructure,
			ExcludeBasename: filepath.Base(req.Path),
			TestFiles:       testMode,
		},
		Limit: candidates,
	})
	if err != nil {
		return nil, err
	}

	matches := make([]CodeMatch, 0, len(hits))
	for i := range hits {
		hit := &hits[i]
		similarity := hit.Similarity()
		if similarity < threshold {
			continue
		}
		matches = append(matches, CodeMatch{
			Path:       hit.Path,
			Content:    hit.Content,
			Language:   hit.Language,
			Similarity: similarity,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	structure, err := table.First(ctx, vecstore.Filter{
		ProjectPath: req.ProjectPath,
		RecordType:  vecstore.RecordTypeStructure,
	})
	if err == nil && structure != nil {
		if sim := cosine(structure.Vector, vector); sim >= threshold {
			matches = append(matches, CodeMatch{
				Path:        structure.Path,
				Content:     structure.Content,
				Similarity:  sim,
				IsStructure: true,
			})
		}
	}
	return matches, nil
}

func orDefault(v, configured, fallback int) int {
	if v > 0 {
		return v
	}
	if configured > 0 {
		return configured
	}
	return fallback
}

func orDefaultF(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
