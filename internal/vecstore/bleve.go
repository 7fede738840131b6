package vecstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// Names of the custom analysis components registered with bleve.
const (
	codeTokenizerName = "reviewloop_code_tokenizer"
	codeStopName      = "reviewloop_code_stop"
	codeAnalyzerName  = "reviewloop_code_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(codeTokenizerName, newBleveCodeTokenizer)
	_ = registry.RegisterTokenFilter(codeStopName, newBleveCodeStopFilter)
}

// bleveIndex is the default lexical backend: one on-disk bleve index per
// table, BM25-scored match queries over a code-analyzed content field.
type bleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// bleveDoc is the indexed document shape.
type bleveDoc struct {
	Content string `json:"content"`
}

// newBleveIndex opens or creates the index at path. An empty path creates
// an in-memory index for tests. A corrupt on-disk index is cleared and
// recreated; the caller re-indexes.
func newBleveIndex(path string) (*bleveIndex, error) {
	indexMapping, err := newBleveMapping()
	if err != nil {
		return nil, err
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, errors.Wrapf(errors.ErrCodeFilePermission, mkErr, "create lexical dir")
		}

		if validErr := validateBleveDir(path); validErr != nil {
			slog.Warn("lexical index corrupted, clearing",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, errors.Wrapf(errors.ErrCodeIndexCorrupt, rmErr, "clear corrupt lexical index")
			}
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isBleveCorruption(err) {
			slog.Warn("lexical index open failed, recreating",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, errors.Wrapf(errors.ErrCodeIndexCorrupt, rmErr, "clear corrupt lexical index")
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeIndexCorrupt, err, "open lexical index")
	}

	return &bleveIndex{index: idx, path: path}, nil
}

// newBleveMapping builds the index mapping with the code analyzer as
// default.
func newBleveMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	err := m.AddCustomAnalyzer(codeAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": codeTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			codeStopName,
		},
	})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInternal, err, "register code analyzer")
	}
	m.DefaultAnalyzer = codeAnalyzerName
	return m, nil
}

// validateBleveDir checks the index metadata before opening.
func validateBleveDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return errors.New(errors.ErrCodeIndexCorrupt, "index_meta.json missing", nil)
	}
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New(errors.ErrCodeIndexCorrupt, "index_meta.json is empty", nil)
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return err
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return errors.Wrapf(errors.ErrCodeIndexCorrupt, err, "index_meta.json unreadable")
	}
	return nil
}

func isBleveCorruption(err error) bool {
	if err == nil {
		return false
	}
	if err == bleve.ErrorIndexMetaCorrupt {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt")
}

// Index adds or replaces documents.
func (b *bleveIndex) Index(ctx context.Context, docs []lexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodeInternal, "lexical index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, bleveDoc{Content: doc.Content}); err != nil {
			return errors.Wrapf(errors.ErrCodeDBQuery, err, "index document %s", doc.ID)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "execute lexical batch")
	}
	return nil
}

// Search returns documents matching query, BM25-scored.
func (b *bleveIndex) Search(ctx context.Context, query string, limit int) ([]lexicalHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.New(errors.ErrCodeInternal, "lexical index is closed", nil)
	}
	if strings.TrimSpace(query) == "" {
		return []lexicalHit{}, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")
	req := bleve.NewSearchRequest(matchQuery)
	req.Size = limit

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeDBQuery, err, "lexical search")
	}

	hits := make([]lexicalHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, lexicalHit{ID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// Delete removes documents by id.
func (b *bleveIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodeInternal, "lexical index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return errors.Wrapf(errors.ErrCodeDBQuery, err, "delete from lexical index")
	}
	return nil
}

// Close closes the index. Idempotent.
func (b *bleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

var _ lexicalIndex = (*bleveIndex)(nil)

// bleveCodeTokenizer adapts tokenizeCode to the bleve analysis chain.
type bleveCodeTokenizer struct{}

func newBleveCodeTokenizer(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveCodeTokenizer{}, nil
}

// Tokenize implements analysis.Tokenizer.
func (t *bleveCodeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := tokenizeCode(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}

// bleveCodeStopFilter drops code stop words.
type bleveCodeStopFilter struct{}

func newBleveCodeStopFilter(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &bleveCodeStopFilter{}, nil
}

// Filter implements analysis.TokenFilter.
func (f *bleveCodeStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, stop := codeStopWords[strings.ToLower(string(token.Term))]; !stop {
			result = append(result, token)
		}
	}
	return result
}
