package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// StaticEmbedder generates embeddings using a hash-based approach.
// It needs no network or model download: tokens and character trigrams are
// hashed into a fixed-width vector. Semantic quality is reduced, but
// results are deterministic and the embedder is always available.
type StaticEmbedder struct {
	dims int

	mu     sync.RWMutex
	closed bool
}

// Hash vector mixing weights.
const (
	tokenWeight  = 0.7
	trigramWeight = 0.3
	trigramSize  = 3
)

// programmingStopWords are common keywords filtered before hashing.
var programmingStopWords = map[string]bool{
	"func": true, "function": true, "def": true, "class": true,
	"return": true, "import": true, "const": true, "var": true,
	"let": true, "int": true, "string": true, "bool": true,
	"void": true, "true": true, "false": true, "nil": true,
	"null": true, "this": true, "self": true, "new": true,
}

// tokenRegex matches alphanumeric sequences.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewStaticEmbedder creates a static embedder with the given width.
// Non-positive dims defaults to DefaultDimensions.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &StaticEmbedder{dims: dims}
}

// Embed generates an embedding for a single text.
// Blank text returns a nil vector.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, errors.New(errors.ErrCodeEmbeddingFailed, "static embedder is closed", nil)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	vector := e.generateVector(trimmed)
	normalizeVector(vector)
	return vector, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// generateVector hashes tokens and trigrams into a fixed-width vector.
func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, e.dims)

	for _, token := range tokenize(text) {
		vector[hashToIndex(token, e.dims)] += tokenWeight
	}

	normalized := normalizeForTrigrams(text)
	for i := 0; i+trigramSize <= len(normalized); i++ {
		vector[hashToIndex(normalized[i:i+trigramSize], e.dims)] += trigramWeight
	}

	return vector
}

// tokenize splits text into lowercased code-aware tokens, filtering
// programming stop words.
func tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		for _, sub := range splitCodeToken(word) {
			lower := strings.ToLower(sub)
			if lower != "" && !programmingStopWords[lower] {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// splitCodeToken splits camelCase and snake_case identifiers.
func splitCodeToken(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamelCase(part)...)
			}
		}
		return result
	}
	return splitCamelCase(token)
}

// splitCamelCase splits camelCase identifiers, keeping acronyms together.
func splitCamelCase(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// normalizeForTrigrams strips text to lowercase letters and digits.
func normalizeForTrigrams(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// hashToIndex maps a string to a vector index via FNV-64.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// Dimensions returns the embedding width.
func (e *StaticEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return "static"
}

// Available reports whether the embedder is ready (always, unless closed).
func (e *StaticEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

var _ Embedder = (*StaticEmbedder)(nil)
