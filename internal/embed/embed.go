// Package embed generates vector embeddings for code, documentation, and
// review comments.
//
// Two providers are available: OllamaEmbedder talks to a local Ollama
// server, and StaticEmbedder produces deterministic hash-based vectors
// with no external dependencies. CachedEmbedder wraps either with an LRU
// for repeated query and title embeddings.
package embed

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Embedding constants.
const (
	// DefaultDimensions is the system-wide embedding width.
	DefaultDimensions = 384

	// DefaultBatchSize is the number of texts per embedding request.
	DefaultBatchSize = 100

	// DefaultTimeout bounds a single embedding HTTP call.
	DefaultTimeout = 60 * time.Second

	// MaxContentChars is the truncation bound for code and document
	// content before embedding.
	MaxContentChars = 10000

	// MaxCommentChars is the truncation bound for PR comment bodies
	// before embedding.
	MaxCommentChars = 8000
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The returned
	// slice always has len(texts) entries; entries whose embedding failed
	// are nil. Only a whole-batch transport failure returns an error.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding width.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Truncate cuts text to at most max bytes without splitting a UTF-8
// sequence. Zero or negative max returns the text unchanged.
func Truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := text[:max]
	// Back off a partial rune at the boundary.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// IsBlank reports whether text is empty or whitespace-only. Blank text
// embeds to a nil vector and is skipped by the indexer.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// normalizeVector normalizes a vector to unit length in place.
// Zero vectors are left unchanged.
func normalizeVector(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
