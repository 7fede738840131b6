package embed

import (
	"context"
	"log/slog"
	"time"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// Options configures embedder construction.
type Options struct {
	// Provider selects the embedder: "ollama" (default) or "static".
	Provider string
	// Model is the embedding model name (ollama only).
	Model string
	// Host is the Ollama endpoint.
	Host string
	// Dimensions is the expected embedding width.
	Dimensions int
	// Timeout bounds a single embedding call.
	Timeout time.Duration
	// FallbackStatic falls back to the static embedder when the
	// configured provider is unreachable.
	FallbackStatic bool
}

// New constructs the configured embedder, probing availability.
// When the provider is unreachable and FallbackStatic is set, the static
// embedder is returned with a warning; otherwise an error.
func New(ctx context.Context, opts Options) (Embedder, error) {
	switch opts.Provider {
	case "", "ollama":
		e := NewOllamaEmbedder(OllamaConfig{
			Host:       opts.Host,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
			Timeout:    opts.Timeout,
		})
		if e.Available(ctx) {
			return e, nil
		}
		_ = e.Close()
		if !opts.FallbackStatic {
			return nil, errors.Newf(errors.ErrCodeServiceUnavailable,
				"ollama is not reachable at %s (model %s)", orDefault(opts.Host, DefaultOllamaHost), orDefault(opts.Model, DefaultOllamaModel)).
				WithSuggestion("start ollama and pull the embedding model, or set embeddings.provider: static")
		}
		slog.Warn("ollama unavailable, falling back to static embeddings",
			slog.String("host", orDefault(opts.Host, DefaultOllamaHost)))
		return NewStaticEmbedder(opts.Dimensions), nil

	case "static":
		return NewStaticEmbedder(opts.Dimensions), nil

	default:
		return nil, errors.Newf(errors.ErrCodeConfigInvalid,
			"unknown embeddings provider %q", opts.Provider)
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
