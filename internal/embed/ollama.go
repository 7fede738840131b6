package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// DefaultOllamaHost is the default Ollama endpoint.
const DefaultOllamaHost = "http://localhost:11434"

// DefaultOllamaModel is the default embedding model.
const DefaultOllamaModel = "all-minilm"

// ollamaPoolSize is the HTTP connection pool size.
const ollamaPoolSize = 4

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama base URL (default http://localhost:11434).
	Host string
	// Model is the embedding model name (default all-minilm).
	Model string
	// Dimensions is the expected embedding width. Zero adopts the width
	// of the first embedding returned.
	Dimensions int
	// Timeout bounds a single embedding request.
	Timeout time.Duration
}

// OllamaEmbedder generates embeddings via the Ollama HTTP API.
// It prefers the batched /api/embed endpoint and falls back to the older
// per-text /api/embeddings endpoint when the server does not know it.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig
	breaker   *errors.CircuitBreaker

	mu        sync.RWMutex
	closed    bool
	dims      int
	legacyAPI bool
}

// embedRequest is the /api/embed request body.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the /api/embed response body.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// legacyEmbedRequest is the /api/embeddings request body (older servers).
type legacyEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// legacyEmbedResponse is the /api/embeddings response body.
type legacyEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an Ollama embedder.
// No network call is made until the first embedding or Available check.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	// Short idle timeout: CLI runs are short-lived and connections should
	// drain quickly after interrupts.
	transport := &http.Transport{
		MaxIdleConns:        ollamaPoolSize,
		MaxIdleConnsPerHost: ollamaPoolSize,
		MaxConnsPerHost:     ollamaPoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	return &OllamaEmbedder{
		// Per-request context timeouts instead of a static client timeout.
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		breaker:   errors.NewCircuitBreaker("ollama"),
		dims:      cfg.Dimensions,
	}
}

// Embed generates an embedding for a single text.
// Blank text returns a nil vector without calling the server.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
// Blank texts yield nil entries. When the batched call fails, each text is
// retried individually; per-item failures yield nil entries, and an error
// is returned only when every item failed.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	legacy := e.legacyAPI
	e.mu.RUnlock()
	if closed {
		return nil, errors.New(errors.ErrCodeEmbeddingFailed, "ollama embedder is closed", nil)
	}

	results := make([][]float32, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	// Collect non-blank texts for the request.
	indices := make([]int, 0, len(texts))
	inputs := make([]string, 0, len(texts))
	for i, text := range texts {
		if IsBlank(text) {
			continue
		}
		indices = append(indices, i)
		inputs = append(inputs, text)
	}
	if len(inputs) == 0 {
		return results, nil
	}

	if !legacy {
		vecs, err := e.embedBatchCall(ctx, inputs)
		if err == nil {
			for j, idx := range indices {
				results[idx] = vecs[j]
			}
			return results, nil
		}
		e.markLegacyOn404(err)
		slog.Debug("batched embed failed, falling back to per-item calls",
			slog.String("error", err.Error()))
	}

	// Per-item pass: tolerate individual failures.
	var succeeded int
	var lastErr error
	for j, idx := range indices {
		vec, err := e.embedOneCall(ctx, inputs[j])
		if err != nil {
			lastErr = err
			slog.Warn("embedding failed for item",
				slog.Int("index", idx),
				slog.String("error", err.Error()))
			continue
		}
		results[idx] = vec
		succeeded++
	}
	if succeeded == 0 && lastErr != nil {
		return nil, errors.Wrapf(errors.ErrCodeEmbeddingFailed, lastErr, "embed batch of %d", len(inputs))
	}
	return results, nil
}

// markLegacyOn404 switches to the legacy endpoint when /api/embed is
// unknown to the server. Reports whether the switch happened.
func (e *OllamaEmbedder) markLegacyOn404(err error) bool {
	re := errors.AsReviewError(err)
	if re == nil || re.Details["status"] != "404" {
		return false
	}
	e.mu.Lock()
	e.legacyAPI = true
	e.mu.Unlock()
	return true
}

// embedBatchCall performs one /api/embed request for all inputs.
func (e *OllamaEmbedder) embedBatchCall(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.config.Model, Input: inputs})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}

	data, err := e.post(ctx, "/api/embed", body)
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeParse, err, "decode embed response")
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
			"embed returned %d vectors for %d inputs", len(resp.Embeddings), len(inputs))
	}

	vecs := make([][]float32, len(inputs))
	for i, v := range resp.Embeddings {
		vec, err := e.acceptVector(v)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// embedOneCall embeds a single text, using whichever endpoint the server
// supports.
func (e *OllamaEmbedder) embedOneCall(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	legacy := e.legacyAPI
	e.mu.RUnlock()

	if !legacy {
		vecs, err := e.embedBatchCall(ctx, []string{text})
		if err == nil {
			return vecs[0], nil
		}
		if !e.markLegacyOn404(err) {
			return nil, err
		}
	}

	body, err := json.Marshal(legacyEmbedRequest{Model: e.config.Model, Prompt: text})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}

	data, err := e.post(ctx, "/api/embeddings", body)
	if err != nil {
		return nil, err
	}

	var resp legacyEmbedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeParse, err, "decode embeddings response")
	}
	return e.acceptVector(resp.Embedding)
}

// acceptVector validates the width of a returned vector and normalizes it.
// The first vector seen fixes the width when none was configured.
func (e *OllamaEmbedder) acceptVector(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, errors.New(errors.ErrCodeEmbeddingFailed, "empty embedding returned", nil)
	}

	e.mu.Lock()
	if e.dims == 0 {
		e.dims = len(v)
	}
	dims := e.dims
	e.mu.Unlock()

	if len(v) != dims {
		return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
			"embedding width %d, expected %d", len(v), dims)
	}

	vec := make([]float32, len(v))
	copy(vec, v)
	normalizeVector(vec)
	return vec, nil
}

// post performs one HTTP POST with retry and circuit breaking.
func (e *OllamaEmbedder) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return errors.RetryWithResult(ctx, errors.DefaultRetryConfig(), func() ([]byte, error) {
		var data []byte
		err := e.breaker.Execute(func() error {
			var innerErr error
			data, innerErr = e.postOnce(ctx, path, body)
			return innerErr
		})
		return data, err
	})
}

// postOnce performs one HTTP POST without retry.
func (e *OllamaEmbedder) postOnce(ctx context.Context, path string, body []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Host+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		code := errors.ErrCodeNetwork
		if reqCtx.Err() == context.DeadlineExceeded {
			code = errors.ErrCodeTimeout
		}
		return nil, errors.Wrapf(code, err, "POST %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeNetwork, err, "read %s response", path)
	}

	if resp.StatusCode != http.StatusOK {
		code := errors.ErrCodeEmbeddingFailed
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusNotFound {
			code = errors.ErrCodeServiceUnavailable
		}
		return nil, errors.Newf(code, "%s returned status %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(data))).
			WithDetail("status", fmt.Sprintf("%d", resp.StatusCode))
	}

	return data, nil
}

// Dimensions returns the embedding width.
func (e *OllamaEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dims == 0 {
		return DefaultDimensions
	}
	return e.dims
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Available reports whether the Ollama server responds and knows the
// configured model.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}

	want := strings.ToLower(e.config.Model)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range tags.Models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			return true
		}
	}
	return false
}

// Close releases HTTP resources.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

var _ Embedder = (*OllamaEmbedder)(nil)
