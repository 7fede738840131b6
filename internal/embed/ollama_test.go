package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/reviewloop/internal/errors"
)

func newTestOllama(t *testing.T, handler http.HandlerFunc) (*OllamaEmbedder, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Model: "all-minilm"})
	t.Cleanup(func() { _ = e.Close() })
	return e, srv
}

func TestOllamaEmbedder_EmbedBatch(t *testing.T) {
	var gotPath string
	var gotReq embedRequest
	e, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		vecs := make([][]float32, len(gotReq.Input))
		for i := range vecs {
			vecs[i] = []float32{1, 2, 2}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: vecs})
	})

	results, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "/api/embed", gotPath)
	assert.Equal(t, "all-minilm", gotReq.Model)
	assert.Equal(t, []string{"alpha", "beta"}, gotReq.Input)

	// Vectors are normalized: {1,2,2} has length 3.
	assert.InDelta(t, float32(1.0/3.0), results[0][0], 1e-5)
	assert.Equal(t, 3, e.Dimensions())
}

func TestOllamaEmbedder_BlankTextsSkipped(t *testing.T) {
	var gotReq embedRequest
	e, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 0}}})
	})

	results, err := e.EmbedBatch(context.Background(), []string{"", "real", "  \n"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, []string{"real"}, gotReq.Input)
	assert.Nil(t, results[0])
	assert.NotNil(t, results[1])
	assert.Nil(t, results[2])
}

func TestOllamaEmbedder_AllBlankNoRequest(t *testing.T) {
	called := false
	e, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	results, err := e.EmbedBatch(context.Background(), []string{"", "   "})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{nil, nil}, results)
	assert.False(t, called)
}

func TestOllamaEmbedder_LegacyEndpoint(t *testing.T) {
	var paths []string
	e, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var req legacyEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(legacyEmbedResponse{Embedding: []float32{0, 1}})
	})
	e.legacyAPI = true

	results, err := e.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NotNil(t, results[0])
	assert.NotNil(t, results[1])
	assert.Equal(t, []string{"/api/embeddings", "/api/embeddings"}, paths)
}

func TestOllamaEmbedder_MarkLegacyOn404(t *testing.T) {
	e := NewOllamaEmbedder(OllamaConfig{})
	defer func() { _ = e.Close() }()

	notFound := errors.Newf(errors.ErrCodeServiceUnavailable, "status 404").
		WithDetail("status", "404")
	assert.True(t, e.markLegacyOn404(notFound))
	assert.True(t, e.legacyAPI)

	e2 := NewOllamaEmbedder(OllamaConfig{})
	defer func() { _ = e2.Close() }()
	serverErr := errors.Newf(errors.ErrCodeServiceUnavailable, "status 500").
		WithDetail("status", "500")
	assert.False(t, e2.markLegacyOn404(serverErr))
	assert.False(t, e2.legacyAPI)
}

func TestOllamaEmbedder_PerItemFailureTolerated(t *testing.T) {
	// The batched call fails, then per-item calls succeed except for one
	// text. 400 responses are not retryable so the test stays fast.
	e, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if len(req.Input) > 1 || req.Input[0] == "poison" {
			http.Error(w, "bad input", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 0}}})
	})

	results, err := e.EmbedBatch(context.Background(), []string{"good", "poison", "fine"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.NotNil(t, results[2])
}

func TestOllamaEmbedder_AllItemsFailedReturnsError(t *testing.T) {
	e, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusBadRequest)
	})

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEmbeddingFailed))
}

func TestOllamaEmbedder_DimensionMismatch(t *testing.T) {
	count := 0
	e, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		count++
		width := 3
		if count > 1 {
			width = 5
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{make([]float32, width)}})
	})

	// The first vector fixes the width when none was configured.
	first, err := e.Embed(context.Background(), "fixes width")
	require.NoError(t, err)
	require.Len(t, first, 3)

	_, err = e.Embed(context.Background(), "wrong width now")
	require.Error(t, err)
}

func TestOllamaEmbedder_Available(t *testing.T) {
	e, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"all-minilm:latest"},{"name":"llama3:8b"}]}`))
	})

	assert.True(t, e.Available(context.Background()))
}

func TestOllamaEmbedder_AvailableModelMissing(t *testing.T) {
	e, _ := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b"}]}`))
	})

	assert.False(t, e.Available(context.Background()))
}

func TestOllamaEmbedder_AvailableServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL})
	defer func() { _ = e.Close() }()

	assert.False(t, e.Available(context.Background()))
}

func TestOllamaEmbedder_ClosedRejectsCalls(t *testing.T) {
	e := NewOllamaEmbedder(OllamaConfig{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "text")
	assert.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}
