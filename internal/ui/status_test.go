package ui

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStatus() StatusInfo {
	info := StatusInfo{
		ProjectPath:     "/home/dev/widgets",
		CodeFiles:       120,
		DocChunks:       340,
		PRComments:      57,
		StoreSize:       3 * 1024 * 1024,
		LastRunAt:       time.Now().Add(-2 * time.Hour),
		EmbedderBackend: "ollama",
		EmbedderModel:   "all-minilm",
		EmbedderStatus:  "ready",
		Dimensions:      384,
	}
	info.LastRun.Scanned = 150
	info.LastRun.Processed = 120
	info.LastRun.Skipped = 25
	info.LastRun.Excluded = 4
	info.LastRun.Failed = 1
	return info
}

func TestStatusRenderer_Render(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	require.NoError(t, r.Render(sampleStatus()))
	out := buf.String()

	assert.Contains(t, out, "Store: /home/dev/widgets")
	assert.Contains(t, out, "Code files:  120")
	assert.Contains(t, out, "PR comments: 57")
	assert.Contains(t, out, "3.0 MB")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "scanned 150, processed 120, skipped 25, excluded 4, failed 1")
	assert.Contains(t, out, "Embedder: ollama (all-minilm, 384 dims) ready")
}

func TestStatusRenderer_RenderSkipsEmptySections(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	require.NoError(t, r.Render(StatusInfo{
		ProjectPath:     "/p",
		EmbedderBackend: "static",
		EmbedderStatus:  "static",
	}))
	out := buf.String()

	assert.NotContains(t, out, "Last run")
	assert.NotContains(t, out, "Size:")
}

func TestStatusRenderer_RenderJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)

	require.NoError(t, r.RenderJSON(sampleStatus()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, float64(120), decoded["code_files"])
	assert.Equal(t, "ollama", decoded["embedder_backend"])
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "just now", formatRelativeTime(now.Add(-10*time.Second)))
	assert.Equal(t, "1 minute ago", formatRelativeTime(now.Add(-70*time.Second)))
	assert.Equal(t, "3 hours ago", formatRelativeTime(now.Add(-3*time.Hour)))
	assert.Equal(t, "2 days ago", formatRelativeTime(now.Add(-49*time.Hour)))

	old := now.Add(-30 * 24 * time.Hour)
	assert.Equal(t, old.Format("2006-01-02 15:04"), formatRelativeTime(old))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 MB", FormatBytes(2*1024*1024))
	assert.Equal(t, "1.0 GB", FormatBytes(1024*1024*1024))
}
