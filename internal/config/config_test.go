package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/reviewloop/internal/errors"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, int64(1<<20), cfg.Index.MaxFileBytes)
	assert.Equal(t, int64(5<<20), cfg.Index.MaxDocBytes)
	assert.Equal(t, 1000, cfg.Index.MaxLines)
	assert.Equal(t, 10, cfg.Index.Workers)
	assert.Equal(t, 384, cfg.Embeddings.Dimensions)
	assert.Equal(t, 100, cfg.Embeddings.BatchSize)
	assert.Equal(t, 10000, cfg.Embeddings.MaxEmbedChars)
	assert.Equal(t, 8000, cfg.Embeddings.MaxCommentChars)
	assert.Equal(t, "bleve", cfg.Search.LexicalBackend)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 0.05, cfg.Search.Threshold)
	assert.Equal(t, 100, cfg.Search.DocCandidates)
	assert.Equal(t, 40, cfg.Search.CodeCandidates)
	assert.Equal(t, 0.3, cfg.Search.CodeThreshold)
	assert.Equal(t, 4, cfg.Search.MaxDocs)
	assert.Equal(t, 8, cfg.Search.MaxCode)
	assert.Equal(t, 40, cfg.Review.MaxFiles)
	assert.Equal(t, 3, cfg.Review.Parallelism)
	assert.Equal(t, 50, cfg.PRHistory.MaxPRs)
	assert.Equal(t, float64(0), cfg.LLM.Temperature)
	assert.True(t, cfg.Embeddings.FallbackStatic)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
index:
  workers: 4
  max_lines: 250
search:
  lexical_backend: fts5
  threshold: 0.2
llm:
  model: claude-haiku-4-5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".reviewloop.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Index.Workers)
	assert.Equal(t, 250, cfg.Index.MaxLines)
	assert.Equal(t, "fts5", cfg.Search.LexicalBackend)
	assert.Equal(t, 0.2, cfg.Search.Threshold)
	assert.Equal(t, "claude-haiku-4-5", cfg.LLM.Model)
	// Untouched values keep their defaults.
	assert.Equal(t, 100, cfg.Embeddings.BatchSize)
}

func TestLoad_NoConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Index.Workers)
}

func TestLoad_InvalidYAMLReturnsTypedError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".reviewloop.yaml"), []byte("index: ["), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetCode(err))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GH_TOKEN", "gho_fallback")
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-test", cfg.LLM.APIKey)
	assert.Equal(t, "gho_fallback", cfg.PRHistory.Token)
	assert.Equal(t, "http://gpu-box:11434", cfg.Embeddings.OllamaHost)
}

func TestLoad_GitHubTokenPrecedence(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "primary")
	t.Setenv("GH_TOKEN", "secondary")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "primary", cfg.PRHistory.Token)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Index.Workers = -1 }},
		{"zero dims", func(c *Config) { c.Embeddings.Dimensions = -5 }},
		{"bad backend", func(c *Config) { c.Search.LexicalBackend = "elastic" }},
		{"threshold above one", func(c *Config) { c.Search.Threshold = 1.5 }},
		{"code threshold above one", func(c *Config) { c.Search.CodeThreshold = 1.5 }},
		{"bad format", func(c *Config) { c.Output.Format = "xml" }},
		{"bad duration", func(c *Config) { c.PRHistory.Timeout = "5 parsecs" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetCode(err))
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 120*time.Second, cfg.ScanTimeout())
	assert.Equal(t, 300*time.Second, cfg.CrawlTimeout())
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout())

	cfg.PRHistory.Timeout = "45s"
	assert.Equal(t, 45*time.Second, cfg.CrawlTimeout())

	cfg.PRHistory.Timeout = "garbage"
	assert.Equal(t, 300*time.Second, cfg.CrawlTimeout())
}

func TestProjectDataDir_StableHash(t *testing.T) {
	t.Setenv("REVIEWLOOP_DATA_DIR", "/data/rl")

	a, err := ProjectDataDir("/repos/svc")
	require.NoError(t, err)
	b, err := ProjectDataDir("/repos/svc")
	require.NoError(t, err)
	c, err := ProjectDataDir("/repos/other")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "/data/rl/projects/"))
	assert.Len(t, filepath.Base(a), 12)
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := NewConfig()
	cfg.Index.Workers = 7
	cfg.LLM.APIKey = "secret"
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret", "credentials must never be persisted")

	loaded := NewConfig()
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, 7, loaded.Index.Workers)
}
