// Package config loads and validates reviewloop configuration.
//
// Configuration is applied in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User config (~/.config/reviewloop/config.yaml)
//  3. Project config (.reviewloop.yaml in the project root)
//  4. Environment variables
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/logging"
)

// Config represents the complete reviewloop configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Paths      PathsConfig      `yaml:"paths"`
	Index      IndexConfig      `yaml:"index"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Search     SearchConfig     `yaml:"search"`
	Review     ReviewConfig     `yaml:"review"`
	PRHistory  PRHistoryConfig  `yaml:"pr_history"`
	LLM        LLMConfig        `yaml:"llm"`
	Logging    LoggingConfig    `yaml:"logging"`
	Output     OutputConfig     `yaml:"output"`
}

// PathsConfig configures which paths to include and exclude when indexing.
type PathsConfig struct {
	// Include holds glob patterns for files to index. Empty means the
	// built-in defaults (code extensions plus markdown).
	Include []string `yaml:"include"`
	// Exclude holds user glob patterns matched with dotfiles included.
	Exclude []string `yaml:"exclude"`
}

// IndexConfig configures the file indexer.
type IndexConfig struct {
	// MaxFileBytes is the size cap for code files (default 1 MiB).
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	// MaxDocBytes is the size cap for markdown documents (default 5 MiB).
	MaxDocBytes int64 `yaml:"max_doc_bytes"`
	// MaxLines truncates code file content before embedding (default 1000).
	MaxLines int `yaml:"max_lines"`
	// Workers is the indexing worker pool size (default 10).
	Workers int `yaml:"workers"`
	// ScanTimeout bounds the directory walk (default "120s").
	ScanTimeout string `yaml:"scan_timeout"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the embedder: "ollama" (default) or "static".
	Provider string `yaml:"provider"`
	// Model is the embedding model name (default "all-minilm").
	Model string `yaml:"model"`
	// Dimensions is the embedding width (default 384).
	Dimensions int `yaml:"dimensions"`
	// BatchSize is texts per embed call (default 100).
	BatchSize int `yaml:"batch_size"`
	// OllamaHost is the Ollama endpoint (default http://localhost:11434).
	OllamaHost string `yaml:"ollama_host"`
	// CacheSize is the LRU size for query/title embeddings (default 1000).
	CacheSize int `yaml:"cache_size"`
	// FallbackStatic falls back to the hash embedder when the provider is
	// unreachable (default true).
	FallbackStatic bool `yaml:"fallback_static"`
	// MaxEmbedChars truncates file/chunk content before embedding
	// (default 10000).
	MaxEmbedChars int `yaml:"max_embed_chars"`
	// MaxCommentChars truncates PR comment content before embedding
	// (default 8000).
	MaxCommentChars int `yaml:"max_comment_chars"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	// LexicalBackend selects the lexical index: "bleve" (default) or "fts5".
	LexicalBackend string `yaml:"lexical_backend"`
	// RRFConstant is the fusion smoothing parameter k (default 60).
	RRFConstant int `yaml:"rrf_constant"`
	// Threshold drops matches below this similarity (default 0.05).
	Threshold float64 `yaml:"threshold"`
	// DocCandidates is the candidate pool for guideline retrieval (default 100).
	DocCandidates int `yaml:"doc_candidates"`
	// CodeCandidates is the candidate pool for similar-code retrieval (default 40).
	CodeCandidates int `yaml:"code_candidates"`
	// CodeThreshold drops similar-code matches below this similarity (default 0.3).
	CodeThreshold float64 `yaml:"code_threshold"`
	// MaxDocs is the number of guideline documents returned (default 4).
	MaxDocs int `yaml:"max_docs"`
	// MaxCode is the number of similar-code matches returned (default 8).
	MaxCode int `yaml:"max_code"`
}

// ReviewConfig configures the review orchestrator.
type ReviewConfig struct {
	// MaxFiles caps the files reviewed in one branch run (default 40).
	MaxFiles int `yaml:"max_files"`
	// Parallelism bounds concurrent per-file reviews (default 3).
	Parallelism int `yaml:"parallelism"`
	// FileLines truncates reviewed file content in prompts (default 300).
	FileLines int `yaml:"file_lines"`
	// PrimaryFileLines truncates the primary file when reviewing without a
	// diff (default 400).
	PrimaryFileLines int `yaml:"primary_file_lines"`
	// GuidelineChars truncates each guideline chunk in prompts (default 500).
	GuidelineChars int `yaml:"guideline_chars"`
	// PastComments is the number of historical PR comments included (default 5).
	PastComments int `yaml:"past_comments"`
	// Holistic enables the cross-file summary pass (default true).
	Holistic bool `yaml:"holistic"`
}

// PRHistoryConfig configures PR comment crawling and search.
type PRHistoryConfig struct {
	// Repository is the GitHub repo as "owner/name". Empty means derive
	// from the origin remote.
	Repository string `yaml:"repository"`
	// MaxPRs bounds how many pull requests one crawl visits (default 50).
	MaxPRs int `yaml:"max_prs"`
	// Timeout bounds a crawl run (default "300s").
	Timeout string `yaml:"timeout"`
	// SimilarityThreshold filters comment matches (default 0.05).
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// Token is the GitHub token. Env only, never persisted.
	Token string `yaml:"-"`
}

// LLMConfig configures the review LLM.
type LLMConfig struct {
	// Provider is the LLM provider ("anthropic").
	Provider string `yaml:"provider"`
	// Model is the model identifier.
	Model string `yaml:"model"`
	// MaxTokens caps the completion length (default 4096).
	MaxTokens int `yaml:"max_tokens"`
	// Temperature for review calls (default 0 for determinism).
	Temperature float64 `yaml:"temperature"`
	// BaseURL overrides the API endpoint (default https://api.anthropic.com).
	BaseURL string `yaml:"base_url"`
	// Timeout bounds a single completion call (default "120s").
	Timeout string `yaml:"timeout"`
	// APIKey is the API key. Env only, never persisted.
	APIKey string `yaml:"-"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
	Stderr    bool   `yaml:"stderr"`
}

// OutputConfig configures CLI rendering.
type OutputConfig struct {
	// Format is "text", "json", or "markdown".
	Format string `yaml:"format"`
	// Color is "auto", "always", or "never".
	Color string `yaml:"color"`
}

// NewConfig creates a new Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Include: []string{},
			Exclude: []string{},
		},
		Index: IndexConfig{
			MaxFileBytes: 1 << 20,
			MaxDocBytes:  5 << 20,
			MaxLines:     1000,
			Workers:      10,
			ScanTimeout:  "120s",
		},
		Embeddings: EmbeddingsConfig{
			Provider:        "ollama",
			Model:           "all-minilm",
			Dimensions:      384,
			BatchSize:       100,
			OllamaHost:      "",
			CacheSize:       1000,
			FallbackStatic:  true,
			MaxEmbedChars:   10000,
			MaxCommentChars: 8000,
		},
		Search: SearchConfig{
			LexicalBackend: "bleve",
			RRFConstant:    60,
			Threshold:      0.05,
			DocCandidates:  100,
			CodeCandidates: 40,
			CodeThreshold:  0.3,
			MaxDocs:        4,
			MaxCode:        8,
		},
		Review: ReviewConfig{
			MaxFiles:         40,
			Parallelism:      3,
			FileLines:        300,
			PrimaryFileLines: 400,
			GuidelineChars:   500,
			PastComments:     5,
			Holistic:         true,
		},
		PRHistory: PRHistoryConfig{
			MaxPRs:              50,
			Timeout:             "300s",
			SimilarityThreshold: 0.05,
		},
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			MaxTokens:   4096,
			Temperature: 0,
			Timeout:     "120s",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Output: OutputConfig{
			Format: "text",
			Color:  "auto",
		},
	}
}

// Load loads configuration for the given project directory.
func Load(projectDir string) (*Config, error) {
	return LoadWithFile(projectDir, "")
}

// LoadWithFile loads configuration, preferring an explicit config path
// when given.
func LoadWithFile(projectDir, explicit string) (*Config, error) {
	cfg := NewConfig()

	if explicit == "" {
		explicit = os.Getenv("REVIEWLOOP_CONFIG")
	}

	if explicit != "" {
		if err := cfg.loadYAML(explicit); err != nil {
			return nil, err
		}
	} else {
		if userCfg := userConfigPath(); fileExists(userCfg) {
			if err := cfg.loadYAML(userCfg); err != nil {
				return nil, err
			}
		}
		for _, name := range []string{".reviewloop.yaml", ".reviewloop.yml"} {
			p := filepath.Join(projectDir, name)
			if fileExists(p) {
				if err := cfg.loadYAML(p); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// userConfigPath returns the user-level config path following XDG.
func userConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "reviewloop", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "reviewloop", "config.yaml")
	}
	return filepath.Join(home, ".config", "reviewloop", "config.yaml")
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeConfigNotFound, err, "read config %s", path)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return errors.Wrapf(errors.ErrCodeConfigInvalid, err, "parse config %s", path)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if len(other.Paths.Include) > 0 {
		c.Paths.Include = other.Paths.Include
	}
	if len(other.Paths.Exclude) > 0 {
		c.Paths.Exclude = append(c.Paths.Exclude, other.Paths.Exclude...)
	}

	mergeInt64(&c.Index.MaxFileBytes, other.Index.MaxFileBytes)
	mergeInt64(&c.Index.MaxDocBytes, other.Index.MaxDocBytes)
	mergeInt(&c.Index.MaxLines, other.Index.MaxLines)
	mergeInt(&c.Index.Workers, other.Index.Workers)
	mergeString(&c.Index.ScanTimeout, other.Index.ScanTimeout)

	mergeString(&c.Embeddings.Provider, other.Embeddings.Provider)
	mergeString(&c.Embeddings.Model, other.Embeddings.Model)
	mergeInt(&c.Embeddings.Dimensions, other.Embeddings.Dimensions)
	mergeInt(&c.Embeddings.BatchSize, other.Embeddings.BatchSize)
	mergeString(&c.Embeddings.OllamaHost, other.Embeddings.OllamaHost)
	mergeInt(&c.Embeddings.CacheSize, other.Embeddings.CacheSize)
	mergeInt(&c.Embeddings.MaxEmbedChars, other.Embeddings.MaxEmbedChars)
	mergeInt(&c.Embeddings.MaxCommentChars, other.Embeddings.MaxCommentChars)

	mergeString(&c.Search.LexicalBackend, other.Search.LexicalBackend)
	mergeInt(&c.Search.RRFConstant, other.Search.RRFConstant)
	mergeFloat(&c.Search.Threshold, other.Search.Threshold)
	mergeInt(&c.Search.DocCandidates, other.Search.DocCandidates)
	mergeInt(&c.Search.CodeCandidates, other.Search.CodeCandidates)
	mergeFloat(&c.Search.CodeThreshold, other.Search.CodeThreshold)
	mergeInt(&c.Search.MaxDocs, other.Search.MaxDocs)
	mergeInt(&c.Search.MaxCode, other.Search.MaxCode)

	mergeInt(&c.Review.MaxFiles, other.Review.MaxFiles)
	mergeInt(&c.Review.Parallelism, other.Review.Parallelism)
	mergeInt(&c.Review.FileLines, other.Review.FileLines)
	mergeInt(&c.Review.PrimaryFileLines, other.Review.PrimaryFileLines)
	mergeInt(&c.Review.GuidelineChars, other.Review.GuidelineChars)
	mergeInt(&c.Review.PastComments, other.Review.PastComments)

	mergeString(&c.PRHistory.Repository, other.PRHistory.Repository)
	mergeInt(&c.PRHistory.MaxPRs, other.PRHistory.MaxPRs)
	mergeString(&c.PRHistory.Timeout, other.PRHistory.Timeout)
	mergeFloat(&c.PRHistory.SimilarityThreshold, other.PRHistory.SimilarityThreshold)

	mergeString(&c.LLM.Provider, other.LLM.Provider)
	mergeString(&c.LLM.Model, other.LLM.Model)
	mergeInt(&c.LLM.MaxTokens, other.LLM.MaxTokens)
	mergeFloat(&c.LLM.Temperature, other.LLM.Temperature)
	mergeString(&c.LLM.BaseURL, other.LLM.BaseURL)
	mergeString(&c.LLM.Timeout, other.LLM.Timeout)

	mergeString(&c.Logging.Level, other.Logging.Level)
	mergeString(&c.Logging.File, other.Logging.File)
	mergeInt(&c.Logging.MaxSizeMB, other.Logging.MaxSizeMB)
	mergeInt(&c.Logging.MaxFiles, other.Logging.MaxFiles)
	if other.Logging.Stderr {
		c.Logging.Stderr = true
	}

	mergeString(&c.Output.Format, other.Output.Format)
	mergeString(&c.Output.Color, other.Output.Color)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeInt64(dst *int64, v int64) {
	if v != 0 {
		*dst = v
	}
}

func mergeFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides reads credentials and endpoint overrides from the
// environment. Env always wins over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.PRHistory.Token = v
	} else if v := os.Getenv("GH_TOKEN"); v != "" {
		c.PRHistory.Token = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Index.Workers <= 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "index.workers must be positive, got %d", c.Index.Workers)
	}
	if c.Embeddings.Dimensions <= 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.BatchSize <= 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	switch c.Search.LexicalBackend {
	case "bleve", "fts5":
	default:
		return errors.Newf(errors.ErrCodeConfigInvalid, "search.lexical_backend must be bleve or fts5, got %q", c.Search.LexicalBackend)
	}
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "search.threshold must be in [0,1], got %g", c.Search.Threshold)
	}
	if c.Search.CodeThreshold < 0 || c.Search.CodeThreshold > 1 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "search.code_threshold must be in [0,1], got %g", c.Search.CodeThreshold)
	}
	if c.PRHistory.SimilarityThreshold < 0 || c.PRHistory.SimilarityThreshold > 1 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "pr_history.similarity_threshold must be in [0,1], got %g", c.PRHistory.SimilarityThreshold)
	}
	switch c.Output.Format {
	case "text", "json", "markdown":
	default:
		return errors.Newf(errors.ErrCodeConfigInvalid, "output.format must be text, json, or markdown, got %q", c.Output.Format)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"index.scan_timeout", c.Index.ScanTimeout},
		{"pr_history.timeout", c.PRHistory.Timeout},
		{"llm.timeout", c.LLM.Timeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return errors.Newf(errors.ErrCodeConfigInvalid, "%s is not a duration: %q", field.name, field.value)
		}
	}
	return nil
}

// ScanTimeout returns the parsed directory scan deadline.
func (c *Config) ScanTimeout() time.Duration {
	return parseDurationOr(c.Index.ScanTimeout, 120*time.Second)
}

// CrawlTimeout returns the parsed PR history crawl deadline.
func (c *Config) CrawlTimeout() time.Duration {
	return parseDurationOr(c.PRHistory.Timeout, 300*time.Second)
}

// LLMTimeout returns the parsed per-completion deadline.
func (c *Config) LLMTimeout() time.Duration {
	return parseDurationOr(c.LLM.Timeout, 120*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ProjectDataDir returns the per-project state directory under the data
// root: ~/.reviewloop/projects/<first 12 hex of sha256(abs path)>.
func ProjectDataDir(projectPath string) (string, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return "", errors.Wrapf(errors.ErrCodeInvalidInput, err, "resolve project path %s", projectPath)
	}
	sum := sha256.Sum256([]byte(abs))
	hash := hex.EncodeToString(sum[:])[:12]
	return filepath.Join(logging.DataRoot(), "projects", hash), nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeFilePermission, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFilePermission, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// String renders a redacted summary for debug logging.
func (c *Config) String() string {
	return fmt.Sprintf("config{provider=%s model=%s dims=%d backend=%s format=%s}",
		c.Embeddings.Provider, c.Embeddings.Model, c.Embeddings.Dimensions,
		c.Search.LexicalBackend, c.Output.Format)
}
