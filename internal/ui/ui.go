// Package ui renders progress for long-running CLI operations: indexing,
// PR-history crawls, and review runs. Interactive terminals get a
// bubbletea view; pipes and CI get plain line output.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage is one phase of a long-running operation.
type Stage int

const (
	// StageScanning walks the project tree.
	StageScanning Stage = iota
	// StageEmbedding embeds and upserts records.
	StageEmbedding
	// StageCrawling pulls PR comments from GitHub.
	StageCrawling
	// StageReviewing runs per-file reviews.
	StageReviewing
	// StageComplete marks the operation finished.
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageScanning:
		return "Scanning"
	case StageEmbedding:
		return "Embedding"
	case StageCrawling:
		return "Crawling"
	case StageReviewing:
		return "Reviewing"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon is the short tag used by the plain renderer.
func (s Stage) Icon() string {
	switch s {
	case StageScanning:
		return "SCAN"
	case StageEmbedding:
		return "EMBED"
	case StageCrawling:
		return "CRAWL"
	case StageReviewing:
		return "REVIEW"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ProgressEvent is one progress update.
type ProgressEvent struct {
	Stage       Stage
	Current     int
	Total       int
	CurrentFile string
	Message     string
}

// ErrorEvent is an error or warning surfaced during an operation.
type ErrorEvent struct {
	File   string
	Err    error
	IsWarn bool
}

// EmbedderInfo describes the embedding backend in use.
type EmbedderInfo struct {
	Backend    string
	Model      string
	Dimensions int
}

// CompletionStats is the final summary of an operation.
type CompletionStats struct {
	// Files is the number of files (or PRs) processed.
	Files int
	// Records is the number of rows written or findings produced.
	Records int
	Duration time.Duration
	Errors   int
	Warnings int
	Embedder EmbedderInfo
}

// Renderer displays operation progress.
type Renderer interface {
	Start(ctx context.Context) error
	UpdateProgress(event ProgressEvent)
	AddError(event ErrorEvent)
	Complete(stats CompletionStats)
	Stop() error
}

// Config configures renderer selection and styling.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	// Title is shown in the interactive header, typically the project
	// path.
	Title string
}

// NewRenderer picks the renderer for the environment: interactive
// terminals get the bubbletea view, pipes and CI get plain lines.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY reports whether the writer is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor honors the NO_COLOR convention.
func DetectNoColor() bool {
	_, set := os.LookupEnv("NO_COLOR")
	return set
}

// DetectCI reports whether the process runs under a CI system.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, set := os.LookupEnv(v); set {
			return true
		}
	}
	return false
}
