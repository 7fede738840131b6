package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// plainProgressInterval throttles count lines so a large run does not
// flood CI logs.
const plainProgressInterval = 500 * time.Millisecond

// PlainRenderer writes line-based progress, suitable for pipes and CI.
type PlainRenderer struct {
	mu        sync.Mutex
	out       io.Writer
	stage     Stage
	lastPrint time.Time
	errCount  int
	warnCount int
}

// NewPlainRenderer creates a plain renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output}
}

func (r *PlainRenderer) Start(context.Context) error { return nil }

// UpdateProgress prints one line per stage change or message, and
// throttled count lines within a stage.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stageChanged := event.Stage != r.stage
	r.stage = event.Stage

	msg := event.Message
	if msg == "" {
		msg = event.CurrentFile
	}

	now := time.Now()
	if !stageChanged && event.Message == "" && now.Sub(r.lastPrint) < plainProgressInterval {
		return
	}
	r.lastPrint = now

	if event.Total > 0 {
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d %s\n", event.Stage.Icon(), event.Current, event.Total, msg)
		return
	}
	if msg != "" {
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), msg)
	}
}

func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
		r.warnCount++
	} else {
		r.errCount++
	}

	if event.File != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.File, event.Err)
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
}

func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %d files, %d records in %s",
		stats.Files, stats.Records, stats.Duration.Round(100*time.Millisecond))
	if stats.Errors > 0 || stats.Warnings > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d errors, %d warnings)", stats.Errors, stats.Warnings)
	}
	_, _ = fmt.Fprintln(r.out)

	if stats.Embedder.Backend != "" {
		_, _ = fmt.Fprintf(r.out, "Embedder: %s (%s, %d dims)\n",
			stats.Embedder.Backend, stats.Embedder.Model, stats.Embedder.Dimensions)
	}
}

func (r *PlainRenderer) Stop() error { return nil }

var _ Renderer = (*PlainRenderer)(nil)
