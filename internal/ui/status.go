package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// StatusInfo is the store health summary shown by the stats commands.
type StatusInfo struct {
	ProjectPath string `json:"project_path"`

	CodeFiles  int64 `json:"code_files"`
	DocChunks  int64 `json:"doc_chunks"`
	PRComments int64 `json:"pr_comments"`

	StoreSize int64 `json:"store_size"`

	// Last embedding run, zero-valued when none has completed.
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastRun   struct {
		Scanned   int `json:"scanned"`
		Processed int `json:"processed"`
		Skipped   int `json:"skipped"`
		Excluded  int `json:"excluded"`
		Failed    int `json:"failed"`
	} `json:"last_run"`

	EmbedderBackend string `json:"embedder_backend"`
	EmbedderModel   string `json:"embedder_model,omitempty"`
	EmbedderStatus  string `json:"embedder_status"` // ready, offline, static
	Dimensions      int    `json:"dimensions"`
}

// StatusRenderer displays store status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor)}
}

// Render writes the human-readable status.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Store: "+info.ProjectPath))

	_, _ = fmt.Fprintf(r.out, "  Code files:  %d\n", info.CodeFiles)
	_, _ = fmt.Fprintf(r.out, "  Doc chunks:  %d\n", info.DocChunks)
	_, _ = fmt.Fprintf(r.out, "  PR comments: %d\n", info.PRComments)
	if info.StoreSize > 0 {
		_, _ = fmt.Fprintf(r.out, "  Size:        %s\n", FormatBytes(info.StoreSize))
	}
	_, _ = fmt.Fprintln(r.out)

	if !info.LastRunAt.IsZero() {
		_, _ = fmt.Fprintf(r.out, "  Last run: %s\n", formatRelativeTime(info.LastRunAt))
		_, _ = fmt.Fprintf(r.out, "    scanned %d, processed %d, skipped %d, excluded %d, failed %d\n",
			info.LastRun.Scanned, info.LastRun.Processed, info.LastRun.Skipped,
			info.LastRun.Excluded, info.LastRun.Failed)
		_, _ = fmt.Fprintln(r.out)
	}

	_, _ = fmt.Fprintf(r.out, "  Embedder: %s", info.EmbedderBackend)
	if info.EmbedderModel != "" {
		_, _ = fmt.Fprintf(r.out, " (%s, %d dims)", info.EmbedderModel, info.Dimensions)
	}
	_, _ = fmt.Fprintf(r.out, " %s\n", r.renderStatus(info.EmbedderStatus))
	return nil
}

// RenderJSON writes the status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func (r *StatusRenderer) renderStatus(status string) string {
	switch status {
	case "ready":
		return r.styles.Success.Render(status)
	case "offline", "static":
		return r.styles.Warning.Render(status)
	case "error":
		return r.styles.Error.Render(status)
	}
	return status
}

// formatRelativeTime renders a recent timestamp as "N minutes ago",
// falling back to the date for older ones.
func formatRelativeTime(t time.Time) string {
	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	}
	return t.Format("2006-01-02 15:04")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// FormatBytes renders a byte count with a binary-unit suffix.
func FormatBytes(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	}
	return fmt.Sprintf("%d B", bytes)
}
