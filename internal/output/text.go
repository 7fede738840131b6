package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/reviewloop/reviewloop/internal/review"
)

// Severity palette (256-color indexes).
const (
	colorCritical = "196"
	colorWarning  = "220"
	colorMuted    = "245"
	colorHeader   = "255"
)

type textStyles struct {
	header     lipgloss.Style
	critical   lipgloss.Style
	warning    lipgloss.Style
	suggestion lipgloss.Style
	muted      lipgloss.Style
}

func newTextStyles(noColor bool) textStyles {
	if noColor {
		plain := lipgloss.NewStyle()
		return textStyles{header: plain, critical: plain, warning: plain, suggestion: plain, muted: plain}
	}
	return textStyles{
		header:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorHeader)),
		critical:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorCritical)),
		warning:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarning)),
		suggestion: lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)),
		muted:      lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)),
	}
}

func (s textStyles) severity(sev string) lipgloss.Style {
	switch sev {
	case review.SeverityCritical:
		return s.critical
	case review.SeverityWarning:
		return s.warning
	}
	return s.suggestion
}

// renderText writes the terminal format: findings grouped by file,
// severity-colored, with an overall summary and a stats footer.
func renderText(w io.Writer, rev *review.Review, noColor bool) error {
	styles := newTextStyles(noColor)

	for i := range rev.Files {
		fr := &rev.Files[i]
		if _, err := fmt.Fprintln(w, styles.header.Render(fr.Path)); err != nil {
			return err
		}
		if fr.Failed {
			fmt.Fprintf(w, "  %s\n\n", styles.critical.Render("review failed: "+fr.Error))
			continue
		}
		for _, f := range fr.Findings {
			label := styles.severity(f.Severity).Render("[" + f.Severity + "]")
			fmt.Fprintf(w, "  %s %s %s\n", label, styles.muted.Render(lineRef(f.Line)), f.Message)
		}
		if len(fr.Findings) == 0 {
			fmt.Fprintf(w, "  %s\n", styles.muted.Render("no findings"))
		}
		if fr.Summary != "" {
			fmt.Fprintf(w, "\n%s\n", indent(fr.Summary, "  "))
		}
		fmt.Fprintln(w)
	}

	if rev.Summary != "" {
		fmt.Fprintf(w, "%s\n%s\n\n", styles.header.Render("Summary"), indent(rev.Summary, "  "))
	}

	st := rev.Stats
	_, err := fmt.Fprintln(w, styles.muted.Render(fmt.Sprintf(
		"%d file(s) reviewed, %d failed, %d skipped: %d finding(s), %d critical, %d warning, %d suggestion (%s)",
		st.FilesReviewed, st.FilesFailed, st.FilesSkipped,
		st.Findings, st.Critical, st.Warnings, st.Suggestions,
		st.Duration.Round(10*time.Millisecond))))
	return err
}

func lineRef(line int) string {
	if line <= 0 {
		return "file"
	}
	return fmt.Sprintf("L%d", line)
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
