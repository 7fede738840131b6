package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/reviewloop/reviewloop/internal/review"
)

// renderMarkdown writes a PR-comment-ready markdown report.
func renderMarkdown(w io.Writer, rev *review.Review) error {
	var sb strings.Builder
	sb.WriteString("## Code review\n\n")

	if rev.Summary != "" {
		sb.WriteString(rev.Summary)
		sb.WriteString("\n\n")
	}

	for i := range rev.Files {
		fr := &rev.Files[i]
		fmt.Fprintf(&sb, "### `%s`\n\n", fr.Path)
		if fr.Failed {
			fmt.Fprintf(&sb, "_Review failed: %s_\n\n", fr.Error)
			continue
		}
		for _, f := range fr.Findings {
			fmt.Fprintf(&sb, "- **%s** (%s): %s\n", f.Severity, mdLineRef(fr.Path, f.Line), f.Message)
		}
		if len(fr.Findings) == 0 {
			sb.WriteString("_No findings._\n")
		}
		if fr.Summary != "" {
			fmt.Fprintf(&sb, "\n%s\n", strings.TrimSpace(fr.Summary))
		}
		sb.WriteString("\n")
	}

	st := rev.Stats
	fmt.Fprintf(&sb,
		"---\n\n_%d file(s) reviewed, %d finding(s): %d critical, %d warning, %d suggestion._\n",
		st.FilesReviewed, st.Findings, st.Critical, st.Warnings, st.Suggestions)

	_, err := io.WriteString(w, sb.String())
	return err
}

func mdLineRef(path string, line int) string {
	if line <= 0 {
		return "file-level"
	}
	return fmt.Sprintf("%s:%d", path, line)
}
