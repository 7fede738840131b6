// Package output renders review results for the terminal, CI pipelines,
// and PR comments.
package output

import (
	"io"

	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/review"
)

// Format selects a review renderer.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates a format flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatText, FormatJSON, FormatMarkdown:
		return Format(s), nil
	case "":
		return FormatText, nil
	}
	return "", errors.Newf(errors.ErrCodeInvalidInput,
		"unknown output format %q (text, json, markdown)", s)
}

// Render writes the review in the chosen format. noColor disables
// styling for the text format and is ignored by the others.
func Render(w io.Writer, rev *review.Review, format Format, noColor bool) error {
	switch format {
	case FormatJSON:
		return renderJSON(w, rev)
	case FormatMarkdown:
		return renderMarkdown(w, rev)
	default:
		return renderText(w, rev, noColor)
	}
}
