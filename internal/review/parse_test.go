package review

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReview_DirectJSON(t *testing.T) {
	out := parseReview(`{"summary": "looks fine", "findings": [
		{"line": 3, "severity": "warning", "message": "unchecked error"}]}`)

	assert.Equal(t, "looks fine", out.Summary)
	assert.Len(t, out.Findings, 1)
	assert.Equal(t, 3, out.Findings[0].Line)
}

func TestParseReview_FencedBlock(t *testing.T) {
	out := parseReview("Here is my review:\n```json\n" +
		`{"summary": "ok", "findings": [{"line": 1, "severity": "critical", "message": "sql injection"}]}` +
		"\n```\nLet me know.")

	assert.Equal(t, "ok", out.Summary)
	assert.Len(t, out.Findings, 1)
	assert.Equal(t, "sql injection", out.Findings[0].Message)
}

func TestParseReview_BraceSlice(t *testing.T) {
	out := parseReview(`Sure! {"summary": "fine", "findings": []} Hope that helps.`)

	assert.Equal(t, "fine", out.Summary)
	assert.Empty(t, out.Findings)
}

func TestParseReview_LineHeuristic(t *testing.T) {
	text := strings.Join([]string{
		"The change mostly looks good.",
		"- consider extracting the retry loop",
		"* the timeout constant is duplicated",
		"2. missing test for the empty case",
		"not a bullet line",
	}, "\n")
	out := parseReview(text)

	assert.Equal(t, text, out.Summary)
	assert.Len(t, out.Findings, 3)
	for _, f := range out.Findings {
		assert.Equal(t, SeveritySuggestion, f.Severity)
		assert.Zero(t, f.Line)
	}
	assert.Equal(t, "consider extracting the retry loop", out.Findings[0].Message)
}

func TestNormalizeFindings(t *testing.T) {
	findings := []parsedFinding{
		{Line: 2, Severity: "CRITICAL", Message: "bad"},
		{Line: -5, Severity: "nit", Message: "negative line"},
		{Line: 999, Severity: "warning", Message: "past the end"},
		{Line: 1, Severity: "warning", Message: "   "},
		{Line: 2, Severity: "suggestion", Message: "BAD"},
	}

	out := normalizeFindings(findings, 10)
	assert.Len(t, out, 3)
	assert.Equal(t, SeverityCritical, out[0].Severity)
	assert.Equal(t, 0, out[1].Line)
	assert.Equal(t, SeveritySuggestion, out[1].Severity)
	assert.Equal(t, 10, out[2].Line)
}

func TestNormalizeFindings_DedupPrefix(t *testing.T) {
	long := strings.Repeat("a", dedupMessageChars)
	findings := []parsedFinding{
		{Line: 4, Severity: "warning", Message: long + " first tail"},
		{Line: 4, Severity: "warning", Message: long + " second tail"},
		{Line: 5, Severity: "warning", Message: long + " first tail"},
	}

	out := normalizeFindings(findings, 100)
	assert.Len(t, out, 2)
}

func TestParseHolistic(t *testing.T) {
	out := parseHolistic(`{"summary": "themes", "files": [{"path": "a.go", "note": "n"}]}`)
	assert.Equal(t, "themes", out.Summary)
	assert.Len(t, out.Files, 1)

	freeform := parseHolistic("no json here at all")
	assert.Equal(t, "no json here at all", freeform.Summary)
	assert.Empty(t, freeform.Files)
}
