package review

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Severity levels, most to least urgent.
const (
	SeverityCritical   = "critical"
	SeverityWarning    = "warning"
	SeveritySuggestion = "suggestion"
)

// dedupMessageChars is how much of a finding message participates in
// the duplicate key.
const dedupMessageChars = 80

// parsedReview is the raw shape decoded from a model response.
type parsedReview struct {
	Summary  string          `json:"summary"`
	Findings []parsedFinding `json:"findings"`
}

type parsedFinding struct {
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

var (
	fencedJSONRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bulletLineRegex = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.+)$`)
)

// parseReview decodes a review completion. Strategies run in order:
// whole-body JSON, fenced code block, outermost brace slice, and
// finally a line heuristic that turns bullet points into suggestions.
// It always produces a result.
func parseReview(text string) parsedReview {
	trimmed := strings.TrimSpace(text)

	var out parsedReview
	if json.Unmarshal([]byte(trimmed), &out) == nil {
		return out
	}

	if m := fencedJSONRegex.FindStringSubmatch(trimmed); m != nil {
		out = parsedReview{}
		if json.Unmarshal([]byte(m[1]), &out) == nil {
			return out
		}
	}

	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		out = parsedReview{}
		if json.Unmarshal([]byte(trimmed[start:end+1]), &out) == nil {
			return out
		}
	}

	return lineHeuristic(trimmed)
}

// lineHeuristic salvages findings from free-form text: bullet and
// numbered lines become suggestion-severity findings, the raw text is
// kept as the summary.
func lineHeuristic(text string) parsedReview {
	out := parsedReview{Summary: text}
	for _, line := range strings.Split(text, "\n") {
		if m := bulletLineRegex.FindStringSubmatch(line); m != nil {
			out.Findings = append(out.Findings, parsedFinding{
				Severity: SeveritySuggestion,
				Message:  strings.TrimSpace(m[1]),
			})
		}
	}
	return out
}

// normalizeFindings canonicalizes severities, clamps lines to the file
// (0 means file-level), and drops duplicates by line plus message
// prefix.
func normalizeFindings(findings []parsedFinding, lineCount int) []Finding {
	seen := make(map[string]bool, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		message := strings.TrimSpace(f.Message)
		if message == "" {
			continue
		}

		severity := strings.ToLower(strings.TrimSpace(f.Severity))
		switch severity {
		case SeverityCritical, SeverityWarning, SeveritySuggestion:
		default:
			severity = SeveritySuggestion
		}

		line := f.Line
		if line < 0 {
			line = 0
		}
		if line > lineCount {
			line = lineCount
		}

		key := dedupKey(line, message)
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, Finding{Line: line, Severity: severity, Message: message})
	}
	return out
}

func dedupKey(line int, message string) string {
	lowered := strings.ToLower(message)
	if len(lowered) > dedupMessageChars {
		lowered = lowered[:dedupMessageChars]
	}
	return strconv.Itoa(line) + "\x00" + lowered
}
