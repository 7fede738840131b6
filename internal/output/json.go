package output

import (
	"encoding/json"
	"io"

	"github.com/reviewloop/reviewloop/internal/review"
)

// jsonReview is the machine-readable schema. It shadows review.Review
// so internal field changes never leak into the wire format.
type jsonReview struct {
	Files   []jsonFile `json:"files"`
	Summary string     `json:"summary,omitempty"`
	Stats   jsonStats  `json:"stats"`
}

type jsonFile struct {
	Path     string        `json:"path"`
	Language string        `json:"language,omitempty"`
	Summary  string        `json:"summary,omitempty"`
	Findings []jsonFinding `json:"findings"`
	Failed   bool          `json:"failed,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type jsonFinding struct {
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type jsonStats struct {
	FilesReviewed int   `json:"filesReviewed"`
	FilesFailed   int   `json:"filesFailed"`
	FilesSkipped  int   `json:"filesSkipped"`
	Findings      int   `json:"findings"`
	Critical      int   `json:"critical"`
	Warnings      int   `json:"warnings"`
	Suggestions   int   `json:"suggestions"`
	InputTokens   int   `json:"inputTokens"`
	OutputTokens  int   `json:"outputTokens"`
	DurationMs    int64 `json:"durationMs"`
}

func renderJSON(w io.Writer, rev *review.Review) error {
	out := jsonReview{
		Summary: rev.Summary,
		Files:   make([]jsonFile, 0, len(rev.Files)),
		Stats: jsonStats{
			FilesReviewed: rev.Stats.FilesReviewed,
			FilesFailed:   rev.Stats.FilesFailed,
			FilesSkipped:  rev.Stats.FilesSkipped,
			Findings:      rev.Stats.Findings,
			Critical:      rev.Stats.Critical,
			Warnings:      rev.Stats.Warnings,
			Suggestions:   rev.Stats.Suggestions,
			InputTokens:   rev.Stats.InputTokens,
			OutputTokens:  rev.Stats.OutputTokens,
			DurationMs:    rev.Stats.Duration.Milliseconds(),
		},
	}
	for i := range rev.Files {
		fr := &rev.Files[i]
		jf := jsonFile{
			Path:     fr.Path,
			Language: fr.Language,
			Summary:  fr.Summary,
			Findings: make([]jsonFinding, 0, len(fr.Findings)),
			Failed:   fr.Failed,
			Error:    fr.Error,
		}
		for _, f := range fr.Findings {
			jf.Findings = append(jf.Findings, jsonFinding(f))
		}
		out.Files = append(out.Files, jf)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
