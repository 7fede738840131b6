package review

import (
	"strings"
	"text/template"

	"github.com/reviewloop/reviewloop/internal/classify"
	"github.com/reviewloop/reviewloop/internal/embed"
)

const systemPrompt = `You are a senior software engineer reviewing a code change. ` +
	`Focus on correctness, security, and maintainability issues a human reviewer would flag. ` +
	`Do not comment on style the project's own code contradicts. ` +
	`Respond with a single JSON object and nothing else: ` +
	`{"summary": "<one paragraph>", "findings": [{"line": <number, 0 for file-level>, ` +
	`"severity": "critical|warning|suggestion", "message": "<finding>"}]}`

const holisticSystemPrompt = `You are a senior software engineer summarizing a multi-file code review. ` +
	`Identify cross-file themes: repeated mistakes, inconsistent approaches, missing tests. ` +
	`Respond with a single JSON object and nothing else: ` +
	`{"summary": "<cross-file themes>", "files": [{"path": "<file path>", "note": "<per-file remark>"}]}`

// codeSectionLineBudget bounds the similar-code section of a prompt.
const codeSectionLineBudget = 300

var filePrompt = template.Must(template.New("file").Parse(`Review the following file.

## File: {{.Path}}{{if .Language}} ({{.Language}}){{end}}
{{if .Truncated}}(truncated to the first {{.ContentLines}} lines)
{{end}}` + "```" + `
{{.Content}}
` + "```" + `
{{- if .Diff}}

## Change diff
` + "```diff" + `
{{.Diff}}
` + "```" + `
{{- end}}
{{- if .Guidelines}}

## Team guidelines
{{- range .Guidelines}}
### {{.Title}} ({{.Path}}{{if .Heading}} - {{.Heading}}{{end}})
{{.Content}}
{{- end}}
{{- end}}
{{- if .Code}}

## Similar code in this project
{{- range .Code}}
### {{.Path}}
` + "```" + `
{{.Content}}
` + "```" + `
{{- end}}
{{- end}}
{{- if .Structure}}

## Project structure
` + "```" + `
{{.Structure}}
` + "```" + `
{{- end}}
{{- if .Comments}}

## Past review comments on similar code
{{- range .Comments}}
- {{.Author}} (PR #{{.PRNumber}}{{if .FilePath}}, {{.FilePath}}{{end}}): {{.Body}}
{{- end}}
{{- end}}

Report only findings you are confident about. Reply with the JSON object.`))

var holisticPrompt = template.Must(template.New("holistic").Parse(`The following files were reviewed individually.

{{- range .Files}}

## {{.Path}}{{if .Failed}} (review failed){{end}}
{{- if .Summary}}
{{.Summary}}
{{- end}}
{{- range .Findings}}
- [{{.Severity}}] line {{.Line}}: {{.Message}}
{{- end}}
{{- end}}
{{- if .Guidelines}}

## Guideline documents consulted
{{- range .Guidelines}}
- {{.Path}}{{if .Chunk.Heading}} - {{.Chunk.Heading}}{{end}}
{{- end}}
{{- end}}
{{- if .Code}}

## Similar code consulted
{{- range .Code}}
- {{.Path}}
{{- end}}
{{- end}}
{{- if .Comments}}

## Past review comments consulted
{{- range .Comments}}
- {{.Author}} (PR #{{.PRNumber}}): {{.Body}}
{{- end}}
{{- end}}

Summarize the cross-file themes. Reply with the JSON object.`))

type guidelineSection struct {
	Path    string
	Title   string
	Heading string
	Content string
}

type codeSection struct {
	Path    string
	Content string
}

type commentSection struct {
	Author   string
	PRNumber int
	FilePath string
	Body     string
}

type promptData struct {
	Path         string
	Language     string
	Content      string
	ContentLines int
	Truncated    bool
	Diff         string
	Guidelines   []guidelineSection
	Code         []codeSection
	Structure    string
	Comments     []commentSection
}

// buildPrompt renders the single-file review prompt from the gathered
// context.
func (r *Reviewer) buildPrompt(req *FileRequest, g *gathered) (string, error) {
	lineBudget := r.cfg.Review.FileLines
	if req.Diff == "" {
		lineBudget = r.cfg.Review.PrimaryFileLines
	}
	content, truncated := firstLines(req.Content, lineBudget)

	data := promptData{
		Path:         req.Path,
		Language:     g.language,
		Content:      strings.TrimRight(content, "\n"),
		ContentLines: lineBudget,
		Truncated:    truncated,
		Diff:         strings.TrimSpace(req.Diff),
	}

	for _, doc := range g.guidelines {
		data.Guidelines = append(data.Guidelines, guidelineSection{
			Path:    doc.Path,
			Title:   doc.Title,
			Heading: doc.Chunk.Heading,
			Content: truncateChars(doc.Chunk.Content, r.cfg.Review.GuidelineChars),
		})
	}

	remaining := codeSectionLineBudget
	for _, match := range g.code {
		if match.IsStructure {
			structure, _ := firstLines(match.Content, codeSectionLineBudget/2)
			data.Structure = strings.TrimRight(structure, "\n")
			continue
		}
		if remaining <= 0 {
			break
		}
		snippet, _ := firstLines(match.Content, remaining)
		remaining -= strings.Count(snippet, "\n") + 1
		data.Code = append(data.Code, codeSection{
			Path:    match.Path,
			Content: strings.TrimRight(snippet, "\n"),
		})
	}

	for _, cm := range g.comments {
		data.Comments = append(data.Comments, commentSection{
			Author:   cm.Author,
			PRNumber: cm.PRNumber,
			FilePath: cm.FilePath,
			Body:     strings.ReplaceAll(strings.TrimSpace(cm.Body), "\n", " "),
		})
	}

	var sb strings.Builder
	if err := filePrompt.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// guidelineQueryExcerptChars caps the code excerpt appended to the
// guideline retrieval query.
const guidelineQueryExcerptChars = 1500

// guidelineQuery is the retrieval query for team guidelines: the change
// area, detected technologies and keywords, and a short excerpt of the
// reviewed code for the lexical side.
func guidelineQuery(change classify.Context, content string) string {
	var parts []string
	if !change.Area.Neutral() {
		parts = append(parts, string(change.Area))
	}
	parts = append(parts, change.Tech...)
	parts = append(parts, change.Keywords...)
	parts = append(parts, "code review guidelines best practices")
	if excerpt := strings.TrimSpace(embed.Truncate(content, guidelineQueryExcerptChars)); excerpt != "" {
		parts = append(parts, excerpt)
	}
	return strings.Join(parts, " ")
}

// firstLines returns at most n lines of s and whether it was cut.
func firstLines(s string, n int) (string, bool) {
	if n <= 0 {
		return s, false
	}
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			count++
			if count >= n {
				return s[:i+1], true
			}
		}
	}
	return s, false
}

func truncateChars(s string, n int) string {
	return embed.Truncate(strings.TrimSpace(s), n)
}
