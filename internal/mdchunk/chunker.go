// Package mdchunk splits markdown documents into heading-bounded sections.
//
// Sections are the retrieval unit for documentation: each H2/H3 heading
// outside a fenced code block opens a new section, and the document title
// (first H1 within the first five non-blank lines, or the file name) is
// attached to every section for scoring.
package mdchunk

import (
	"path/filepath"
	"strings"
)

// titleSearchLines is how many non-blank lines are inspected for the H1.
const titleSearchLines = 5

// Section is a contiguous segment of a markdown document bounded by
// H2/H3 headings.
type Section struct {
	// DocumentTitle is the document H1, or the file name without
	// extension when no H1 was found. Shared by all sections of a
	// document.
	DocumentTitle string

	// HeadingText is the H2/H3 heading text. Empty for the preamble
	// section before the first heading and for the whole-document
	// fallback section.
	HeadingText string

	// HeadingLevel is 2 or 3, or 0 for preamble/fallback sections.
	HeadingLevel int

	// Content is the section body, trimmed.
	Content string

	// StartLine is the 1-based line of the heading within the original
	// document. Preamble and fallback sections start at line 1.
	StartLine int

	// Order is the section position within the document, starting at 0.
	Order int
}

// Chunk splits markdown content into sections.
// Sections whose content is empty after trimming are discarded. A document
// with no H2/H3 headings outside code fences yields a single section
// containing the body minus the H1 line.
func Chunk(content, filePath string) []Section {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	title, titleLine := documentTitle(lines, filePath)

	type rawSection struct {
		heading   string
		level     int
		startLine int
		bodyStart int // index into lines of the first body line
		bodyEnd   int // exclusive
	}

	var raws []rawSection
	// Preamble tracks content before the first H2/H3.
	current := rawSection{startLine: 1, bodyStart: 0}

	fence := fenceTracker{}
	for i, line := range lines {
		if fence.observe(line) {
			continue
		}
		level, heading := headingAt(line)
		if level != 2 && level != 3 {
			continue
		}

		current.bodyEnd = i
		raws = append(raws, current)
		current = rawSection{
			heading:   heading,
			level:     level,
			startLine: i + 1,
			bodyStart: i + 1,
		}
	}
	current.bodyEnd = len(lines)
	raws = append(raws, current)

	var sections []Section
	for _, raw := range raws {
		body := sectionBody(lines, raw.bodyStart, raw.bodyEnd, titleLine)
		if body == "" {
			continue
		}
		sections = append(sections, Section{
			DocumentTitle: title,
			HeadingText:   raw.heading,
			HeadingLevel:  raw.level,
			Content:       body,
			StartLine:     raw.startLine,
			Order:         len(sections),
		})
	}

	return sections
}

// documentTitle returns the document title and the 0-based index of the H1
// line, or -1 when the title came from the file name.
func documentTitle(lines []string, filePath string) (string, int) {
	nonBlank := 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonBlank++
		if nonBlank > titleSearchLines {
			break
		}
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# ")), i
		}
	}

	base := filepath.Base(filePath)
	return strings.TrimSuffix(base, filepath.Ext(base)), -1
}

// headingAt returns the heading level and text when line is an ATX heading,
// or (0, "") otherwise.
func headingAt(line string) (int, string) {
	trimmed := line
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, ""
	}
	if level >= len(trimmed) || trimmed[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(trimmed[level+1:])
}

// sectionBody joins the body lines, skipping the H1 line, and trims the
// result.
func sectionBody(lines []string, start, end, titleLine int) string {
	var b strings.Builder
	for i := start; i < end && i < len(lines); i++ {
		if i == titleLine {
			continue
		}
		b.WriteString(lines[i])
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// fenceTracker toggles on fenced code block delimiters (``` or ~~~,
// optionally indented up to three spaces). While inside a fence, headings
// are not section boundaries.
type fenceTracker struct {
	inFence bool
	marker  byte
}

// observe processes one line and reports whether the line is inside a
// fenced block (including the fence delimiters themselves).
func (f *fenceTracker) observe(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		// Indented four or more spaces: literal content, not a fence.
		return f.inFence
	}

	isBacktick := strings.HasPrefix(trimmed, "```")
	isTilde := strings.HasPrefix(trimmed, "~~~")
	if !isBacktick && !isTilde {
		return f.inFence
	}

	marker := byte('`')
	if isTilde {
		marker = '~'
	}

	if !f.inFence {
		f.inFence = true
		f.marker = marker
		return true
	}
	// Only the matching marker closes the fence.
	if f.marker == marker {
		f.inFence = false
	}
	return true
}
