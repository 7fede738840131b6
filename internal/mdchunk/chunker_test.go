package mdchunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_HeadingBoundaries(t *testing.T) {
	content := "# Title\n\nIntro.\n\n## A\n\nbody A\n\n## B\n\nbody B"

	sections := Chunk(content, "docs/guide.md")
	require.Len(t, sections, 3)

	for _, s := range sections {
		assert.Equal(t, "Title", s.DocumentTitle)
	}

	assert.Equal(t, "", sections[0].HeadingText)
	assert.Equal(t, 0, sections[0].HeadingLevel)
	assert.Equal(t, 1, sections[0].StartLine)
	assert.Equal(t, "Intro.", sections[0].Content)

	assert.Equal(t, "A", sections[1].HeadingText)
	assert.Equal(t, 2, sections[1].HeadingLevel)
	assert.Equal(t, 5, sections[1].StartLine)
	assert.Equal(t, "body A", sections[1].Content)

	assert.Equal(t, "B", sections[2].HeadingText)
	assert.Equal(t, 9, sections[2].StartLine)
	assert.Equal(t, "body B", sections[2].Content)

	// Orders are assigned in document order.
	for i, s := range sections {
		assert.Equal(t, i, s.Order)
	}
}

func TestChunk_TitleFallbackToFilename(t *testing.T) {
	content := "Some text without any heading.\n\nMore text."

	sections := Chunk(content, "/repo/docs/setup-notes.md")
	require.Len(t, sections, 1)
	assert.Equal(t, "setup-notes", sections[0].DocumentTitle)
	assert.Equal(t, "", sections[0].HeadingText)
	assert.Equal(t, 1, sections[0].StartLine)
}

func TestChunk_TitleMustBeInFirstFiveNonBlankLines(t *testing.T) {
	content := "one\ntwo\nthree\nfour\nfive\n# Late Title\n\n## Section\n\nbody"

	sections := Chunk(content, "notes.md")
	require.NotEmpty(t, sections)
	// H1 on the sixth non-blank line does not become the title.
	assert.Equal(t, "notes", sections[0].DocumentTitle)
}

func TestChunk_H3Boundaries(t *testing.T) {
	content := "# Doc\n\n### Deep\n\ncontent here"

	sections := Chunk(content, "doc.md")
	require.Len(t, sections, 1)
	assert.Equal(t, "Deep", sections[0].HeadingText)
	assert.Equal(t, 3, sections[0].HeadingLevel)
	assert.Equal(t, 3, sections[0].StartLine)
}

func TestChunk_HeadingsInsideFencesIgnored(t *testing.T) {
	content := "# Doc\n\n## Real\n\nbefore\n```\n## Not a heading\n```\nafter"

	sections := Chunk(content, "doc.md")
	require.Len(t, sections, 1)
	assert.Equal(t, "Real", sections[0].HeadingText)
	assert.Contains(t, sections[0].Content, "## Not a heading")
	assert.Contains(t, sections[0].Content, "after")
}

func TestChunk_TildeFences(t *testing.T) {
	content := "# Doc\n\n## S\n\n~~~\n## hidden\n~~~\ntail"

	sections := Chunk(content, "doc.md")
	require.Len(t, sections, 1)
	assert.Contains(t, sections[0].Content, "## hidden")
}

func TestChunk_MismatchedFenceMarkersDoNotClose(t *testing.T) {
	// A tilde fence is only closed by tildes; backticks inside stay literal.
	content := "## S\n\n~~~\n```\n## hidden\n~~~\nvisible\n\n## T\n\nbody"

	sections := Chunk(content, "doc.md")
	require.Len(t, sections, 2)
	assert.Equal(t, "S", sections[0].HeadingText)
	assert.Equal(t, "T", sections[1].HeadingText)
}

func TestChunk_FallbackSingleSectionExcludesTitle(t *testing.T) {
	content := "# Only Title\n\njust a paragraph\nand another line"

	sections := Chunk(content, "readme.md")
	require.Len(t, sections, 1)
	assert.Equal(t, "Only Title", sections[0].DocumentTitle)
	assert.Equal(t, "", sections[0].HeadingText)
	assert.NotContains(t, sections[0].Content, "Only Title")
	assert.Contains(t, sections[0].Content, "just a paragraph")
}

func TestChunk_EmptySectionsDiscarded(t *testing.T) {
	content := "# Doc\n\n## Empty\n\n## Full\n\ncontent"

	sections := Chunk(content, "doc.md")
	require.Len(t, sections, 1)
	assert.Equal(t, "Full", sections[0].HeadingText)
}

func TestChunk_EmptyDocument(t *testing.T) {
	assert.Nil(t, Chunk("", "empty.md"))
	assert.Nil(t, Chunk("   \n\n  ", "blank.md"))
}

func TestChunk_StartLinesStrictlyIncreasing(t *testing.T) {
	content := "# T\n\npre\n\n## A\n\na\n\n### B\n\nb\n\n## C\n\nc"

	sections := Chunk(content, "doc.md")
	require.True(t, len(sections) >= 2)
	for i := 1; i < len(sections); i++ {
		assert.Greater(t, sections[i].StartLine, sections[i-1].StartLine)
	}
}

func TestChunk_TitleOnlyDocument(t *testing.T) {
	// Nothing but the H1: no content survives, no sections.
	sections := Chunk("# Title\n", "t.md")
	assert.Empty(t, sections)
}

func TestHeadingAt(t *testing.T) {
	tests := []struct {
		line    string
		level   int
		heading string
	}{
		{"## Usage", 2, "Usage"},
		{"### Sub", 3, "Sub"},
		{"# Top", 1, "Top"},
		{"####### too deep", 0, ""},
		{"##NoSpace", 0, ""},
		{"plain text", 0, ""},
		{"##  Padded  ", 2, "Padded"},
	}

	for _, tt := range tests {
		level, heading := headingAt(tt.line)
		assert.Equal(t, tt.level, level, tt.line)
		assert.Equal(t, tt.heading, heading, tt.line)
	}
}
