// Package vecstore provides the embedded hybrid store: row data in SQLite,
// a lexical index (bleve or FTS5) and an HNSW vector graph per table, with
// reciprocal rank fusion over the two search sides.
package vecstore

import (
	"encoding/binary"
	"math"
	"path"
	"strings"
)

// Table names.
const (
	// TableFileEmbeddings holds one record per indexed code or markdown file.
	TableFileEmbeddings = "file_embeddings"
	// TableDocumentChunks holds one record per markdown section.
	TableDocumentChunks = "document_chunk_embeddings"
	// TablePRComments holds one record per crawled review comment.
	TablePRComments = "pr_comments"
)

// RecordTypeStructure marks the synthetic directory-tree record in
// file_embeddings.
const RecordTypeStructure = "project_structure"

// tableColumns defines the persisted columns per table, in insert order.
// The id column is always first.
var tableColumns = map[string][]string{
	TableFileEmbeddings: {
		"id", "project_path", "path", "content", "language",
		"content_hash", "last_modified", "record_type", "vector",
	},
	TableDocumentChunks: {
		"id", "project_path", "original_document_path", "document_title",
		"heading_text", "start_line", "content", "content_hash",
		"language", "vector",
	},
	TablePRComments: {
		"id", "repository", "project_path", "pr_number", "author",
		"created_at", "file_path", "body", "comment_type",
		"matched_chunk", "vector",
	},
}

// columnTypes overrides the default TEXT affinity.
var columnTypes = map[string]string{
	"start_line": "INTEGER",
	"pr_number":  "INTEGER",
	"vector":     "BLOB",
}

// pathColumn is the column path-based filters (test-file mode, basename
// exclusion) apply to, per table.
var pathColumn = map[string]string{
	TableFileEmbeddings: "path",
	TableDocumentChunks: "original_document_path",
	TablePRComments:     "file_path",
}

// Row is the union of all table schemas. Each table persists only its own
// columns; reads populate only schema columns and leave the rest zero.
type Row struct {
	ID          string
	ProjectPath string

	// file_embeddings
	Path         string
	Content      string
	Language     string
	ContentHash  string
	LastModified string
	RecordType   string

	// document_chunk_embeddings
	OriginalDocumentPath string
	DocumentTitle        string
	HeadingText          string
	StartLine            int

	// pr_comments
	Repository   string
	PRNumber     int
	Author       string
	CreatedAt    string
	FilePath     string
	Body         string
	CommentType  string
	MatchedChunk string

	Vector []float32
}

// lexicalText is the text the lexical index stores for a row.
func (r *Row) lexicalText() string {
	if r.Body != "" {
		return r.Body
	}
	return r.Content
}

// Hit is a row plus optional relevance. Score (0-1, higher better) is set
// when fusion or a lexical-only search produced the row; Distance (cosine,
// 0 identical) is set when the vector side saw it. Either may be nil.
type Hit struct {
	Row

	Score    *float64
	Distance *float64
}

// Similarity collapses Score and Distance into one 0-1 value: Score when
// present, otherwise 1 - min(Distance, 1), otherwise a neutral 0.5.
func (h *Hit) Similarity() float64 {
	if h.Score != nil {
		return *h.Score
	}
	if h.Distance != nil {
		return 1 - math.Min(*h.Distance, 1)
	}
	return 0.5
}

// TestFileMode controls how path-based filters treat test files.
type TestFileMode int

const (
	// TestFilesAny applies no test-file condition.
	TestFilesAny TestFileMode = iota
	// TestFilesOnly keeps only test files.
	TestFilesOnly
	// TestFilesExclude drops test files.
	TestFilesExclude
)

// Query is a hybrid search request. Text drives the lexical side, Vector
// the semantic side; either may be empty, not both.
type Query struct {
	Text   string
	Vector []float32
	Filter Filter
	Limit  int
}

// testPathPatterns are SQL LIKE patterns matching test file paths.
// Mirror IsTestPath below.
var testPathPatterns = []string{
	"%_test.go",
	"%.test.%",
	"%.spec.%",
	"%/__tests__/%",
	"__tests__/%",
	"test_%",
	"%/test_%",
	"%/tests/%",
	"tests/%",
}

// IsTestPath reports whether a repository-relative path looks like a test
// file. Used both by SQL filters and by callers post-filtering rows whose
// path lives in free-form comment metadata.
func IsTestPath(p string) bool {
	norm := strings.ReplaceAll(p, "\\", "/")
	base := path.Base(norm)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."),
		strings.HasPrefix(base, "test_"):
		return true
	}
	return strings.Contains(norm, "/__tests__/") ||
		strings.HasPrefix(norm, "__tests__/") ||
		strings.Contains(norm, "/tests/") ||
		strings.HasPrefix(norm, "tests/")
}

// encodeVector packs a vector into a little-endian float32 blob.
// Nil vectors encode to nil (stored as SQL NULL).
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a little-endian float32 blob.
func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
