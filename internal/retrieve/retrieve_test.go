package retrieve

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/reviewloop/internal/classify"
	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/embed"
	"github.com/reviewloop/reviewloop/internal/vecstore"
)

const testDims = 8

func newTestRetriever(t *testing.T) (*Retriever, *vecstore.DB) {
	t.Helper()
	db, err := vecstore.Open(t.TempDir(), testDims, vecstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	embedder := embed.NewStaticEmbedder(testDims)
	r := New(db, embedder, classify.NewClassifier(nil, ""), config.NewConfig())
	return r, db
}

func embedText(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embed.NewStaticEmbedder(testDims).Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func chunkRow(t *testing.T, id, project, docPath, title, heading, content string) *vecstore.Row {
	t.Helper()
	return &vecstore.Row{
		ID:                   id,
		ProjectPath:          project,
		OriginalDocumentPath: docPath,
		DocumentTitle:        title,
		HeadingText:          heading,
		StartLine:            1,
		Content:              content,
		ContentHash:          "cafef00d",
		Language:             "markdown",
		Vector:               embedText(t, title+"\n"+heading+"\n"+content),
	}
}

func codeRow(t *testing.T, id, project, path, content string) *vecstore.Row {
	t.Helper()
	return &vecstore.Row{
		ID:          id,
		ProjectPath: project,
		Path:        path,
		Content:     content,
		Language:    "go",
		ContentHash: "cafef00d",
		RecordType:  "code",
		Vector:      embedText(t, content),
	}
}

func TestFindRelevantDocs_MissingTable(t *testing.T) {
	r, _ := newTestRetriever(t)

	docs, err := r.FindRelevantDocs(context.Background(), DocRequest{
		Query:       "database transactions",
		ProjectPath: "/proj",
	})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFindRelevantDocs_RanksMatchingAreaFirst(t *testing.T) {
	project := t.TempDir()
	r, db := newTestRetriever(t)
	table, err := db.CreateTable(vecstore.TableDocumentChunks)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, table.Upsert(ctx, []*vecstore.Row{
		chunkRow(t, "c1", project, "docs/database.md", "Database guidelines",
			"Transactions", "Wrap every database transaction in middleware. Endpoint handlers use sql repositories."),
		chunkRow(t, "c2", project, "docs/styling.md", "Component styling",
			"CSS", "React component stylesheet rules for the frontend browser DOM."),
	}))

	docs, err := r.FindRelevantDocs(ctx, DocRequest{
		Query:       "database transaction handling in endpoint handlers",
		ProjectPath: project,
		ChangedPath: "internal/api/users.go",
		Change:      classify.Context{Area: classify.AreaBackend},
		Limit:       4,
	})
	require.NoError(t, err)
	require.NotEmpty(t, docs)

	assert.Equal(t, "docs/database.md", docs[0].Path)
	assert.Equal(t, "Database guidelines", docs[0].Title)
	assert.Equal(t, "Transactions", docs[0].Chunk.Heading)
	assert.Greater(t, docs[0].Score, MinDocScore)

	// The frontend doc mismatches the backend change and is dropped.
	for _, d := range docs {
		assert.NotEqual(t, "docs/styling.md", d.Path)
	}
}

func TestFindRelevantDocs_LegacyUnscopedRows(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(project, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "docs", "present.md"), []byte("# Docs"), 0o644))

	r, db := newTestRetriever(t)
	table, err := db.CreateTable(vecstore.TableDocumentChunks)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, table.Upsert(ctx, []*vecstore.Row{
		chunkRow(t, "legacy1", "", "docs/present.md", "Deploy pipeline notes",
			"Deploy", "Docker image deploy pipeline for the kubernetes infrastructure."),
		chunkRow(t, "legacy2", "", "docs/gone.md", "Deploy pipeline notes",
			"Deploy", "Docker image deploy pipeline for the kubernetes infrastructure."),
	}))

	docs, err := r.FindRelevantDocs(ctx, DocRequest{
		Query:       "docker deploy pipeline kubernetes infrastructure",
		ProjectPath: project,
		Change:      classify.Context{Area: classify.AreaDevOps},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "docs/present.md", docs[0].Path)
}

func TestFindSimilarCode_ExcludesSelfAndTests(t *testing.T) {
	project := t.TempDir()
	r, db := newTestRetriever(t)
	table, err := db.CreateTable(vecstore.TableFileEmbeddings)
	require.NoError(t, err)

	ctx := context.Background()
	content := "func handleUsers(w http.ResponseWriter, r *http.Request) { queryUsers(r.Context()) }"
	require.NoError(t, table.Upsert(ctx, []*vecstore.Row{
		codeRow(t, "f1", project, "internal/api/orders.go",
			"func handleOrders(w http.ResponseWriter, r *http.Request) { queryOrders(r.Context()) }"),
		codeRow(t, "f2", project, "internal/legacy/users.go",
			"func handleUsers(w http.ResponseWriter, r *http.Request) { queryUsers(r.Context()) }"),
		codeRow(t, "f3", project, "internal/api/orders_test.go",
			"func TestHandleOrders(t *testing.T) { queryOrders(context.Background()) }"),
	}))

	matches, err := r.FindSimilarCode(ctx, CodeRequest{
		Content:     content,
		Path:        "internal/api/users.go",
		ProjectPath: project,
	})
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	for _, m := range matches {
		assert.NotEqual(t, "internal/legacy/users.go", m.Path, "same basename must be excluded")
		assert.NotEqual(t, "internal/api/orders_test.go", m.Path, "test files must be excluded")
	}
	assert.Equal(t, "internal/api/orders.go", matches[0].Path)
}

func TestFindSimilarCode_TestFileMatchesOnlyTests(t *testing.T) {
	project := t.TempDir()
	r, db := newTestRetriever(t)
	table, err := db.CreateTable(vecstore.TableFileEmbeddings)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, table.Upsert(ctx, []*vecstore.Row{
		codeRow(t, "f1", project, "src/a.js",
			"export function formatUser(user) { return user.name }"),
		codeRow(t, "f2", project, "src/a.test.js",
			"test('formatUser', () => { expect(formatUser(user)).toBe(user.name) })"),
		codeRow(t, "f3", project, "src/b.test.js",
			"test('formatOrder', () => { expect(formatUser(order)).toBe(order.name) })"),
	}))

	matches, err := r.FindSimilarCode(ctx, CodeRequest{
		Content:     "test('formatUser', () => { expect(formatUser(user)).toBe(user.name) })",
		Path:        "src/a.test.js",
		ProjectPath: project,
	})
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	// Reviewing a test file: the implementation file and the file's own
	// basename are both out; only other test files remain.
	for _, m := range matches {
		assert.NotEqual(t, "src/a.js", m.Path, "non-test files must be excluded")
		assert.NotEqual(t, "src/a.test.js", m.Path, "same basename must be excluded")
	}
	assert.Equal(t, "src/b.test.js", matches[0].Path)
}

func TestFindSimilarCode_AppendsStructureRecord(t *testing.T) {
	project := t.TempDir()
	r, db := newTestRetriever(t)
	table, err := db.CreateTable(vecstore.TableFileEmbeddings)
	require.NoError(t, err)

	ctx := context.Background()
	content := "func handleUsers() {}"
	structure := codeRow(t, "s1", project, "__project_structure__", "internal/\n  api/\n    users.go\n")
	structure.RecordType = vecstore.RecordTypeStructure
	// A tree that resembles the query clears the similarity gate.
	structure.Vector = embedText(t, content)
	require.NoError(t, table.Upsert(ctx, []*vecstore.Row{
		codeRow(t, "f1", project, "internal/api/orders.go", "func handleOrders() {}"),
		structure,
	}))

	matches, err := r.FindSimilarCode(ctx, CodeRequest{
		Content:     content,
		Path:        "internal/api/users.go",
		ProjectPath: project,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(matches), 2)

	last := matches[len(matches)-1]
	assert.True(t, last.IsStructure)
	assert.Equal(t, "__project_structure__", last.Path)

	// The structure record never surfaces as a regular match.
	for _, m := range matches[:len(matches)-1] {
		assert.False(t, m.IsStructure)
	}
}

func TestFindSimilarCode_DropsDissimilarStructure(t *testing.T) {
	project := t.TempDir()
	r, db := newTestRetriever(t)
	table, err := db.CreateTable(vecstore.TableFileEmbeddings)
	require.NoError(t, err)

	ctx := context.Background()
	content := "func handleUsers() {}"
	structure := codeRow(t, "s1", project, "__project_structure__", "src/\n  vendor.js\n")
	structure.RecordType = vecstore.RecordTypeStructure
	vec := embedText(t, content)
	opposite := make([]float32, len(vec))
	for i, v := range vec {
		opposite[i] = -v
	}
	structure.Vector = opposite
	require.NoError(t, table.Upsert(ctx, []*vecstore.Row{
		codeRow(t, "f1", project, "internal/api/orders.go", "func handleOrders() {}"),
		structure,
	}))

	matches, err := r.FindSimilarCode(ctx, CodeRequest{
		Content:     content,
		Path:        "internal/api/users.go",
		ProjectPath: project,
	})
	require.NoError(t, err)
	for _, m := range matches {
		assert.False(t, m.IsStructure, "a structure record below the threshold must not be appended")
	}
}

func TestFindSimilarCode_ThresholdDropsWeakMatches(t *testing.T) {
	project := t.TempDir()
	r, db := newTestRetriever(t)
	table, err := db.CreateTable(vecstore.TableFileEmbeddings)
	require.NoError(t, err)

	ctx := context.Background()
	content := "func handleUsers(w http.ResponseWriter, r *http.Request) { queryUsers(r.Context()) }"
	require.NoError(t, table.Upsert(ctx, []*vecstore.Row{
		codeRow(t, "f1", project, "internal/api/accounts.go", content),
		codeRow(t, "f2", project, "internal/jobs/cleanup.go",
			"func sweepExpired() { dropRows() }"),
	}))

	// Only the exact match reaches the top fused score of 1.0.
	matches, err := r.FindSimilarCode(ctx, CodeRequest{
		Content:     content,
		Path:        "internal/api/users.go",
		ProjectPath: project,
		Threshold:   1.0,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "internal/api/accounts.go", matches[0].Path)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestFindSimilarCode_LimitApplied(t *testing.T) {
	project := t.TempDir()
	r, db := newTestRetriever(t)
	table, err := db.CreateTable(vecstore.TableFileEmbeddings)
	require.NoError(t, err)

	ctx := context.Background()
	rows := make([]*vecstore.Row, 0, 6)
	for i := range 6 {
		rows = append(rows, codeRow(t,
			filepath.Join("id", string(rune('a'+i))), project,
			filepath.ToSlash(filepath.Join("pkg", string(rune('a'+i))+".go")),
			"func sharedHelper() { commonWork() }"))
	}
	require.NoError(t, table.Upsert(ctx, rows))

	matches, err := r.FindSimilarCode(ctx, CodeRequest{
		Content:     "func sharedHelper() { commonWork() }",
		Path:        "pkg/other.go",
		ProjectPath: project,
		Limit:       3,
	})
	require.NoError(t, err)
	// Limit plus no structure record present.
	assert.LessOrEqual(t, len(matches), 3)
}
