package vecstore

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/reviewloop/internal/errors"
)

const testDims = 4

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), testDims, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func unitVec(vals ...float32) []float32 {
	v := make([]float32, testDims)
	copy(v, vals)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func fileRow(id, path, content string, vec []float32) *Row {
	return &Row{
		ID:          id,
		ProjectPath: "/repo",
		Path:        path,
		Content:     content,
		Language:    "go",
		ContentHash: "deadbeef",
		Vector:      vec,
	}
}

func TestTable_MissingUntilCreated(t *testing.T) {
	db := openTestDB(t, Options{})

	_, err := db.Table(TableFileEmbeddings)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTableMissing))

	_, err = db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	tbl, err := db.Table(TableFileEmbeddings)
	require.NoError(t, err)
	assert.Equal(t, TableFileEmbeddings, tbl.Name())
}

func TestCreateTable_IdempotentAndTyped(t *testing.T) {
	db := openTestDB(t, Options{})

	first, err := db.CreateTable(TableDocumentChunks)
	require.NoError(t, err)
	second, err := db.CreateTable(TableDocumentChunks)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = db.CreateTable("made_up_table")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestUpsertAndCount(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	rows := []*Row{
		fileRow("a", "internal/auth/login.go", "func Login(user string) error", unitVec(1, 0, 0, 0)),
		fileRow("b", "internal/auth/token.go", "func ParseToken(raw string)", unitVec(0, 1, 0, 0)),
	}
	require.NoError(t, tbl.Upsert(ctx, rows))

	count, err := tbl.CountRows(ctx, Filter{ProjectPath: "/repo"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Replacing by id does not grow the table.
	rows[0].Content = "func Login(user, password string) error"
	require.NoError(t, tbl.Upsert(ctx, rows[:1]))
	count, err = tbl.CountRows(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	got, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "func Login(user, password string) error", got.Content)
	assert.Len(t, got.Vector, testDims)
}

func TestHybridSearch_RequiresTextOrVector(t *testing.T) {
	db := openTestDB(t, Options{})
	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	_, err = tbl.HybridSearch(context.Background(), Query{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestHybridSearch_LexicalOnly(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()
	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	require.NoError(t, tbl.Upsert(ctx, []*Row{
		fileRow("a", "auth/login.go", "func validateCredentials(username, password string)", nil),
		fileRow("b", "http/server.go", "func startServer(addr string)", nil),
	}))

	hits, err := tbl.HybridSearch(ctx, Query{Text: "validateCredentials password", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	assert.Equal(t, "a", hits[0].ID)
	require.NotNil(t, hits[0].Score)
	assert.Equal(t, 1.0, *hits[0].Score)
	assert.Nil(t, hits[0].Distance)
}

func TestHybridSearch_VectorOnly(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()
	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	require.NoError(t, tbl.Upsert(ctx, []*Row{
		fileRow("near", "a.go", "alpha", unitVec(1, 0.1, 0, 0)),
		fileRow("far", "b.go", "beta", unitVec(0, 0, 1, 0)),
	}))

	hits, err := tbl.HybridSearch(ctx, Query{Vector: unitVec(1, 0, 0, 0), Limit: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "near", hits[0].ID)
	require.NotNil(t, hits[0].Distance)
	assert.Nil(t, hits[0].Score)
	assert.Less(t, *hits[0].Distance, *hits[1].Distance)
	assert.Greater(t, hits[0].Similarity(), hits[1].Similarity())
}

func TestHybridSearch_FusedBothSides(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()
	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	require.NoError(t, tbl.Upsert(ctx, []*Row{
		fileRow("both", "handlers/login.go", "func handleLogin(w http.ResponseWriter)", unitVec(1, 0, 0, 0)),
		fileRow("lexical", "docs/login.go", "login login login helper text", nil),
		fileRow("vector", "misc/util.go", "completely unrelated words", unitVec(0.9, 0.1, 0, 0)),
	}))

	hits, err := tbl.HybridSearch(ctx, Query{
		Text:   "handleLogin",
		Vector: unitVec(1, 0, 0, 0),
		Limit:  3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	// The row matched by both sides fuses to the top with score 1.0.
	assert.Equal(t, "both", hits[0].ID)
	require.NotNil(t, hits[0].Score)
	assert.Equal(t, 1.0, *hits[0].Score)
	require.NotNil(t, hits[0].Distance)
}

func TestHybridSearch_FilterApplies(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()
	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	structure := fileRow("tree", "__project_structure__", "internal/ cmd/ docs/", unitVec(1, 0, 0, 0))
	structure.RecordType = RecordTypeStructure
	require.NoError(t, tbl.Upsert(ctx, []*Row{
		fileRow("code", "auth/login.go", "func login()", unitVec(1, 0, 0, 0)),
		fileRow("test", "auth/login_test.go", "func TestLogin(t *testing.T)", unitVec(1, 0, 0, 0)),
		structure,
	}))

	hits, err := tbl.HybridSearch(ctx, Query{
		Vector: unitVec(1, 0, 0, 0),
		Filter: Filter{
			NotRecordType: RecordTypeStructure,
			TestFiles:     TestFilesExclude,
		},
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "code", hits[0].ID)
}

func TestDeleteWhere(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()
	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	require.NoError(t, tbl.Upsert(ctx, []*Row{
		fileRow("a", "x.go", "alpha content", unitVec(1, 0, 0, 0)),
		fileRow("b", "y.go", "beta content", unitVec(0, 1, 0, 0)),
	}))

	deleted, err := tbl.DeleteWhere(ctx, Filter{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// Deleted rows never come back from search, either side.
	hits, err := tbl.HybridSearch(ctx, Query{Text: "alpha", Vector: unitVec(1, 0, 0, 0), Limit: 5})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "a", h.ID)
	}

	count, err := tbl.CountRows(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestOptimize_ReportsLegacyVectors(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()
	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	good := fileRow("good", "a.go", "alpha", unitVec(1, 0, 0, 0))
	require.NoError(t, tbl.Upsert(ctx, []*Row{good}))

	// Plant a stale-width vector directly, as an old index would hold.
	_, err = db.SQL().Exec(
		"UPDATE file_embeddings SET vector = ? WHERE id = ?",
		encodeVector([]float32{1, 0}), "good")
	require.NoError(t, err)

	err = tbl.Optimize(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLegacyVectors))

	re := errors.AsReviewError(err)
	require.NotNil(t, re)
	assert.Equal(t, errors.SeverityWarning, re.Severity)
}

func TestOptimize_CompactsLazyDeletions(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()
	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	require.NoError(t, tbl.Upsert(ctx, []*Row{
		fileRow("keep", "a.go", "alpha", unitVec(1, 0, 0, 0)),
		fileRow("drop", "b.go", "beta", unitVec(0, 1, 0, 0)),
	}))
	_, err = tbl.DeleteWhere(ctx, Filter{ID: "drop"})
	require.NoError(t, err)

	require.NoError(t, tbl.Optimize(ctx))
	assert.Equal(t, 1, tbl.vec.count())

	hits, err := tbl.HybridSearch(ctx, Query{Vector: unitVec(1, 0, 0, 0), Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "keep", hits[0].ID)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir, testDims, Options{})
	require.NoError(t, err)
	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)
	require.NoError(t, tbl.Upsert(ctx, []*Row{
		fileRow("persist", "p.go", "persistent content", unitVec(1, 0, 0, 0)),
	}))
	require.NoError(t, db.Close())

	reopened, err := Open(dir, testDims, Options{})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	tbl, err = reopened.Table(TableFileEmbeddings)
	require.NoError(t, err)

	hits, err := tbl.HybridSearch(ctx, Query{
		Text:   "persistent",
		Vector: unitVec(1, 0, 0, 0),
		Limit:  5,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "persist", hits[0].ID)
}

func TestDropTableAndDropAll(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	tbl, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)
	require.NoError(t, tbl.Upsert(ctx, []*Row{fileRow("a", "a.go", "alpha", nil)}))
	_, err = db.CreateTable(TablePRComments)
	require.NoError(t, err)

	require.NoError(t, db.DropTable(TableFileEmbeddings))
	_, err = db.Table(TableFileEmbeddings)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTableMissing))

	require.NoError(t, db.DropAll())
	_, err = db.Table(TablePRComments)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTableMissing))
}

func TestFTS5Backend(t *testing.T) {
	db := openTestDB(t, Options{LexicalBackend: BackendFTS5})
	ctx := context.Background()
	tbl, err := db.CreateTable(TablePRComments)
	require.NoError(t, err)

	require.NoError(t, tbl.Upsert(ctx, []*Row{
		{
			ID:          "c1",
			Repository:  "org/repo",
			PRNumber:    12,
			Author:      "reviewer",
			FilePath:    "internal/auth/login.go",
			Body:        "validateCredentials should hash before comparing",
			CommentType: "review_comment",
		},
		{
			ID:         "c2",
			Repository: "org/repo",
			PRNumber:   13,
			Body:       "nit: rename this variable",
		},
	}))

	hits, err := tbl.HybridSearch(ctx, Query{Text: "validateCredentials hash", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c1", hits[0].ID)
	assert.Equal(t, 12, hits[0].PRNumber)
	assert.Equal(t, "internal/auth/login.go", hits[0].FilePath)

	deleted, err := tbl.DeleteWhere(ctx, Filter{Repository: "org/repo"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75, 0}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
	assert.Nil(t, encodeVector(nil))
	assert.Nil(t, decodeVector(nil))
	assert.Nil(t, decodeVector([]byte{1, 2, 3})) // not a multiple of 4
}

func TestHitSimilarity(t *testing.T) {
	score := 0.8
	dist := 0.3
	big := 1.7

	withScore := &Hit{Score: &score, Distance: &dist}
	assert.Equal(t, 0.8, withScore.Similarity())

	withDist := &Hit{Distance: &dist}
	assert.InDelta(t, 0.7, withDist.Similarity(), 1e-9)

	capped := &Hit{Distance: &big}
	assert.Equal(t, 0.0, capped.Similarity())

	neither := &Hit{}
	assert.Equal(t, 0.5, neither.Similarity())
}

func TestTable_First(t *testing.T) {
	db := openTestDB(t, Options{})
	table, err := db.CreateTable(TableFileEmbeddings)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, table.Upsert(ctx, []*Row{
		fileRow("a", "cmd/main.go", "func main()", unitVec(1, 0, 0, 0)),
		fileRow("b", "__project_structure__", "cmd/\n  main.go", nil),
	}))
	structRow := fileRow("b", "__project_structure__", "cmd/\n  main.go", nil)
	structRow.RecordType = RecordTypeStructure
	require.NoError(t, table.Upsert(ctx, []*Row{structRow}))

	got, err := table.First(ctx, Filter{ProjectPath: "/repo", RecordType: RecordTypeStructure})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "__project_structure__", got.Path)

	none, err := table.First(ctx, Filter{ProjectPath: "/other"})
	require.NoError(t, err)
	assert.Nil(t, none)
}
