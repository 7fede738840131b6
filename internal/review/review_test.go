package review

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/reviewloop/internal/classify"
	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/llm"
	"github.com/reviewloop/reviewloop/internal/retrieve"
)

// scriptLLM answers Complete calls from a user-supplied function and
// records every request.
type scriptLLM struct {
	mu      sync.Mutex
	calls   []*llm.Request
	respond func(req *llm.Request) (*llm.Completion, error)
}

func (s *scriptLLM) Complete(_ context.Context, req *llm.Request) (*llm.Completion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.respond(req)
}

func (s *scriptLLM) requests() []*llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.Request(nil), s.calls...)
}

func jsonReview(summary, severity, message string, line int) *llm.Completion {
	return &llm.Completion{
		Text: `{"summary": "` + summary + `", "findings": [{"line": ` +
			strconv.Itoa(line) + `, "severity": "` + severity + `", "message": "` + message + `"}]}`,
		InputTokens:  100,
		OutputTokens: 50,
	}
}

func newTestReviewer(t *testing.T, project string, stub *scriptLLM, cfg *config.Config) *Reviewer {
	t.Helper()
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return New(Options{
		LLM:         stub,
		Config:      cfg,
		ProjectPath: project,
		Repository:  "acme/widgets",
	})
}

func TestReviewFile_ParsesAndNormalizes(t *testing.T) {
	stub := &scriptLLM{respond: func(*llm.Request) (*llm.Completion, error) {
		return jsonReview("handles errors well", "warning", "missing nil check", 2), nil
	}}
	r := newTestReviewer(t, t.TempDir(), stub, nil)

	fr, err := r.ReviewFile(context.Background(), &FileRequest{
		Path:    "internal/server.go",
		Content: "package internal\n\nfunc Serve() {}\n",
	})
	require.NoError(t, err)

	assert.Equal(t, "internal/server.go", fr.Path)
	assert.Equal(t, "go", fr.Language)
	assert.Equal(t, "handles errors well", fr.Summary)
	require.Len(t, fr.Findings, 1)
	assert.Equal(t, 2, fr.Findings[0].Line)
	assert.Equal(t, SeverityWarning, fr.Findings[0].Severity)

	reqs := stub.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "{", reqs[0].Prefill)
	assert.Zero(t, reqs[0].Temperature)
	assert.Contains(t, reqs[0].Prompt, "internal/server.go")
	assert.Contains(t, reqs[0].Prompt, "func Serve()")
}

func TestReviewFile_TruncatesContent(t *testing.T) {
	stub := &scriptLLM{respond: func(*llm.Request) (*llm.Completion, error) {
		return jsonReview("ok", "suggestion", "n", 1), nil
	}}
	cfg := config.NewConfig()
	cfg.Review.PrimaryFileLines = 3
	r := newTestReviewer(t, t.TempDir(), stub, cfg)

	content := "l1\nl2\nl3\nl4 beyond the budget\nl5\n"
	_, err := r.ReviewFile(context.Background(), &FileRequest{Path: "a.go", Content: content})
	require.NoError(t, err)

	prompt := stub.requests()[0].Prompt
	assert.Contains(t, prompt, "l3")
	assert.NotContains(t, prompt, "l4 beyond the budget")
	assert.Contains(t, prompt, "truncated")
}

func TestReviewFile_NoClient(t *testing.T) {
	r := New(Options{ProjectPath: t.TempDir()})

	_, err := r.ReviewFile(context.Background(), &FileRequest{Path: "a.go", Content: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid))
}

func seedWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"internal/server.go":  "package internal\n\nfunc Serve() {}\n",
		"internal/client.go":  "package internal\n\nfunc Dial() {}\n",
		"node_modules/lib.js": "module.exports = {}\n",
	}
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func TestReviewBranch_ExplicitPaths(t *testing.T) {
	stub := &scriptLLM{respond: func(req *llm.Request) (*llm.Completion, error) {
		if req.System == holisticSystemPrompt {
			return &llm.Completion{Text: `{"summary": "shared retry logic is duplicated",
				"files": [{"path": "server.go", "note": "owns the duplicated loop"},
				          {"path": "unrelated.go", "note": "orphan note"}]}`,
				InputTokens: 10, OutputTokens: 5}, nil
		}
		return jsonReview("file ok", "warning", "check the error", 2), nil
	}}
	r := newTestReviewer(t, seedWorktree(t), stub, nil)

	review, err := r.ReviewBranch(context.Background(), &BranchRequest{
		Paths: []string{"internal/server.go", "internal/client.go", "node_modules/lib.js"},
	})
	require.NoError(t, err)

	require.Len(t, review.Files, 2)
	assert.Equal(t, 2, review.Stats.FilesReviewed)
	assert.Equal(t, 1, review.Stats.FilesSkipped)
	assert.Equal(t, 0, review.Stats.FilesFailed)
	assert.Equal(t, 2, review.Stats.Findings)
	assert.Equal(t, 2, review.Stats.Warnings)
	assert.Positive(t, review.Stats.InputTokens)

	// Two per-file calls plus the holistic pass.
	assert.Len(t, stub.requests(), 3)

	// Basename match attaches the note to server.go.
	var server *FileReview
	for i := range review.Files {
		if review.Files[i].Path == "internal/server.go" {
			server = &review.Files[i]
		}
	}
	require.NotNil(t, server)
	assert.Contains(t, server.Summary, "owns the duplicated loop")

	// The unmatched note lands in the overall summary.
	assert.Contains(t, review.Summary, "shared retry logic is duplicated")
	assert.Contains(t, review.Summary, "orphan note")
}

func TestReviewBranch_FileFailureIsolated(t *testing.T) {
	stub := &scriptLLM{respond: func(req *llm.Request) (*llm.Completion, error) {
		if strings.Contains(req.Prompt, "client.go") {
			return nil, errors.Newf(errors.ErrCodeLLMResponse, "model refused")
		}
		return jsonReview("file ok", "suggestion", "minor", 1), nil
	}}
	cfg := config.NewConfig()
	cfg.Review.Holistic = false
	r := newTestReviewer(t, seedWorktree(t), stub, cfg)

	review, err := r.ReviewBranch(context.Background(), &BranchRequest{
		Paths: []string{"internal/server.go", "internal/client.go"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, review.Stats.FilesReviewed)
	assert.Equal(t, 1, review.Stats.FilesFailed)

	var failed *FileReview
	for i := range review.Files {
		if review.Files[i].Path == "internal/client.go" {
			failed = &review.Files[i]
		}
	}
	require.NotNil(t, failed)
	assert.True(t, failed.Failed)
	assert.Contains(t, failed.Error, "model refused")
	assert.Empty(t, review.Summary)
}

func TestReviewBranch_MaxFilesBound(t *testing.T) {
	stub := &scriptLLM{respond: func(*llm.Request) (*llm.Completion, error) {
		return jsonReview("ok", "suggestion", "n", 1), nil
	}}
	cfg := config.NewConfig()
	cfg.Review.MaxFiles = 1
	cfg.Review.Holistic = false
	r := newTestReviewer(t, seedWorktree(t), stub, cfg)

	review, err := r.ReviewBranch(context.Background(), &BranchRequest{
		Paths: []string{"internal/server.go", "internal/client.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, review.Stats.FilesReviewed)
	assert.Equal(t, 1, review.Stats.FilesSkipped)
}

func TestReviewBranch_HolisticNeedsTwoSuccesses(t *testing.T) {
	stub := &scriptLLM{respond: func(*llm.Request) (*llm.Completion, error) {
		return jsonReview("ok", "suggestion", "n", 1), nil
	}}
	r := newTestReviewer(t, seedWorktree(t), stub, nil)

	_, err := r.ReviewBranch(context.Background(), &BranchRequest{
		Paths: []string{"internal/server.go"},
	})
	require.NoError(t, err)

	// One file reviewed, no holistic call.
	assert.Len(t, stub.requests(), 1)
}

func TestReviewBranch_NoFiles(t *testing.T) {
	r := newTestReviewer(t, seedWorktree(t), &scriptLLM{}, nil)

	review, err := r.ReviewBranch(context.Background(), &BranchRequest{
		Paths: []string{"node_modules/lib.js"},
	})
	require.NoError(t, err)
	assert.Empty(t, review.Files)
	assert.NotEmpty(t, review.Summary)
}

func TestGuidelineQuery(t *testing.T) {
	q := guidelineQuery(classify.Context{
		Area:     classify.AreaBackend,
		Tech:     []string{"go", "postgres"},
		Keywords: []string{"endpoint", "migration"},
	}, "func Serve() {}")
	assert.Equal(t,
		"backend go postgres endpoint migration code review guidelines best practices func Serve() {}", q)

	neutral := guidelineQuery(classify.Context{Area: classify.AreaUnknown}, "")
	assert.Equal(t, "code review guidelines best practices", neutral)
}

func TestGuidelineQuery_ExcerptBounded(t *testing.T) {
	content := strings.Repeat("x", 4*guidelineQueryExcerptChars)
	q := guidelineQuery(classify.Context{Area: classify.AreaBackend}, content)
	assert.LessOrEqual(t, len(q), guidelineQueryExcerptChars+100)
}

func TestFirstLines(t *testing.T) {
	s := "a\nb\nc\n"
	out, cut := firstLines(s, 2)
	assert.Equal(t, "a\nb\n", out)
	assert.True(t, cut)

	out, cut = firstLines(s, 10)
	assert.Equal(t, s, out)
	assert.False(t, cut)
}

func TestMergeCode(t *testing.T) {
	contexts := []*gathered{
		{code: []retrieve.CodeMatch{
			{Path: "internal/api/orders.go", Similarity: 0.4},
			{Path: "__project_structure__", Similarity: 0.9, IsStructure: true},
		}},
		nil,
		{code: []retrieve.CodeMatch{
			{Path: "internal/api/orders.go", Similarity: 0.7},
			{Path: "internal/api/users.go", Similarity: 0.5},
		}},
	}

	merged := mergeCode(contexts)
	require.Len(t, merged, 2)

	// Deduplicated by path, keeping the most similar occurrence, sorted
	// by similarity. Structure records never cross into the merge.
	assert.Equal(t, "internal/api/orders.go", merged[0].Path)
	assert.InDelta(t, 0.7, merged[0].Similarity, 1e-9)
	assert.Equal(t, "internal/api/users.go", merged[1].Path)
}

func TestHolisticPromptListsSimilarCode(t *testing.T) {
	var sb strings.Builder
	err := holisticPrompt.Execute(&sb, holisticData{
		Files: []FileReview{{Path: "internal/server.go"}},
		Code:  []retrieve.CodeMatch{{Path: "internal/api/orders.go", Similarity: 0.7}},
	})
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "## Similar code consulted")
	assert.Contains(t, sb.String(), "internal/api/orders.go")
}

func TestMatchFile(t *testing.T) {
	r := New(Options{ProjectPath: "/proj"})
	files := []FileReview{
		{Path: "internal/a.go"},
		{Path: "cmd/b.go"},
	}

	assert.Same(t, &files[0], r.matchFile(files, "internal/a.go"))
	assert.Same(t, &files[1], r.matchFile(files, "b.go"))
	assert.Same(t, &files[0], r.matchFile(files, "/proj/internal/a.go"))
	assert.Nil(t, r.matchFile(files, "missing.go"))
}
