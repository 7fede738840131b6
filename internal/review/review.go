// Package review orchestrates retrieval-augmented code review: it
// classifies the change, gathers guidelines, similar code, and past PR
// comments in parallel, prompts the completion model, and normalizes
// the findings.
package review

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reviewloop/reviewloop/internal/classify"
	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/gitx"
	"github.com/reviewloop/reviewloop/internal/indexer"
	"github.com/reviewloop/reviewloop/internal/llm"
	"github.com/reviewloop/reviewloop/internal/prhistory"
	"github.com/reviewloop/reviewloop/internal/retrieve"
)

// holisticMinFiles is the success count below which the cross-file pass
// is skipped.
const holisticMinFiles = 2

// holisticMaxCode caps the merged similar-code channel in the
// cross-file pass.
const holisticMaxCode = 40

// Finding is one normalized review finding.
type Finding struct {
	// Line is 1-based; 0 marks a file-level finding.
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// FileReview is the review of one file.
type FileReview struct {
	Path     string    `json:"path"`
	Language string    `json:"language,omitempty"`
	Summary  string    `json:"summary,omitempty"`
	Findings []Finding `json:"findings"`
	Failed   bool      `json:"failed,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Stats summarizes one review run.
type Stats struct {
	FilesReviewed int           `json:"filesReviewed"`
	FilesFailed   int           `json:"filesFailed"`
	FilesSkipped  int           `json:"filesSkipped"`
	Findings      int           `json:"findings"`
	Critical      int           `json:"critical"`
	Warnings      int           `json:"warnings"`
	Suggestions   int           `json:"suggestions"`
	InputTokens   int           `json:"inputTokens"`
	OutputTokens  int           `json:"outputTokens"`
	Duration      time.Duration `json:"duration"`
}

// Review is the result of a full run.
type Review struct {
	Files   []FileReview `json:"files"`
	Summary string       `json:"summary,omitempty"`
	Stats   Stats        `json:"stats"`
}

// FileRequest asks for a single-file review.
type FileRequest struct {
	// Path is project-relative.
	Path string
	// Content is the file content at the reviewed revision.
	Content string
	// Diff is the unified diff for the file; empty reviews the whole
	// file with the larger line budget.
	Diff string
}

// BranchRequest asks for a branch or file-set review.
type BranchRequest struct {
	// Base is the ref to diff against; empty picks main, then master.
	Base string
	// Target is the reviewed ref; empty means HEAD.
	Target string
	// Paths reviews explicit worktree files instead of a diff.
	Paths []string
}

// Reviewer runs reviews for one project.
type Reviewer struct {
	llm        llm.Client
	retriever  *retrieve.Retriever
	comments   *prhistory.Store
	git        *gitx.Client
	cfg        *config.Config
	project    string
	repository string
}

// Options configures a Reviewer. Retriever and Comments may be nil;
// reviews then run without that context source.
type Options struct {
	LLM         llm.Client
	Retriever   *retrieve.Retriever
	Comments    *prhistory.Store
	Git         *gitx.Client
	Config      *config.Config
	ProjectPath string
	// Repository is "owner/name" for past-comment lookup; empty derives
	// it from the origin remote.
	Repository string
}

// New creates a Reviewer.
func New(opts Options) *Reviewer {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	git := opts.Git
	if git == nil {
		git = gitx.New(opts.ProjectPath)
	}
	repo := opts.Repository
	if repo == "" {
		repo = cfg.PRHistory.Repository
	}
	return &Reviewer{
		llm:        opts.LLM,
		retriever:  opts.Retriever,
		comments:   opts.Comments,
		git:        git,
		cfg:        cfg,
		project:    opts.ProjectPath,
		repository: repo,
	}
}

// gathered is the retrieval context for one file.
type gathered struct {
	change     classify.Context
	language   string
	guidelines []retrieve.DocMatch
	code       []retrieve.CodeMatch
	comments   []prhistory.CommentMatch
}

// gather runs the three retrieval tasks in parallel. Task failures
// degrade to an empty section with a warning; they never fail the
// review.
func (r *Reviewer) gather(ctx context.Context, path, content string) *gathered {
	g := &gathered{language: indexer.DetectLanguage(path)}
	g.change = classify.CodeContext(path, content, g.language)

	var eg errgroup.Group
	eg.Go(func() error {
		if r.retriever == nil {
			return nil
		}
		docs, err := r.retriever.FindRelevantDocs(ctx, retrieve.DocRequest{
			Query:       guidelineQuery(g.change, content),
			ProjectPath: r.project,
			ChangedPath: path,
			Change:      g.change,
		})
		if err != nil {
			slog.Warn("guideline retrieval failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		g.guidelines = docs
		return nil
	})
	eg.Go(func() error {
		if r.retriever == nil {
			return nil
		}
		code, err := r.retriever.FindSimilarCode(ctx, retrieve.CodeRequest{
			Content:     content,
			Path:        path,
			ProjectPath: r.project,
		})
		if err != nil {
			slog.Warn("similar code retrieval failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		g.code = code
		return nil
	})
	eg.Go(func() error {
		if r.comments == nil {
			return nil
		}
		matches, err := r.comments.SearchByContent(ctx, content, prhistory.SearchOptions{
			ProjectPath:  r.project,
			Repository:   r.reviewRepository(ctx),
			ReviewedPath: path,
			Limit:        r.cfg.Review.PastComments,
		})
		if err != nil {
			slog.Warn("past comment retrieval failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		g.comments = matches
		return nil
	})
	_ = eg.Wait()
	return g
}

// reviewRepository resolves the owner/name used for past-comment
// lookup, deriving it from the origin remote when unset.
func (r *Reviewer) reviewRepository(ctx context.Context) string {
	if r.repository == "" {
		r.repository = gitx.OwnerRepo(r.git.RemoteURL(ctx))
	}
	return r.repository
}

// ReviewFile reviews one file.
func (r *Reviewer) ReviewFile(ctx context.Context, req *FileRequest) (*FileReview, error) {
	fr, _, _, err := r.reviewOne(ctx, req)
	return fr, err
}

// reviewOne reviews one file and also returns its gathered context and
// token usage for branch-level aggregation.
func (r *Reviewer) reviewOne(ctx context.Context, req *FileRequest) (*FileReview, *gathered, *llm.Completion, error) {
	if r.llm == nil {
		return nil, nil, nil, errors.Newf(errors.ErrCodeConfigInvalid, "no completion client configured")
	}

	g := r.gather(ctx, req.Path, req.Content)

	prompt, err := r.buildPrompt(req, g)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(errors.ErrCodeInternal, err, "render review prompt for %s", req.Path)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout())
	defer cancel()
	completion, err := r.llm.Complete(callCtx, &llm.Request{
		System:      systemPrompt,
		Prompt:      prompt,
		MaxTokens:   r.cfg.LLM.MaxTokens,
		Temperature: r.cfg.LLM.Temperature,
		Prefill:     "{",
	})
	if err != nil {
		return nil, nil, nil, err
	}

	parsed := parseReview(completion.Text)
	lineCount := strings.Count(req.Content, "\n") + 1
	fr := &FileReview{
		Path:     req.Path,
		Language: g.language,
		Summary:  strings.TrimSpace(parsed.Summary),
		Findings: normalizeFindings(parsed.Findings, lineCount),
	}
	return fr, g, completion, nil
}

// ReviewBranch reviews the files changed between base and target, or
// the explicit paths, with bounded parallelism. Per-file failures are
// recorded and the run continues.
func (r *Reviewer) ReviewBranch(ctx context.Context, req *BranchRequest) (*Review, error) {
	start := time.Now()
	review := &Review{}

	files, err := r.resolveFiles(ctx, req, &review.Stats)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		review.Summary = "No reviewable files in the change set."
		review.Stats.Duration = time.Since(start)
		return review, nil
	}

	review.Files = make([]FileReview, len(files))
	contexts := make([]*gathered, len(files))

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(orDefault(r.cfg.Review.Parallelism, 3))
	for i, fileReq := range files {
		eg.Go(func() error {
			fr, g, completion, err := r.reviewOne(egCtx, fileReq)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if egCtx.Err() != nil {
					return errors.Wrapf(errors.ErrCodeTimeout, egCtx.Err(), "review %s", fileReq.Path)
				}
				slog.Warn("file review failed",
					slog.String("path", fileReq.Path),
					slog.String("error", err.Error()))
				review.Files[i] = FileReview{Path: fileReq.Path, Failed: true, Error: err.Error()}
				return nil
			}
			review.Files[i] = *fr
			contexts[i] = g
			review.Stats.InputTokens += completion.InputTokens
			review.Stats.OutputTokens += completion.OutputTokens
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return review, err
	}

	succeeded := 0
	for i := range review.Files {
		fr := &review.Files[i]
		if fr.Failed {
			review.Stats.FilesFailed++
			continue
		}
		succeeded++
		review.Stats.FilesReviewed++
		for _, f := range fr.Findings {
			review.Stats.Findings++
			switch f.Severity {
			case SeverityCritical:
				review.Stats.Critical++
			case SeverityWarning:
				review.Stats.Warnings++
			default:
				review.Stats.Suggestions++
			}
		}
	}

	if r.cfg.Review.Holistic && succeeded >= holisticMinFiles {
		r.holisticPass(ctx, review, contexts)
	}

	review.Stats.Duration = time.Since(start)
	return review, nil
}

// resolveFiles lists and filters the files to review, loading their
// content and diffs. Excluded and over-limit files count as skipped.
func (r *Reviewer) resolveFiles(ctx context.Context, req *BranchRequest, stats *Stats) ([]*FileRequest, error) {
	var paths []string
	diffBase, diffTarget := "", ""

	if len(req.Paths) > 0 {
		paths = req.Paths
	} else {
		base := req.Base
		if base == "" {
			base = r.git.DefaultBaseBranch(ctx)
		}
		if base == "" {
			return nil, errors.Newf(errors.ErrCodeInvalidInput,
				"no base branch found; pass one explicitly")
		}
		target := req.Target
		if target == "" {
			target = "HEAD"
		}
		diffBase, diffTarget = base, target

		changes, err := r.git.ChangedFiles(ctx, base, target)
		if err != nil {
			return nil, err
		}
		for _, ch := range changes {
			paths = append(paths, ch.Path)
		}
	}

	// Diff review reuses the indexing exclusions but not the size caps.
	filter, err := indexer.NewFilter(0, 0, r.cfg.Paths.Include, r.cfg.Paths.Exclude)
	if err != nil {
		return nil, err
	}

	maxFiles := orDefault(r.cfg.Review.MaxFiles, 40)
	var files []*FileRequest
	for _, p := range paths {
		rel := filepath.ToSlash(p)
		if reason := filter.Check(rel, 0); reason != indexer.ExcludeNone {
			stats.FilesSkipped++
			continue
		}
		if len(files) >= maxFiles {
			stats.FilesSkipped++
			continue
		}

		content, err := r.fileContent(ctx, diffTarget, rel)
		if err != nil {
			slog.Warn("unreadable changed file skipped",
				slog.String("path", rel), slog.String("error", err.Error()))
			stats.FilesSkipped++
			continue
		}
		fileReq := &FileRequest{Path: rel, Content: content}
		if diffBase != "" {
			if diff, err := r.git.Diff(ctx, diffBase, diffTarget, rel); err == nil {
				fileReq.Diff = diff
			}
		}
		files = append(files, fileReq)
	}
	return files, nil
}

// fileContent reads a file at the reviewed revision, falling back to
// the worktree.
func (r *Reviewer) fileContent(ctx context.Context, target, rel string) (string, error) {
	if target != "" {
		if content, err := r.git.ShowFile(ctx, target, rel); err == nil {
			return content, nil
		}
	}
	data, err := os.ReadFile(filepath.Join(r.project, filepath.FromSlash(rel)))
	if err != nil {
		return "", errors.Wrapf(errors.ErrCodeFileNotFound, err, "read %s", rel)
	}
	return string(data), nil
}

type holisticData struct {
	Files      []FileReview
	Guidelines []retrieve.DocMatch
	Code       []retrieve.CodeMatch
	Comments   []prhistory.CommentMatch
}

type holisticReview struct {
	Summary string `json:"summary"`
	Files   []struct {
		Path string `json:"path"`
		Note string `json:"note"`
	} `json:"files"`
}

// holisticPass runs the cross-file summary call and attaches per-file
// notes. Failures leave the per-file reviews untouched.
func (r *Reviewer) holisticPass(ctx context.Context, review *Review, contexts []*gathered) {
	data := holisticData{
		Files:      review.Files,
		Guidelines: mergeGuidelines(contexts),
		Code:       mergeCode(contexts),
		Comments:   mergeComments(contexts),
	}
	var sb strings.Builder
	if err := holisticPrompt.Execute(&sb, data); err != nil {
		slog.Warn("holistic prompt failed", slog.String("error", err.Error()))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout())
	defer cancel()
	completion, err := r.llm.Complete(callCtx, &llm.Request{
		System:      holisticSystemPrompt,
		Prompt:      sb.String(),
		MaxTokens:   r.cfg.LLM.MaxTokens,
		Temperature: r.cfg.LLM.Temperature,
		Prefill:     "{",
	})
	if err != nil {
		slog.Warn("holistic review failed", slog.String("error", err.Error()))
		return
	}
	review.Stats.InputTokens += completion.InputTokens
	review.Stats.OutputTokens += completion.OutputTokens

	parsed := parseHolistic(completion.Text)
	review.Summary = strings.TrimSpace(parsed.Summary)
	for _, note := range parsed.Files {
		if note.Note == "" {
			continue
		}
		if fr := r.matchFile(review.Files, note.Path); fr != nil {
			if fr.Summary != "" {
				fr.Summary += "\n\n"
			}
			fr.Summary += note.Note
			continue
		}
		review.Summary += "\n\n" + note.Path + ": " + note.Note
	}
	review.Summary = strings.TrimSpace(review.Summary)
}

// matchFile resolves a holistic note path to a reviewed file: exact
// relative path, then basename, then project-absolute path.
func (r *Reviewer) matchFile(files []FileReview, path string) *FileReview {
	path = filepath.ToSlash(path)
	for i := range files {
		if files[i].Path == path {
			return &files[i]
		}
	}
	base := filepath.Base(path)
	for i := range files {
		if filepath.Base(files[i].Path) == base {
			return &files[i]
		}
	}
	for i := range files {
		if filepath.ToSlash(filepath.Join(r.project, files[i].Path)) == path {
			return &files[i]
		}
	}
	return nil
}

// parseHolistic decodes the cross-file completion; free-form text
// becomes the summary.
func parseHolistic(text string) holisticReview {
	trimmed := strings.TrimSpace(text)

	var out holisticReview
	if json.Unmarshal([]byte(trimmed), &out) == nil {
		return out
	}
	if m := fencedJSONRegex.FindStringSubmatch(trimmed); m != nil {
		out = holisticReview{}
		if json.Unmarshal([]byte(m[1]), &out) == nil {
			return out
		}
	}
	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		out = holisticReview{}
		if json.Unmarshal([]byte(trimmed[start:end+1]), &out) == nil {
			return out
		}
	}
	return holisticReview{Summary: trimmed}
}

// mergeGuidelines combines the per-file guideline context, deduplicated
// by document path and chunk heading.
func mergeGuidelines(contexts []*gathered) []retrieve.DocMatch {
	seenDoc := make(map[string]bool)
	seenChunk := make(map[string]bool)
	var merged []retrieve.DocMatch
	for _, g := range contexts {
		if g == nil {
			continue
		}
		for _, doc := range g.guidelines {
			chunkKey := doc.Path + "\x00" + doc.Chunk.Heading
			if seenChunk[chunkKey] {
				continue
			}
			if seenDoc[doc.Path] && doc.Chunk.Heading == "" {
				continue
			}
			seenDoc[doc.Path] = true
			seenChunk[chunkKey] = true
			merged = append(merged, doc)
		}
	}
	return merged
}

// mergeCode combines the per-file similar-code context, deduplicated by
// path keeping the most similar occurrence. Structure records stay out;
// they carry no cross-file signal.
func mergeCode(contexts []*gathered) []retrieve.CodeMatch {
	best := make(map[string]retrieve.CodeMatch)
	for _, g := range contexts {
		if g == nil {
			continue
		}
		for _, cm := range g.code {
			if cm.IsStructure {
				continue
			}
			if prev, ok := best[cm.Path]; !ok || cm.Similarity > prev.Similarity {
				best[cm.Path] = cm
			}
		}
	}

	merged := make([]retrieve.CodeMatch, 0, len(best))
	for _, cm := range best {
		merged = append(merged, cm)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		return merged[i].Path < merged[j].Path
	})
	if len(merged) > holisticMaxCode {
		merged = merged[:holisticMaxCode]
	}
	return merged
}

// mergeComments combines the per-file past-comment context,
// deduplicated by comment id and file path.
func mergeComments(contexts []*gathered) []prhistory.CommentMatch {
	seen := make(map[string]bool)
	var merged []prhistory.CommentMatch
	for _, g := range contexts {
		if g == nil {
			continue
		}
		for _, cm := range g.comments {
			key := cm.ID + "\x00" + cm.FilePath
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, cm)
		}
	}
	return merged
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
