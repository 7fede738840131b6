package prhistory

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v60/github"

	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/embed"
	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/state"
	"github.com/reviewloop/reviewloop/internal/vecstore"
)

// Comment types stored in pr_comments.
const (
	CommentTypeReview = "review"
	CommentTypeIssue  = "issue"
)

// crawlPageSize is the GitHub list page size.
const crawlPageSize = 100

// Crawler pulls historical PR comments from GitHub into the store.
type Crawler struct {
	client *github.Client
	store  *Store
	state  *state.Store
	cfg    *config.Config

	projectPath string
}

// CrawlerOptions configures a Crawler.
type CrawlerOptions struct {
	// Token authenticates GitHub requests. Empty works with the
	// unauthenticated rate limit.
	Token string
	// BaseURL overrides the GitHub API endpoint, used in tests.
	BaseURL string
	// ProjectPath scopes stored rows.
	ProjectPath string
	// Config supplies crawl settings; nil uses defaults.
	Config *config.Config
}

// NewCrawler creates a Crawler writing through store and recording
// cursors in st.
func NewCrawler(store *Store, st *state.Store, opts CrawlerOptions) (*Crawler, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}

	client := github.NewClient(&http.Client{Timeout: 30 * time.Second})
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeConfigInvalid, err, "github base url")
		}
		client.BaseURL = base
	}

	return &Crawler{
		client:      client,
		store:       store,
		state:       st,
		cfg:         cfg,
		projectPath: opts.ProjectPath,
	}, nil
}

// CrawlSummary reports one crawl run.
type CrawlSummary struct {
	PRsVisited     int
	CommentsStored int
	Resumed        bool
}

// Analyze crawls pull requests of "owner/name", newest-updated first,
// and stores their review and issue comments. With resume, PRs already
// covered by the saved cursor are skipped; otherwise the crawl restarts
// from the top. The crawl cursor is saved after every PR page.
func (c *Crawler) Analyze(ctx context.Context, repo string, resume bool) (*CrawlSummary, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CrawlTimeout())
	defer cancel()

	summary := &CrawlSummary{}
	var cursor *state.CrawlState
	if resume {
		cursor, err = c.state.CrawlCursor(ctx, repo)
		if err != nil {
			return nil, err
		}
		summary.Resumed = cursor != nil
	} else if err := c.state.ClearCrawlCursor(ctx, repo); err != nil {
		return nil, err
	}

	maxPRs := c.cfg.PRHistory.MaxPRs
	newCursor := &state.CrawlState{Repository: repo}
	if cursor != nil {
		*newCursor = *cursor
	}

	opt := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: crawlPageSize},
	}

	for summary.PRsVisited < maxPRs {
		prs, resp, err := c.listPRs(ctx, owner, name, opt)
		if err != nil {
			return summary, err
		}

		for _, pr := range prs {
			if summary.PRsVisited >= maxPRs {
				break
			}
			if crawledBefore(cursor, pr) {
				// Sorted by updated desc: everything past the cursor
				// was seen by the previous run.
				return summary, c.saveCursor(ctx, newCursor, true)
			}

			stored, err := c.crawlPR(ctx, owner, name, repo, pr)
			if err != nil {
				if ctx.Err() != nil {
					return summary, errors.Wrapf(errors.ErrCodeTimeout, ctx.Err(), "crawl %s", repo)
				}
				slog.Warn("failed to crawl pull request",
					slog.String("repo", repo),
					slog.Int("pr", pr.GetNumber()),
					slog.String("error", err.Error()))
				continue
			}
			summary.PRsVisited++
			summary.CommentsStored += stored
			newCursor.CommentCount += stored
			if pr.GetNumber() > newCursor.LastPRNumber || newCursor.LastUpdatedAt < formatTime(pr.GetUpdatedAt()) {
				newCursor.LastPRNumber = pr.GetNumber()
				if updated := formatTime(pr.GetUpdatedAt()); updated > newCursor.LastUpdatedAt {
					newCursor.LastUpdatedAt = updated
				}
			}
		}

		if err := c.saveCursor(ctx, newCursor, false); err != nil {
			return summary, err
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}

	return summary, c.saveCursor(ctx, newCursor, true)
}

// listPRs lists one PR page, waiting out rate limits.
func (c *Crawler) listPRs(ctx context.Context, owner, name string, opt *github.PullRequestListOptions) ([]*github.PullRequest, *github.Response, error) {
	for {
		prs, resp, err := c.client.PullRequests.List(ctx, owner, name, opt)
		if err == nil {
			return prs, resp, nil
		}
		if !c.waitForRateLimit(ctx, err) {
			return nil, nil, mapGitHubError(err, "list pull requests")
		}
	}
}

// crawlPR stores the review and issue comments of one PR.
func (c *Crawler) crawlPR(ctx context.Context, owner, name, repo string, pr *github.PullRequest) (int, error) {
	var rows []*vecstore.Row

	reviewComments, _, err := c.client.PullRequests.ListComments(ctx, owner, name, pr.GetNumber(),
		&github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: crawlPageSize}})
	if err != nil {
		if c.waitForRateLimit(ctx, err) {
			return c.crawlPR(ctx, owner, name, repo, pr)
		}
		return 0, mapGitHubError(err, "list review comments")
	}
	for _, rc := range reviewComments {
		if isBot(rc.GetUser().GetLogin()) || embed.IsBlank(rc.GetBody()) {
			continue
		}
		rows = append(rows, &vecstore.Row{
			ID:           commentID(repo, pr.GetNumber(), CommentTypeReview, rc.GetID()),
			ProjectPath:  c.projectPath,
			Repository:   repo,
			PRNumber:     pr.GetNumber(),
			Author:       rc.GetUser().GetLogin(),
			CreatedAt:    formatTime(rc.GetCreatedAt()),
			FilePath:     rc.GetPath(),
			Body:         embed.Truncate(rc.GetBody(), c.cfg.Embeddings.MaxCommentChars),
			CommentType:  CommentTypeReview,
			MatchedChunk: rc.GetDiffHunk(),
		})
	}

	issueComments, _, err := c.client.Issues.ListComments(ctx, owner, name, pr.GetNumber(),
		&github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: crawlPageSize}})
	if err != nil {
		if c.waitForRateLimit(ctx, err) {
			return c.crawlPR(ctx, owner, name, repo, pr)
		}
		return 0, mapGitHubError(err, "list issue comments")
	}
	for _, ic := range issueComments {
		if isBot(ic.GetUser().GetLogin()) || embed.IsBlank(ic.GetBody()) {
			continue
		}
		rows = append(rows, &vecstore.Row{
			ID:          commentID(repo, pr.GetNumber(), CommentTypeIssue, ic.GetID()),
			ProjectPath: c.projectPath,
			Repository:  repo,
			PRNumber:    pr.GetNumber(),
			Author:      ic.GetUser().GetLogin(),
			CreatedAt:   formatTime(ic.GetCreatedAt()),
			Body:        embed.Truncate(ic.GetBody(), c.cfg.Embeddings.MaxCommentChars),
			CommentType: CommentTypeIssue,
		})
	}

	if err := c.store.upsertComments(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// waitForRateLimit sleeps out a GitHub rate limit. Returns true when the
// caller should retry.
func (c *Crawler) waitForRateLimit(ctx context.Context, err error) bool {
	var rateErr *github.RateLimitError
	if stderrors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		if wait < 0 {
			wait = time.Second
		}
		slog.Warn("github rate limit hit, waiting",
			slog.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	var abuseErr *github.AbuseRateLimitError
	if stderrors.As(err, &abuseErr) {
		wait := abuseErr.GetRetryAfter()
		if wait <= 0 {
			wait = 10 * time.Second
		}
		slog.Warn("github secondary rate limit hit, waiting",
			slog.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}
	return false
}

func (c *Crawler) saveCursor(ctx context.Context, cursor *state.CrawlState, finished bool) error {
	cursor.Finished = finished
	return c.state.SaveCrawlCursor(ctx, cursor)
}

// crawledBefore reports whether a previous run already covered this PR.
func crawledBefore(cursor *state.CrawlState, pr *github.PullRequest) bool {
	if cursor == nil || cursor.LastUpdatedAt == "" {
		return false
	}
	updated := formatTime(pr.GetUpdatedAt())
	return updated != "" && updated <= cursor.LastUpdatedAt
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Newf(errors.ErrCodeInvalidInput,
			"repository must be owner/name, got %q", repo)
	}
	return parts[0], parts[1], nil
}

func isBot(login string) bool {
	return strings.HasSuffix(login, "[bot]")
}

func commentID(repo string, prNumber int, commentType string, id int64) string {
	return fmt.Sprintf("pr:%s:%d:%s:%d", repo, prNumber, commentType, id)
}

func formatTime(ts github.Timestamp) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func mapGitHubError(err error, op string) error {
	var ghErr *github.ErrorResponse
	if stderrors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Wrapf(errors.ErrCodeAuth, err, "%s", op)
		case http.StatusNotFound:
			return errors.Wrapf(errors.ErrCodeInvalidInput, err, "%s", op)
		}
		if ghErr.Response.StatusCode >= 500 {
			return errors.Wrapf(errors.ErrCodeServiceUnavailable, err, "%s", op)
		}
	}
	return errors.Wrapf(errors.ErrCodeNetwork, err, "%s", op)
}
