package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/prhistory"
)

func newPRHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pr-history",
		Short: "Manage past pull request review comments",
		Long: `pr-history crawls review and issue comments from a GitHub repository
into the local store. Future reviews retrieve the comments most similar
to the code under review and feed them into the prompt.

The repository defaults to the origin remote of the project; set
GITHUB_TOKEN for private repositories and higher rate limits.`,
	}

	cmd.AddCommand(newPRHistoryAnalyzeCmd())
	cmd.AddCommand(newPRHistoryStatusCmd())
	cmd.AddCommand(newPRHistoryClearCmd())

	return cmd
}

func newPRHistoryAnalyzeCmd() *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "analyze [owner/repo]",
		Short: "Crawl PR comments into the local store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := ""
			if len(args) > 0 {
				repo = args[0]
			}
			return runPRHistoryAnalyze(cmd, repo, resume)
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "Continue from the last crawl cursor instead of restarting")
	return cmd
}

func runPRHistoryAnalyze(cmd *cobra.Command, repo string, resume bool) error {
	ctx := cmd.Context()

	project, err := resolveProject()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(project)
	if err != nil {
		return err
	}

	sys, err := openSystem(ctx, project, cfg)
	if err != nil {
		return err
	}
	defer sys.Cleanup()

	repo = sys.repository(ctx, repo)
	if repo == "" {
		return errors.Newf(errors.ErrCodeInvalidInput,
			"no repository given and none could be derived from the origin remote").
			WithSuggestion("pass owner/repo or set pr_history.repository in the config")
	}

	store := prhistory.NewStore(sys.db, sys.embedder, cfg)
	crawler, err := prhistory.NewCrawler(store, sys.state, prhistory.CrawlerOptions{
		Token:       cfg.PRHistory.Token,
		ProjectPath: project,
		Config:      cfg,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Crawling %s...\n", repo)
	crawlCtx, cancel := context.WithTimeout(ctx, cfg.CrawlTimeout())
	defer cancel()

	summary, err := crawler.Analyze(crawlCtx, repo, resume)
	if err != nil {
		return err
	}

	if summary.Resumed && summary.PRsVisited == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Already up to date.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Visited %d pull request(s), stored %d comment(s)\n",
		summary.PRsVisited, summary.CommentsStored)
	return nil
}

func newPRHistoryStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [owner/repo]",
		Short: "Show stored comment counts and the crawl cursor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := ""
			if len(args) > 0 {
				repo = args[0]
			}
			return runPRHistoryStatus(cmd, repo)
		},
	}
}

func runPRHistoryStatus(cmd *cobra.Command, repo string) error {
	ctx := cmd.Context()

	project, err := resolveProject()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(project)
	if err != nil {
		return err
	}

	sys, err := openSystem(ctx, project, cfg)
	if err != nil {
		return err
	}
	defer sys.Cleanup()

	repo = sys.repository(ctx, repo)
	if repo == "" {
		return errors.Newf(errors.ErrCodeInvalidInput,
			"no repository given and none could be derived from the origin remote")
	}

	store := prhistory.NewStore(sys.db, sys.embedder, cfg)
	stats, err := store.Stats(ctx, project, repo)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Repository: %s\n", repo)
	fmt.Fprintf(out, "  Comments:     %d\n", stats.Comments)
	fmt.Fprintf(out, "  Distinct PRs: %d\n", stats.DistinctPRs)

	cursor, err := sys.state.CrawlCursor(ctx, repo)
	if err != nil {
		return err
	}
	if cursor == nil {
		fmt.Fprintln(out, "  Last crawl:   never")
		return nil
	}
	status := "interrupted"
	if cursor.Finished {
		status = "finished"
	}
	fmt.Fprintf(out, "  Last crawl:   %s (PR #%d, updated %s)\n",
		status, cursor.LastPRNumber, cursor.LastUpdatedAt)
	return nil
}

func newPRHistoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [owner/repo]",
		Short: "Delete stored PR comments and the crawl cursor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := ""
			if len(args) > 0 {
				repo = args[0]
			}
			return runPRHistoryClear(cmd, repo)
		},
	}
}

func runPRHistoryClear(cmd *cobra.Command, repo string) error {
	ctx := cmd.Context()

	project, err := resolveProject()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(project)
	if err != nil {
		return err
	}

	sys, err := openSystem(ctx, project, cfg)
	if err != nil {
		return err
	}
	defer sys.Cleanup()

	repo = sys.repository(ctx, repo)
	if repo == "" {
		return errors.Newf(errors.ErrCodeInvalidInput,
			"no repository given and none could be derived from the origin remote")
	}

	store := prhistory.NewStore(sys.db, sys.embedder, cfg)
	deleted, err := store.Clear(ctx, project, repo)
	if err != nil {
		return err
	}
	if err := sys.state.ClearCrawlCursor(ctx, repo); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d comment(s) for %s\n", deleted, repo)
	return nil
}
