package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reviewloop/reviewloop/internal/classify"
	"github.com/reviewloop/reviewloop/internal/llm"
	"github.com/reviewloop/reviewloop/internal/output"
	"github.com/reviewloop/reviewloop/internal/prhistory"
	"github.com/reviewloop/reviewloop/internal/retrieve"
	"github.com/reviewloop/reviewloop/internal/review"
)

func newAnalyzeCmd() *cobra.Command {
	var base string
	var files []string
	var format string
	var repo string

	cmd := &cobra.Command{
		Use:   "analyze [target]",
		Short: "Review a branch diff or explicit files",
		Long: `Analyze reviews the changes between a base branch and a target ref
(default: the repository's main branch against HEAD), or explicit files
given with --file. Each changed file is reviewed with retrieved team
guidelines, similar code, and past PR comments as context.`,
		Example: `  reviewloop analyze
  reviewloop analyze feature/login --base main
  reviewloop analyze --file internal/server.go --file internal/client.go
  reviewloop analyze --format markdown > review.md`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) > 0 {
				target = args[0]
			}
			return runAnalyze(cmd, base, target, files, format, repo)
		},
	}

	cmd.Flags().StringVar(&base, "base", "", "Base ref to diff against (default: main or master)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "Review an explicit file instead of a diff (repeatable)")
	cmd.Flags().StringVar(&format, "format", "", "Output format: text, json, or markdown")
	cmd.Flags().StringVar(&repo, "repo", "", "GitHub repository as owner/name for past-comment lookup")

	return cmd
}

func runAnalyze(cmd *cobra.Command, base, target string, files []string, format, repo string) error {
	ctx := cmd.Context()

	project, err := resolveProject()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(project)
	if err != nil {
		return err
	}

	if format == "" {
		format = cfg.Output.Format
	}
	outFormat, err := output.ParseFormat(format)
	if err != nil {
		return err
	}

	client, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLMTimeout(),
	})
	if err != nil {
		return err
	}

	sys, err := openSystem(ctx, project, cfg)
	if err != nil {
		return err
	}
	defer sys.Cleanup()

	classifier := classify.NewClassifier(client, cfg.LLM.Model)
	reviewer := review.New(review.Options{
		LLM:         client,
		Retriever:   retrieve.New(sys.db, sys.embedder, classifier, cfg),
		Comments:    prhistory.NewStore(sys.db, sys.embedder, cfg),
		Git:         sys.git,
		Config:      cfg,
		ProjectPath: project,
		Repository:  sys.repository(ctx, repo),
	})

	rev, err := reviewer.ReviewBranch(ctx, &review.BranchRequest{
		Base:   base,
		Target: target,
		Paths:  files,
	})
	if err != nil {
		return err
	}

	if err := output.Render(cmd.OutOrStdout(), rev, outFormat, noColor()); err != nil {
		return err
	}
	if rev.Stats.FilesFailed > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d file review(s) failed\n", rev.Stats.FilesFailed)
	}
	return nil
}
