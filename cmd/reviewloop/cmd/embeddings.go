package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/reviewloop/reviewloop/internal/embed"
	"github.com/reviewloop/reviewloop/internal/indexer"
	"github.com/reviewloop/reviewloop/internal/state"
	"github.com/reviewloop/reviewloop/internal/ui"
	"github.com/reviewloop/reviewloop/internal/vecstore"
)

func newEmbeddingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embeddings",
		Short: "Manage the project embedding index",
	}

	cmd.AddCommand(newEmbeddingsGenerateCmd())
	cmd.AddCommand(newEmbeddingsClearCmd())
	cmd.AddCommand(newEmbeddingsClearAllCmd())
	cmd.AddCommand(newEmbeddingsStatsCmd())

	return cmd
}

func newEmbeddingsGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Scan the project and embed its files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEmbeddingsGenerate(cmd.Context())
		},
	}
}

func runEmbeddingsGenerate(ctx context.Context) error {
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

	renderer := ui.NewRenderer(ui.Config{
		Output:     os.Stderr,
		ForcePlain: flagPlain,
		NoColor:    noColor(),
		Title:      filepath.Base(project),
	})
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = renderer.Stop() }()

	var seen atomic.Int64
	ix := indexer.New(sys.db, sys.embedder, sys.git, indexer.Options{
		ProjectPath: project,
		Config:      cfg,
		OnProgress: func(path string, status indexer.FileStatus) {
			n := int(seen.Add(1))
			stage := ui.StageEmbedding
			if status == indexer.StatusExcluded || status == indexer.StatusSkipped {
				stage = ui.StageScanning
			}
			renderer.UpdateProgress(ui.ProgressEvent{
				Stage:       stage,
				Current:     n,
				CurrentFile: path,
			})
		},
	})

	start := time.Now()
	summary, err := ix.Run(ctx)
	if err != nil {
		return err
	}

	if _, err := sys.state.RecordRun(ctx, &state.EmbeddingRun{
		StartedAt:  start,
		FinishedAt: time.Now(),
		Scanned:    summary.Scanned,
		Processed:  summary.Processed,
		Skipped:    summary.Skipped,
		Excluded:   summary.Excluded,
		Failed:     summary.Failed,
		Model:      sys.embedder.ModelName(),
		Dims:       sys.embedder.Dimensions(),
	}); err != nil {
		return err
	}

	records := 0
	if stats, err := ix.Stats(ctx); err == nil {
		records = int(stats[vecstore.TableFileEmbeddings] + stats[vecstore.TableDocumentChunks])
	}

	renderer.Complete(ui.CompletionStats{
		Files:    summary.Processed,
		Records:  records,
		Duration: summary.Duration,
		Errors:   summary.Failed,
		Embedder: embedderInfo(sys),
	})
	return nil
}

func newEmbeddingsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete file and document embeddings for this project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEmbeddingsClear(cmd, false)
		},
	}
}

func newEmbeddingsClearAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-all",
		Short: "Delete all stored records for this project, PR comments included",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEmbeddingsClear(cmd, true)
		},
	}
}

func runEmbeddingsClear(cmd *cobra.Command, includeComments bool) error {
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

	ix := indexer.New(sys.db, sys.embedder, sys.git, indexer.Options{
		ProjectPath: project,
		Config:      cfg,
	})
	deleted, err := ix.Clear(ctx, includeComments)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d record(s)\n", deleted)
	return nil
}

func newEmbeddingsStatsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index size and the last embedding run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEmbeddingsStats(cmd, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func runEmbeddingsStats(cmd *cobra.Command, asJSON bool) error {
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

	ix := indexer.New(sys.db, sys.embedder, sys.git, indexer.Options{
		ProjectPath: project,
		Config:      cfg,
	})
	counts, err := ix.Stats(ctx)
	if err != nil {
		return err
	}

	embInfo := embedderInfo(sys)
	info := ui.StatusInfo{
		ProjectPath:     project,
		CodeFiles:       counts[vecstore.TableFileEmbeddings],
		DocChunks:       counts[vecstore.TableDocumentChunks],
		PRComments:      counts[vecstore.TablePRComments],
		StoreSize:       sys.storeSize(),
		EmbedderBackend: embInfo.Backend,
		EmbedderModel:   embInfo.Model,
		EmbedderStatus:  embedderStatus(ctx, sys),
		Dimensions:      embInfo.Dimensions,
	}

	if run, err := sys.state.LastRun(ctx); err == nil && run != nil {
		info.LastRunAt = run.FinishedAt
		info.LastRun.Scanned = run.Scanned
		info.LastRun.Processed = run.Processed
		info.LastRun.Skipped = run.Skipped
		info.LastRun.Excluded = run.Excluded
		info.LastRun.Failed = run.Failed
	}

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor())
	if asJSON {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}

func embedderInfo(sys *system) ui.EmbedderInfo {
	backend := sys.cfg.Embeddings.Provider
	if _, ok := sys.embedder.(*embed.StaticEmbedder); ok {
		backend = "static"
	}
	return ui.EmbedderInfo{
		Backend:    backend,
		Model:      sys.embedder.ModelName(),
		Dimensions: sys.embedder.Dimensions(),
	}
}

func embedderStatus(ctx context.Context, sys *system) string {
	if _, ok := sys.embedder.(*embed.StaticEmbedder); ok {
		return "static"
	}
	if sys.embedder.Available(ctx) {
		return "ready"
	}
	return "offline"
}
