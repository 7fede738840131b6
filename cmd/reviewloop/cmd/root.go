// Package cmd provides the CLI commands for reviewloop.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reviewloop/reviewloop/internal/config"
	"github.com/reviewloop/reviewloop/internal/errors"
	"github.com/reviewloop/reviewloop/internal/logging"
	"github.com/reviewloop/reviewloop/pkg/version"
)

// cleanupDeadline bounds shutdown work after the first signal. A second
// signal exits immediately.
const cleanupDeadline = 10 * time.Second

// Persistent flags.
var (
	flagConfig  string
	flagProject string
	flagDebug   bool
	flagNoColor bool
	flagPlain   bool

	loggingCleanup func()
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviewloop",
		Short: "Retrieval-augmented code review for your repository",
		Long: `reviewloop reviews code changes with an LLM, grounded in your own
repository: team guideline documents, similar code, and past pull
request review comments are retrieved from a local hybrid index and
fed into every review prompt.

Typical flow:

  reviewloop embeddings generate     index the project
  reviewloop pr-history analyze      crawl past PR comments (optional)
  reviewloop analyze                 review the current branch`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("reviewloop version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a config file")
	cmd.PersistentFlags().StringVarP(&flagProject, "project", "p", ".", "Project directory")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")
	cmd.PersistentFlags().BoolVar(&flagPlain, "plain", false, "Disable the interactive progress UI")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRunE = teardownLogging

	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newEmbeddingsCmd())
	cmd.AddCommand(newPRHistoryCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func setupLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.DefaultConfig()
	if flagDebug {
		cfg = logging.DebugConfig()
	}

	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		// Logging must never block the actual command.
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})))
		return nil
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func teardownLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the CLI. SIGINT/SIGTERM cancel the command context; a
// second signal, or a cleanup that overruns its deadline, exits hard.
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
		go func() {
			time.Sleep(cleanupDeadline)
			os.Exit(1)
		}()
		<-sigCh
		os.Exit(1)
	}()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		printError(err)
	}
	return err
}

// printError writes the error to stderr, with the suggestion when the
// structured error carries one.
func printError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if re := errors.AsReviewError(err); re != nil && re.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "  hint: %s\n", re.Suggestion)
	}
}

// resolveProject returns the absolute project directory from --project.
func resolveProject() (string, error) {
	abs, err := filepath.Abs(flagProject)
	if err != nil {
		return "", errors.Wrapf(errors.ErrCodeInvalidInput, err, "resolve project path %s", flagProject)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", errors.Newf(errors.ErrCodeFileNotFound, "project directory %s does not exist", abs)
	}
	return abs, nil
}

// loadConfig loads configuration for the project, honoring --config.
func loadConfig(projectPath string) (*config.Config, error) {
	return config.LoadWithFile(projectPath, flagConfig)
}

// noColor reports whether colored output is disabled by flag or env.
func noColor() bool {
	if flagNoColor {
		return true
	}
	_, set := os.LookupEnv("NO_COLOR")
	return set
}
