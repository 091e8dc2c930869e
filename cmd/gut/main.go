package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/gut/internal/config"
	"github.com/schaermu/gut/internal/git"
	"github.com/schaermu/gut/internal/sync"
	"github.com/schaermu/gut/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	locations []string
	logLevel  string
	logFormat string
	assumeYes bool

	// Commit flags
	dryRun     bool
	forcePurge bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gut [rev]",
	Short: "Deploy git revisions incrementally",
	Long: `gut deploys a git repository to one or more remote locations by transferring
only the files that changed since the revision each location last received.

Every location keeps the deployed revision in a marker file. Running gut
without a command deploys HEAD, or the given revision, to every location.`,
	Args:         cobra.MaximumNArgs(1),
	RunE:         runCommit,
	SilenceUsage: true,
}

var commitCmd = &cobra.Command{
	Use:   "commit [rev]",
	Short: "Deploy a revision (default HEAD)",
	Long: `Commit computes the changes between the revision deployed on each location
and the target revision, asks for confirmation and uploads them. The working
copy is switched to the target revision for the duration of the upload and
restored afterwards, including uncommitted changes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCommit,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Deploy the parent of HEAD",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommit(cmd, []string{"HEAD^"})
	},
}

var initCmd = &cobra.Command{
	Use:   "init [rev]",
	Short: "Mark a revision as deployed without uploading files",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var dirtyCmd = &cobra.Command{
	Use:   "dirty [paths...]",
	Short: "Upload uncommitted files",
	Long: `Dirty uploads files from the working copy without committing them. Without
arguments the uncommitted changes are offered for selection. Uploaded files
are tracked on each location until they are reverted with "gut clean".`,
	RunE: runDirty,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Revert files uploaded with dirty to their committed content",
	Args:  cobra.NoArgs,
	RunE:  runClean,
}

var folderCmd = &cobra.Command{
	Use:   "folder <dir>",
	Short: "Upload a folder of the working copy",
	Args:  cobra.ExactArgs(1),
	RunE:  runFolder,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Clear the configured purge folders",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the deployed revision of every location",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Deploy HEAD on every GitHub push",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook events
and deploys HEAD to the selected locations whenever an allowed ref is pushed.
With serve.pull enabled the working copy is fast-forwarded first.

Requires serve.secret_file in the configuration.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gut %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultFile, "config file")
	rootCmd.PersistentFlags().StringSliceVarP(&locations, "location", "l", nil, "restrict to location (repeatable, default all)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	// Commit flags
	for _, cmd := range []*cobra.Command{rootCmd, commitCmd, rollbackCmd} {
		cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
		cmd.Flags().BoolVar(&forcePurge, "purge", false, "purge the configured folders after deploying")
	}

	rootCmd.AddCommand(commitCmd, rollbackCmd, initCmd, dirtyCmd, cleanCmd, folderCmd, purgeCmd, statusCmd, serveCmd, versionCmd)
}

func runCommit(cmd *cobra.Command, args []string) error {
	ref := "HEAD"
	if len(args) > 0 {
		ref = args[0]
	}

	return withEngine(func(ctx context.Context, engine *sync.Engine) error {
		opts := sync.DeployOptions{
			DryRun:     dryRun,
			ForcePurge: forcePurge,
			Progress:   progressPrinter(cmd.OutOrStdout()),
		}
		if !dryRun && !assumeYes {
			if !interactive() {
				return errNeedsConfirmation
			}
			opts.Confirm = confirmDiff(cmd.OutOrStdout())
		}

		reports, err := engine.Deploy(ctx, ref, opts)
		printReports(cmd.OutOrStdout(), reports)
		if err != nil {
			return err
		}
		return failures(reports)
	})
}

func runInit(cmd *cobra.Command, args []string) error {
	ref := "HEAD"
	if len(args) > 0 {
		ref = args[0]
	}

	return withEngine(func(ctx context.Context, engine *sync.Engine) error {
		reports, err := engine.Init(ctx, ref)
		if err != nil {
			return err
		}
		printReports(cmd.OutOrStdout(), reports)
		return failures(reports)
	})
}

func runDirty(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, engine *sync.Engine) error {
		paths := args
		if len(paths) == 0 {
			changes, err := engine.Uncommitted(ctx)
			if err != nil {
				return err
			}
			if changes.Empty() {
				fmt.Fprintln(cmd.OutOrStdout(), "no uncommitted changes")
				return nil
			}
			paths, err = selectDirty(changes)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return nil
			}
		}

		reports, err := engine.PushDirty(ctx, paths)
		if err != nil {
			return err
		}
		printReports(cmd.OutOrStdout(), reports)
		return failures(reports)
	})
}

func runClean(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, engine *sync.Engine) error {
		reports, err := engine.CleanDirty(ctx)
		if err != nil {
			return err
		}
		printReports(cmd.OutOrStdout(), reports)
		return failures(reports)
	})
}

func runFolder(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, engine *sync.Engine) error {
		reports, err := engine.UploadFolder(ctx, args[0], progressPrinter(cmd.OutOrStdout()))
		if err != nil {
			return err
		}
		printReports(cmd.OutOrStdout(), reports)
		return failures(reports)
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, engine *sync.Engine) error {
		if !assumeYes {
			ok, err := confirm(fmt.Sprintf("Purge the configured folders on %v?", engine.Locations()))
			if err != nil || !ok {
				return err
			}
		}
		reports, err := engine.PurgeFolders(ctx)
		if err != nil {
			return err
		}
		printReports(cmd.OutOrStdout(), reports)
		return failures(reports)
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, engine *sync.Engine) error {
		states, err := engine.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), states)
		return nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	gitClient := git.NewShellClient(cfg.RepoDir)
	engine, err := newEngine(cfg, gitClient, logger)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	server, err := webhook.NewServer(cfg.Serve, pushDeployer(cfg, gitClient, engine, logger), logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

// pushDeployer deploys HEAD without confirmation, optionally pulling first
func pushDeployer(cfg *config.Config, gitClient *git.ShellClient, engine *sync.Engine, logger *slog.Logger) webhook.DeployFunc {
	return func(ctx context.Context) error {
		if cfg.Serve.Pull {
			if err := gitClient.Pull(ctx); err != nil {
				return err
			}
		}
		reports, err := engine.Deploy(ctx, "HEAD", sync.DeployOptions{})
		for _, r := range reports {
			logger.Info("deploy report", "location", r.Location, "status", r.Status, "files", r.Diff.Len(), "error", r.Err)
		}
		if err != nil {
			return err
		}
		return failures(reports)
	}
}

// withEngine loads the configuration, builds the engine and runs fn with a
// context cancelled on SIGINT/SIGTERM
func withEngine(fn func(ctx context.Context, engine *sync.Engine) error) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, git.NewShellClient(cfg.RepoDir), logger)
	if err != nil {
		return err
	}
	defer closeEngine(engine, logger)

	return fn(ctx, engine)
}

func newEngine(cfg *config.Config, gitClient *git.ShellClient, logger *slog.Logger) (*sync.Engine, error) {
	src := afero.NewBasePathFs(afero.NewOsFs(), cfg.RepoDir)
	return sync.NewEngine(cfg, gitClient, src, logger, sync.WithLocations(locations...))
}

func closeEngine(engine *sync.Engine, logger *slog.Logger) {
	if err := engine.Close(); err != nil {
		logger.Warn("failed to close locations", "error", err)
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format; stdout carries the reports
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultFile
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo_dir", cfg.RepoDir,
		"revision_file", cfg.RevisionFile,
		"locations", cfg.LocationNames())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
