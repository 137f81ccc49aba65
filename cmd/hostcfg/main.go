package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schaermu/hostcfg/internal/config"
	"github.com/schaermu/hostcfg/internal/engine"
	"github.com/schaermu/hostcfg/internal/git"
	"github.com/schaermu/hostcfg/internal/prompt"
	"github.com/schaermu/hostcfg/internal/trigger"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	rootDir        string
	logLevel       string
	logFormat      string
	nonInteractive bool
	force          bool
	parallelism    int

	// Converge flags
	initURL     string
	showPaths   bool
	updatesOnly bool
	dryRun      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hostcfg",
	Short: "Converge a machine towards the configuration in a git repository",
	Long: `hostcfg applies a declarative configuration kept in a git repository to the
local machine: it copies and links dotfiles, renders templates, installs
packages and keeps other repositories up to date.

Without a subcommand it performs a single converge run. The run is safe to
repeat; work that is already done is skipped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runConverge,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook events
and runs a converge when the configuration repository is pushed to.

Runs triggered by the server are never interactive.`,
	RunE: runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-run whenever the configuration root changes",
	RunE:  runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hostcfg %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "configuration root (default is $XDG_CONFIG_HOME/hostcfg)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "never prompt, assume the default answer")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "replace conflicting links and hard-reset git checkouts")
	rootCmd.PersistentFlags().IntVar(&parallelism, "parallelism", 0, "maximum number of units applied at once (default from config or CPU count)")

	// Converge flags
	rootCmd.Flags().StringVar(&initURL, "init", "", "initialize the configuration root by cloning this repository")
	rootCmd.Flags().BoolVar(&showPaths, "paths", false, "print the paths in use and exit")
	rootCmd.Flags().BoolVar(&updatesOnly, "updates-only", false, "only run when the configuration root was updated")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func runConverge(cmd *cobra.Command, args []string) error {
	paths, err := resolvePaths()
	if err != nil {
		return err
	}

	if showPaths {
		printPaths(cmd.OutOrStdout(), paths)
		return nil
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	prompter := prompt.New(nonInteractive)

	if err := prepareRoot(ctx, paths, git.NewShellSystem("", ""), prompter, logger); err != nil {
		return err
	}

	eng, err := newEngine(paths, prompter, logger)
	if err != nil {
		return err
	}

	return eng.Run(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	paths, err := resolvePaths()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(paths, logger)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	eng, err := newEngine(paths, prompt.New(true), logger)
	if err != nil {
		return err
	}

	server, err := trigger.NewServer(cfg.Serve, eng, eng.Metrics().Gatherer(), logger)
	if err != nil {
		return err
	}

	return server.Start(ctx)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	paths, err := resolvePaths()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(paths, logger)
	if err != nil {
		return err
	}

	eng, err := newEngine(paths, prompt.New(true), logger)
	if err != nil {
		return err
	}

	watcher, err := trigger.NewWatcher(paths.Root, cfg.Serve.Debounce.Duration, eng, logger)
	if err != nil {
		return err
	}

	return watcher.Start(ctx)
}

// resolvePaths determines the configuration root from --root or the
// platform default.
func resolvePaths() (config.Paths, error) {
	root := rootDir
	if root == "" {
		var err error
		if root, err = config.DefaultRoot(); err != nil {
			return config.Paths{}, err
		}
	}
	return config.NewPaths(root), nil
}

func printPaths(w io.Writer, paths config.Paths) {
	_, _ = fmt.Fprintf(w, "OS: %s\n", runtime.GOOS)
	_, _ = fmt.Fprintf(w, "Root: %s\n", paths.Root)
	_, _ = fmt.Fprintf(w, "Configuration File: %s\n", paths.Config)
	_, _ = fmt.Fprintf(w, "State File: %s\n", paths.StateFile)
	_, _ = fmt.Fprintf(w, "State Dir: %s\n", paths.StateDir)
}

// prepareRoot makes sure the configuration root exists, cloning it when
// --init is given or the user asks for it.
func prepareRoot(ctx context.Context, paths config.Paths, gitSystem git.System, prompter prompt.Prompter, logger *slog.Logger) error {
	url := initURL

	if url == "" && !isDir(paths.Root) {
		setup, err := prompter.Confirm(ctx, "No configuration directory, would you like to set it up?", true)
		if err != nil {
			return err
		}
		if setup {
			if url, _, err = prompter.Input(ctx, "[Git Repository]"); err != nil {
				return err
			}
		}
	}

	if url != "" {
		logger.Info("initializing configuration", "root", paths.Root, "from", url)
		if _, err := gitSystem.Clone(ctx, url, paths.Root); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", paths.Root, err)
		}
	}

	if !isDir(paths.Root) {
		return fmt.Errorf("missing configuration directory: %s", paths.Root)
	}
	return nil
}

func newEngine(paths config.Paths, prompter prompt.Prompter, logger *slog.Logger) (*engine.Engine, error) {
	cfg, err := loadConfig(paths, logger)
	if err != nil {
		return nil, err
	}

	gitSystem := git.NewShellSystem(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)

	return engine.NewEngine(engine.Options{
		Root:        paths.Root,
		Force:       force,
		UpdatesOnly: updatesOnly,
		DryRun:      dryRun,
		Parallelism: parallelism,
	}, gitSystem, prompter, logger), nil
}

func loadConfig(paths config.Paths, logger *slog.Logger) (*config.Config, error) {
	logger.Debug("loading configuration", "path", paths.Config)

	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %s: %w", paths.Config, err)
	}

	logger.Debug("configuration loaded",
		"systems", len(cfg.Systems),
		"hierarchy", len(cfg.Hierarchy),
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
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

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

var (
	errorLabel = color.New(color.FgRed, color.Bold)
	causeLabel = color.New(color.FgYellow)
)

// reportError prints err and every error it wraps. Failed units of a run are
// listed one by one.
func reportError(w *os.File, err error) {
	if !isatty.IsTerminal(w.Fd()) && !isatty.IsCygwinTerminal(w.Fd()) {
		color.NoColor = true
	}
	writeReport(w, err)
}

func writeReport(w io.Writer, err error) {
	printChain(w, err)

	var runErr *engine.RunError
	if !errors.As(err, &runErr) {
		return
	}

	for i, f := range runErr.Systems {
		_, _ = fmt.Fprintf(w, "%2d: %s\n", i, f.System)
		printChain(w, f.Err)
	}
	for i, f := range runErr.Failures {
		_, _ = fmt.Fprintf(w, "%2d: %s\n", i, f.Unit)
		printChain(w, f.Err)
	}
	if len(runErr.Unscheduled) > 0 {
		_, _ = fmt.Fprintln(w, "Unable to schedule the following units:")
		for i, u := range runErr.Unscheduled {
			_, _ = fmt.Fprintf(w, "%2d: %s\n", i, u)
		}
	}
}

func printChain(w io.Writer, err error) {
	_, _ = errorLabel.Fprint(w, "Error: ")
	_, _ = fmt.Fprintln(w, err)

	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		_, _ = causeLabel.Fprint(w, "Caused by: ")
		_, _ = fmt.Fprintln(w, cause)
	}
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
