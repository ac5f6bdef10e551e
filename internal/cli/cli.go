// ============================================================================
// docbatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree and the wiring of every component
//
// Command Structure:
//   docbatch                       # Root command
//   ├── ingest <paths...>          # Copy documents into uploads and start a new job
//   ├── run                        # Convert files from the persisted cursor
//   │   ├── --profile             # Assistant id (empty: chat completions)
//   │   └── --max-attempts        # Attempts per file
//   ├── status [--json]            # Progress report
//   ├── fetch <file> [-o path]     # Converted output of one file
//   ├── reset [--purge]            # Discard the job (and files)
//   ├── profiles                   # Named assistant profiles
//   ├── history                    # Journal events
//   ├── export -o report.xlsx      # Spreadsheet report
//   └── serve                      # HTTP API (+ gRPC health)
//
// Global flags:
//   --config, -c   config file (default: configs/default.yaml; missing = defaults)
//   --log-level    debug | info | warn | error
//   --log-format   text | json
//
// Wiring (openApp):
//   config -> store -> journal -> blobstore -> openai client -> invoker
//          -> metrics -> controller
//
// run Command:
//   Traps SIGINT and SIGTERM. The run stops between files (or during a
//   backoff wait); the job stays in processing and the next `docbatch run`
//   resumes at the persisted cursor.
//
// Error Handling:
//   - Config load failed: detailed error, exit 1
//   - Journal unreadable: warning, commands continue without a journal
//   - Run interrupted: progress is kept, exit 1
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/docbatch/internal/blobstore"
	"github.com/ChuLiYu/docbatch/internal/config"
	"github.com/ChuLiYu/docbatch/internal/controller"
	"github.com/ChuLiYu/docbatch/internal/converter"
	"github.com/ChuLiYu/docbatch/internal/converter/openai"
	"github.com/ChuLiYu/docbatch/internal/invoker"
	"github.com/ChuLiYu/docbatch/internal/metrics"
	"github.com/ChuLiYu/docbatch/internal/retry"
	"github.com/ChuLiYu/docbatch/internal/storage/journal"
	"github.com/ChuLiYu/docbatch/internal/store"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "docbatch",
		Short: "docbatch: resumable batch document conversion",
		Long: `docbatch converts a batch of documents through a remote conversion service:
- one file at a time, with bounded retry and exponential backoff
- progress persisted after every file, resumable after a crash
- Prometheus metrics, audit journal and spreadsheet export`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text, json (overrides config)")

	rootCmd.AddCommand(buildIngestCommand(opts))
	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildFetchCommand(opts))
	rootCmd.AddCommand(buildResetCommand(opts))
	rootCmd.AddCommand(buildProfilesCommand(opts))
	rootCmd.AddCommand(buildHistoryCommand(opts))
	rootCmd.AddCommand(buildExportCommand(opts))
	rootCmd.AddCommand(buildServeCommand(opts))

	return rootCmd
}

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    store.Store
	journal  *journal.Journal
	blobs    *blobstore.Store
	registry *prometheus.Registry
	ctrl     *controller.Controller
}

// convFactory builds the converter. Tests replace it.
var convFactory = func(cfg *config.Config, logger *slog.Logger) converter.Converter {
	return openai.NewClient(openai.Config{
		APIKey:          cfg.Converter.APIKey,
		BaseURL:         cfg.Converter.BaseURL,
		Model:           cfg.Converter.Model,
		Timeout:         cfg.Converter.Timeout,
		PollInterval:    cfg.Converter.PollInterval,
		PollMaxInterval: cfg.Converter.PollMaxInterval,
	}, logger)
}

// openApp loads the configuration and wires every component.
func openApp(ctx context.Context, opts *rootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	logger, err := newLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger}

	a.store, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.Store.Lock)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			logger.Warn("journal.unavailable", "path", cfg.Journal.Path, "error", err)
		} else {
			a.journal = j
		}
	}

	a.blobs, err = blobstore.New(cfg.Storage.UploadsDir, cfg.Storage.OutputsDir, cfg.Storage.OutputExt)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Base:        cfg.Retry.Base,
		Unit:        cfg.Retry.Unit,
		MaxBackoff:  cfg.Retry.MaxBackoff,
		Classify:    cfg.Retry.ClassifyErrors,
	}
	inv := invoker.New(convFactory(cfg, logger), policy,
		invoker.WithTimeout(cfg.Converter.AttemptTimeout),
		invoker.WithLogger(logger),
	)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.ctrl, err = controller.New(controller.Options{
		Store:              a.store,
		Invoker:            inv,
		Blobs:              a.blobs,
		Journal:            a.journal,
		Metrics:            metrics.NewCollector(a.registry),
		Logger:             logger,
		DefaultProfile:     cfg.Converter.Profile,
		Profiles:           cfg.Converter.ProfileRefs(),
		DefaultMaxAttempts: cfg.Retry.MaxAttempts,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the journal and the store.
func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("journal.close_failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store.close_failed", "error", err)
		}
	}
}

// newLogger builds the slog handler selected by level and format.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}

// withApp opens the app around fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
