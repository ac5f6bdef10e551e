package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/docbatch/internal/blobstore"
	"github.com/ChuLiYu/docbatch/internal/controller"
	"github.com/ChuLiYu/docbatch/internal/metrics"
	"github.com/ChuLiYu/docbatch/internal/report"
	"github.com/ChuLiYu/docbatch/internal/server"
	"github.com/ChuLiYu/docbatch/pkg/types"
)

// ============================================================================
// ingest
// ============================================================================

func buildIngestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <paths...>",
		Short: "Ingest documents as a new job",
		Long: `Copy documents into the uploads directory and replace the job's file list.
A directory argument adds every .pdf file inside it. An argument that is not a
local path is accepted if a file of that name was already uploaded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				staged, err := a.blobs.Stage()
				if err != nil {
					return err
				}
				defer func() { _ = staged.Discard() }()

				names, err := collectUploads(a, staged, args)
				if err != nil {
					return err
				}
				res, err := a.ctrl.IngestWith(ctx, names, staged.Commit)
				if err != nil {
					return fmt.Errorf("failed to ingest: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d files ingested\n", res.Count)
				for _, f := range res.Files {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", f)
				}
				return nil
			})
		},
	}
}

// collectUploads stages every local argument and returns the upload names
// in argument order. Staged files replace existing uploads only on commit.
func collectUploads(a *app, staged *blobstore.Staged, args []string) ([]string, error) {
	var names []string
	add := func(path string) error {
		name, err := staged.PutFile(path)
		if err != nil {
			return fmt.Errorf("failed to store %s: %w", path, err)
		}
		names = append(names, name)
		return nil
	}

	for _, arg := range args {
		fi, err := os.Stat(arg)
		switch {
		case err == nil && fi.IsDir():
			entries, err := os.ReadDir(arg)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s: %w", arg, err)
			}
			for _, e := range entries {
				if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".pdf") {
					if err := add(filepath.Join(arg, e.Name())); err != nil {
						return nil, err
					}
				}
			}
		case err == nil:
			if err := add(arg); err != nil {
				return nil, err
			}
		case errors.Is(err, os.ErrNotExist) && a.blobs.Has(arg):
			names = append(names, arg)
		default:
			return nil, fmt.Errorf("file not found: %s", arg)
		}
	}
	return names, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var (
		profile     string
		maxAttempts int
		noProgress  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start or resume the conversion run",
		Long: `Convert the job's files one at a time from the persisted cursor.
Ctrl+C stops the run between files; run again to resume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.cfg.Metrics.Enabled {
					go func() {
						if err := metrics.StartServer(ctx, a.cfg.Metrics.Port, a.registry); err != nil {
							a.log.Error("metrics.server_failed", "error", err)
						}
					}()
				}
				return runJob(ctx, cmd.OutOrStdout(), a, controller.RunOptions{
					Profile:     profile,
					MaxAttempts: maxAttempts,
				}, !noProgress)
			})
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "profile name or assistant id (overrides converter.profile)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempts per file (default from retry.max_attempts)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")

	return cmd
}

func runJob(ctx context.Context, out io.Writer, a *app, ropts controller.RunOptions, showProgress bool) error {
	var bar *progressbar.ProgressBar
	if showProgress {
		ropts.OnProgress = func(rep types.StatusReport) {
			if bar == nil {
				bar = progressbar.NewOptions(rep.Total,
					progressbar.OptionSetWriter(out),
					progressbar.OptionSetDescription("Converting"),
					progressbar.OptionShowCount(),
					progressbar.OptionSetItsString("files"),
					progressbar.OptionThrottle(65*time.Millisecond),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(rep.Current)
		}
	}

	sum, err := a.ctrl.Run(ctx, ropts)
	if bar != nil {
		_ = bar.Finish()
	}

	switch {
	case errors.Is(err, controller.ErrInterrupted):
		fmt.Fprintf(out, "\nRun interrupted: %d processed, %d failed so far. Run again to resume.\n", sum.Processed, sum.Failed)
		return err
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "Processing complete (run %s)\n", sum.RunID)
	fmt.Fprintf(out, "  ├─ Processed: %d\n", sum.Processed)
	fmt.Fprintf(out, "  └─ Failed:    %d\n", sum.Failed)
	for _, f := range sum.Details {
		fmt.Fprintf(out, "     └─ %s: %s\n", f.File, f.Error)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job status",
		Long:  "Display the progress of the current job from the persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rep, err := a.ctrl.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(rep)
				}
				printStatus(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printStatus(w io.Writer, rep types.StatusReport) {
	fmt.Fprintln(w, "Job Status:")
	fmt.Fprintf(w, "  ├─ Status:    %s\n", rep.Status)
	fmt.Fprintf(w, "  ├─ Progress:  %d/%d (%.2f%%)\n", rep.Current, rep.Total, rep.Progress)
	fmt.Fprintf(w, "  ├─ Processed: %d\n", rep.Processed)
	fmt.Fprintf(w, "  └─ Failed:    %d\n", rep.Failed)
	for _, f := range rep.FailedFiles {
		fmt.Fprintf(w, "     └─ %s: %s\n", f.File, f.Error)
	}
}

// ============================================================================
// fetch
// ============================================================================

func buildFetchCommand(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "fetch <file>",
		Short: "Fetch the converted output of a file",
		Long:  "Write the converted output for an input file (or an output name) to stdout or --output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				data, name, err := a.ctrl.FetchOutput(ctx, args[0])
				if err != nil {
					return err
				}
				if output == "" {
					_, err := cmd.OutOrStdout().Write(data)
					return err
				}
				if fi, err := os.Stat(output); err == nil && fi.IsDir() {
					output = filepath.Join(output, name)
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory (default stdout)")
	return cmd
}

// ============================================================================
// reset
// ============================================================================

func buildResetCommand(opts *rootOptions) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the job",
		Long:  "Discard the job state. With --purge, uploaded documents and outputs are deleted too.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.ctrl.Reset(ctx, purge); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "State reset")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete uploads and outputs")
	return cmd
}

// ============================================================================
// profiles
// ============================================================================

func buildProfilesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List named assistant profiles",
		Long:  "List converter.profiles. `run --profile <name>` uses the profile's ref.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				w := cmd.OutOrStdout()
				profiles := a.cfg.Converter.Profiles
				if len(profiles) == 0 {
					fmt.Fprintln(w, "No profiles configured")
					return nil
				}
				names := make([]string, 0, len(profiles))
				for name := range profiles {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					p := profiles[name]
					marker := " "
					if name == a.cfg.Converter.Profile {
						marker = "*"
					}
					fmt.Fprintf(w, "%s %-12s %s", marker, name, p.Ref)
					if p.Description != "" {
						fmt.Fprintf(w, "  %s", p.Description)
					}
					fmt.Fprintln(w)
				}
				return nil
			})
		},
	}
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the job journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				events, err := a.ctrl.History(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(events) == 0 {
					fmt.Fprintln(w, "No events")
					return nil
				}
				for _, e := range events {
					fmt.Fprintf(w, "%5d  %s  %-11s", e.Seq, time.UnixMilli(e.Timestamp).Format(time.RFC3339), e.Type)
					if e.File != "" {
						fmt.Fprintf(w, "  %s", e.File)
					}
					if e.Attempts > 0 {
						fmt.Fprintf(w, "  attempts=%d", e.Attempts)
					}
					if e.Count > 0 {
						fmt.Fprintf(w, "  files=%d", e.Count)
					}
					if e.Error != "" {
						fmt.Fprintf(w, "  error=%q", e.Error)
					}
					fmt.Fprintln(w)
				}
				return nil
			})
		},
	}
}

// ============================================================================
// export
// ============================================================================

func buildExportCommand(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the job as a spreadsheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				s, err := a.ctrl.State(ctx)
				if err != nil {
					return err
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				if err := report.WriteXLSX(f, s); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d files)\n", output, len(s.Files))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "report.xlsx", "output .xlsx path")
	return cmd
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *rootOptions) *cobra.Command {
	var addr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.Server.Addr
				}
				if grpcAddr == "" {
					grpcAddr = a.cfg.Server.GRPCAddr
				}
				srv := server.New(server.Options{
					Jobs:           a.ctrl,
					Uploads:        a.blobs,
					Gatherer:       a.registry,
					Logger:         a.log,
					MaxUploadBytes: a.cfg.Server.MaxUploadMB << 20,
					GRPCAddr:       grpcAddr,
				})
				return srv.ListenAndServe(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default server.addr)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address (default server.grpc_addr)")
	return cmd
}
