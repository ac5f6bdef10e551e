// Command demo shows crash recovery with a simulated converter and no
// network access.
//
//	go run ./cmd/demo start     # ingest 50 documents and convert; Ctrl+C mid-run
//	go run ./cmd/demo recover   # resume from the persisted cursor
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/docbatch/internal/blobstore"
	"github.com/ChuLiYu/docbatch/internal/controller"
	"github.com/ChuLiYu/docbatch/internal/converter"
	"github.com/ChuLiYu/docbatch/internal/invoker"
	"github.com/ChuLiYu/docbatch/internal/retry"
	"github.com/ChuLiYu/docbatch/internal/storage/journal"
	"github.com/ChuLiYu/docbatch/internal/store"
	"github.com/ChuLiYu/docbatch/pkg/types"
)

func main() {
	dir := flag.String("dir", "demo-data", "working directory for state and files")
	files := flag.Int("files", 50, "number of documents to ingest in start mode")
	delay := flag.Duration("delay", 200*time.Millisecond, "simulated conversion time per attempt")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: go run ./cmd/demo [-dir d] [-files n] <start|recover>")
		os.Exit(1)
	}
	mode := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewFileStore(filepath.Join(*dir, "processing_state.json"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	j, err := journal.Open(filepath.Join(*dir, "logs", "docbatch.journal"))
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer j.Close()
	blobs, err := blobstore.New(filepath.Join(*dir, "uploads"), filepath.Join(*dir, "outputs"), "")
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	policy := retry.DefaultPolicy()
	policy.Unit = 100 * time.Millisecond
	ctrl, err := controller.New(controller.Options{
		Store:              st,
		Invoker:            invoker.New(simulated(*delay), policy),
		Blobs:              blobs,
		Journal:            j,
		DefaultMaxAttempts: policy.MaxAttempts,
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	rep, err := ctrl.Status(ctx)
	if err != nil {
		log.Fatalf("Failed to read status: %v", err)
	}

	switch mode {
	case "start":
		if rep.Status == types.StatusProcessing {
			fmt.Printf("\n⚠️  Found an interrupted run at %d/%d (recovered from crash!)\n", rep.Current, rep.Total)
			fmt.Printf("   Run 'go run ./cmd/demo recover' to resume it\n")
			return
		}
		names := make([]string, 0, *files)
		for i := 1; i <= *files; i++ {
			name := fmt.Sprintf("document-%03d.pdf", i)
			if _, err := blobs.PutFile(writeSample(*dir, name)); err != nil {
				log.Fatalf("Failed to store %s: %v", name, err)
			}
			names = append(names, name)
		}
		if _, err := ctrl.Ingest(ctx, names); err != nil {
			log.Fatalf("Failed to ingest: %v", err)
		}
		fmt.Printf("✓ Ingested %d documents\n", len(names))
		fmt.Printf("💡 Press Ctrl+C during the run, then run 'go run ./cmd/demo recover'\n\n")

	case "recover":
		fmt.Printf("\n📊 Status after restart:\n")
		printStatus(rep)
		if rep.Status != types.StatusProcessing {
			fmt.Println("\nNothing to recover.")
			return
		}
		fmt.Printf("\n✓ Resuming at file %d of %d\n\n", rep.Current+1, rep.Total)

	default:
		log.Fatalf("unknown mode %q", mode)
	}

	sum, err := ctrl.Run(ctx, controller.RunOptions{OnProgress: func(r types.StatusReport) {
		fmt.Printf("\r📊 %d/%d (%.0f%%) processed=%d failed=%d   ", r.Current, r.Total, r.Progress, r.Processed, r.Failed)
	}})
	fmt.Println()
	switch {
	case errors.Is(err, controller.ErrInterrupted):
		fmt.Printf("\n⏸  Interrupted. Progress is saved; run 'go run ./cmd/demo recover'\n")
		return
	case err != nil:
		log.Fatalf("Run failed: %v", err)
	}

	fmt.Printf("\n✓ Run %s complete: %d processed, %d failed\n", sum.RunID, sum.Processed, sum.Failed)
	for _, f := range sum.Details {
		fmt.Printf("  ❌ %s: %s\n", f.File, f.Error)
	}
}

// simulated fails about one attempt in five. Documents numbered 7 mod 20
// always fail.
func simulated(delay time.Duration) converter.Func {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(ctx context.Context, req converter.Request) (string, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		var n int
		if _, err := fmt.Sscanf(req.File, "document-%d.pdf", &n); err == nil && n%20 == 7 {
			return "", errors.New("simulated: unsupported document")
		}
		if rng.Intn(5) == 0 {
			return "", errors.New("simulated: service unavailable")
		}
		return fmt.Sprintf("{\\rtf1\\ansi %s}", req.File), nil
	}
}

func writeSample(dir, name string) string {
	src := filepath.Join(dir, "inbox")
	if err := os.MkdirAll(src, 0o755); err != nil {
		log.Fatalf("Failed to create %s: %v", src, err)
	}
	path := filepath.Join(src, name)
	if err := os.WriteFile(path, []byte("%PDF-1.4 "+name), 0o644); err != nil {
		log.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

func printStatus(r types.StatusReport) {
	fmt.Printf("  Status:    %s\n", r.Status)
	fmt.Printf("  Current:   %d/%d (%.2f%%)\n", r.Current, r.Total, r.Progress)
	fmt.Printf("  Processed: %d\n", r.Processed)
	fmt.Printf("  Failed:    %d\n", r.Failed)
}
