// Command periplon loads a workflow document from disk and runs it to
// completion, the way the teacher's cmd/kernel loaded a config file and
// drove a single agent loop to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/periplon/engine/engine"
	"github.com/periplon/engine/observability"
	"github.com/periplon/engine/scheduler"
	"github.com/periplon/engine/statestore"
	"github.com/periplon/engine/transport"
)

func main() {
	var (
		workflowFile = flag.String("workflow", "", "Path to workflow YAML document (required)")
		resumeID     = flag.String("resume", "", "Run ID to resume instead of starting fresh")
		stateDir     = flag.String("state-dir", "", "Directory for per-task checkpoints; empty disables persistence")
		metricsAddr  = flag.String("metrics-addr", "", "Address to serve Prometheus metrics on; empty disables the listener")
		verbose      = flag.Bool("verbose", false, "Enable debug-level logging to stderr")
	)
	flag.Parse()

	if *workflowFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: periplon -workflow <file> [-resume <run-id>] [-state-dir <dir>]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	doc, err := os.ReadFile(*workflowFile)
	if err != nil {
		log.Fatalf("read workflow document: %v", err)
	}
	wf, err := engine.LoadWorkflow(doc)
	if err != nil {
		log.Fatalf("load workflow document: %v", err)
	}

	var persistence statestore.PersistenceAdapter
	if *stateDir != "" {
		persistence = statestore.NewFilesystemAdapter(*stateDir)
	}

	reg := prometheus.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener stopped", "error", err)
			}
		}()
		defer server.Close()
	}

	e := engine.New(context.Background(), engine.Config{
		Transport:   transport.NewSubprocess(),
		Persistence: persistence,
		Observer:    observability.NewSlogObserver(logger),
		Metrics:     scheduler.NewPrometheusMetrics(reg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var run *engine.Run
	if *resumeID != "" {
		run, err = e.Resume(ctx, wf, *resumeID)
	} else {
		run, err = e.Start(ctx, wf)
	}
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	fmt.Printf("run %s: %s\n", run.ID, wf.Name)
	for _, t := range wf.Tasks {
		fmt.Printf("  %s: %s\n", t.ID, run.Scheduler.State().Status(t.ID))
	}
}
