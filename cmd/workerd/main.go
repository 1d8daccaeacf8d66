// Command workerd claims due background jobs and runs them: agent
// executions, maintenance sweeps, nudges, digests, self-modify PRs and
// memory compression.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/bidstack/operator/cmd/internal/boot"
	"github.com/bidstack/operator/config"
	"github.com/bidstack/operator/worker"
)

func main() {
	var (
		poll  = flag.Duration("poll-interval", 5*time.Second, "due-job poll interval")
		debug = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "configuration")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := boot.Build(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "wiring")
	}

	w, err := worker.New(worker.Options{
		Jobs:          sys.Jobs,
		Planner:       sys.Planner,
		Orchestrator:  sys.Orchestrator,
		Opportunities: sys.Repo,
		Memories:      sys.Memories,
		Chat:          sys.Chat,
		Code:          sys.Code,
		Logger:        sys.Logger,
		Metrics:       sys.Metrics,
		PollInterval:  *poll,
		Model:         cfg.AI.DefaultModel,
	})
	if err != nil {
		log.Fatalf(ctx, err, "worker")
	}

	log.Printf(ctx, "worker polling every %s", *poll)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf(ctx, err, "worker stopped")
	}
	log.Printf(ctx, "worker stopped")
}
