// Command operatord serves the operator HTTP API: one-shot AI text
// operations, the conversational agent, contract template versioning and
// the partner portal.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/bidstack/operator/cmd/internal/boot"
	"github.com/bidstack/operator/config"
	"github.com/bidstack/operator/httpapi"
)

func main() {
	var (
		addr  = flag.String("http-addr", ":8080", "HTTP listen address")
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

	srv, err := httpapi.New(httpapi.Options{
		AI:         sys.AI,
		Agent:      sys.Agent,
		Actions:    sys.Actions,
		Registry:   sys.Registry,
		Jobs:       sys.Jobs,
		Repo:       sys.Repo,
		Objects:    sys.Objects,
		Links:      sys.Links,
		Directory:  sys.Directory,
		Store:      sys.Store,
		Logger:     sys.Logger,
		Metrics:    sys.Metrics,
		Notify:     sys.Notify,
		Model:      cfg.AI.DefaultModel,
		Production: cfg.Production,
	})
	if err != nil {
		log.Fatalf(ctx, err, "http server")
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           log.HTTP(ctx)(srv.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", *addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		log.Fatalf(ctx, err, "server")
	case <-ctx.Done():
		log.Printf(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "shutdown")
		}
	}
}
