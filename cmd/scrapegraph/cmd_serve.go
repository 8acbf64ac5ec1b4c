package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"scrapegraph/internal/loader"
	"scrapegraph/internal/logger"
	"scrapegraph/internal/scope"
	"scrapegraph/internal/server"
	"scrapegraph/internal/sink"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	addr         string
	outputFormat string
	output       string
	workers      int
	allowSchemes []string
	allowHosts   []string
}

func (a *app) serveCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Serve runs and validation over HTTP",
		Long: `Serve runs and validation over HTTP.

Routes: POST /v1/runs, POST /v1/validate, GET /health and GET /metrics. Each
run's bindings are returned in the response; --output-format additionally
writes every run to a sink.

Requests may only reach documents and Load URLs whose scheme is listed by
--allow-scheme (default http and https, so local files are refused) and, when
--allow-host is set, whose host matches one of its entries. "*.example.com"
matches any subdomain. Every run gets its own cookie jar.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd.Context(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "", "listen address (default from config)")
	fl.StringVar(&f.outputFormat, "output-format", "", "also write every run to this sink kind")
	fl.StringVar(&f.output, "output", "", "output file, or DSN for database formats")
	fl.IntVar(&f.workers, "workers", 0, "executables attempted at once per run (default from config)")
	fl.StringSliceVar(&f.allowSchemes, "allow-scheme", nil, "schemes runs may load: http, https, file (default from config)")
	fl.StringSliceVar(&f.allowHosts, "allow-host", nil, "hosts runs may reach over http(s) (default from config, empty allows any)")
	return cmd
}

func (a *app) runServe(ctx context.Context, f serveFlags) error {
	addr := f.addr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	workers := f.workers
	if workers <= 0 {
		workers = a.cfg.Engine.Workers
	}

	t, err := a.transport()
	if err != nil {
		return usageErr(err)
	}
	policy := loader.Policy{Schemes: a.cfg.Server.AllowedSchemes, Hosts: a.cfg.Server.AllowedHosts}
	if len(f.allowSchemes) > 0 {
		policy.Schemes = f.allowSchemes
	}
	if len(f.allowHosts) > 0 {
		policy.Hosts = f.allowHosts
	}
	for _, sc := range policy.Schemes {
		switch strings.ToLower(sc) {
		case "http", "https", "file":
		default:
			return usageErr(fmt.Errorf("--allow-scheme must be http, https or file, got %q", sc))
		}
	}
	a.log.Info("url policy", logger.Strings("schemes", policy.Schemes), logger.Strings("hosts", policy.Hosts))
	d, err := a.deserializer(t, policy)
	if err != nil {
		return usageErr(err)
	}

	// Memory stores are per run; a shared store is safe since scope IDs are
	// unique.
	var newStore func() scope.Store
	if a.cfg.Store.Kind == "redis" {
		st, closeStore, err := a.store(ctx)
		if err != nil {
			return usageErr(err)
		}
		defer closeStore()
		newStore = func() scope.Store { return st }
	}

	var extra sink.Sink
	if f.outputFormat != "" {
		extra, err = a.openSink(ctx, f.outputFormat, f.output)
		if err != nil {
			return usageErr(err)
		}
		defer func() {
			if err := extra.Close(); err != nil {
				a.log.Warn("close output", logger.Error(err))
			}
		}()
	}

	b, stopMetrics := a.startMetrics(ctx)
	defer stopMetrics()

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(server.Options{
		Deserializer: d,
		Requester:    t,
		Sessions:     sessions(t),
		Policy:       policy,
		NewStore:     newStore,
		Sink:         extra,
		Workers:      workers,
		Metrics:      metricsHandler(b),
		Logger:       a.log,
	})
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a.serveUntilDone(ctx, hs)
}

// serveUntilDone serves until ctx is done, then shuts down gracefully.
func (a *app) serveUntilDone(ctx context.Context, hs *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	a.log.Info("server listening", logger.String("addr", hs.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return runtimeErr(err)
	case <-ctx.Done():
	}

	a.log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return runtimeErr(err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return runtimeErr(err)
	}
	return nil
}
