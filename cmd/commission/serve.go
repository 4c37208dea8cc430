package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/ingest"
	"github.com/warp/commission-engine/observability"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log := a.log

	// Initialize store
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := a.registry()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		gatherer = promReg
	}
	metrics := observability.NewMetrics(promReg)

	engine := ingest.NewEngine(store, registry, ingest.Options{
		MatchThreshold: cfg.Ingest.MatchThreshold,
		MaxDepth:       cfg.Ingest.MaxDepth,
		Metrics:        metrics,
		Logger:         log.With().Str("component", "ingest").Logger(),
	})
	admission := ingest.NewAdmission(cfg.Server.MaxConcurrentUploads, metrics)

	if cfg.Reaper.Enabled {
		reaper := ingest.NewReaper(store, ingest.ReaperOptions{
			Interval:   cfg.Reaper.Interval,
			StaleAfter: cfg.Reaper.StaleAfter,
			Metrics:    metrics,
			Logger:     log,
		})
		reaper.Start()
		defer reaper.Stop()
	}

	handler := api.NewHandler(store, engine, admission, api.HandlerOptions{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Logger:         log.With().Str("component", "http").Logger(),
	})
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Gatherer:       gatherer,
		Scenarios:      cfg.Server.DemoScenarios,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("database", cfg.Database.Path).
			Int("carriers", len(registry.Formats())).
			Bool("metrics", cfg.Metrics.Enabled).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
