package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"valuechain/api/internal/app"
	"valuechain/api/internal/layout"
	"valuechain/api/internal/logger"
	"valuechain/api/internal/observability"
	"valuechain/api/internal/search"
	"valuechain/api/internal/store"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	shutdownTracing := observability.InitTracing(ctx, log, observability.TracingConfig{
		ServiceName: "valuechain-api",
		Environment: cfg.LogMode,
		Version:     version,
	})

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info("database ready", "driver", db.Driver().String())

	dataStore := store.NewSQLStore(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	}
	searchService := search.NewService(meiliClient, dataStore, log)

	layoutCfg := layout.Config{
		Debounce:  cfg.LayoutDebounce,
		AutoFlush: cfg.LayoutAutoFlush,
		Logger:    log,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		mirror, err := layout.NewRedisMirror(cfg.RedisURL, cfg.LayoutMirrorTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer mirror.Close()
		layoutCfg.Mirror = mirror
		log.Info("layout buffers mirrored to redis")
	}

	service := app.New(cfg, dataStore, searchService, layout.NewRegistry(layoutCfg), log)
	service.Bootstrap(ctx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("valuechain api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweepEvery := cfg.LayoutIdleTTL / 2
		if sweepEvery <= 0 {
			sweepEvery = time.Minute
		}
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				service.SweepLayouts(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown error", "error", err)
		}
		if err := service.Shutdown(shutdownCtx); err != nil {
			log.Error("layout flush on shutdown incomplete", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown error", "error", err)
		}
		log.Info("valuechain api stopped")
		return nil
	})
	return g.Wait()
}
