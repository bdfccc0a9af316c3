// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/folio/internal/api"
	"github.com/starford/folio/internal/jobs"
	"github.com/starford/folio/internal/manifest"
	"github.com/starford/folio/internal/metrics"
	"github.com/starford/folio/internal/promotion"
	"github.com/starford/folio/internal/siteservice"
	"github.com/starford/folio/internal/sse"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.registry == nil {
		app.registry = prometheus.NewRegistry()
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if app.out == nil {
		app.out = os.Stdout
	}
	return app, nil
}

// newLogger initializes the structured JSON logger and makes it the default.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func (a *application) coordinator(logger *slog.Logger, m *metrics.Metrics) *promotion.Coordinator {
	site := a.config.Site
	return promotion.New(site.ContentRoot, site.AssetsRoot,
		promotion.WithLogger(logger),
		promotion.WithMetrics(m),
		promotion.WithExcludedPrefixes(site.ExcludedPrefixes...),
	)
}

func (a *application) queue(db *jobs.DB, coord *promotion.Coordinator, logger *slog.Logger, m *metrics.Metrics, opts ...jobs.QueueOption) *jobs.Queue {
	cfg := a.config.Jobs
	opts = append([]jobs.QueueOption{
		jobs.WithWorkers(cfg.Workers),
		jobs.WithLockTimeout(cfg.LockTimeout),
		jobs.WithLedgerRetries(cfg.LedgerRetries),
		jobs.WithQueueLogger(logger),
		jobs.WithQueueMetrics(m),
	}, opts...)
	return jobs.NewQueue(db, coord, opts...)
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := newLogger(os.Stdout, cfg.App.LogLevel)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("content_root", cfg.Site.ContentRoot),
		slog.String("assets_root", cfg.Site.AssetsRoot),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.Int("workers", cfg.Jobs.Workers),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure production roots exist.
	for _, dir := range []string{cfg.Site.ContentRoot, cfg.Site.AssetsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create site dir: %w", err)
		}
	}

	// Initialize SQLite job ledger.
	db, err := jobs.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init job ledger: %w", err)
	}
	defer db.Close()

	if n, err := db.FailInterrupted(time.Now().UTC()); err != nil {
		logger.Warn("fail interrupted jobs", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Warn("marked interrupted jobs failed", slog.Int64("count", n))
	}

	m := metrics.New(app.registry)

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	coord := app.coordinator(logger, m)
	queue := app.queue(db, coord, logger, m, jobs.WithOnChange(func(j jobs.Job) {
		broker.PublishJobEvent(string(j.Status), j.ID, j.SessionID, j.Error)
	}))

	// Build API service and router.
	svc := siteservice.NewService(coord, queue, db)
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := svc.Ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Finalize workers.
	g.Go(func() error {
		return queue.Run(gCtx)
	})

	// Manifest watcher: drop the cached manifest and notify SSE clients.
	g.Go(func() error {
		err := manifest.Watch(gCtx, cfg.Site.ContentRoot, logger, func() {
			svc.InvalidateManifest()
			m, _, err := svc.Manifest(gCtx)
			if err != nil {
				logger.Warn("reload manifest", slog.String("error", err.Error()))
				return
			}
			broker.PublishManifestUpdated(m.LastUpdatedAt.Format(time.RFC3339Nano))
		})
		if err != nil {
			logger.Warn("manifest watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Stale staging sweeper.
	if cfg.Jobs.SweepInterval > 0 {
		g.Go(func() error {
			sweepStaging(gCtx, coord, queue, cfg.Jobs, logger)
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		// Stop the workers and the other loops once the server is down.
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

var errShutdown = errors.New("shutdown")

// sweepStaging periodically discards staging sessions idle for longer than the TTL.
func sweepStaging(ctx context.Context, coord *promotion.Coordinator, queue *jobs.Queue, cfg JobsConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			swept, err := coord.Stager().SweepStale(ctx, now, cfg.StagingTTL, queue.Active)
			if err != nil && ctx.Err() == nil {
				logger.Warn("sweep staging", slog.String("error", err.Error()))
			}
			if len(swept) > 0 {
				logger.Info("swept stale staging", slog.Int("sessions", len(swept)), slog.Any("session_ids", swept))
			}
		}
	}
}
