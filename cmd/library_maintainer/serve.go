package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jeeshofone/ApocaCache/internal/cleanup"
	"github.com/jeeshofone/ApocaCache/internal/config"
	"github.com/jeeshofone/ApocaCache/internal/cycle"
	"github.com/jeeshofone/ApocaCache/internal/http/rest"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/notifier"
	"github.com/jeeshofone/ApocaCache/internal/scheduler"
	"github.com/jeeshofone/ApocaCache/internal/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the maintainer: scheduled cycles, download queue and admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cc.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("library maintainer starting...", "version", version, "log_level", cfg.LogLevel)

	p, err := openPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close(context.WithoutCancel(ctx))

	// Everything started on bg uses the store and must return before p.Close.
	workCtx, bg := newWorkers(ctx)

	bg.Go(func() { p.downloader.Run(workCtx) })

	// =========================================================================
	// Start Notification
	setupNotification(workCtx, p, cfg, bg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, p, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Schedule
	if err := p.coordinator.Trigger(ctx, cycle.TriggerStartup); err != nil {
		logger.Warn("failed to start initial cycle", "err", err)
	}

	sched, err := scheduler.New(ctx, cfg.UpdateSchedule, func(ctx context.Context) error {
		err := p.coordinator.Trigger(ctx, cycle.TriggerScheduled)
		if errors.Is(err, cycle.ErrCycleRunning) {
			return fmt.Errorf("%w: %w", scheduler.ErrSkipped, err)
		}

		return err
	})
	if err != nil {
		return err
	}

	sched.Start()

	logger.Info("waiting for updates...",
		"catalog_url", cfg.CatalogURL,
		"data_dir", cfg.DataDir,
		"schedule", sched.Spec(),
		"retention", cfg.Retention.String(),
	)

	// =========================================================================
	// Start Cleanup
	bg.Go(func() { cleanup.RunPurger(workCtx, p.store, cfg.Retention, cfg.CleanupInterval) })

	select {
	case err := <-serverErrors:
		_ = shutdown(context.WithoutCancel(ctx), sched, p.coordinator, nil, bg, cfg)

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		return shutdown(context.WithoutCancel(ctx), sched, p.coordinator, server, bg, cfg)
	}
}

// shutdown stops the schedule, the running cycle, the API server and then the background
// workers within the configured deadline. Transfers still in flight are cancelled; their
// temp files are swept on next start.
func shutdown(
	ctx context.Context,
	sched *scheduler.Scheduler,
	coordinator *cycle.Coordinator,
	server *http.Server,
	bg *workers,
	cfg *config.Config,
) error {
	logger := logctx.LoggerFromContext(ctx)

	// Give outstanding work a deadline for completion.
	ctx, cancel := context.WithTimeout(ctx, cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(ctx); err != nil {
		logger.Error("failed to stop scheduler", "err", err)
	}

	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Error("failed to stop update cycle", "err", err)
	}

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}
	}

	if err := bg.Stop(ctx); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

// workers tracks goroutines that must have returned before the pipeline closes.
type workers struct {
	cancel context.CancelFunc
	group  errgroup.Group
}

func newWorkers(ctx context.Context) (context.Context, *workers) {
	ctx, cancel := context.WithCancel(ctx)

	return ctx, &workers{cancel: cancel}
}

func (w *workers) Go(f func()) {
	w.group.Go(func() error {
		f()

		return nil
	})
}

// Stop cancels the workers' context and waits for all of them to return, or for ctx.
func (w *workers) Stop(ctx context.Context) error {
	w.cancel()

	done := make(chan struct{})

	go func() {
		_ = w.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background workers: %w", ctx.Err())
	}
}

func setupNotification(ctx context.Context, p *pipeline, cfg *config.Config, bg *workers) {
	var notif cycle.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL, Telemetry: p.tel}
	}

	bg.Go(func() { p.coordinator.ProcessEvents(ctx, p.downloader.Events(), notif) })
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, p *pipeline, cfg *config.Config) *http.Server {
	lHandler := rest.NewLibraryHandler(cfg.Web.Username, cfg.Web.Password, p.store, p.coordinator, p.downloader)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(p.tel).Middleware)

	r.Get("/healthz", rest.HandleHealth)
	r.Handle("/metrics", p.tel.Handler())
	r.Mount("/", lHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "admin"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
