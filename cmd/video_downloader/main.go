package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/video_downloader/internal/config"
	"github.com/italolelis/video_downloader/internal/downloader"
	"github.com/italolelis/video_downloader/internal/extractor"
	"github.com/italolelis/video_downloader/internal/http/rest"
	"github.com/italolelis/video_downloader/internal/imageproxy"
	"github.com/italolelis/video_downloader/internal/job"
	"github.com/italolelis/video_downloader/internal/logctx"
	"github.com/italolelis/video_downloader/internal/notifier"
	"github.com/italolelis/video_downloader/internal/retention"
	"github.com/italolelis/video_downloader/internal/stream"
	"github.com/italolelis/video_downloader/internal/telemetry"
)

var version = "dev"

const dirPerm = 0o755

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, nil)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("video downloader starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}

	logger.Info("video downloader stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// Re-create the logger so records also reach the OTLP log pipeline.
	logger = newLogger(cfg, tel)
	slog.SetDefault(logger)
	ctx = logctx.WithLogger(ctx, logger)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Prepare Storage
	if err := os.MkdirAll(cfg.DownloadDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	registry := job.NewRegistry()

	if err := tel.RegisterJobGauge(registry.Len); err != nil {
		return err
	}

	ret := retention.New(cfg.DownloadDir, cfg.Retention, registry, tel)

	if _, err := ret.Sweep(ctx); err != nil {
		logger.Warn("startup sweep failed", "err", err)
	}

	// =========================================================================
	// Start Extractor
	if cfg.ExtractorAutoInstall {
		if err := extractor.Install(ctx); err != nil {
			return err
		}
	}

	ext := extractor.NewInstrumented(extractor.NewYTDLP(extractor.Options{
		CookieFile: cfg.CookieFile,
		UserAgent:  cfg.UserAgent,
		ForceIPv4:  cfg.ForceIPv4,
	}), tel)

	// =========================================================================
	// Start Downloader
	// Jobs outlive the requests that created them but not the process.
	jobsCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()

	dl := downloader.NewDownloader(jobsCtx, registry, ext, ret, tel, downloader.Options{
		MaxParallel:    cfg.MaxParallel,
		FallbackFormat: cfg.FallbackFormat,
	})

	hub := stream.NewHub(registry.Get)
	registry.SetObserver(hub.Publish)

	// =========================================================================
	// Start Notification
	notificationsDone := setupNotificationForDownloader(ctx, dl, cfg, tel)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, rest.NewVideoHandler(rest.Dependencies{
		Extractor:       ext,
		Downloads:       dl,
		Jobs:            registry,
		Artifacts:       ret,
		Images:          imageproxy.NewFetcher(cfg.Proxy.Timeout, cfg.Proxy.MaxBytes, cfg.UserAgent, tel),
		Streams:         hub,
		Telemetry:       tel,
		MetadataTimeout: cfg.MetadataTimeout,
	}), tel)

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(hubCtx)

		return nil
	})

	g.Go(func() error {
		logger.Info("Initializing API support",
			"host", cfg.Web.BindAddress,
			"prefix", cfg.Web.APIPrefix,
			"download_dir", cfg.DownloadDir,
			"retention", cfg.Retention.String(),
			"max_parallel", cfg.MaxParallel,
		)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		stopHub()
		cancelJobs()

		if err := dl.Wait(shutdownCtx); err != nil {
			return err
		}

		dl.Close()
		<-notificationsDone

		return ret.Close(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg *config.Config, tel *telemetry.Telemetry) *slog.Logger {
	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	return slog.New(logctx.NewTraceHandler(tel.LogHandler(base))).
		With("service", cfg.Telemetry.ServiceName, "version", version)
}

func setupNotificationForDownloader(ctx context.Context, dl *downloader.Downloader, cfg *config.Config, tel *telemetry.Telemetry) <-chan struct{} {
	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		notifier.ForwardJobs(context.WithoutCancel(ctx), dl.OnJobFinished, notif, tel)
	}()

	return done
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, h *rest.VideoHandler, tel *telemetry.Telemetry) *http.Server {
	router := rest.NewRouter(cfg.Web.APIPrefix, h, tel)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(router, "video_downloader"),
		// In-flight requests, file streams included, may finish during Shutdown.
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
}
