package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"heic2jpg/internal/analytics"
	"heic2jpg/internal/artifact"
	"heic2jpg/internal/codec"
	"heic2jpg/internal/config"
	"heic2jpg/internal/converter"
	"heic2jpg/internal/intake"
	"heic2jpg/internal/orchestrator"
	"heic2jpg/internal/webserver"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}

		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(2)
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	in, err := intake.New(cfg.Storage.UploadDir, cfg.Storage.MaxUploadBytes, log)
	if err != nil {
		return err
	}

	store, err := artifact.NewStore(cfg.Storage.OutputDir,
		artifact.WithGracePeriod(cfg.Storage.GracePeriod),
		artifact.WithLogger(log))
	if err != nil {
		return err
	}

	stats := analytics.New(analytics.WithArchiveDays(cfg.Analytics.ArchiveDays))
	worker := converter.NewWorker(codec.NewExec(cfg.Codec.Command, cfg.Codec.WorkDir), store, cfg.Codec.Quality, log)
	orch := orchestrator.New(in, worker, store, stats, log)

	srv := webserver.New(orch, webserver.Options{
		APIPrefix:      cfg.Server.APIPrefix,
		StaticDir:      cfg.Server.StaticDir,
		Port:           cfg.Port(),
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		RedactDirs:     []string{cfg.Storage.UploadDir, cfg.Storage.OutputDir, cfg.Codec.WorkDir},
	}, log)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HEIC to JPEG converter running", "addr", cfg.Server.Addr, "api_prefix", cfg.Server.APIPrefix)
		log.Info("Analytics endpoint", "path", cfg.Server.APIPrefix+"/analytics")
		log.Info("Health check", "path", cfg.Server.APIPrefix+"/health")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server startup error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP shutdown error", "error", err)
		}

		// artifacts that were downloaded go now; undownloaded ones stay on
		// disk and are forgotten with the process
		if err := store.Drain(shutdownCtx); err != nil {
			log.Error("Artifact cleanup on shutdown failed", "error", err)
		}

		if orphans := store.Undownloaded(); len(orphans) > 0 {
			log.Warn("Artifacts never downloaded left on disk",
				"count", len(orphans), "dir", store.Dir(), "artifact_ids", orphans)
		}

		return nil
	})

	return g.Wait()
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
