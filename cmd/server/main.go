package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"patchbench/internal/api"
	"patchbench/internal/archive"
	"patchbench/internal/bench"
	"patchbench/internal/config"
	"patchbench/internal/monitor"
	"patchbench/internal/publish"
	"patchbench/internal/sandbox"
	"patchbench/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := monitor.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()

	images, err := sandbox.NewImageStore(ctx, cfg.Sandbox)
	if err != nil {
		log.Fatal().Err(err).Msg("no image store available")
	}
	driver := sandbox.NewDockerDriver(cfg.Sandbox)

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		log.Warn().Err(err).Msg("transcript archive unavailable, archiving disabled")
		archiver = archive.Nop{}
	}

	// Database is optional; without it the history endpoints answer 503.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, run history disabled")
		} else {
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("database migration failed")
			}
		}
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	submissionLog := storage.NewSubmissionLog(cfg.Storage.SubmissionLog)

	benchOpts := bench.Options{
		Driver:    driver,
		Images:    images,
		Bench:     cfg.Bench,
		Sandbox:   cfg.Sandbox,
		Metrics:   metrics,
		Tracer:    tracer,
		Diagnoser: monitor.NewDiagnoser(),
		Archive:   archiver,
	}
	publishOpts := publish.Options{
		Publish:     cfg.Publish,
		ImagePrefix: cfg.Bench.ImagePrefix,
		Log:         submissionLog,
		Metrics:     metrics,
		Tracer:      tracer,
	}
	deps := api.Deps{
		Submissions: submissionLog,
		Docker:      driver,
		Metrics:     metrics,
	}
	// Interfaces stay nil when there is no database; a typed nil would not.
	if auditWriter != nil {
		benchOpts.Recorder = auditWriter
		publishOpts.Recorder = auditWriter
	}
	if db != nil {
		deps.History = db
	}
	deps.Runner = bench.New(benchOpts)
	deps.Publisher = publish.NewGatekeeper(publishOpts)

	server := api.NewServer(cfg, deps)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := onSignal(sigCh, func(sig os.Signal) {
		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Stop first so an in-flight benchmark releases its container.
		if stop := deps.Runner.Stop(); stop.Status == "success" {
			log.Info().Msg("cancelled running benchmark")
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := driver.Close(); err != nil {
			log.Error().Err(err).Msg("driver close error")
		}
		if err := images.Close(); err != nil {
			log.Error().Err(err).Msg("image store close error")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracer shutdown error")
		}

		cancel()
	})

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("archive_enabled", cfg.Archive.Enabled).
		Bool("device_flow", cfg.DeviceFlowEnabled()).
		Str("data_repo", cfg.Publish.DataRepo).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	// Start returns as soon as Shutdown begins; let the drain finish.
	<-done
	log.Info().Msg("server stopped")
}
