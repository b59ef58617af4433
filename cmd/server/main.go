// deltashot server - watches a screen region and saves a screenshot whenever it changes
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
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/deltashot/internal/archive"
	"github.com/GriffinCanCode/deltashot/internal/config"
	"github.com/GriffinCanCode/deltashot/internal/journal"
	"github.com/GriffinCanCode/deltashot/internal/logging"
	"github.com/GriffinCanCode/deltashot/internal/metrics"
	"github.com/GriffinCanCode/deltashot/internal/monitor"
	"github.com/GriffinCanCode/deltashot/internal/resilience"
	"github.com/GriffinCanCode/deltashot/internal/screen"
	"github.com/GriffinCanCode/deltashot/internal/server"
	"github.com/GriffinCanCode/deltashot/internal/similarity"
)

// Version is the application version.
const Version = "0.1.0"

const shutdownTimeout = 5 * time.Second

var (
	envFile      string
	settingsPath string
	autostart    bool
)

var rootCmd = &cobra.Command{
	Use:     "deltashot",
	Short:   "Save a screenshot of a screen region every time it visibly changes",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFile(envFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if settingsPath != "" {
			cfg.SettingsPath = settingsPath
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		closer, err := logging.Setup(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		defer func() { _ = closer.Close() }()

		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default .env)")
	rootCmd.Flags().StringVar(&settingsPath, "settings", "", "path of the persisted region and destination settings")
	rootCmd.Flags().BoolVar(&autostart, "autostart", false, "start monitoring immediately if region and destination are set")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	capturer, err := screen.New(cfg.CaptureBackend)
	if err != nil {
		return err
	}
	defer capturer.Close()

	var (
		index    archive.Index
		archiver monitor.Archiver
	)
	if cfg.IndexPath != "" {
		idx, err := archive.OpenBoltIndex(cfg.IndexPath)
		if err != nil {
			return err
		}
		defer func() { _ = idx.Close() }()
		batcher := archive.NewBatcher(idx, 0, 0)
		defer batcher.Stop()
		index, archiver = idx, batcher
	}

	events := journal.NewStore(journal.DefaultMaxEvents, journal.DefaultEventBuffer)
	mets := metrics.New()
	health := server.NewHealth()

	mcfg := monitor.DefaultConfig()
	mcfg.Interval = cfg.CaptureInterval
	mcfg.Fingerprint = cfg.Fingerprint
	mcfg.Breaker = resilience.Config{Name: "capture", Threshold: cfg.BreakerThreshold, ResetTimeout: cfg.BreakerReset}
	mcfg.Retry.MaxRetries = cfg.PersistRetries

	opts := []monitor.Option{
		monitor.WithRecorder(mets),
		monitor.WithEmitter(events),
		monitor.WithStateHook(health.SetRunning),
	}
	if archiver != nil {
		opts = append(opts, monitor.WithArchiver(archiver))
	}
	mon := monitor.New(capturer, similarity.NewJudge(cfg.SimilarityThreshold), archive.NewSink(), mcfg, opts...)
	defer mon.Close()

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		slog.Warn("ignoring unreadable settings", "path", cfg.SettingsPath, "error", err)
	} else if err := mon.Apply(settings); err != nil {
		slog.Warn("ignoring invalid settings", "path", cfg.SettingsPath, "error", err)
	}

	srvOpts := []server.Option{
		server.WithMetrics(mets.Handler()),
		server.WithSettingsStore(func(s config.Settings) error { return config.SaveSettings(cfg.SettingsPath, s) }),
	}
	if index != nil {
		srvOpts = append(srvOpts, server.WithIndex(index))
	}
	srv := server.New(mon, events, srvOpts...)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("deltashot server starting", "http", cfg.HTTPAddr, "grpc", cfg.GRPCAddr, "backend", cfg.CaptureBackend)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return health.Serve(grpcLis)
	})
	g.Go(func() error {
		srv.Broadcast(ctx)
		return nil
	})
	if cfg.WatchSettings {
		w := config.NewWatcher(cfg.SettingsPath, config.DefaultDebounce, func(s config.Settings) {
			if err := mon.Apply(s); err != nil {
				slog.Warn("ignoring reloaded settings", "error", err)
				return
			}
			slog.Info("settings reloaded", "path", cfg.SettingsPath)
		})
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				slog.Warn("settings watcher disabled", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		mon.Stop()
		health.Stop()
		return nil
	})

	if autostart {
		if err := mon.Start(); err != nil {
			slog.Warn("autostart skipped", "error", err)
		}
	}

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}
