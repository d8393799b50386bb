package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/robolink-dev/robolink/internal/config"
	"github.com/robolink-dev/robolink/internal/connection"
	"github.com/robolink-dev/robolink/internal/database"
	"github.com/robolink-dev/robolink/internal/recorder"
	"github.com/robolink-dev/robolink/internal/session"
	"github.com/robolink-dev/robolink/internal/transport"
	"github.com/robolink-dev/robolink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/monitor.local.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting monitor",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateMonitor(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("connecting to database",
		"host", cfg.Monitor.Database.Host,
		"port", cfg.Monitor.Database.Port,
		"database", cfg.Monitor.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Monitor.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	rec := recorder.New(recorder.Config{
		BatchSize:     cfg.Monitor.BatchSize,
		FlushInterval: cfg.Monitor.FlushInterval,
		BufferSize:    cfg.Monitor.BufferSize,
	}, cfg.Robot.Host, pool, logger)

	if err := rec.Start(ctx); err != nil {
		logger.Error("failed to start recorder", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		rec.Stop(stopCtx)
	}()

	manager := connection.NewManager(connection.Config{
		Host: cfg.Robot.Host,
		WebRTC: connection.WebRTCConfig{
			Enabled:          cfg.WebRTC.Enabled,
			SignalingAddress: cfg.WebRTC.SignalingAddress,
			Config:           transport.BuildICEConfiguration(cfg.WebRTC.ICEServers),
		},
		DisableSessions: cfg.Session.Disabled,
		DialTimeout:     cfg.Robot.DialTimeout,
		WriteTimeout:    cfg.Robot.WriteTimeout,
	},
		connection.WithLogger(logger),
		connection.WithObserver(rec),
		connection.WithSessionOptions(session.WithObserver(rec)),
	)

	creds := &transport.Credentials{
		Type:    cfg.Credentials.Type,
		Payload: cfg.Credentials.Payload,
	}
	if err := manager.Connect(ctx, cfg.Credentials.Entity, creds); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Monitor.HealthPort),
		Handler: createHealthHandler(pool, manager, rec),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Monitor.HealthPort)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		healthServer.Shutdown(shutdownCtx)

		return manager.Disconnect(shutdownCtx)
	})

	logger.Info("monitor running",
		"host", cfg.Robot.Host,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Monitor.HealthPort),
	)

	if err := g.Wait(); err != nil {
		logger.Error("monitor exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("monitor stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(pool *pgxpool.Pool, manager *connection.Manager, rec *recorder.Recorder) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		if _, err := manager.Host(); err != nil {
			health.Status = "degraded"
			health.Components["robot"] = "disconnected"
		} else {
			health.Components["robot"] = map[string]string{
				"status":  "connected",
				"session": manager.SessionState().String(),
			}
		}

		stats := rec.Stats()
		health.Components["recorder"] = map[string]int64{
			"inserts": stats.Inserts,
			"drops":   stats.Drops,
			"errors":  stats.Errors,
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
