package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robolink-dev/robolink/internal/config"
	"github.com/robolink-dev/robolink/internal/connection"
	"github.com/robolink-dev/robolink/internal/transport"
	"github.com/robolink-dev/robolink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/robolink.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting robolink",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"host", cfg.Robot.Host,
		"webrtc", cfg.WebRTC.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
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
		connection.WithTrackHandler(func(kind, streamID string) {
			logger.Info("remote track received", "kind", kind, "stream", streamID)
		}),
	)

	creds := &transport.Credentials{
		Type:    cfg.Credentials.Type,
		Payload: cfg.Credentials.Payload,
	}

	if err := manager.Connect(ctx, cfg.Credentials.Entity, creds); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	host, _ := manager.Host()
	logger.Info("robolink connected",
		"host", host,
		"session_state", manager.SessionState().String(),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Robot.DialTimeout)
	defer shutdownCancel()
	if err := manager.Disconnect(shutdownCtx); err != nil {
		logger.Warn("disconnect failed", "error", err)
	}

	logger.Info("robolink stopped")
}
