package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/waforge/waforge/pkg/api"
	"github.com/waforge/waforge/pkg/config"
	"github.com/waforge/waforge/pkg/db"
	"github.com/waforge/waforge/pkg/manager"
	"github.com/waforge/waforge/pkg/session"
	"github.com/waforge/waforge/pkg/webhook"
)

func main() {
	logger := log.NewWithOptions(os.Stdout, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		Level:           log.InfoLevel,
		TimeFormat:      time.Kitchen,
	})

	envs, _ := config.LoadConfig(true)
	if lvl, err := log.ParseLevel(envs.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	logger.Info("Using database path", "path", envs.DBPath)
	logger.Info("Using session directory", "path", envs.SessionDir)

	if err := os.MkdirAll(filepath.Dir(envs.DBPath), 0o755); err != nil {
		panic(errors.Wrap(err, "Unable to create database directory"))
	}
	if err := os.MkdirAll(envs.SessionDir, 0o755); err != nil {
		panic(errors.Wrap(err, "Unable to create session directory"))
	}

	store, err := db.NewStore(envs.DBPath)
	if err != nil {
		panic(errors.Wrap(err, "Unable to create or initialize database"))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing store", "error", err)
		}
	}()

	// A webhook URL persisted at runtime wins over the environment value.
	webhookURL := envs.WebhookURL
	if persisted, err := store.GetWebhookURL(context.Background()); err != nil {
		logger.Error("Failed to read persisted webhook URL", "error", err)
	} else if persisted != "" {
		webhookURL = persisted
	}

	dispatcher := webhook.NewDispatcher(
		logger.With("component", "webhook"),
		webhook.Config{URL: webhookURL},
	)

	dialer := session.NewWhatsmeowDialer(logger.With("component", "session"), envs.SessionDir)

	mgr := manager.NewManager(
		logger.With("component", "manager"),
		manager.Config{
			SessionDir:          envs.SessionDir,
			BaseReconnectDelay:  envs.BaseReconnectDelay,
			MaxReconnectDelay:   envs.MaxReconnectDelay,
			KeepAliveInterval:   envs.KeepAliveInterval,
			ZombieSweepInterval: envs.ZombieSweepInterval,
			ZombieThreshold:     envs.ZombieThreshold,
			PrintQRToTerminal:   true,
		},
		store,
		dialer,
		dispatcher,
	)

	if err := mgr.Start(context.Background()); err != nil {
		panic(errors.Wrap(err, "Unable to start instance supervisor"))
	}

	apiServer := api.NewServer(logger.With("component", "api"), mgr)
	httpServer := &http.Server{
		Addr:    ":" + envs.Port,
		Handler: apiServer.Handler(),
	}

	go func() {
		logger.Info("HTTP server listening", "port", envs.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("Supervisor shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}
