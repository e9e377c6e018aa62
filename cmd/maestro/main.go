package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/maestro/internal/api"
	"github.com/nidhogg/maestro/internal/app"
	"github.com/nidhogg/maestro/internal/config"
	"go.uber.org/zap"
)

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/maestro.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Maestro...", zap.String("config", cfgPath))

	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire components", zap.Error(err))
	}

	handler := api.NewHandler(a.Maestro, a.Contexts, api.Options{
		RequestTimeout: cfg.Server.RequestTimeout.Std(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)
	if a.Traces != nil {
		handler.SetTraceBus(a.Traces)
	}
	if a.Store != nil {
		handler.SetUsageSource(a.Store)
	}
	for name, check := range a.HealthChecks() {
		handler.AddHealthCheck(name, check)
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Maestro listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Maestro...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if err := a.Close(); err != nil {
		logger.Warn("closing backends", zap.Error(err))
	}
}
