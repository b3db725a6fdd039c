package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/appnoxtech/mini-crm-backend-sub003/config"
	"github.com/appnoxtech/mini-crm-backend-sub003/internal/bootstrap"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded configuration from .env")
	}

	mode := flag.String("mode", "all", "Run mode: api, engine, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:     logLevel,
		Component: "mail-sync",
	})

	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	engine := bootstrap.NewEngine(deps)

	switch *mode {
	case "api":
		runAPI(cfg, deps, engine)
	case "engine":
		runEngine(engine)
	case "all":
		engine.Start(context.Background())
		defer engine.Stop()
		runAPI(cfg, deps, engine)
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

func runAPI(cfg *config.Config, deps *bootstrap.Dependencies, engine *bootstrap.Engine) {
	app := bootstrap.NewAPI(cfg, deps, engine)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- app.Shutdown()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Error("Error shutting down: %v", err)
			} else {
				logger.Info("API server shut down gracefully")
			}
		case <-ctx.Done():
			logger.Warn("API shutdown timed out, forcing exit")
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}

func runEngine(engine *bootstrap.Engine) {
	engine.Start(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down engine (timeout: %v)...", shutdownTimeout)

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Engine shut down gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Engine shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
