package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"db-dump-restore/internal/app"
	"db-dump-restore/internal/config"
	"db-dump-restore/internal/handlers"
	"db-dump-restore/internal/logger"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	zl.Info("Configuration loaded", zap.String("port", cfg.Server.Port))

	db, err := config.InitDatabase(cfg, zl)
	if err != nil {
		zl.Fatal("Failed to initialize database", zap.Error(err))
	}

	application, err := app.NewApplication(cfg, db, zl)
	if err != nil {
		db.Close()
		zl.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer application.Close()

	if cfg.Schedule.AutoStart {
		if err := application.Scheduler.Start(); err != nil {
			zl.Error("Failed to start scheduler", zap.Error(err))
		}
	}

	handler := handlers.NewHandler(application.Scheduler, application.RestoreService, zl)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zl.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	zl.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zl.Error("Server shutdown failed", zap.Error(err))
	}
}
