package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"videototext/internal/config"
	"videototext/internal/downloader"
	"videototext/internal/handlers"
	"videototext/internal/history"
	"videototext/internal/httpretry"
	"videototext/internal/proxy"
	"videototext/internal/transcriber"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	retryClient := httpretry.NewClient(logger)
	downloads := downloader.NewClient(cfg.DownloadBase, retryClient)
	transcripts := transcriber.NewClient(cfg.TranscribeBase, retryClient)
	store := history.NewStore(logger, cfg.HistoryPath)

	dvProxy, err := proxy.New(logger, cfg.DownloadBase, "/api/dv")
	if err != nil {
		logger.Error("invalid download proxy target", "error", err)
		os.Exit(1)
	}
	tvProxy, err := proxy.New(logger, cfg.TranscribeBase, "/api/tv")
	if err != nil {
		logger.Error("invalid transcription proxy target", "error", err)
		os.Exit(1)
	}

	app := handlers.NewApp(logger, store, downloads, transcripts, dvProxy, tvProxy, cfg.MaxUploadBytes)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Addr,
			"dv_internal", cfg.DownloadBase, "tv_internal", cfg.TranscribeBase)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	app.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	logger.Info("server stopped")
}
