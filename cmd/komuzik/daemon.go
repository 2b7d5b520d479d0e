package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kotazzz/komuzik/internal/backend"
	"github.com/kotazzz/komuzik/internal/backend/direct"
	"github.com/kotazzz/komuzik/internal/backend/ytdlp"
	"github.com/kotazzz/komuzik/internal/config"
	"github.com/kotazzz/komuzik/internal/controlplane"
	"github.com/kotazzz/komuzik/internal/metrics"
	"github.com/kotazzz/komuzik/internal/scheduler"
	"github.com/kotazzz/komuzik/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the komuzik daemon",
	Long:  `Starts the komuzik daemon which provides the HTTP API for submitting and tracking downloads.`,
	RunE:  runDaemon,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(homeDir, ".komuzik", "config.yaml")

	daemonCmd.Flags().StringVar(&configPath, "config", defaultConfig, "Path to YAML configuration")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting komuzik daemon...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	if cfg.DownloadDir != "" {
		if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
			return err
		}
	}

	// Register backends in match order: platform-specific first,
	// direct HTTP fetch as the fallback.
	ytOpts := ytdlp.Options{
		Binary:       cfg.YTDLP.Binary,
		BaseDir:      cfg.DownloadDir,
		AudioFormat:  cfg.YTDLP.AudioFormat,
		AudioBitrate: cfg.YTDLP.AudioBitrate,
	}
	registry := backend.NewRegistry()
	youtube := ytdlp.NewYouTube(ytOpts)
	if err := registry.Register(ytdlp.MatchYouTube, youtube); err != nil {
		return err
	}
	if err := registry.Register(ytdlp.MatchTikTok, ytdlp.NewTikTok(ytOpts)); err != nil {
		return err
	}
	if err := registry.Register(direct.Match, direct.New(cfg.DownloadDir)); err != nil {
		return err
	}
	log.Printf("Registered backends: %v", registry.Names())

	// Create and start scheduler
	schedCfg := &scheduler.Config{
		GlobalMax:        cfg.Scheduler.GlobalMax,
		PerUserMax:       cfg.Scheduler.PerUserMax,
		QueueCapacity:    cfg.Scheduler.QueueCapacity,
		MaxQueueWait:     time.Duration(cfg.Scheduler.MaxQueueWaitSeconds) * time.Second,
		MaxRetryAttempts: cfg.Scheduler.MaxRetryAttempts,
		BackoffBase:      time.Duration(cfg.Scheduler.BackoffBaseMS) * time.Millisecond,
		BackoffMax:       time.Duration(cfg.Scheduler.BackoffMaxMS) * time.Millisecond,
		RateWindow:       time.Duration(cfg.Rate.WindowSeconds) * time.Second,
		RateMax:          cfg.Rate.MaxRequests,
		UnlimitedUsers:   cfg.Rate.UnlimitedUsers,
	}
	m := metrics.New()
	sched := scheduler.New(registry, s, m, schedCfg)
	sched.Start()

	// Create service and server
	service := controlplane.NewService(sched, s, youtube)
	server := controlplane.NewServer(service, s, cfg.Listen, m.Handler())

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			sched.Stop()
			s.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// The scheduler records terminal results for in-flight requests on
	// Stop, so it must finish before the database closes.
	log.Println("Stopping scheduler...")
	sched.Stop()

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
