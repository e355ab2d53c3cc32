package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/routeguard/voicebridge/internal/config"
	"github.com/routeguard/voicebridge/internal/metrics"
	"github.com/routeguard/voicebridge/pkg/messaging"
	"github.com/routeguard/voicebridge/pkg/store"
	"github.com/routeguard/voicebridge/pkg/telephony"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voicebridge"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("public_base_url", cfg.Server.PublicBaseURL),
		slog.String("from_number", cfg.Provider.FromNumber),
		slog.Float64("max_call_duration", cfg.Call.MaxDuration),
		slog.String("feed_driver", cfg.Storage.FeedDriver),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Call record storage.
	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		logger.Error("Failed to create database pool", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()
	callStore := store.NewPostgresCallStore(pool)

	// Summary feed storage.
	var feedStore store.FeedStore
	switch cfg.Storage.FeedDriver {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPass,
			DB:       cfg.Storage.RedisDB,
		})
		defer redisClient.Close()
		feedStore = store.NewRedisFeedStore(redisClient, cfg.Storage.GetFeedTTL())
		logger.Info("Redis feed store initialized", slog.String("addr", cfg.Storage.RedisAddr))
	default:
		feedStore = store.NewMemoryFeedStore(cfg.Storage.GetFeedTTL())
		logger.Info("In-memory feed store initialized")
	}

	provider := telephony.NewProviderClient(cfg.Provider, logger)

	var notifier telephony.Notifier
	if cfg.Provider.SMSEnabled {
		notifier = messaging.NewSummaryNotifier(provider, logger)
		logger.Info("SMS summary notifications enabled")
	}

	bridge := telephony.NewBridge(cfg, telephony.BridgeDeps{
		Dialer:   provider,
		Reply:    telephony.NewHTTPReplyService(cfg.Reply),
		Synth:    telephony.NewHTTPSynthesizer(cfg.Synthesis),
		Calls:    callStore,
		Feed:     feedStore,
		Notifier: notifier,
		Metrics:  appMetrics,
		Logger:   logger,
	})

	handlers := telephony.NewCallHandlers(bridge, appMetrics, logger)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // media WebSockets are long-lived
	}

	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	bridge.Shutdown()

	logger.Info("Service stopped")
}

// initLogger creates the structured logger from configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
