package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skyfleet/tracker/internal/api"
	"github.com/skyfleet/tracker/internal/catalog"
	"github.com/skyfleet/tracker/internal/config"
	"github.com/skyfleet/tracker/internal/tracking"
	"github.com/skyfleet/tracker/internal/websocket"
	"github.com/skyfleet/tracker/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: configs/config.toml)")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting tracker",
		logger.String("upstream", cfg.Upstream.RestURL),
		logger.Bool("authenticated", cfg.Upstream.Username != ""),
		logger.Int("daily_budget", cfg.DailyRequestCeiling()))

	cat, err := catalog.NewSQLiteStore(cfg.Catalog.SQLitePath, log)
	if err != nil {
		log.Error("Failed to open aircraft catalog", logger.Error(err))
		os.Exit(1)
	}
	defer cat.Close()

	fetcher := tracking.NewFetchClient(tracking.FetchClientOptions{
		BaseURL:           cfg.Upstream.RestURL,
		Username:          cfg.Upstream.Username,
		Password:          cfg.Upstream.Password,
		Timeout:           time.Duration(cfg.Upstream.RequestTimeoutSecs) * time.Second,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Retry: tracking.RetryConfig{
			MaxRetries:   cfg.Upstream.RetryMaxAttempts,
			InitialDelay: time.Duration(cfg.Upstream.RetryInitialDelayMs) * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}, log)

	limiter := tracking.NewPollingRateLimiter(
		cfg.RateLimit.RequestsPerInterval,
		time.Duration(cfg.RateLimit.IntervalSecs)*time.Second,
		cfg.DailyRequestCeiling(),
		time.Duration(cfg.Tracking.PollIntervalSecs)*time.Second,
		time.Duration(cfg.Tracking.MinPollIntervalSecs)*time.Second,
		time.Duration(cfg.Tracking.MaxPollIntervalSecs)*time.Second,
	)

	cache := tracking.NewPositionCache(
		time.Duration(cfg.Tracking.CacheTTLMins)*time.Minute,
		time.Duration(cfg.Tracking.FreshnessSecs)*time.Second,
		time.Duration(cfg.Tracking.CacheSweepMins)*time.Minute,
		log,
	)

	trails, err := tracking.NewTrailBuffer(cfg.Tracking.TrailLength, cfg.Tracking.MaxTrackedAircraft)
	if err != nil {
		log.Error("Failed to create trail buffer", logger.Error(err))
		os.Exit(1)
	}

	extrapolator := tracking.NewExtrapolator(
		time.Duration(cfg.Tracking.ExtrapolationHorizonSecs)*time.Second,
		cfg.Tracking.MinUpdateDistanceMeters,
		time.Duration(cfg.Tracking.MinUpdateIntervalMs)*time.Millisecond,
	)

	dedupe := tracking.NewDeduplicator(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := tracking.NewCoordinator(
		fetcher, cat, cache, trails, extrapolator, dedupe, limiter, nil,
		tracking.CoordinatorOptions{
			MaxBatchSize:    cfg.Tracking.MaxBatchSize,
			DedupeWindow:    time.Duration(cfg.Tracking.DedupeWindowMs) * time.Millisecond,
			CleanupAfter:    time.Duration(cfg.Tracking.CleanupAfterMins) * time.Minute,
			MaxPollInterval: time.Duration(cfg.Tracking.MaxPollIntervalSecs) * time.Second,
		},
		log,
	)
	defer coordinator.Destroy()

	var feed *tracking.Feed
	if cfg.Upstream.WebSocketURL != "" {
		feed = tracking.NewFeed(tracking.FeedOptions{
			URL:           cfg.Upstream.WebSocketURL,
			ReconnectBase: time.Duration(cfg.Upstream.ReconnectBaseMs) * time.Millisecond,
			ReconnectMax:  time.Duration(cfg.Upstream.ReconnectMaxMs) * time.Millisecond,
			MaxReconnects: cfg.Upstream.MaxReconnects,
		}, coordinator, log)
		coordinator.AttachFeed(feed)
		defer feed.Stop()
	}

	hub := websocket.NewHub(log)
	if feed != nil {
		// The upstream stream only runs while someone is listening.
		hub.OnFirst = func() { feed.Start(ctx) }
		hub.OnEmpty = func() { feed.Stop() }
	}
	go hub.Run()

	server := api.NewServer(cfg.Server, coordinator, cat, hub, limiter, log)

	// Idle manufacturer state is purged on a slow cadence.
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Tracking.CleanupAfterMins) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				coordinator.CleanupIdle(time.Duration(cfg.Tracking.CleanupAfterMins) * time.Minute)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", logger.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("Server failed", logger.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown failed", logger.Error(err))
	}
}
