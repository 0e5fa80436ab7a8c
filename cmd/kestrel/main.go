// Kestrel - Behavioral risk scoring for SSH authentication events.
// Copyright (c) 2025 opensource.security
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-security/kestrel/internal/api"
	"github.com/opensource-security/kestrel/internal/baseline"
	"github.com/opensource-security/kestrel/internal/behavior"
	"github.com/opensource-security/kestrel/internal/bus"
	"github.com/opensource-security/kestrel/internal/cache"
	"github.com/opensource-security/kestrel/internal/decision"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/notify"
	"github.com/opensource-security/kestrel/internal/repository"
	"github.com/opensource-security/kestrel/internal/rules"
	"github.com/opensource-security/kestrel/internal/signals"
	"github.com/opensource-security/kestrel/internal/velocity"
	"github.com/opensource-security/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Local .env overrides are optional
	_ = godotenv.Load()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Signal providers. Real GeoIP/threat-intel/ML integrations plug in
	// here; the defaults degrade those signals to absent.
	signalTimeout := time.Duration(cfg.Pipeline.SignalTimeoutMs) * time.Millisecond
	collector := signals.NewCollector(
		&signals.StaticGeoProvider{},
		&signals.StaticThreatProvider{},
		signals.NoopPredictor{},
		repo,
		signalTimeout,
	)

	// Behavioral pipeline
	baselines := baseline.NewStore(repo)
	analyzer := behavior.NewAnalyzer(baselines, repo, logger)

	// Velocity counting prefers the cache's atomic windowed counters
	counter := velocity.NewCounter(cacheImpl, repo)

	ruleSet, err := rules.NewSet(rules.Deps{
		Aggregates: repo,
		Baselines:  baselines,
		Velocity:   counter,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("failed to initialize rule set", "error", err)
		os.Exit(1)
	}

	// Load rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, ruleSet); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule set initialized", "rules_count", ruleSet.Len())

	// Notifications: rule alerts go through the rate limiter to the
	// configured transports. Cooldown claims live in the cache so they
	// survive the hot path without a database round trip.
	limiter := notify.NewRateLimiter(cacheImpl, logger)
	dispatcher := notify.NewDispatcher(notify.NewLogNotifier(logger), nil, limiter, logger)

	coordinator := decision.NewCoordinator(
		collector,
		analyzer,
		ruleSet,
		baselines,
		repo,
		dispatcher,
		busImpl,
		logger,
	)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, coordinator, logger)

		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WorkerCount: cfg.Pipeline.WorkerCount,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, coordinator, ruleSet, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadRulesFromDatabase loads the global rules into the active set.
// All rules must be configured via POST /rules - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, set *rules.Set) error {
	configs, err := repo.ListRuleConfigs(ctx, api.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(configs) == 0 {
		slog.Info("no rules in database - configure via POST /rules API")
		return nil
	}

	slog.Info("loading rules from database", "count", len(configs))
	for _, loadErr := range set.Load(configs) {
		slog.Warn("rule excluded from active set", "error", loadErr)
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      SSH Authentication Risk Engine       ║")
	fmt.Println("  ║         Eyes on every login.              ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /events              - Evaluate an auth event")
	fmt.Println("    GET  /events/{id}         - Get event by ID")
	fmt.Println("    GET  /decisions/{id}      - Get decision by ID")
	fmt.Println("    GET  /profiles/{username} - Get behavioral profile")
	fmt.Println("    GET  /rules               - List active rules")
	fmt.Println("    POST /rules               - Create a new rule")
	fmt.Println("    PUT  /rules/{id}          - Update a rule")
	fmt.Println("    DELETE /rules/{id}        - Delete a rule")
	fmt.Println("    POST /rules/reload        - Hot-reload rules from database")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println("    GET  /metrics             - Prometheus metrics")
	fmt.Println()
}
