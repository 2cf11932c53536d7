// Harrier - Config-driven transaction risk scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/cases"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/history"
	"github.com/opensource-finance/harrier/internal/indicators"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("HARRIER_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("HARRIER_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if dir := os.Getenv("HARRIER_CONFIG_DIR"); dir != "" {
		cfg.ConfigDir = dir
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"config_dir", cfg.ConfigDir,
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

	// History store; final retention follows the loaded indicator set
	hist := history.NewStore(config.DefaultLookback)

	// Profile resolver caches KYC lookups in front of the repository
	profiles := cache.NewProfileResolver(repo, cacheImpl, 5*time.Minute)

	// Indicator engine
	registry, err := indicators.NewRegistry()
	if err != nil {
		slog.Error("failed to initialize indicator registry", "error", err)
		os.Exit(1)
	}
	engine := indicators.NewEngine(registry, hist, profiles)

	// Load the indicator set. An invalid configuration aborts startup with
	// every violation listed; a scoring engine must never run on a rule set
	// it could not fully validate.
	set, err := config.Load(
		filepath.Join(cfg.ConfigDir, config.IndicatorsFile),
		filepath.Join(cfg.ConfigDir, config.ThresholdsFile),
		engine,
	)
	if err != nil {
		exitOnConfigError(err)
	}
	if err := engine.Reload(set); err != nil {
		exitOnConfigError(err)
	}
	hist.SetRetention(engine.MaxLookback())
	slog.Info("indicator set loaded",
		"version", set.Version,
		"indicators", len(set.Indicators),
		"max_lookback", engine.MaxLookback(),
	)

	// Case manager; the repository doubles as the audit sink
	manager := cases.NewManager(repo, repo, busImpl, logger)

	// Scoring pipeline
	pipe := pipeline.New(cfg.Pipeline, repo, hist, engine, manager, busImpl, logger)
	pipe.Start()
	slog.Info("pipeline started",
		"shards", cfg.Pipeline.Shards,
		"intake_buffer", cfg.Pipeline.IntakeBuffer,
	)

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:            repo,
		Cache:           cacheImpl,
		Bus:             busImpl,
		Engine:          engine,
		Pipeline:        pipe,
		Cases:           manager,
		History:         hist,
		Profiles:        profiles,
		ConfigDir:       cfg.ConfigDir,
		Version:         Version,
		IntakeRateLimit: intakeRateLimit(),
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop accepting requests, then drain the pipeline before the deferred
	// closes take down bus, cache, and repository.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	pipe.Stop()

	slog.Info("harrier shutdown complete")
}

// exitOnConfigError prints every configuration violation on its own line
// before aborting, so operators can fix the files in one pass.
func exitOnConfigError(err error) {
	var cerr *config.ConfigError
	if errors.As(err, &cerr) {
		slog.Error("invalid indicator configuration", "violations", len(cerr.Violations))
		for _, v := range cerr.Violations {
			fmt.Fprintf(os.Stderr, "  config violation: %s\n", v)
		}
	} else {
		slog.Error("failed to load indicator configuration", "error", err)
	}
	os.Exit(1)
}

// intakeRateLimit reads the per-account intake cap from the environment.
// Zero (the default) disables rate limiting.
func intakeRateLimit() int64 {
	raw := os.Getenv("HARRIER_INTAKE_RATE_LIMIT")
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		slog.Warn("ignoring invalid HARRIER_INTAKE_RATE_LIMIT", "value", raw)
		return 0
	}
	return n
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 HARRIER                  ║")
	fmt.Println("  ║      Transaction Risk Scoring Engine      ║")
	fmt.Println("  ║       Every transaction, weighed.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions           - Submit a transaction for scoring")
	fmt.Println("    GET  /transactions/{id}      - Get transaction by ID")
	fmt.Println("    GET  /evaluations/{id}       - Get evaluation by ID")
	fmt.Println("    GET  /alerts                 - List recent alerts")
	fmt.Println("    GET  /cases                  - List cases")
	fmt.Println("    POST /cases/{id}/transition  - Apply a case action")
	fmt.Println("    POST /cases/{id}/label       - Label a case outcome")
	fmt.Println("    PUT  /profiles/{accountId}   - Upsert a customer profile")
	fmt.Println("    GET  /indicators             - Show the loaded indicator set")
	fmt.Println("    POST /indicators/reload      - Hot-reload indicator config")
	fmt.Println("    GET  /audit                  - Recent audit log entries")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println()
}
