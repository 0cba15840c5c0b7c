package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tally-lab/project-tally/internal/analytics"
	corecfg "github.com/tally-lab/project-tally/internal/core/config"
	"github.com/tally-lab/project-tally/internal/core/field"
	"github.com/tally-lab/project-tally/internal/core/storage/postgres"
	"github.com/tally-lab/project-tally/internal/ingestion"
	"github.com/tally-lab/project-tally/internal/ledger"
	"github.com/tally-lab/project-tally/internal/lock"
	"github.com/tally-lab/project-tally/internal/migrations"
	"github.com/tally-lab/project-tally/internal/server"
	"github.com/tally-lab/project-tally/internal/tracker"
)

func main() {
	configPath := flag.String("config", "tally.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("Invalid timezone", "error", err)
		os.Exit(1)
	}

	durations, err := parseDurations(cfg)
	if err != nil {
		slog.Error("Invalid duration in config", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Storage (PostgreSQL)
	txnStore, err := postgres.NewTransactionAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer txnStore.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(txnStore.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	recordStore := postgres.NewRecordAdapter(txnStore.DB())
	lockStore := postgres.NewLockAdapter(txnStore.DB())
	bucketStore := postgres.NewBucketAdapter(txnStore.DB())

	// 3. Load Tracked Field Definitions
	fields, err := field.NewFileSystemRepository(cfg.Fields.ConfigDir)
	if err != nil {
		slog.Error("Failed to load tracked field definitions", "error", err)
		os.Exit(1)
	}
	if cfg.Fields.RequireFields && len(fields.Definitions()) == 0 {
		slog.Error("No tracked fields defined", "config_dir", cfg.Fields.ConfigDir)
		os.Exit(1)
	}
	slog.Info("Tracked field definitions loaded", "count", len(fields.Definitions()))

	// 4. Initialize Analytics Rollups
	var engine *analytics.Engine
	if cfg.Analytics.Enabled {
		engine, err = analytics.NewEngine(bucketStore, txnStore, loc, cfg.Analytics.Periods)
		if err != nil {
			slog.Error("Failed to initialize analytics engine", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Info("Analytics disabled by config")
	}

	// 5. Initialize Consolidation Engine
	locks := lock.NewManager(lockStore)

	writer := ledger.NewWriter(txnStore, fields, loc, durations.window)
	consolidator := ledger.NewConsolidator(
		txnStore,
		recordStore,
		locks,
		engine,
		fields,
		loc,
		ledger.Params{
			Window:                 durations.window,
			LockTimeout:            durations.lockTimeout,
			LockTTL:                durations.lockTTL,
			MarkAppliedConcurrency: cfg.Consolidation.MarkAppliedConcurrency,
			SweepConcurrency:       cfg.Consolidation.SweepConcurrency,
		},
		nil,
	)

	// 6. Initialize Garbage Collection
	var collector *ledger.Collector
	if cfg.GC.Enabled {
		collector = ledger.NewCollector(txnStore, locks, engine, ledger.GCParams{
			Retention:       time.Duration(cfg.GC.RetentionDays) * 24 * time.Hour,
			BatchSize:       cfg.GC.BatchSize,
			Concurrency:     cfg.GC.Concurrency,
			LockTTL:         durations.lockTTL,
			BucketRetention: time.Duration(cfg.Analytics.RetentionDays) * 24 * time.Hour,
		}, nil)
	} else {
		slog.Info("Garbage collection disabled by config")
	}

	// 7. Assemble Tracker (scheduler only in async mode with auto-consolidation)
	var scheduler *ledger.Scheduler
	if cfg.Consolidation.Mode == corecfg.ModeAsync && cfg.Consolidation.AutoConsolidate {
		scheduler = ledger.NewScheduler(consolidator, collector, fields, durations.interval, durations.gcInterval)
		slog.Info("Consolidation scheduler initialized",
			"interval", durations.interval,
			"gc_interval", durations.gcInterval,
			"gc_enabled", cfg.GC.Enabled,
		)
	} else {
		slog.Info("Automatic consolidation disabled",
			"mode", cfg.Consolidation.Mode,
			"auto_consolidate", cfg.Consolidation.AutoConsolidate,
		)
	}

	trk, err := tracker.New(writer, consolidator, collector, engine, scheduler, cfg.Consolidation.Mode)
	if err != nil {
		slog.Error("Failed to assemble tracker", "error", err)
		os.Exit(1)
	}

	// 8. Initialize HTTP Surface
	ingestionSvc := ingestion.NewService(trk, recordStore, cfg.Server.MaxBodySizeMB)

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), txnStore.DB(), cfg.Server.Mode)
	ingestionSvc.RegisterRoutes(srv.Engine)

	// 9. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if scheduler != nil {
		go func() {
			if err := trk.Start(ctx); err != nil {
				slog.Error("Scheduler stopped with error", "error", err)
			}
		}()
	}

	// Signal handler → triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

type configDurations struct {
	interval    time.Duration
	window      time.Duration
	lockTimeout time.Duration
	lockTTL     time.Duration
	gcInterval  time.Duration
}

func parseDurations(cfg *corecfg.Config) (configDurations, error) {
	var d configDurations
	for _, entry := range []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"consolidation.interval", cfg.Consolidation.Interval, &d.interval},
		{"consolidation.window", cfg.Consolidation.Window, &d.window},
		{"consolidation.lock_timeout", cfg.Consolidation.LockTimeout, &d.lockTimeout},
		{"consolidation.lock_ttl", cfg.Consolidation.LockTTL, &d.lockTTL},
		{"gc.interval", cfg.GC.Interval, &d.gcInterval},
	} {
		parsed, err := corecfg.ParseDuration(entry.value)
		if err != nil {
			return d, fmt.Errorf("%s: %w", entry.name, err)
		}
		*entry.dest = parsed
	}
	return d, nil
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
