package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/alert"
	"github.com/kljama/netmon/internal/cache"
	"github.com/kljama/netmon/internal/config"
	"github.com/kljama/netmon/internal/creds"
	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/logger"
	"github.com/kljama/netmon/internal/metrics"
	"github.com/kljama/netmon/internal/probe"
	"github.com/kljama/netmon/internal/queue"
	"github.com/kljama/netmon/internal/sched"
	"github.com/kljama/netmon/internal/state"
	"github.com/kljama/netmon/internal/store"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	migrate := flag.Bool("migrate", false, "Apply schema migrations and exit")
	flag.Parse()

	logger.Setup(*debug)
	log.Info().Str("version", version).Msg("netmon starting up")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rel, err := store.NewRelational(ctx, cfg.Relational)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to relational store")
	}
	defer rel.Close()

	if *migrate {
		if err := store.Migrate(ctx, rel.Pool()); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
		log.Info().Msg("Migration complete")
		return
	}

	keyring, err := creds.Init(cfg.Creds.KeyHex)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential keyring")
	}
	credStore, err := creds.NewStore(ctx, rel.Pool(), keyring)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load SNMP credentials")
	}

	if err := alert.EnsureBuiltinRules(ctx, rel); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure built-in alert rules")
	}

	tsdb := store.NewTSDB(cfg.TSDB)
	defer tsdb.Close()
	readCache := cache.New()
	gw := store.NewGateway(rel, tsdb, readCache, cfg.Cache)

	machine := state.NewMachine(gw, readCache, state.Config{
		Window:         cfg.Flap.Window(),
		Transitions:    cfg.Flap.Transitions,
		ISPTransitions: cfg.Flap.ISPTransitions,
		Hold:           cfg.Flap.Hold(),
	})
	evaluator := alert.NewEvaluator(gw, readCache, machine.Events(), cfg.Alert.RuleRefresh())
	ops := alert.NewOps(gw, cfg.Alert.PersistFailures, cfg.Alert.PersistBackoff())

	clock := device.NewResultClock()
	pinger := probe.NewICMPDriver(clock, cfg.ICMP.Timeout())
	snmpDriver := probe.NewSNMPDriver(clock, cfg.SNMP.Port, cfg.SNMP.Timeout(), cfg.SNMP.WalkTimeout(), cfg.SNMP.Retries)

	broker := queue.NewBroker(queue.Config{
		Alerts:        cfg.Worker.Pool.Alerts,
		Monitoring:    cfg.Worker.Pool.Monitoring,
		SNMP:          cfg.Worker.Pool.SNMP,
		Maintenance:   cfg.Worker.Pool.Maintenance,
		TasksPerChild: cfg.Worker.TasksPerChild,
	})

	exec := sched.NewExecutor(sched.ExecutorDeps{
		Rel:             rel,
		Gateway:         gw,
		Machine:         machine,
		Eval:            evaluator,
		Ops:             ops,
		Cache:           readCache,
		Pinger:          pinger,
		SNMP:            snmpDriver,
		Creds:           credStore,
		Clock:           clock,
		TSDB:            tsdb,
		ProbesPerSecond: cfg.Worker.ProbesPerSec,
		AlertRetention:  cfg.Retention.AlertHistory(),
	})
	planner := sched.NewPlanner(cfg.Batch)
	scheduler := sched.NewScheduler(rel, broker, exec, planner,
		cfg.ICMP.Interval(), cfg.SNMP.Interval(), cfg.Alert.Interval())

	health := NewHealthServer(cfg.Health.Port, rel, tsdb, broker)
	if err := health.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start health server")
	}

	// Workers run detached from the signal context so in-flight tasks get the
	// drain window on shutdown instead of immediate cancellation.
	broker.Start(context.Background())
	go evaluator.Run(ctx)
	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Scheduler stopped")
			stop()
		}
	}()

	log.Info().
		Int("alerts_workers", cfg.Worker.Pool.Alerts).
		Int("monitoring_workers", cfg.Worker.Pool.Monitoring).
		Int("snmp_workers", cfg.Worker.Pool.SNMP).
		Int("maintenance_workers", cfg.Worker.Pool.Maintenance).
		Msg("netmon running")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Ordered shutdown: the scheduler stops with ctx, the broker drains its
	// queues, then the gateway flushes buffered time-series writes so every
	// completed probe reaches both stores.
	broker.Shutdown(cfg.Worker.DrainTimeout())
	gw.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health.Stop(shutdownCtx)

	log.Info().Msg("netmon stopped")
}
