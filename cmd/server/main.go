/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the power-ledger server: configuration, store,
  locking, notifications, HTTP API and the reminder scheduler.

STARTUP SEQUENCE:
  1. Load .env and environment, apply command-line flags, validate
  2. Initialize the store (memory or SQLite with migrations)
  3. Pick the household locker (in-process, or Redis when REDIS_ADDR is set)
  4. Build notifiers (log + metrics, plus AMQP when AMQP_URL is set)
  5. Build ledger, engine, handler and router
  6. Run HTTP server and reminder scheduler until a signal arrives

COMMAND-LINE FLAGS:
  -port      HTTP server port (overrides PORT)
  -db        SQLite database path (overrides SQLITE_DB_PATH, selects sqlite)
  -scenario  Load a scenario id into the anonymous household at startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close AMQP, Redis and database connections

EXAMPLES:
  # In-memory household with demo data
  ./server -scenario=family-year

  # Persistent database
  ./server -db="./data/power-ledger.db"

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/warp/power-ledger/api"
	"github.com/warp/power-ledger/billing"
	"github.com/warp/power-ledger/billing/store"
	"github.com/warp/power-ledger/config"
	"github.com/warp/power-ledger/factory"
	"github.com/warp/power-ledger/locker"
	"github.com/warp/power-ledger/logging"
	"github.com/warp/power-ledger/metrics"
	"github.com/warp/power-ledger/notify"
	"github.com/warp/power-ledger/store/sqlite"
)

// backend is what the server needs from a store.
type backend interface {
	billing.TxStore
	billing.ScopeLister
	api.Resetter
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "power-ledger:", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (selects the sqlite backend)")
	scenarioID := flag.String("scenario", "", "scenario to load into the anonymous household at startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = fmt.Sprint(*port)
	}
	if *dbPath != "" {
		cfg.DataBackend = "sqlite"
		cfg.SQLiteDBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Component: "server",
		Output:    os.Stdout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	var st backend
	switch cfg.DataBackend {
	case "sqlite":
		db, err := sqlite.New(cfg.SQLiteDBPath)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer db.Close()
		st = db
	default:
		st = store.NewTxMemory()
	}
	log.WithField("backend", cfg.DataBackend).Info("store ready")

	// Locker
	var lk billing.Locker = locker.NewLocal()
	if cfg.RedisAddr != "" {
		rl, client, err := locker.Dial(ctx, cfg.RedisAddr, cfg.LockTTL, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		lk = rl
		log.WithField("addr", cfg.RedisAddr).Info("using redis household lock")
	}

	// Metrics and notifiers
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sinks := notify.Multi{notify.NewLog(log), m}
	if cfg.AMQPURL != "" {
		pub, err := notify.Dial(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey, log)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		log.WithField("exchange", cfg.AMQPExchange).Info("publishing events to amqp")
	}

	// Domain
	ancillary := cfg.AncillaryCost()
	ledger := billing.NewLedger(st, billing.Config{
		Locker:               lk,
		Notifier:             sinks,
		Logger:               log,
		DefaultAncillaryCost: &ancillary,
		DefaultNote:          &cfg.DefaultNote,
		UnbilledLookback:     cfg.UnbilledLookback,
	})
	engine := billing.NewEngine(ledger)

	scenarios := factory.Builtin()
	if cfg.ScenarioFile != "" {
		extra, err := factory.LoadFile(cfg.ScenarioFile)
		if err != nil {
			return err
		}
		scenarios = append(scenarios, extra...)
	}
	if *scenarioID != "" {
		s, ok := factory.Find(scenarios, *scenarioID)
		if !ok {
			return fmt.Errorf("unknown scenario %q", *scenarioID)
		}
		if err := st.Reset(ctx, api.AnonymousScope); err != nil {
			return err
		}
		if _, err := factory.Apply(ctx, engine, api.AnonymousScope, s); err != nil {
			return err
		}
		log.WithField("scenario", s.ID).Info("scenario loaded")
	}

	// HTTP
	identity := api.NewJWTIdentity(cfg.JWTSecret)
	handler := api.NewHandler(api.Options{
		Engine:    engine,
		Identity:  identity,
		Resetter:  st,
		Scenarios: scenarios,
		Metrics:   m,
		Logger:    log,
		Lookback:  cfg.UnbilledLookback,
	})
	router := api.NewRouter(handler, api.RouterConfig{CORSOrigins: cfg.CORSOrigins, Identity: identity})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := &api.ReminderScheduler{
		Scopes:   st,
		Ledger:   ledger,
		Reminder: sinks,
		Interval: cfg.ReminderInterval,
		Lookback: cfg.UnbilledLookback,
		Log:      log,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
