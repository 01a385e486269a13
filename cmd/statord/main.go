// Command statord runs the stator daemon: the machine registry with its
// storage, timeout and history subsystems, the REST inspection API, the
// WebSocket debug channel and the optional NATS ingress.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statorio/stator/pkg/auth"
	"github.com/statorio/stator/pkg/config"
	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/db"
	"github.com/statorio/stator/pkg/debug"
	"github.com/statorio/stator/pkg/history"
	"github.com/statorio/stator/pkg/httpapi"
	"github.com/statorio/stator/pkg/ingress"
	"github.com/statorio/stator/pkg/observability"
	"github.com/statorio/stator/pkg/registry"
	"github.com/statorio/stator/pkg/store"
	"github.com/statorio/stator/pkg/timeout"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to the yaml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("statord %s\n", version)
		return
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("STATOR_CONFIG")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := core.NewLoggerWithLevel(core.ParseLogLevel(cfg.Logging.Level))
	logger.Infof("Starting statord %s (storage mode %s)", version, cfg.Database.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "statord",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Exporter:       cfg.Observability.Tracing.Exporter,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	metrics := observability.GetMetrics()

	// The history store always runs over database/sql, even when the
	// entity stores use pgx partitioning.
	poolConfig := db.PoolConfig{
		DSN:             cfg.Database.DSN,
		DriverName:      cfg.Database.Driver,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxLifetime,
	}
	pool, err := db.NewPool(poolConfig)
	if err != nil {
		log.Fatalf("Failed to open database pool: %v", err)
	}
	defer pool.Close()

	mappings := []store.Mapping{callMapping()}
	storeConfig := store.Config{RetentionDays: cfg.Database.RetentionDays}

	var adapter store.Adapter
	var pgPool *pgxpool.Pool
	switch cfg.Database.Mode {
	case "partitioned":
		pgPool, err = pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("Failed to open pgx pool: %v", err)
		}
		defer pgPool.Close()
		adapter, err = store.NewPartitionedAdapter(ctx, pgPool, storeConfig, mappings,
			store.WithLogger(logger))
	default:
		adapter, err = store.NewMultiTableAdapter(pool, storeConfig, mappings,
			store.WithLogger(logger))
	}
	if err != nil {
		log.Fatalf("Failed to create entity store: %v", err)
	}

	histories, err := history.NewStore(pool, history.TrackerConfig{
		QueueSize:    cfg.History.QueueSize,
		BatchSize:    cfg.History.BatchSize,
		DrainTimeout: cfg.History.DrainTimeout,
	}, history.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create history store: %v", err)
	}

	timeouts, err := timeout.NewManager(ctx, timeout.ManagerConfig{
		Workers:   cfg.Timeouts.Workers,
		QueueSize: cfg.Timeouts.QueueSize,
	}, timeout.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create timeout manager: %v", err)
	}

	// The relay lets the registry notify a debug hub that is built after it
	relay := debug.NewRelay()
	critical := make(chan error, 1)

	reg, err := registry.New(adapter, histories, timeouts, registry.Config{
		MailboxSize:        cfg.Registry.MailboxSize,
		ArchiveQueueSize:   cfg.Registry.ArchiveQueueSize,
		ArchiveMaxAttempts: cfg.Registry.ArchiveMaxAttempts,
		ArchiveBackoff:     cfg.Registry.ArchiveBackoff,
		ArchiveMaxBackoff:  cfg.Registry.ArchiveMaxBackoff,
		SweepInterval:      cfg.Registry.SweepInterval,
		IdleTimeout:        cfg.Registry.IdleTimeout,
		DrainTimeout:       cfg.Registry.DrainTimeout,
	},
		registry.WithLogger(logger),
		registry.WithObserver(relay),
		registry.WithListener(relay),
		registry.WithMetrics(metrics),
		registry.WithCriticalFailure(func(err error) {
			select {
			case critical <- err:
			default:
			}
		}),
	)
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}

	callReg, err := callRegistration()
	if err != nil {
		log.Fatalf("Failed to build call definition: %v", err)
	}
	if err := reg.Register(callReg); err != nil {
		log.Fatalf("Failed to register call machine type: %v", err)
	}

	// Startup scan archives machines that completed while the process was
	// down, before any traffic is accepted.
	if err := reg.Start(ctx); err != nil {
		log.Fatalf("Failed to start registry: %v", err)
	}

	pruner, err := store.NewPruner(adapter, store.PrunerConfig{
		RetentionDays: cfg.Database.RetentionDays,
		Interval:      12 * time.Hour,
	}, store.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create pruner: %v", err)
	}
	if err := pruner.Start(); err != nil {
		log.Fatalf("Failed to start pruner: %v", err)
	}

	var authService *auth.Service
	if cfg.Auth.Enabled {
		operators := make([]auth.Operator, 0, len(cfg.Auth.Operators))
		for _, op := range cfg.Auth.Operators {
			operators = append(operators, auth.Operator{Name: op.Name, SecretHash: op.SecretHash})
		}
		authService, err = auth.NewService(auth.Config{
			Secret:    cfg.Auth.Secret,
			Issuer:    cfg.Auth.Issuer,
			TokenTTL:  cfg.Auth.TokenTTL,
			Leeway:    cfg.Auth.Leeway,
			Operators: operators,
		})
		if err != nil {
			log.Fatalf("Failed to create auth service: %v", err)
		}
	}

	apiOpts := []httpapi.APIOption{
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(metrics),
	}
	hubOpts := []debug.HubOption{
		debug.WithLogger(logger),
		debug.WithMetrics(metrics),
	}
	if authService != nil {
		apiOpts = append(apiOpts, httpapi.WithAuth(authService))
		hubOpts = append(hubOpts, debug.WithAuth(authService))
	}

	api, err := httpapi.NewAPI(reg, apiOpts...)
	if err != nil {
		log.Fatalf("Failed to create REST API: %v", err)
	}
	restServer, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MaxInFlight:  cfg.Server.MaxInFlight,
	}, api, logger)
	if err != nil {
		log.Fatalf("Failed to create REST server: %v", err)
	}
	go func() {
		logger.Infof("REST API listening on %s", cfg.Server.Addr)
		if err := restServer.ListenAndServe(); err != nil {
			logger.Errorf("REST server stopped: %v", err)
		}
	}()

	hub, err := debug.NewHub(reg, hubOpts...)
	if err != nil {
		log.Fatalf("Failed to create debug hub: %v", err)
	}
	relay.Bind(hub)

	debugMux := http.NewServeMux()
	debugMux.Handle("/debug", hub)
	debugServer := &http.Server{
		Addr:              cfg.Server.DebugAddr,
		Handler:           debugMux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		logger.Infof("Debug channel listening on %s/debug", cfg.Server.DebugAddr)
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Debug server stopped: %v", err)
		}
	}()

	var consumer *ingress.Consumer
	if cfg.Ingress.Enabled {
		consumer, err = ingress.New(ingress.Config{
			URL:          cfg.Ingress.URL,
			Prefix:       cfg.Ingress.Prefix,
			QueueGroup:   cfg.Ingress.QueueGroup,
			Name:         cfg.Ingress.Name,
			RouteTimeout: cfg.Ingress.RouteTimeout,
		}, reg, ingress.WithLogger(logger), ingress.WithMetrics(metrics))
		if err != nil {
			log.Fatalf("Failed to create NATS ingress: %v", err)
		}
		if err := consumer.Start(); err != nil {
			log.Fatalf("Failed to start NATS ingress: %v", err)
		}
		logger.Infof("NATS ingress consuming %s.events.> at %s", cfg.Ingress.Prefix, cfg.Ingress.URL)
	}

	logger.Infof("statord started with %d machine type(s)", len(adapter.Types()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-critical:
		logger.Errorf("Critical failure, shutting down: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Inbound surfaces close first so the registry drains a fixed workload
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warnf("Ingress close: %v", err)
		}
	}
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("REST shutdown: %v", err)
	}
	if err := debugServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Debug shutdown: %v", err)
	}
	hub.Close()

	if err := reg.Stop(shutdownCtx); err != nil {
		logger.Errorf("Registry stop: %v", err)
	}
	if err := pruner.Stop(shutdownCtx); err != nil {
		logger.Warnf("Pruner stop: %v", err)
	}
	if err := timeouts.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Timeout manager shutdown: %v", err)
	}
	if err := observability.ShutdownTracing(shutdownCtx); err != nil {
		logger.Warnf("Tracing shutdown: %v", err)
	}

	logger.Infof("statord stopped")
}
