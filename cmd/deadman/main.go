// deadman runs on every node of a database group. It publishes the
// local node's health into an external consensus store, cooperates in
// electing exactly one master, drives the database through role
// transitions and schedules master-only backups.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-deadman/pkg/backup"
	"github.com/dd0wney/cluso-deadman/pkg/config"
	"github.com/dd0wney/cluso-deadman/pkg/dcs"
	"github.com/dd0wney/cluso-deadman/pkg/dcs/memdcs"
	"github.com/dd0wney/cluso-deadman/pkg/dcs/zkdcs"
	"github.com/dd0wney/cluso-deadman/pkg/deadman"
	"github.com/dd0wney/cluso-deadman/pkg/logging"
	"github.com/dd0wney/cluso-deadman/pkg/metrics"
	"github.com/dd0wney/cluso-deadman/pkg/plugin"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (or set DEADMAN_CONFIG)")
	flag.Parse()

	if *configPath == "" {
		*configPath = os.Getenv("DEADMAN_CONFIG")
	}
	if *configPath == "" {
		*configPath = "/etc/deadman/deadman.yaml"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.DefaultLogger().Error("loading config failed",
			logging.Path(*configPath), logging.Error(err))
		os.Exit(1)
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultLogger(logger)
	log := logger.With(
		logging.Component("deadman"),
		logging.NodeID(cfg.NodeID),
		logging.Group(cfg.Group))

	log.Info("deadman starting",
		logging.Path(*configPath),
		logging.String("namespace", cfg.NamespacePrefix))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := plugin.NewRegistry(log)
	positionFn, bootstrapFn, cleanup, err := buildPlugins(ctx, &cfg, registry, log)
	if err != nil {
		log.Error("plugin construction failed", logging.Error(err))
		os.Exit(1)
	}
	defer cleanup()

	// Single shared store for local development; ZooKeeper in anything
	// resembling production
	var memStore *memdcs.Store
	connect := func() (dcs.Client, error) {
		if len(cfg.ZooKeeper.Servers) > 0 {
			return zkdcs.Connect(cfg.ZooKeeper.Servers, cfg.SessionTimeout.Std(), log)
		}
		if memStore == nil {
			memStore = memdcs.NewStore()
			log.Warn("no zookeeper servers configured, using in-memory store; single node only")
		}
		return memStore.Session(), nil
	}

	client, err := connect()
	if err != nil {
		log.Error("consensus store connection failed", logging.Error(err))
		os.Exit(1)
	}

	engineOpts := []deadman.Option{deadman.WithLogger(log)}
	if positionFn != nil {
		engineOpts = append(engineOpts, deadman.WithPositionFunc(positionFn))
	}
	if bootstrapFn != nil {
		engineOpts = append(engineOpts, deadman.WithBootstrap(bootstrapFn))
	}
	engine, err := deadman.NewEngine(deadman.Config{
		NodeID:              cfg.NodeID,
		Group:               cfg.Group,
		NamespacePrefix:     cfg.NamespacePrefix,
		TickInterval:        cfg.TickInterval.Std(),
		SessionTimeout:      cfg.SessionTimeout.Std(),
		CandidateGraceTicks: cfg.CandidateGraceTicks,
	}, client, registry, engineOpts...)
	if err != nil {
		log.Error("engine construction failed", logging.Error(err))
		os.Exit(1)
	}

	if provider, err := registry.BackupProvider(); err == nil && cfg.BackupInterval > 0 {
		orch := backup.NewOrchestrator(provider, engine, engine.Bus(),
			cfg.BackupInterval.Std(),
			backup.WithLogger(log.With(logging.Component("backup"))),
			backup.WithTagger(engine))
		go func() {
			if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("backup orchestrator stopped", logging.Error(err))
			}
		}()
		defer orch.Stop()
	}

	httpSrv := serveHTTP(cfg.MetricsAddr, engine, log)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	// The engine returns on session expiry; reconnect with a fresh
	// session and rejoin from INITIALIZING until told to stop
	for {
		err := engine.Run(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			log.Info("deadman stopped")
			return
		case errors.Is(err, dcs.ErrSessionExpired):
			_ = client.Close()
			log.Warn("rejoining with a fresh consensus session")

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			client, err = connect()
			if err != nil {
				log.Error("reconnect failed", logging.Error(err))
				continue
			}
			engine.Attach(client)
		default:
			log.Error("engine failed", logging.Error(err))
			os.Exit(1)
		}
	}
}

// serveHTTP exposes /metrics and /healthz
func serveHTTP(addr string, engine *deadman.Engine, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultRegistry().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !engine.Healthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"node_id":    engine.NodeID(),
			"role":       engine.Role().String(),
			"healthy":    engine.Healthy(),
			"generation": engine.Generation(),
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("http listening", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", logging.Error(err))
		}
	}()
	return srv
}
