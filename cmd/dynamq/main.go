package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dynabot/dynamq/internal/acl"
	"github.com/dynabot/dynamq/internal/auth"
	"github.com/dynabot/dynamq/internal/broker"
	"github.com/dynabot/dynamq/internal/bus"
	"github.com/dynabot/dynamq/internal/cluster"
	"github.com/dynabot/dynamq/internal/config"
	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/metrics"
	"github.com/dynabot/dynamq/internal/retain"
	"github.com/dynabot/dynamq/internal/session"
	"github.com/dynabot/dynamq/internal/sink"
	"github.com/dynabot/dynamq/internal/transport"
)

const clusterStartTimeKey = "dynamq:cluster:start-time"

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.InitGlobalLogger(logger.Config{
		Level:   logger.ParseLevel(cfg.Log.Level),
		Format:  cfg.Log.Format,
		Output:  os.Stdout,
		Service: "dynamq",
		NodeID:  cfg.Cluster.NodeID,
	})

	if err := run(cfg, log); err != nil {
		log.Error("broker exited with error", logger.ErrorAttr(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	b := bus.New()
	mtr := metrics.New()

	var rdb *redis.Client
	if cfg.Redis.Enabled || cfg.Cluster.Enabled {
		rdb = connectRedis(cfg, log)
	}

	var sessions session.Manager
	var retained retain.Store
	var router *cluster.Router
	var health *cluster.Monitor

	// The shared store being down at boot degrades cluster mode to a
	// single node on the local stores.
	if cfg.Cluster.Enabled && rdb != nil {
		sessions = session.NewRedisManager(rdb, cfg.Cluster.NodeID, b,
			cfg.SessionExpiry(), cfg.ConnectionTTL(),
			logger.NewComponentLogger("session"))
		retained = retain.NewRedisStore(rdb, cfg.Cluster.NodeID,
			logger.NewComponentLogger("retain"))
		router = cluster.NewRouter(rdb, cfg.Cluster.NodeID, sessions,
			logger.NewComponentLogger("cluster"))
		health = cluster.NewMonitor(rdb, cfg.Cluster.NodeID,
			logger.NewComponentLogger("health"))
	} else {
		sessions = session.NewLocalManager(cfg.Cluster.NodeID, b,
			logger.NewComponentLogger("session"))
		retained = retain.NewLocalStore()
	}

	authenticator, closeAuth, err := buildAuth(cfg)
	if err != nil {
		return err
	}
	if closeAuth != nil {
		defer closeAuth()
	}

	permissions := buildACL(cfg, rdb)

	messageSink, err := buildSink(cfg)
	if err != nil {
		return err
	}

	deps := broker.Deps{
		Sessions: sessions,
		Retained: retained,
		Health:   health,
		ACL:      permissions,
		Auth:     authenticator,
		Sink:     messageSink,
		Metrics:  mtr,
		Shared:   metrics.NewSharedCounters(rdb),
		Bus:      b,
		Log:      log,
	}
	if router != nil {
		deps.Router = router
	}
	brk := broker.New(cfg, deps)
	brk.Start()

	tcpSrv := transport.NewTCPServer(brk, cfg.Server.Port,
		logger.NewComponentLogger("transport"))
	errCh := make(chan error, 4)
	go func() { errCh <- tcpSrv.ListenAndServe() }()

	var tlsSrv *transport.TCPServer
	if cfg.Server.TLSEnabled {
		tlsSrv, err = transport.NewTLSServer(brk, cfg.Server.TLSPort,
			cfg.Server.TLSCertPath, cfg.Server.TLSKeyPath,
			logger.NewComponentLogger("transport"))
		if err != nil {
			return err
		}
		go func() { errCh <- tlsSrv.ListenAndServe() }()
	}

	var wsSrv *transport.WSServer
	if cfg.Server.WSEnabled {
		wsSrv = transport.NewWSServer(brk, cfg.Server.WSPort, cfg.Server.WSPath,
			logger.NewComponentLogger("transport"))
		go func() { errCh <- wsSrv.ListenAndServe() }()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, mtr.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server failed", logger.ErrorAttr(err))
			}
		}()
	}

	log.Info("dynamq is up",
		logger.Node(cfg.Cluster.NodeID),
		logger.Int("port", cfg.Server.Port),
		logger.Bool("clustered", cfg.Cluster.Enabled))

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("listener failed", logger.ErrorAttr(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop accepting first; live connections are closed by the broker,
	// then the listeners' handler goroutines are drained.
	tcpSrv.Close()
	if tlsSrv != nil {
		tlsSrv.Close()
	}
	if wsSrv != nil {
		wsSrv.Close()
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}

	if err := brk.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	tcpSrv.Wait(shutdownCtx)
	if tlsSrv != nil {
		tlsSrv.Wait(shutdownCtx)
	}

	if rdb != nil {
		rdb.Close()
	}

	log.Info("shutdown complete")
	return nil
}

// connectRedis opens the shared-store client, returning nil when the
// store is unreachable so the caller can fall back to the local stores.
func connectRedis(cfg *config.Config, log *logger.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Warn("shared store unreachable, running standalone",
			logger.String("addr", cfg.Redis.Addr), logger.ErrorAttr(err))
		rdb.Close()
		return nil
	}

	// First node to come up stamps the cluster start time.
	rdb.SetNX(context.Background(), clusterStartTimeKey, time.Now().UnixMilli(), 0)
	return rdb
}

func buildAuth(cfg *config.Config) (auth.Authenticator, func() error, error) {
	if !cfg.Auth.Enabled || cfg.Auth.Provider == "noop" || cfg.Auth.Provider == "" {
		return auth.NoOp{}, nil, nil
	}

	switch cfg.Auth.Provider {
	case "sqlite":
		store, err := auth.Open(cfg.Auth.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth provider %q", cfg.Auth.Provider)
	}
}

func buildACL(cfg *config.Config, rdb *redis.Client) acl.Provider {
	if !cfg.ACL.Enabled {
		return acl.NoOp{}
	}

	switch cfg.ACL.Provider {
	case "simple":
		return acl.NewSimpleProvider(cfg.ACL)
	case "redis":
		if rdb == nil {
			return acl.NoOp{}
		}
		return acl.NewRedisProvider(rdb, cfg.ACL.DefaultAllow,
			time.Duration(cfg.ACL.RefreshSecs)*time.Second,
			logger.NewComponentLogger("acl"))
	default:
		return acl.NoOp{}
	}
}

func buildSink(cfg *config.Config) (sink.Sink, error) {
	if !cfg.Sink.Enabled {
		return sink.Discard{}, nil
	}
	return sink.NewNATS(cfg.Sink.NATSURL, cfg.Sink.SubjectPrefix,
		logger.NewComponentLogger("sink"))
}
