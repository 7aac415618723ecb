// Package main implements the cache node service: one member of a fleet
// of identical nodes that together shard, replicate, and serve an
// in-memory key-value cache in front of an authoritative secondary store.
//
// Each node:
//   - Stores its shard of the keyspace in a compressed, memory-bounded
//     local cache with frequency-based eviction
//   - Places keys on a consistent-hash ring shared by the whole fleet
//   - Fans writes to replica peers and satisfies misses from peers or the
//     fallback store
//   - Groups mutations into transactions with commit/rollback
//   - Streams mutation events to subscribers
//
// Architecture:
//
//	┌───────────────────────────────────────────────┐
//	│                  Cache node                   │
//	├───────────────────────────────────────────────┤
//	│  RPC API (:50051):                            │
//	│    /v1/cache/get|put|evict|refresh            │
//	│    /v1/cache/batch/get|put                    │
//	│    /v1/transaction/begin|commit|rollback      │
//	│    /v1/events            - mutation stream    │
//	│    /health               - liveness           │
//	├───────────────────────────────────────────────┤
//	│  Monitoring (:9898, optional):                │
//	│    /metrics /stats /nodes /config /search     │
//	├───────────────────────────────────────────────┤
//	│  Background:                                  │
//	│    pod watcher       - ring membership        │
//	│    health monitor    - dead-peer eviction     │
//	│    txn sweeper       - expired transactions   │
//	│    event log sink    - mutation log           │
//	└───────────────────────────────────────────────┘
//
// Configuration is environment-driven; see internal/config for the full
// key set and defaults.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/pothiq1/distributed-cache-sidecar/internal/auth"
	"github.com/pothiq1/distributed-cache-sidecar/internal/cache"
	"github.com/pothiq1/distributed-cache-sidecar/internal/cluster"
	"github.com/pothiq1/distributed-cache-sidecar/internal/config"
	"github.com/pothiq1/distributed-cache-sidecar/internal/discovery"
	"github.com/pothiq1/distributed-cache-sidecar/internal/event"
	"github.com/pothiq1/distributed-cache-sidecar/internal/fallback"
	"github.com/pothiq1/distributed-cache-sidecar/internal/monitoring"
	"github.com/pothiq1/distributed-cache-sidecar/internal/replication"
	"github.com/pothiq1/distributed-cache-sidecar/internal/ring"
	"github.com/pothiq1/distributed-cache-sidecar/internal/search"
	"github.com/pothiq1/distributed-cache-sidecar/internal/server"
	"github.com/pothiq1/distributed-cache-sidecar/internal/txn"
)

// healthCheckInterval is how often the health monitor probes ring peers.
const healthCheckInterval = 5 * time.Second

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	logger.Info("starting cache node",
		zap.String("listen", cfg.LocalAddress),
		zap.String("node", cfg.PodIP),
		zap.String("max_memory", humanize.IBytes(uint64(cfg.MaxMemory))),
		zap.Int("replication_factor", cfg.ReplicationFactor))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event bus, with a log sink mirroring every mutation.
	bus := event.NewBus()
	go logEvents(bus, logger)

	// Core state.
	localCache := cache.New(cfg.MaxMemory, cfg.DefaultTTL, bus, logger)

	var transactions *txn.Manager
	if cfg.EnableTransactions {
		transactions = txn.NewManager(cfg.TransactionTimeout, logger)
	} else {
		transactions = txn.Disabled(logger)
	}

	hashRing := ring.New(ring.DefaultVirtualPoints)
	hashRing.AddNode(cfg.PodIP)

	peers := cluster.NewClient(5 * time.Second)
	replicator := replication.NewReplicator(hashRing, peers, cfg.ReplicationFactor, cfg.PodIP, logger)

	// Fallback store; the node still serves without one.
	var store fallback.Store
	if cfg.RedisURL != "" {
		redisStore, err := fallback.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("fallback store unavailable", zap.String("url", cfg.RedisURL), zap.Error(err))
		} else {
			store = redisStore
			defer func() { _ = redisStore.Close() }()
		}
	}
	resolver := replication.NewResolver(localCache, hashRing, peers, store, replicator, cfg.PodIP, logger)

	// Value-text index; search is a best-effort auxiliary.
	index, err := search.NewIndex()
	if err != nil {
		logger.Warn("search index disabled", zap.Error(err))
		index = nil
	}

	authn := auth.New(cfg.JWTSecret)
	metrics := monitoring.NewMetrics()

	// Background workers.
	done := make(chan struct{})
	go transactions.Sweeper(cfg.TransactionTimeout, done)
	go localCache.Janitor(time.Minute, done)

	if client, err := kubeClient(); err != nil {
		logger.Warn("membership discovery disabled", zap.Error(err))
	} else {
		watcher := discovery.NewWatcher(client, hashRing, cfg.Namespace, cfg.AppLabel, logger)
		go watcher.Run(ctx)

		monitor := discovery.NewHealthMonitor(hashRing, peers.Health, cfg.PodIP, healthCheckInterval, logger)
		go monitor.Run(ctx)
	}

	if cfg.EnableMonitoring {
		mon := monitoring.NewServer(metrics, localCache, hashRing, index, cfg, logger)
		monSrv := &http.Server{
			Addr:              cfg.MonitoringAddress,
			Handler:           mon.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("monitoring listening", zap.String("addr", cfg.MonitoringAddress))
			if err := monSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitoring server failed", zap.Error(err))
			}
		}()
		defer shutdownServer(monSrv, logger)
	}

	// RPC surface.
	svc := server.New(localCache, transactions, replicator, resolver, bus, index, authn, metrics, logger)
	srv := svc.HTTPServer(cfg.LocalAddress)

	go func() {
		var err error
		if cfg.TLSEnabled() {
			logger.Info("rpc listening with TLS", zap.String("addr", cfg.LocalAddress))
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			logger.Info("rpc listening", zap.String("addr", cfg.LocalAddress))
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("rpc server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	close(done)
	shutdownServer(srv, logger)

	// Let in-flight replication fan-outs finish before the process exits.
	replicator.Wait()
	logger.Info("cache node stopped")
}

// logEvents mirrors the mutation stream into the node's log at debug
// level, the fleet's lowest-cost audit trail.
func logEvents(bus *event.Bus, logger *zap.Logger) {
	events, cancel := bus.Subscribe()
	defer cancel()

	for ev := range events {
		logger.Debug("cache event",
			zap.String("type", string(ev.Type)),
			zap.String("key", ev.Key))
	}
}

// kubeClient builds an in-cluster client. Outside a cluster this fails
// and the node runs with a static single-member ring.
func kubeClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(cfg)
}

func shutdownServer(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}
