package replication

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pothiq1/distributed-cache-sidecar/internal/cache"
	"github.com/pothiq1/distributed-cache-sidecar/internal/cluster"
	"github.com/pothiq1/distributed-cache-sidecar/internal/fallback"
	"github.com/pothiq1/distributed-cache-sidecar/internal/ring"
)

// Resolver satisfies local misses from replica peers and, failing that,
// the fallback store.
//
// The protocol is single-hop: peers answer from their local view only, so
// a resolution can never loop back through this node. Concurrent
// resolutions of the same key collapse into one flight.
type Resolver struct {
	cache      *cache.Cache
	ring       *ring.Ring
	peers      *cluster.Client
	fallback   fallback.Store
	replicator *Replicator
	localNode  string
	logger     *zap.Logger

	group singleflight.Group
}

// NewResolver wires the miss path. fb may be nil when no fallback store is
// configured; peer misses then stay misses.
func NewResolver(c *cache.Cache, r *ring.Ring, peers *cluster.Client, fb fallback.Store, rep *Replicator, localNode string, logger *zap.Logger) *Resolver {
	return &Resolver{
		cache:      c,
		ring:       r,
		peers:      peers,
		fallback:   fb,
		replicator: rep,
		localNode:  localNode,
		logger:     logger,
	}
}

// resolution is the shared result of one collapsed flight.
type resolution struct {
	value []byte
	found bool
}

// Resolve satisfies a miss for key. It walks the key's replica set (self
// excluded), takes the first peer that reports found, and otherwise asks
// the fallback store. Any success warms the local cache; fallback hits are
// additionally replicated to the replica set with the default TTL.
//
// Peer and fallback errors are logged and treated as misses.
func (r *Resolver) Resolve(ctx context.Context, key string) ([]byte, bool) {
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, key), nil
	})
	if err != nil {
		return nil, false
	}
	res := v.(resolution)
	return res.value, res.found
}

func (r *Resolver) resolve(ctx context.Context, key string) resolution {
	nodes := r.ring.GetNNodes(key, r.replicator.Factor()+1)

	for _, node := range nodes {
		if node == r.localNode {
			continue
		}
		value, found, err := r.peers.Get(ctx, node, key)
		if err != nil {
			r.logger.Warn("peer lookup failed",
				zap.String("peer", node),
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		if !found {
			continue
		}

		r.logger.Debug("miss satisfied by peer",
			zap.String("peer", node),
			zap.String("key", key))

		// Warm the local copy without a TTL override.
		if err := r.cache.Put(key, value, 0); err != nil {
			r.logger.Error("warming local cache failed", zap.String("key", key), zap.Error(err))
		}
		return resolution{value: value, found: true}
	}

	return r.fromFallback(ctx, key)
}

// fromFallback consults the secondary store and, on a hit, warms the local
// cache and replicates with the default TTL encoding (0 seconds means "no
// TTL" on the wire).
func (r *Resolver) fromFallback(ctx context.Context, key string) resolution {
	if r.fallback == nil {
		return resolution{}
	}

	value, ok, err := r.fallback.Get(ctx, key)
	if err != nil {
		r.logger.Warn("fallback lookup failed", zap.String("key", key), zap.Error(err))
		return resolution{}
	}
	if !ok {
		return resolution{}
	}

	r.logger.Debug("miss satisfied by fallback", zap.String("key", key))

	if err := r.cache.Put(key, value, 0); err != nil {
		r.logger.Error("warming local cache failed", zap.String("key", key), zap.Error(err))
	}
	r.replicator.Replicate(key, value, int64(r.cache.DefaultTTL().Seconds()))

	return resolution{value: value, found: true}
}

// Refresh forces a fallback read for key regardless of local state, warms
// the local cache with the result, and replicates it. Used by the Refresh
// RPC to pull an authoritative value through the fleet.
func (r *Resolver) Refresh(ctx context.Context, key string) ([]byte, bool) {
	if r.fallback == nil {
		return nil, false
	}

	value, ok, err := r.fallback.Get(ctx, key)
	if err != nil {
		r.logger.Warn("refresh from fallback failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	if err := r.cache.Put(key, value, 0); err != nil {
		r.logger.Error("warming local cache failed", zap.String("key", key), zap.Error(err))
	}
	r.replicator.Replicate(key, value, int64(r.cache.DefaultTTL().Seconds()))
	return value, true
}
