// Package replication implements the write fan-out to replica peers and
// the read-miss resolution path (peers first, then the fallback store).
//
// Both paths are best-effort: peer and fallback failures are logged and
// degrade to miss semantics, never surfaced to the client. Neither path
// holds any cache lock across an RPC.
package replication

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pothiq1/distributed-cache-sidecar/internal/cluster"
	"github.com/pothiq1/distributed-cache-sidecar/internal/ring"
)

// replicateTimeout bounds a whole fan-out. Replication is detached from
// the client's request, so the bound is generous.
const replicateTimeout = 10 * time.Second

// Replicator fans a written entry to the key's replica peers.
type Replicator struct {
	ring      *ring.Ring
	peers     *cluster.Client
	factor    int
	localNode string
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewReplicator creates a replicator with the given replication factor.
// localNode is this node's ring identity and is always skipped.
func NewReplicator(r *ring.Ring, peers *cluster.Client, factor int, localNode string, logger *zap.Logger) *Replicator {
	return &Replicator{
		ring:      r,
		peers:     peers,
		factor:    factor,
		localNode: localNode,
		logger:    logger,
	}
}

// Factor returns the replication factor.
func (r *Replicator) Factor() int {
	return r.factor
}

// Replicate asynchronously fans the entry to the key's replica set. The
// fan-out is initiated before Replicate returns but completes on its own:
// the caller's response never waits on a peer, and the caller's context
// canceling does not cancel the fan-out. ttlSeconds of 0 encodes "no TTL".
func (r *Replicator) Replicate(key string, value []byte, ttlSeconds int64) {
	// Placements include the local node; +1 leaves N peers after self is
	// dropped.
	nodes := r.ring.GetNNodes(key, r.factor+1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), replicateTimeout)
		defer cancel()

		r.fanOut(ctx, nodes, key, value, ttlSeconds)
	}()
}

// fanOut pushes the entry to each peer concurrently. Failures are logged
// per peer and swallowed.
func (r *Replicator) fanOut(ctx context.Context, nodes []string, key string, value []byte, ttlSeconds int64) {
	g, ctx := errgroup.WithContext(ctx)

	for _, node := range nodes {
		if node == r.localNode {
			continue
		}
		node := node
		g.Go(func() error {
			if err := r.peers.Put(ctx, node, key, value, ttlSeconds); err != nil {
				r.logger.Warn("replication to peer failed",
					zap.String("peer", node),
					zap.String("key", key),
					zap.Error(err))
			}
			// Best effort: never fail the group.
			return nil
		})
	}
	_ = g.Wait()
}

// Wait blocks until every in-flight fan-out has finished. Used during
// shutdown and by tests.
func (r *Replicator) Wait() {
	r.wg.Wait()
}
