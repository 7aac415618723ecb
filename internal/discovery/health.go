package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pothiq1/distributed-cache-sidecar/internal/ring"
)

// HealthMonitor periodically probes ring members and removes nodes that
// fail several consecutive checks, so replication and miss resolution stop
// routing to dead peers between membership events. A node removed here
// rejoins when the pod watcher next sees it Modified.
type HealthMonitor struct {
	ring      *ring.Ring
	probe     func(ctx context.Context, node string) error
	localNode string
	logger    *zap.Logger

	interval    time.Duration
	timeout     time.Duration
	maxFailures int

	mu    sync.Mutex
	fails map[string]int
}

// NewHealthMonitor creates a monitor that probes every interval and evicts
// a node after three consecutive failures. probe is typically
// (*cluster.Client).Health. The local node is never probed or evicted.
func NewHealthMonitor(r *ring.Ring, probe func(ctx context.Context, node string) error, localNode string, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		ring:        r,
		probe:       probe,
		localNode:   localNode,
		logger:      logger,
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		fails:       make(map[string]int),
	}
}

// Run probes until the context is canceled. The first round fires
// immediately.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkAll(ctx)
		}
	}
}

// checkAll probes every ring member once and prunes failure tracking for
// nodes that have left.
func (h *HealthMonitor) checkAll(ctx context.Context) {
	members := h.ring.GetAllNodes()

	current := make(map[string]bool, len(members))
	for _, node := range members {
		if node == h.localNode {
			continue
		}
		current[node] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	for node := range h.fails {
		if !current[node] {
			delete(h.fails, node)
		}
	}
	h.mu.Unlock()
}

// checkNode probes one node, tracking consecutive failures and evicting
// the node from the ring once the threshold is crossed.
func (h *HealthMonitor) checkNode(ctx context.Context, node string) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.probe(probeCtx, node)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err == nil {
		h.fails[node] = 0
		return
	}

	h.fails[node]++
	h.logger.Warn("peer health check failed",
		zap.String("peer", node),
		zap.Int("consecutive", h.fails[node]),
		zap.Error(err))

	if h.fails[node] >= h.maxFailures {
		h.ring.RemoveNode(node)
		delete(h.fails, node)
		h.logger.Info("removed unhealthy peer from ring", zap.String("peer", node))
	}
}
