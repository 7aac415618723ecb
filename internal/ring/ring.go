// Package ring implements consistent-hash placement of cache keys onto the
// cluster's membership set.
//
// Each node is projected onto the ring as a fixed number of virtual points
// (hashes of "<node>-<i>"). A key is owned by the first node whose virtual
// point is clockwise of the key's hash, wrapping at the top of the 64-bit
// space. Replica placement walks further clockwise collecting distinct
// nodes.
//
// The hash is xxhash64, which is stable across processes: every node in the
// fleet computes the same placement for the same membership, which the
// replication and remote-fetch protocols depend on.
//
// Concurrency model:
//   - Lookups take a read lock and may proceed in parallel.
//   - Membership changes take the write lock and are serialized.
//   - A lookup observes either the pre- or post-change ring, never a torn
//     view.
package ring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualPoints is the number of ring positions each node occupies.
// More points give a smoother key distribution at the cost of slightly
// larger membership changes.
const DefaultVirtualPoints = 100

// point is one virtual position on the ring.
type point struct {
	hash uint64
	node string
}

// Ring maps 64-bit key hashes to node identifiers via virtual points.
// The zero value is not usable; call New.
type Ring struct {
	mu     sync.RWMutex
	points []point // sorted by hash
	nodes  map[string]struct{}
	vnodes int
}

// New creates an empty ring with the given number of virtual points per
// node. Values <= 0 fall back to DefaultVirtualPoints.
func New(virtualPoints int) *Ring {
	if virtualPoints <= 0 {
		virtualPoints = DefaultVirtualPoints
	}
	return &Ring{
		nodes:  make(map[string]struct{}),
		vnodes: virtualPoints,
	}
}

// hashOf is the single hash function used for both virtual points and
// lookup keys.
func hashOf(s string) uint64 {
	return xxhash.Sum64String(s)
}

// AddNode inserts the node's virtual points. Adding a node that is already
// a member is a no-op, so watcher Modified events can call this freely.
func (r *Ring) AddNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; ok {
		return
	}
	r.nodes[node] = struct{}{}

	for i := 0; i < r.vnodes; i++ {
		r.points = append(r.points, point{
			hash: hashOf(fmt.Sprintf("%s-%d", node, i)),
			node: node,
		})
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
}

// RemoveNode removes all of the node's virtual points. Removing a node
// that is not a member is a no-op.
func (r *Ring) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)

	kept := r.points[:0]
	for _, p := range r.points {
		if p.node != node {
			kept = append(kept, p)
		}
	}
	r.points = kept
}

// GetNode returns the node owning key: the first virtual point clockwise of
// the key's hash, wrapping. ok is false only when the ring is empty.
func (r *Ring) GetNode(key string) (node string, ok bool) {
	h := hashOf(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return "", false
	}
	return r.points[r.search(h)].node, true
}

// GetNNodes returns the first n distinct nodes encountered walking
// clockwise from key's hash, wrapping. If fewer than n distinct nodes are
// members, all of them are returned. Distinctness is by node identifier,
// not virtual point.
func (r *Ring) GetNNodes(key string, n int) []string {
	h := hashOf(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 || n <= 0 {
		return nil
	}

	nodes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)

	start := r.search(h)
	for i := 0; i < len(r.points) && len(nodes) < n; i++ {
		p := r.points[(start+i)%len(r.points)]
		if _, dup := seen[p.node]; dup {
			continue
		}
		seen[p.node] = struct{}{}
		nodes = append(nodes, p.node)
	}
	return nodes
}

// GetAllNodes returns the current membership, sorted and deduplicated.
func (r *Ring) GetAllNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// Len reports the number of member nodes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// search returns the index of the first point whose hash is >= h, wrapping
// to 0 when h is beyond the last point. Callers must hold at least the read
// lock and guarantee the ring is non-empty.
func (r *Ring) search(h uint64) int {
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		return 0
	}
	return i
}
