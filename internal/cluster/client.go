package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

// DefaultPeerPort is the port every node's RPC surface listens on. Peer
// addresses are constructed from the bare node identifier (a pod IP) plus
// this port.
const DefaultPeerPort = "50051"

// PeerBaseURL builds the RPC base URL for a node identifier.
func PeerBaseURL(node string) string {
	return fmt.Sprintf("http://%s:%s", node, DefaultPeerPort)
}

// Client calls the RPC surface of peer nodes. It keeps one pooled HTTP
// client for the whole fleet and one circuit breaker per peer, so a dead
// peer stops costing a connection timeout on every miss.
//
// All failures are returned to the caller; policy (log-and-skip for
// replication and miss resolution) lives with the caller.
type Client struct {
	httpClient *http.Client

	// BaseURL maps a node identifier to its RPC base URL. Defaults to
	// PeerBaseURL; tests point it at httptest servers.
	BaseURL func(node string) string

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a peer client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		BaseURL:    PeerBaseURL,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the peer's circuit breaker, creating it on first use.
// The breaker opens after five consecutive failures and probes again after
// ten seconds.
func (c *Client) breakerFor(node string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[node]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    node,
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		c.breakers[node] = cb
	}
	return cb
}

// Get fetches key from the peer's local view. A peer miss is (found=false,
// nil error); transport failures and open breakers come back as errors.
func (c *Client) Get(ctx context.Context, node, key string) (value []byte, found bool, err error) {
	var resp ValueResponse
	_, err = c.breakerFor(node).Execute(func() (interface{}, error) {
		return nil, c.postJSON(ctx, c.BaseURL(node)+"/v1/cache/get", KeyRequest{Key: key}, &resp)
	})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// Put stores an entry on the peer. ttlSeconds of 0 means "no TTL".
func (c *Client) Put(ctx context.Context, node, key string, value []byte, ttlSeconds int64) error {
	req := PutRequest{Key: key, Value: value, TTLSeconds: ttlSeconds}
	_, err := c.breakerFor(node).Execute(func() (interface{}, error) {
		return nil, c.postJSON(ctx, c.BaseURL(node)+"/v1/cache/put", req, nil)
	})
	return err
}

// Health probes the peer's health endpoint. Used by the health monitor;
// deliberately not routed through the breaker so a probe can observe
// recovery while the breaker is still open.
func (c *Client) Health(ctx context.Context, node string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL(node)+"/health", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health %s: status %d", node, resp.StatusCode)
	}
	return nil
}

// postJSON sends a JSON POST and decodes a JSON reply into out (skipped
// when out is nil). Non-2xx statuses are errors.
func (c *Client) postJSON(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
