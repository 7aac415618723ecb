package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pothiq1/distributed-cache-sidecar/internal/auth"
	"github.com/pothiq1/distributed-cache-sidecar/internal/cache"
	"github.com/pothiq1/distributed-cache-sidecar/internal/cluster"
	"github.com/pothiq1/distributed-cache-sidecar/internal/event"
	"github.com/pothiq1/distributed-cache-sidecar/internal/monitoring"
	"github.com/pothiq1/distributed-cache-sidecar/internal/replication"
	"github.com/pothiq1/distributed-cache-sidecar/internal/ring"
	"github.com/pothiq1/distributed-cache-sidecar/internal/txn"
)

// fakeStore is an in-memory fallback for the resolver.
type fakeStore struct {
	data map[string][]byte
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if f.data == nil {
		return nil, false, nil
	}
	value, ok := f.data[key]
	return value, ok, nil
}

// testNode is a fully wired single-node service under test. The ring
// holds only the local node, so replication and peer resolution are
// no-ops and every path exercises the local engine.
type testNode struct {
	server *httptest.Server
	cache  *cache.Cache
	txns   *txn.Manager
	bus    *event.Bus
}

type nodeOption func(*nodeConfig)

type nodeConfig struct {
	txns     *txn.Manager
	fallback *fakeStore
}

func withTxns(m *txn.Manager) nodeOption {
	return func(c *nodeConfig) { c.txns = m }
}

func withFallback(f *fakeStore) nodeOption {
	return func(c *nodeConfig) { c.fallback = f }
}

func newTestNode(t *testing.T, opts ...nodeOption) *testNode {
	t.Helper()

	cfg := &nodeConfig{
		txns:     txn.NewManager(time.Minute, zap.NewNop()),
		fallback: &fakeStore{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := zap.NewNop()
	bus := event.NewBus()
	c := cache.New(1<<20, time.Hour, bus, logger)

	r := ring.New(0)
	r.AddNode("localhost")

	peers := cluster.NewClient(time.Second)
	rep := replication.NewReplicator(r, peers, 2, "localhost", logger)
	res := replication.NewResolver(c, r, peers, cfg.fallback, rep, "localhost", logger)

	svc := New(c, cfg.txns, rep, res, bus, nil, auth.New(""), monitoring.NewMetrics(), logger)
	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)

	return &testNode{server: srv, cache: c, txns: cfg.txns, bus: bus}
}

// call posts a JSON body and decodes the JSON reply.
func (n *testNode) call(t *testing.T, path string, body, out interface{}, headers ...string) int {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, n.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := n.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

func TestPutGetRoundtrip(t *testing.T) {
	n := newTestNode(t)

	var putResp cluster.SuccessResponse
	status := n.call(t, "/v1/cache/put", cluster.PutRequest{Key: "a", Value: []byte{1, 2, 3}}, &putResp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, putResp.Success)

	var getResp cluster.ValueResponse
	status = n.call(t, "/v1/cache/get", cluster.KeyRequest{Key: "a"}, &getResp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, getResp.Found)
	assert.Equal(t, []byte{1, 2, 3}, getResp.Value)

	assert.Greater(t, n.cache.CurrentMemory(), int64(0))
}

func TestGetFallsThroughToFallback(t *testing.T) {
	n := newTestNode(t, withFallback(&fakeStore{data: map[string][]byte{"k": []byte("backing")}}))

	var resp cluster.ValueResponse
	n.call(t, "/v1/cache/get", cluster.KeyRequest{Key: "k"}, &resp)
	require.True(t, resp.Found)
	assert.Equal(t, []byte("backing"), resp.Value)

	// The fallback hit warmed the local cache.
	value, ok := n.cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("backing"), value)
}

func TestGetMiss(t *testing.T) {
	n := newTestNode(t)

	var resp cluster.ValueResponse
	status := n.call(t, "/v1/cache/get", cluster.KeyRequest{Key: "absent"}, &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, resp.Found)
}

func TestEvict(t *testing.T) {
	n := newTestNode(t)

	n.call(t, "/v1/cache/put", cluster.PutRequest{Key: "k", Value: []byte("v")}, nil)

	var resp cluster.SuccessResponse
	n.call(t, "/v1/cache/evict", cluster.KeyRequest{Key: "k"}, &resp)
	assert.True(t, resp.Success)

	_, ok := n.cache.Get("k")
	assert.False(t, ok)
}

func TestRefresh(t *testing.T) {
	n := newTestNode(t, withFallback(&fakeStore{data: map[string][]byte{"k": []byte("fresh")}}))

	// Stale local copy; refresh must overwrite from the fallback.
	require.NoError(t, n.cache.Put("k", []byte("stale"), 0))

	var resp cluster.ValueResponse
	n.call(t, "/v1/cache/refresh", cluster.KeyRequest{Key: "k"}, &resp)
	require.True(t, resp.Found)
	assert.Equal(t, []byte("fresh"), resp.Value)

	value, _ := n.cache.Get("k")
	assert.Equal(t, []byte("fresh"), value)
}

func TestBatchOperations(t *testing.T) {
	n := newTestNode(t)

	var putResp cluster.SuccessResponse
	n.call(t, "/v1/cache/batch/put", cluster.BatchPutRequest{Entries: []cluster.PutRequest{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2"), TTLSeconds: 3600},
	}}, &putResp)
	require.True(t, putResp.Success)

	var getResp cluster.BatchGetResponse
	n.call(t, "/v1/cache/batch/get", cluster.BatchGetRequest{Keys: []string{"a", "b", "missing"}}, &getResp)

	require.Len(t, getResp.Values, 3)
	assert.True(t, getResp.Values["a"].Found)
	assert.Equal(t, []byte("1"), getResp.Values["a"].Value)
	assert.True(t, getResp.Values["b"].Found)
	assert.False(t, getResp.Values["missing"].Found)
}

func TestTTLExpiryThroughSurface(t *testing.T) {
	n := newTestNode(t)

	// The wire encodes TTL in whole seconds; drive the engine directly
	// for a sub-second expiry.
	require.NoError(t, n.cache.Put("a", []byte{1}, 30*time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	var resp cluster.ValueResponse
	n.call(t, "/v1/cache/get", cluster.KeyRequest{Key: "a"}, &resp)
	assert.False(t, resp.Found)
}

func TestTransactionLifecycle(t *testing.T) {
	t.Run("begin returns id in message", func(t *testing.T) {
		n := newTestNode(t)

		var resp cluster.TransactionResponse
		status := n.call(t, "/v1/transaction/begin", cluster.TransactionRequest{}, &resp)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, resp.Success)
		assert.NotEmpty(t, resp.Message)
	})

	t.Run("rollback of transactional put removes the key", func(t *testing.T) {
		n := newTestNode(t)

		var begin cluster.TransactionResponse
		n.call(t, "/v1/transaction/begin", cluster.TransactionRequest{}, &begin)
		id := begin.Message

		n.call(t, "/v1/cache/put", cluster.PutRequest{Key: "x", Value: []byte("new")}, nil,
			TransactionHeader, id)

		// Applied immediately.
		value, ok := n.cache.Get("x")
		require.True(t, ok)
		require.Equal(t, []byte("new"), value)

		var rb cluster.TransactionResponse
		n.call(t, "/v1/transaction/rollback", cluster.TransactionRequest{TransactionID: id}, &rb)
		assert.True(t, rb.Success)

		// Key absent before begin, absent after rollback.
		_, ok = n.cache.Get("x")
		assert.False(t, ok)
	})

	t.Run("rollback of transactional evict restores prior state", func(t *testing.T) {
		n := newTestNode(t)
		require.NoError(t, n.cache.Put("x", []byte("original"), time.Hour))

		var begin cluster.TransactionResponse
		n.call(t, "/v1/transaction/begin", cluster.TransactionRequest{}, &begin)
		id := begin.Message

		n.call(t, "/v1/cache/evict", cluster.KeyRequest{Key: "x"}, nil, TransactionHeader, id)
		_, ok := n.cache.Get("x")
		require.False(t, ok)

		n.call(t, "/v1/transaction/rollback", cluster.TransactionRequest{TransactionID: id}, nil)

		value, ok := n.cache.Get("x")
		require.True(t, ok)
		assert.Equal(t, []byte("original"), value)
	})

	t.Run("rollback of evict of absent key is a no-op", func(t *testing.T) {
		n := newTestNode(t)

		var begin cluster.TransactionResponse
		n.call(t, "/v1/transaction/begin", cluster.TransactionRequest{}, &begin)
		id := begin.Message

		n.call(t, "/v1/cache/evict", cluster.KeyRequest{Key: "ghost"}, nil, TransactionHeader, id)
		n.call(t, "/v1/transaction/rollback", cluster.TransactionRequest{TransactionID: id}, nil)

		_, ok := n.cache.Get("ghost")
		assert.False(t, ok)
	})

	t.Run("commit keeps transactional writes", func(t *testing.T) {
		n := newTestNode(t)

		var begin cluster.TransactionResponse
		n.call(t, "/v1/transaction/begin", cluster.TransactionRequest{}, &begin)
		id := begin.Message

		n.call(t, "/v1/cache/put", cluster.PutRequest{Key: "x", Value: []byte("kept")}, nil,
			TransactionHeader, id)

		var commit cluster.TransactionResponse
		n.call(t, "/v1/transaction/commit", cluster.TransactionRequest{TransactionID: id}, &commit)
		assert.True(t, commit.Success)

		value, ok := n.cache.Get("x")
		require.True(t, ok)
		assert.Equal(t, []byte("kept"), value)
	})

	t.Run("commit and rollback of unknown id succeed silently", func(t *testing.T) {
		n := newTestNode(t)

		var resp cluster.TransactionResponse
		status := n.call(t, "/v1/transaction/commit", cluster.TransactionRequest{TransactionID: "unknown"}, &resp)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, resp.Success)

		status = n.call(t, "/v1/transaction/rollback", cluster.TransactionRequest{TransactionID: "unknown"}, &resp)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, resp.Success)
	})

	t.Run("begin answers 501 when transactions disabled", func(t *testing.T) {
		n := newTestNode(t, withTxns(txn.Disabled(zap.NewNop())))

		var resp cluster.TransactionResponse
		status := n.call(t, "/v1/transaction/begin", cluster.TransactionRequest{}, &resp)
		assert.Equal(t, http.StatusNotImplemented, status)
		assert.False(t, resp.Success)
	})
}

func TestMalformedBody(t *testing.T) {
	n := newTestNode(t)

	resp, err := n.server.Client().Post(n.server.URL+"/v1/cache/put", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	n := newTestNode(t)

	resp, err := n.server.Client().Get(n.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenEvents(t *testing.T) {
	t.Run("streams mutations as ndjson", func(t *testing.T) {
		n := newTestNode(t)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.server.URL+"/v1/events", nil)
		require.NoError(t, err)
		resp, err := n.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		// Mutate after the stream is open.
		n.call(t, "/v1/cache/put", cluster.PutRequest{Key: "streamed", Value: []byte("v")}, nil)
		n.call(t, "/v1/cache/evict", cluster.KeyRequest{Key: "streamed"}, nil)

		reader := bufio.NewReader(resp.Body)
		var events []cluster.EventResponse
		for len(events) < 2 {
			line, err := reader.ReadBytes('\n')
			require.NoError(t, err)
			var ev cluster.EventResponse
			require.NoError(t, json.Unmarshal(line, &ev))
			events = append(events, ev)
		}

		assert.Equal(t, "put", events[0].EventType)
		assert.Equal(t, "streamed", events[0].Entry.Key)
		assert.Equal(t, "evict", events[1].EventType)
	})

	t.Run("type filter drops unwanted events", func(t *testing.T) {
		n := newTestNode(t)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.server.URL+"/v1/events?types=evict", nil)
		require.NoError(t, err)
		resp, err := n.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		n.call(t, "/v1/cache/put", cluster.PutRequest{Key: "k", Value: []byte("v")}, nil)
		n.call(t, "/v1/cache/evict", cluster.KeyRequest{Key: "k"}, nil)

		reader := bufio.NewReader(resp.Body)
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)

		var ev cluster.EventResponse
		require.NoError(t, json.Unmarshal(line, &ev))
		assert.Equal(t, "evict", ev.EventType)
		assert.Equal(t, "k", ev.Entry.Key)
	})
}

func TestAuthGate(t *testing.T) {
	// A node with auth enabled rejects bare requests and accepts signed
	// ones; detailed token semantics live in the auth package tests.
	logger := zap.NewNop()
	bus := event.NewBus()
	c := cache.New(1<<20, time.Hour, bus, logger)
	r := ring.New(0)
	r.AddNode("localhost")
	peers := cluster.NewClient(time.Second)
	rep := replication.NewReplicator(r, peers, 2, "localhost", logger)
	res := replication.NewResolver(c, r, peers, &fakeStore{}, rep, "localhost", logger)

	svc := New(c, txn.NewManager(time.Minute, logger), rep, res, bus, nil,
		auth.New("secret"), monitoring.NewMetrics(), logger)
	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	body := bytes.NewReader([]byte(`{"key":"k"}`))
	resp, err := srv.Client().Post(srv.URL+"/v1/cache/get", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open for probes.
	health, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
