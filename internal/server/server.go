// Package server implements the node's RPC surface: it translates wire
// messages into cache, transaction, and resolver calls, and streams
// mutation events to subscribers.
//
// The surface is JSON over HTTP. Every cache method is a POST with a JSON
// body mirroring the wire types in internal/cluster; the event stream is
// newline-delimited JSON on a flushed response. Authentication, when
// configured, gates everything under /v1.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pothiq1/distributed-cache-sidecar/internal/auth"
	"github.com/pothiq1/distributed-cache-sidecar/internal/cache"
	"github.com/pothiq1/distributed-cache-sidecar/internal/event"
	"github.com/pothiq1/distributed-cache-sidecar/internal/monitoring"
	"github.com/pothiq1/distributed-cache-sidecar/internal/replication"
	"github.com/pothiq1/distributed-cache-sidecar/internal/search"
	"github.com/pothiq1/distributed-cache-sidecar/internal/txn"
)

// TransactionHeader carries the transaction id a mutating request runs
// under. Requests without it mutate the cache directly.
const TransactionHeader = "X-Transaction-Id"

// Server owns the RPC handlers and their collaborators.
type Server struct {
	cache      *cache.Cache
	txns       *txn.Manager
	replicator *replication.Replicator
	resolver   *replication.Resolver
	bus        *event.Bus
	index      *search.Index
	auth       *auth.Authenticator
	metrics    *monitoring.Metrics
	logger     *zap.Logger
}

// New wires the RPC surface. index may be nil to disable value indexing.
func New(
	c *cache.Cache,
	txns *txn.Manager,
	rep *replication.Replicator,
	res *replication.Resolver,
	bus *event.Bus,
	index *search.Index,
	authn *auth.Authenticator,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Server {
	return &Server{
		cache:      c,
		txns:       txns,
		replicator: rep,
		resolver:   res,
		bus:        bus,
		index:      index,
		auth:       authn,
		metrics:    metrics,
		logger:     logger,
	}
}

// Routes builds the node's router. The health endpoint stays outside the
// auth gate so peers and the platform can probe liveness.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/cache/get", s.handleGet)
		r.Post("/cache/put", s.handlePut)
		r.Post("/cache/evict", s.handleEvict)
		r.Post("/cache/refresh", s.handleRefresh)
		r.Post("/cache/batch/get", s.handleBatchGet)
		r.Post("/cache/batch/put", s.handleBatchPut)

		r.Post("/transaction/begin", s.handleBeginTransaction)
		r.Post("/transaction/commit", s.handleCommitTransaction)
		r.Post("/transaction/rollback", s.handleRollbackTransaction)

		r.Get("/events", s.handleListenEvents)
	})

	return r
}

// HTTPServer wraps the routes in a server with the node's timeouts. The
// event stream is long-lived, so no write timeout is set.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// decode parses the request body into v, replying 400 on malformed JSON.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
