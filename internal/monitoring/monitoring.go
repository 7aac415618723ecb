// Package monitoring exposes the node's operational surface: prometheus
// metrics, cache statistics, ring membership, selected configuration, and
// the value-text search, on a listener separate from the RPC surface so
// operators can scrape without auth.
package monitoring

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pothiq1/distributed-cache-sidecar/internal/cache"
	"github.com/pothiq1/distributed-cache-sidecar/internal/config"
	"github.com/pothiq1/distributed-cache-sidecar/internal/ring"
	"github.com/pothiq1/distributed-cache-sidecar/internal/search"
)

// Metrics holds the node's prometheus instruments. The RPC surface
// increments the counters; the gauges are refreshed at scrape time.
type Metrics struct {
	Registry *prometheus.Registry

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	MemoryUsage prometheus.Gauge
	EntryCount  prometheus.Gauge
}

// NewMetrics builds a fresh registry with the node's instruments.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits",
			Help: "Number of cache hits",
		}, []string{"method"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses",
			Help: "Number of cache misses",
		}, []string{"method"}),
		MemoryUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cache_memory_bytes",
			Help: "Compressed bytes accounted to live entries",
		}),
		EntryCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Number of live entries",
		}),
	}
}

// Server is the monitoring HTTP surface.
type Server struct {
	metrics *Metrics
	cache   *cache.Cache
	ring    *ring.Ring
	index   *search.Index
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer wires the monitoring handlers. index may be nil when the
// search index is disabled.
func NewServer(m *Metrics, c *cache.Cache, r *ring.Ring, idx *search.Index, cfg config.Config, logger *zap.Logger) *Server {
	return &Server{metrics: m, cache: c, ring: r, index: idx, cfg: cfg, logger: logger}
}

// Routes builds the monitoring router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())
	r.Get("/stats", s.handleStats)
	r.Get("/nodes", s.handleNodes)
	r.Get("/config", s.handleConfig)
	r.Get("/search", s.handleSearch)
	return r
}

// metricsHandler refreshes the gauges then serves the registry.
func (s *Server) metricsHandler() http.Handler {
	inner := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.MemoryUsage.Set(float64(s.cache.CurrentMemory()))
		s.metrics.EntryCount.Set(float64(s.cache.Len()))
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"memory_usage": s.cache.CurrentMemory(),
		"max_memory":   s.cache.MaxMemory(),
		"entry_count":  s.cache.Len(),
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ring.GetAllNodes())
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	// Secrets and key material stay out of this view.
	writeJSON(w, map[string]interface{}{
		"max_memory":          s.cfg.MaxMemory,
		"default_ttl_seconds": int64(s.cfg.DefaultTTL.Seconds()),
		"replication_factor":  s.cfg.ReplicationFactor,
		"local_address":       s.cfg.LocalAddress,
		"enable_transactions": s.cfg.EnableTransactions,
	})
}

// handleSearch queries the value-text index: GET /search?q=<query>.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, `missing "q" parameter`, http.StatusBadRequest)
		return
	}
	if s.index == nil {
		writeJSON(w, map[string]interface{}{"keys": []string{}})
		return
	}

	keys, err := s.index.Search(query)
	if err != nil {
		s.logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, map[string]interface{}{"keys": keys})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
