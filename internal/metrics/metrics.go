// Package metrics defines the Prometheus instruments exported by repomap.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repomap_cache_hits_total",
		Help: "Total number of parse cache lookups served from the cache.",
	})

	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repomap_cache_misses_total",
		Help: "Total number of parse cache lookups that required extraction.",
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repomap_cache_entries",
		Help: "Current number of files held in the parse cache.",
	})

	ParsingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repomap_parsing_seconds",
		Help:    "Time spent extracting tags from a source file.",
		Buckets: prometheus.DefBuckets,
	}, []string{"language"})

	GraphNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repomap_graph_nodes",
		Help: "Number of files in the last ranked dependency graph.",
	})

	GraphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repomap_graph_edges",
		Help: "Number of weighted edges in the last ranked dependency graph.",
	})

	PageRankIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repomap_pagerank_iterations",
		Help:    "Iterations PageRank ran before converging or hitting the cap.",
		Buckets: []float64{5, 10, 20, 40, 60, 80, 100},
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repomap_request_seconds",
		Help:    "Time spent serving an engine request.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	FitProbes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repomap_fit_probes",
		Help:    "Render probes used by the token-budget bisection.",
		Buckets: []float64{1, 2, 4, 8, 16, 32},
	})

	MapTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repomap_map_tokens",
		Help: "Token count of the last rendered repository map.",
	})

	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repomap_watcher_events_total",
		Help: "Total number of file system events received by the watcher.",
	})
)

// ObserveRequest records the duration of an engine operation started at start.
func ObserveRequest(operation string, start time.Time) {
	RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry at /metrics.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Server exposes /metrics over HTTP.
type Server struct {
	addr   string
	server *http.Server
	logger *slog.Logger
}

// NewServer returns a metrics server that will listen on addr.
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, logger: logger}
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("metrics server starting", "addr", s.addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
