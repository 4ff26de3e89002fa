package ragcache

import (
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	treesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "incidentfox",
		Subsystem: "rag",
		Name:      "trees_loaded",
		Help:      "Trees currently resident in the cache.",
	})

	cacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "incidentfox",
		Subsystem: "rag",
		Name:      "cache_bytes",
		Help:      "Estimated bytes of all resident trees.",
	})

	treeEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "incidentfox",
		Subsystem: "rag",
		Name:      "tree_evictions_total",
		Help:      "Trees evicted to satisfy the cache limits.",
	})

	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "incidentfox",
		Subsystem: "rag",
		Name:      "queries_total",
		Help:      "Retrieval queries by operation and status.",
	}, []string{"operation", "status"})
)

// metricsHandler serves the Prometheus exposition endpoint.
func (s *Server) metricsHandler(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
