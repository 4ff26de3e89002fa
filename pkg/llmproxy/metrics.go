package llmproxy

import (
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "incidentfox",
		Subsystem: "proxy",
		Name:      "upstream_requests_total",
		Help:      "Upstream LLM requests by provider and status.",
	}, []string{"provider", "status"})

	upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "incidentfox",
		Subsystem: "proxy",
		Name:      "upstream_duration_seconds",
		Help:      "Upstream LLM request latency by provider.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})
)

// metricsHandler serves the Prometheus exposition endpoint.
func (s *Server) metricsHandler(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
