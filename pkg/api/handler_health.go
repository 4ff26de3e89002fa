package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/incidentfox/incidentfox/pkg/version"
)

// healthHandler handles GET /health. Reports degraded with 503 when
// the audit store is unreachable so orchestrators restart the pod.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{
		Status:  "healthy",
		Version: version.Full(),
	}
	if s.db == nil {
		return c.JSON(http.StatusOK, resp)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.db.Health(ctx)
	resp.Database = dbHealth
	if err != nil {
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
