package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/orchestrator"
)

// routingLookupHandler handles POST /api/v1/routing/lookup.
func (s *Server) routingLookupHandler(c *echo.Context) error {
	var req models.RoutingLookupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := s.router.Lookup(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// alertWebhookHandler handles POST /api/v1/webhooks/alert. The alert's
// identifiers are resolved through the routing index; a match
// dispatches an agent run for the owning team, no match is a 404.
func (s *Server) alertWebhookHandler(c *echo.Context) error {
	var alert models.AlertWebhook
	if err := c.Bind(&alert); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if alert.Summary == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "summary is required")
	}
	if len(alert.Identifiers) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "at least one identifier is required")
	}

	route, err := s.router.Lookup(c.Request().Context(), models.RoutingLookupRequest{
		Identifiers: alert.Identifiers,
	})
	if err != nil {
		return mapBodyError(err)
	}
	if !route.Found {
		return echo.NewHTTPError(http.StatusNotFound, "no team matched the alert identifiers")
	}

	trigger := models.RunTrigger{
		Source:  alert.Source,
		Actor:   alert.Actor,
		Message: alert.Summary,
		Channel: alert.Channel,
	}
	if trigger.Source == "" {
		trigger.Source = "webhook"
	}

	resp, err := s.provisioner.StartAgentRun(c.Request().Context(), orchestrator.StartRunInput{
		Org:           route.Org,
		Team:          route.Team,
		CorrelationID: alert.CorrelationID,
		Trigger:       trigger,
		Prompt:        alert.Summary,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &WebhookAckResponse{
		RunID:     resp.RunID,
		Status:    string(resp.Status),
		Org:       route.Org,
		Team:      route.Team,
		MatchedBy: route.MatchedBy,
	})
}
