package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/incidentfox/incidentfox/pkg/models"
)

// provisionRunIDHeader carries the provisioning run id on every
// provision response, success or failure, so callers can poll the run
// even when a step failed.
const provisionRunIDHeader = "X-IncidentFox-Provisioning-Run-Id"

// provisionTeamHandler handles POST /api/v1/admin/provision/team.
func (s *Server) provisionTeamHandler(c *echo.Context) error {
	var req models.ProvisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := s.provisioner.ProvisionTeam(c.Request().Context(), extractAdminToken(c), &req)
	if resp != nil && resp.RunID != "" {
		c.Response().Header().Set(provisionRunIDHeader, resp.RunID)
	}
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// getProvisionRunHandler handles GET /api/v1/admin/provision/runs/:id.
func (s *Server) getProvisionRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	run, err := s.provisioner.GetProvisionRun(c.Request().Context(), extractAdminToken(c), runID)
	if err != nil {
		return mapServiceError(err)
	}
	c.Response().Header().Set(provisionRunIDHeader, run.ID)
	return c.JSON(http.StatusOK, run)
}

// deprovisionTeamHandler handles POST /api/v1/admin/deprovision/team.
func (s *Server) deprovisionTeamHandler(c *echo.Context) error {
	var req models.DeprovisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := s.provisioner.DeprovisionTeam(c.Request().Context(), extractAdminToken(c), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// syncCronJobsHandler handles POST /api/v1/admin/teams/sync-cronjobs.
func (s *Server) syncCronJobsHandler(c *echo.Context) error {
	result, err := s.provisioner.SyncCronJobs(c.Request().Context(), extractAdminToken(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// triggerPipelineHandler handles POST /api/v1/admin/pipeline/trigger.
func (s *Server) triggerPipelineHandler(c *echo.Context) error {
	var req TriggerPipelineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Org == "" || req.Team == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "org and team are required")
	}

	jobName, err := s.provisioner.TriggerPipeline(c.Request().Context(), extractAdminToken(c), req.Org, req.Team)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &TriggerResponse{JobName: jobName, Org: req.Org, Team: req.Team})
}

// runAgentHandler handles POST /api/v1/admin/agents/run.
func (s *Server) runAgentHandler(c *echo.Context) error {
	var req models.RunAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp, err := s.provisioner.RunAgentAdmin(c.Request().Context(), extractAdminToken(c), &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, resp)
}
