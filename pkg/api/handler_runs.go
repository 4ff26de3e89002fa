package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/incidentfox/incidentfox/pkg/models"
)

// listRunsHandler handles GET /api/v1/runs.
func (s *Server) listRunsHandler(c *echo.Context) error {
	filters := models.RunFilters{
		Limit: 25,
	}

	filters.Org = c.QueryParam("org")
	filters.Team = c.QueryParam("team")
	filters.AgentName = c.QueryParam("agent_name")

	if v := c.QueryParam("status"); v != "" {
		switch models.AgentRunStatus(v) {
		case models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusTimeout:
			filters.Status = models.AgentRunStatus(v)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: must be running, completed, failed, or timeout")
		}
	}

	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: must be RFC3339")
		}
		filters.Since = &t
	}

	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			filters.Limit = n
		} else {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-100")
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		} else {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset: must be >= 0")
		}
	}

	result, err := s.runs.ListRuns(c.Request().Context(), filters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	detail, err := s.runs.GetRunDetail(c.Request().Context(), runID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

// createFeedbackHandler handles POST /api/v1/runs/:id/feedback.
func (s *Server) createFeedbackHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	var req models.CreateFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	fb, err := s.feedback.Create(c.Request().Context(), runID, req)
	if err != nil {
		return mapBodyError(err)
	}
	return c.JSON(http.StatusCreated, fb)
}

// interruptRunHandler handles POST /api/v1/runs/:id/interrupt. The
// request is acknowledged once the live session has been signalled;
// the run settles asynchronously with a result(subtype="interrupted").
func (s *Server) interruptRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session control not available on this instance")
	}

	if err := s.sessions.Interrupt(runID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &RunControlResponse{
		RunID:   runID,
		Message: "interrupt requested",
	})
}

// answerRunHandler handles POST /api/v1/runs/:id/answer.
func (s *Server) answerRunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session control not available on this instance")
	}

	var req models.ProvideAnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Answers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "answers are required")
	}

	if err := s.sessions.Answer(runID, req.Answers); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &RunControlResponse{
		RunID:   runID,
		Message: "answers delivered",
	})
}
