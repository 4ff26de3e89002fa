package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/database"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/orchestrator"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeProvisioner struct {
	provisionResp *models.ProvisionResponse
	provisionErr  error
	run           *models.ProvisioningRun
	deprovResp    *models.DeprovisionResponse
	syncResult    *models.CronSyncResult
	jobName       string
	agentResp     *models.RunAgentResponse
	agentErr      error

	lastToken   string
	lastRequest *models.ProvisionRequest
	started     []string
}

func (f *fakeProvisioner) ProvisionTeam(_ context.Context, token string, req *models.ProvisionRequest) (*models.ProvisionResponse, error) {
	f.lastToken = token
	f.lastRequest = req
	return f.provisionResp, f.provisionErr
}

func (f *fakeProvisioner) GetProvisionRun(_ context.Context, token, runID string) (*models.ProvisioningRun, error) {
	f.lastToken = token
	if f.run == nil || f.run.ID != runID {
		return nil, services.ErrNotFound
	}
	return f.run, nil
}

func (f *fakeProvisioner) DeprovisionTeam(_ context.Context, token string, _ *models.DeprovisionRequest) (*models.DeprovisionResponse, error) {
	f.lastToken = token
	return f.deprovResp, nil
}

func (f *fakeProvisioner) SyncCronJobs(_ context.Context, token string) (*models.CronSyncResult, error) {
	f.lastToken = token
	return f.syncResult, nil
}

func (f *fakeProvisioner) TriggerPipeline(_ context.Context, token, org, team string) (string, error) {
	f.lastToken = token
	if f.jobName == "" {
		return "", fmt.Errorf("kubernetes: %w", services.ErrUnavailable)
	}
	return f.jobName, nil
}

func (f *fakeProvisioner) RunAgentAdmin(_ context.Context, token string, _ *models.RunAgentRequest) (*models.RunAgentResponse, error) {
	f.lastToken = token
	return f.agentResp, f.agentErr
}

func (f *fakeProvisioner) StartAgentRun(_ context.Context, input orchestrator.StartRunInput) (*models.RunAgentResponse, error) {
	f.started = append(f.started, input.Org+"/"+input.Team+": "+input.Prompt)
	if f.agentErr != nil {
		return nil, f.agentErr
	}
	return f.agentResp, nil
}

type fakeRouter struct {
	resp *models.RoutingLookupResponse
	err  error
}

func (f *fakeRouter) Lookup(context.Context, models.RoutingLookupRequest) (*models.RoutingLookupResponse, error) {
	return f.resp, f.err
}

type fakeRunReader struct {
	detail *models.RunDetail
	list   *models.RunListResponse

	lastFilters models.RunFilters
}

func (f *fakeRunReader) GetRunDetail(_ context.Context, id string) (*models.RunDetail, error) {
	if f.detail == nil || f.detail.Run.ID != id {
		return nil, services.ErrNotFound
	}
	return f.detail, nil
}

func (f *fakeRunReader) ListRuns(_ context.Context, filters models.RunFilters) (*models.RunListResponse, error) {
	f.lastFilters = filters
	return f.list, nil
}

type fakeFeedback struct {
	created *models.Feedback
	err     error
}

func (f *fakeFeedback) Create(_ context.Context, runID string, req models.CreateFeedbackRequest) (*models.Feedback, error) {
	if f.err != nil {
		return nil, f.err
	}
	fb := *f.created
	fb.RunID = runID
	fb.FeedbackType = req.FeedbackType
	return &fb, nil
}

type fakeSessions struct {
	interruptErr error
	answerErr    error
	interrupted  []string
	answers      map[string]map[string]string
}

func (f *fakeSessions) Interrupt(runID string) error {
	if f.interruptErr != nil {
		return f.interruptErr
	}
	f.interrupted = append(f.interrupted, runID)
	return nil
}

func (f *fakeSessions) Answer(runID string, answers map[string]string) error {
	if f.answerErr != nil {
		return f.answerErr
	}
	if f.answers == nil {
		f.answers = map[string]map[string]string{}
	}
	f.answers[runID] = answers
	return nil
}

type fakeHealth struct {
	err error
}

func (f *fakeHealth) Health(context.Context) (*database.HealthStatus, error) {
	if f.err != nil {
		return &database.HealthStatus{Status: "unhealthy"}, f.err
	}
	return &database.HealthStatus{Status: "healthy", TotalConns: 4}, nil
}

type apiHarness struct {
	provisioner *fakeProvisioner
	router      *fakeRouter
	runs        *fakeRunReader
	feedback    *fakeFeedback
	sessions    *fakeSessions
	health      *fakeHealth
	server      *Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		provisioner: &fakeProvisioner{},
		router:      &fakeRouter{},
		runs:        &fakeRunReader{},
		feedback:    &fakeFeedback{},
		sessions:    &fakeSessions{},
		health:      &fakeHealth{},
	}
	cfg := &config.ServerConfig{Host: "127.0.0.1", Port: 8080}
	h.server = NewServer(cfg, h.health, h.provisioner, h.router, h.runs, h.feedback)
	h.server.SetSessionController(h.sessions)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

var adminHeader = map[string]string{"Authorization": "Bearer admin-token"}

// ---------------------------------------------------------------------------
// Provisioning endpoints
// ---------------------------------------------------------------------------

func TestProvisionTeamHandler(t *testing.T) {
	t.Run("success returns response with run id header", func(t *testing.T) {
		h := newAPIHarness(t)
		h.provisioner.provisionResp = &models.ProvisionResponse{
			RunID:     "run-1",
			Status:    models.ProvisioningSucceeded,
			TeamToken: "ifx-secret",
		}

		rec := h.do(t, http.MethodPost, "/api/v1/admin/provision/team",
			`{"org":"acme","team":"payments","channel_ids":["C1"]}`, adminHeader)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "run-1", rec.Header().Get("X-IncidentFox-Provisioning-Run-Id"))
		assert.Equal(t, "admin-token", h.provisioner.lastToken)
		require.NotNil(t, h.provisioner.lastRequest)
		assert.Equal(t, "acme", h.provisioner.lastRequest.Org)

		var resp models.ProvisionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ifx-secret", resp.TeamToken)
	})

	t.Run("upstream failure maps to 502 and keeps run id header", func(t *testing.T) {
		h := newAPIHarness(t)
		h.provisioner.provisionResp = &models.ProvisionResponse{
			RunID:  "run-2",
			Status: models.ProvisioningFailed,
		}
		h.provisioner.provisionErr = fmt.Errorf("provisioning step config_patch: %w", services.ErrUpstream)

		rec := h.do(t, http.MethodPost, "/api/v1/admin/provision/team",
			`{"org":"acme","team":"payments"}`, adminHeader)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "run-2", rec.Header().Get("X-IncidentFox-Provisioning-Run-Id"),
			"failed provisioning must still expose the run id")
	})

	t.Run("auth failures map to 401 and 403", func(t *testing.T) {
		h := newAPIHarness(t)
		h.provisioner.provisionErr = services.ErrUnauthorized
		rec := h.do(t, http.MethodPost, "/api/v1/admin/provision/team", `{"org":"a","team":"b"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Header().Get("X-IncidentFox-Provisioning-Run-Id"))

		h.provisioner.provisionErr = services.ErrForbidden
		rec = h.do(t, http.MethodPost, "/api/v1/admin/provision/team", `{"org":"a","team":"b"}`, adminHeader)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("quota maps to 403", func(t *testing.T) {
		h := newAPIHarness(t)
		h.provisioner.provisionErr = services.ErrQuotaExceeded
		rec := h.do(t, http.MethodPost, "/api/v1/admin/provision/team", `{"org":"a","team":"b"}`, adminHeader)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "quota")
	})

	t.Run("validation maps to 400", func(t *testing.T) {
		h := newAPIHarness(t)
		h.provisioner.provisionErr = services.NewValidationError("team", "is required")
		rec := h.do(t, http.MethodPost, "/api/v1/admin/provision/team", `{"org":"a"}`, adminHeader)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("X-Admin-Token header is accepted", func(t *testing.T) {
		h := newAPIHarness(t)
		h.provisioner.provisionResp = &models.ProvisionResponse{RunID: "r", Status: models.ProvisioningSucceeded}
		rec := h.do(t, http.MethodPost, "/api/v1/admin/provision/team",
			`{"org":"a","team":"b"}`, map[string]string{"X-Admin-Token": "legacy-token"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "legacy-token", h.provisioner.lastToken)
	})
}

func TestGetProvisionRunHandler(t *testing.T) {
	h := newAPIHarness(t)
	h.provisioner.run = &models.ProvisioningRun{
		ID:     "run-9",
		OrgID:  "acme",
		Status: models.ProvisioningSucceeded,
		Steps: map[string]models.StepResult{
			"team_token": {OK: true, Details: "minted token tok-1"},
		},
	}

	rec := h.do(t, http.MethodGet, "/api/v1/admin/provision/runs/run-9", "", adminHeader)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-9", rec.Header().Get("X-IncidentFox-Provisioning-Run-Id"))

	var run models.ProvisioningRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, models.ProvisioningSucceeded, run.Status)

	rec = h.do(t, http.MethodGet, "/api/v1/admin/provision/runs/missing", "", adminHeader)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeprovisionTeamHandler(t *testing.T) {
	h := newAPIHarness(t)
	h.provisioner.deprovResp = &models.DeprovisionResponse{
		Org: "acme", Team: "payments", DryRun: true,
		Resources: map[string]string{"cronjob/ifox-acme-payments-pipeline": "would_delete"},
	}

	rec := h.do(t, http.MethodPost, "/api/v1/admin/deprovision/team",
		`{"org":"acme","team":"payments","delete_k8s_resources":true,"dry_run":true}`, adminHeader)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "would_delete")
}

func TestSyncCronJobsHandler(t *testing.T) {
	h := newAPIHarness(t)
	h.provisioner.syncResult = &models.CronSyncResult{Created: 2, Updated: 1, Deleted: 1, Failed: []string{"acme/ghost: entity not found"}}

	rec := h.do(t, http.MethodPost, "/api/v1/admin/teams/sync-cronjobs", "", adminHeader)
	assert.Equal(t, http.StatusOK, rec.Code)

	var result models.CronSyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Created)
	assert.Len(t, result.Failed, 1)
}

func TestTriggerPipelineHandler(t *testing.T) {
	t.Run("creates a one-off job", func(t *testing.T) {
		h := newAPIHarness(t)
		h.provisioner.jobName = "ifox-acme-payments-pipeline-manual-20260825120000"

		rec := h.do(t, http.MethodPost, "/api/v1/admin/pipeline/trigger",
			`{"org":"acme","team":"payments"}`, adminHeader)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "manual-")
	})

	t.Run("kubernetes down maps to 503", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/admin/pipeline/trigger",
			`{"org":"acme","team":"payments"}`, adminHeader)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("missing org rejected before service", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/admin/pipeline/trigger", `{"team":"payments"}`, adminHeader)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRunAgentHandler(t *testing.T) {
	h := newAPIHarness(t)
	h.provisioner.agentResp = &models.RunAgentResponse{RunID: "ar-1", Status: models.RunStatusRunning}

	rec := h.do(t, http.MethodPost, "/api/v1/admin/agents/run",
		`{"org":"acme","team":"payments","prompt":"investigate"}`, adminHeader)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ar-1")

	h.provisioner.agentResp = nil
	h.provisioner.agentErr = fmt.Errorf("impersonation token: %w", services.ErrUpstream)
	rec = h.do(t, http.MethodPost, "/api/v1/admin/agents/run",
		`{"org":"acme","team":"payments","prompt":"investigate"}`, adminHeader)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// ---------------------------------------------------------------------------
// Routing + webhook
// ---------------------------------------------------------------------------

func TestRoutingLookupHandler(t *testing.T) {
	h := newAPIHarness(t)
	h.router.resp = &models.RoutingLookupResponse{
		Found: true, Org: "acme", Team: "payments",
		MatchedBy: "slack_channel_ids", MatchedValue: "C123",
		Tried: []string{"slack_channel_ids"},
	}

	rec := h.do(t, http.MethodPost, "/api/v1/routing/lookup",
		`{"identifiers":{"slack_channel_ids":"C123"}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp models.RoutingLookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Found)
	assert.Equal(t, "slack_channel_ids", resp.MatchedBy)
}

func TestAlertWebhookHandler(t *testing.T) {
	t.Run("match dispatches a run", func(t *testing.T) {
		h := newAPIHarness(t)
		h.router.resp = &models.RoutingLookupResponse{Found: true, Org: "acme", Team: "payments", MatchedBy: "pagerduty_service_ids"}
		h.provisioner.agentResp = &models.RunAgentResponse{RunID: "ar-7", Status: models.RunStatusRunning}

		rec := h.do(t, http.MethodPost, "/api/v1/webhooks/alert",
			`{"source":"pagerduty","summary":"checkout 5xx spike","identifiers":{"pagerduty_service_ids":"PD1"}}`, nil)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		var ack WebhookAckResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		assert.Equal(t, "ar-7", ack.RunID)
		assert.Equal(t, "acme", ack.Org)
		require.Len(t, h.provisioner.started, 1)
		assert.Contains(t, h.provisioner.started[0], "checkout 5xx spike")
	})

	t.Run("no match is 404", func(t *testing.T) {
		h := newAPIHarness(t)
		h.router.resp = &models.RoutingLookupResponse{Found: false, Tried: []string{"slack_channel_ids"}}

		rec := h.do(t, http.MethodPost, "/api/v1/webhooks/alert",
			`{"source":"slack","summary":"oops","identifiers":{"slack_channel_ids":"C404"}}`, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, h.provisioner.started)
	})

	t.Run("missing summary is 422", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/webhooks/alert",
			`{"source":"slack","identifiers":{"slack_channel_ids":"C1"}}`, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("missing identifiers is 422", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/webhooks/alert",
			`{"source":"slack","summary":"oops"}`, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func TestListRunsHandler(t *testing.T) {
	t.Run("defaults and filters", func(t *testing.T) {
		h := newAPIHarness(t)
		h.runs.list = &models.RunListResponse{Runs: []*models.AgentRun{}, TotalCount: 0, Limit: 25}

		rec := h.do(t, http.MethodGet, "/api/v1/runs?org=acme&status=completed&limit=10", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "acme", h.runs.lastFilters.Org)
		assert.Equal(t, models.RunStatusCompleted, h.runs.lastFilters.Status)
		assert.Equal(t, 10, h.runs.lastFilters.Limit)
	})

	t.Run("validation failures", func(t *testing.T) {
		h := newAPIHarness(t)
		h.runs.list = &models.RunListResponse{}

		for _, tt := range []struct {
			name  string
			query string
			msg   string
		}{
			{"invalid status", "status=bogus", "invalid status"},
			{"invalid since", "since=yesterday", "invalid since"},
			{"limit too large", "limit=101", "invalid limit"},
			{"negative offset", "offset=-1", "invalid offset"},
		} {
			t.Run(tt.name, func(t *testing.T) {
				rec := h.do(t, http.MethodGet, "/api/v1/runs?"+tt.query, "", nil)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Contains(t, rec.Body.String(), tt.msg)
			})
		}
	})
}

func TestGetRunHandler(t *testing.T) {
	h := newAPIHarness(t)
	h.runs.detail = &models.RunDetail{
		Run:       &models.AgentRun{ID: "ar-3", Org: "acme", Team: "payments", Status: models.RunStatusCompleted},
		ToolCalls: []*models.ToolCall{{ID: "tc-1", RunID: "ar-3", ToolName: "kubectl_describe", SequenceNumber: 1}},
	}

	rec := h.do(t, http.MethodGet, "/api/v1/runs/ar-3", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kubectl_describe")

	rec = h.do(t, http.MethodGet, "/api/v1/runs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateFeedbackHandler(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		h := newAPIHarness(t)
		h.feedback.created = &models.Feedback{ID: "fb-1"}

		rec := h.do(t, http.MethodPost, "/api/v1/runs/ar-1/feedback",
			`{"feedback_type":"positive","source":"slack"}`, nil)
		assert.Equal(t, http.StatusCreated, rec.Code)

		var fb models.Feedback
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fb))
		assert.Equal(t, "ar-1", fb.RunID)
		assert.Equal(t, models.FeedbackPositive, fb.FeedbackType)
	})

	t.Run("unknown run is 404", func(t *testing.T) {
		h := newAPIHarness(t)
		h.feedback.err = services.ErrNotFound
		rec := h.do(t, http.MethodPost, "/api/v1/runs/missing/feedback",
			`{"feedback_type":"positive","source":"slack"}`, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid feedback type is 422", func(t *testing.T) {
		h := newAPIHarness(t)
		h.feedback.err = services.NewValidationError("feedback_type", "must be positive or negative")
		rec := h.do(t, http.MethodPost, "/api/v1/runs/ar-1/feedback",
			`{"feedback_type":"meh","source":"slack"}`, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestInterruptRunHandler(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/runs/ar-1/interrupt", "", nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{"ar-1"}, h.sessions.interrupted)
	})

	t.Run("no live session is 404", func(t *testing.T) {
		h := newAPIHarness(t)
		h.sessions.interruptErr = services.ErrNotFound
		rec := h.do(t, http.MethodPost, "/api/v1/runs/ar-1/interrupt", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("no controller is 503", func(t *testing.T) {
		h := newAPIHarness(t)
		h.server.sessions = nil
		rec := h.do(t, http.MethodPost, "/api/v1/runs/ar-1/interrupt", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestAnswerRunHandler(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/runs/ar-1/answer",
			`{"answers":{"Which cluster?":"prod-east"}}`, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "prod-east", h.sessions.answers["ar-1"]["Which cluster?"])
	})

	t.Run("no pending question is 409", func(t *testing.T) {
		h := newAPIHarness(t)
		h.sessions.answerErr = services.ErrConcurrentModification
		rec := h.do(t, http.MethodPost, "/api/v1/runs/ar-1/answer",
			`{"answers":{"q":"a"}}`, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("empty answers is 400", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/runs/ar-1/answer", `{"answers":{}}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// ---------------------------------------------------------------------------
// Health + middleware
// ---------------------------------------------------------------------------

func TestHealthHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		require.NotNil(t, resp.Database)
		assert.Equal(t, int32(4), resp.Database.TotalConns)
	})

	t.Run("database down is 503", func(t *testing.T) {
		h := newAPIHarness(t)
		h.health.err = fmt.Errorf("connection refused")
		rec := h.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "unhealthy")
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("request id assigned and echoed", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodGet, "/health", "", nil)
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

		rec = h.do(t, http.MethodGet, "/health", "", map[string]string{"X-Request-Id": "req-abc"})
		assert.Equal(t, "req-abc", rec.Header().Get("X-Request-Id"))
	})

	t.Run("security headers set", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})

	t.Run("cors preflight for configured origin", func(t *testing.T) {
		cfg := &config.ServerConfig{CORSOrigins: []string{"https://app.incidentfox.ai"}}
		s := NewServer(cfg, &fakeHealth{}, &fakeProvisioner{}, &fakeRouter{}, &fakeRunReader{}, &fakeFeedback{})

		req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
		req.Header.Set("Origin", "https://app.incidentfox.ai")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://app.incidentfox.ai", rec.Header().Get("Access-Control-Allow-Origin"))

		req = httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec = httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("metrics endpoint when enabled", func(t *testing.T) {
		cfg := &config.ServerConfig{MetricsEnabled: true}
		s := NewServer(cfg, &fakeHealth{}, &fakeProvisioner{}, &fakeRouter{}, &fakeRunReader{}, &fakeFeedback{})

		warm := httptest.NewRequest(http.MethodGet, "/health", nil)
		s.ServeHTTP(httptest.NewRecorder(), warm)

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "incidentfox_http_requests_total")
	})

	t.Run("metrics endpoint absent when disabled", func(t *testing.T) {
		h := newAPIHarness(t)
		rec := h.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
