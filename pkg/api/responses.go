package api

import (
	"github.com/incidentfox/incidentfox/pkg/database"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Database *database.HealthStatus `json:"database,omitempty"`
}

// WebhookAckResponse is returned by POST /api/v1/webhooks/alert when a
// team matched and an agent run was dispatched.
type WebhookAckResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Org       string `json:"org"`
	Team      string `json:"team"`
	MatchedBy string `json:"matched_by"`
}

// RunControlResponse acknowledges interrupt and answer requests.
type RunControlResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// TriggerResponse is returned by POST /api/v1/admin/pipeline/trigger.
type TriggerResponse struct {
	JobName string `json:"job_name"`
	Org     string `json:"org"`
	Team    string `json:"team"`
}
