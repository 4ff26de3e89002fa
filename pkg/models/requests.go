package models

import "time"

// DeploymentMode selects shared vs dedicated agent infrastructure.
type DeploymentMode string

const (
	DeploymentShared    DeploymentMode = "shared"
	DeploymentDedicated DeploymentMode = "dedicated"
)

// ProvisionRequest is the body of POST /api/v1/admin/provision/team.
type ProvisionRequest struct {
	Org              string         `json:"org"`
	Team             string         `json:"team"`
	ChannelIDs       []string       `json:"channel_ids,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	PipelineSchedule string         `json:"pipeline_schedule,omitempty"`
	DeploymentMode   DeploymentMode `json:"deployment_mode,omitempty"`
}

// ProvisionResponse is returned by provision_team. TeamToken is present
// only when the team_token step minted a new token, and only once.
type ProvisionResponse struct {
	RunID               string                `json:"run_id"`
	Status              ProvisioningRunStatus `json:"status"`
	TeamToken           string                `json:"team_token,omitempty"`
	PipelineBootstrap   *StepResult           `json:"pipeline_bootstrap,omitempty"`
	PipelineCronjob     *StepResult           `json:"pipeline_cronjob,omitempty"`
	DedicatedDeployment *StepResult           `json:"dedicated_deployment,omitempty"`
}

// DeprovisionRequest is the body of POST /api/v1/admin/deprovision/team.
type DeprovisionRequest struct {
	Org                string `json:"org"`
	Team               string `json:"team"`
	DeleteK8sResources bool   `json:"delete_k8s_resources"`
	DryRun             bool   `json:"dry_run"`
}

// DeprovisionResponse reports per-resource deletion outcomes. Missing
// resources are "not_found", never errors.
type DeprovisionResponse struct {
	Org       string            `json:"org"`
	Team      string            `json:"team"`
	DryRun    bool              `json:"dry_run"`
	Resources map[string]string `json:"resources"`
}

// RoutingLookupRequest is the routing-index lookup input.
type RoutingLookupRequest struct {
	Org         string            `json:"org,omitempty"`
	Identifiers map[string]string `json:"identifiers"`
}

// RoutingLookupResponse reports the first match in priority order.
type RoutingLookupResponse struct {
	Found        bool     `json:"found"`
	Org          string   `json:"org,omitempty"`
	Team         string   `json:"team,omitempty"`
	MatchedBy    string   `json:"matched_by,omitempty"`
	MatchedValue string   `json:"matched_value,omitempty"`
	Tried        []string `json:"tried"`
}

// RunAgentRequest is the body of POST /api/v1/admin/agents/run.
type RunAgentRequest struct {
	Org           string `json:"org"`
	Team          string `json:"team"`
	AgentName     string `json:"agent_name,omitempty"`
	Prompt        string `json:"prompt"`
	Channel       string `json:"channel,omitempty"`
	Actor         string `json:"actor,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// RunAgentResponse acknowledges a dispatched agent run.
type RunAgentResponse struct {
	RunID  string         `json:"run_id"`
	Status AgentRunStatus `json:"status"`
}

// AlertWebhook is the generic external alert intake shape. Identifier
// keys follow the routing-index kinds, e.g. "slack_channel_ids",
// "pagerduty_service_ids".
type AlertWebhook struct {
	Source        string            `json:"source"`
	Summary       string            `json:"summary"`
	Identifiers   map[string]string `json:"identifiers"`
	Actor         string            `json:"actor,omitempty"`
	Channel       string            `json:"channel,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// RunFilters narrows audit run listings.
type RunFilters struct {
	Org       string         `json:"org,omitempty"`
	Team      string         `json:"team,omitempty"`
	Status    AgentRunStatus `json:"status,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	Since     *time.Time     `json:"since,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

// RunListResponse is a paginated run listing.
type RunListResponse struct {
	Runs       []*AgentRun `json:"runs"`
	TotalCount int         `json:"total_count"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
}

// RunDetail joins a run with its ordered tool-call trace.
type RunDetail struct {
	Run       *AgentRun   `json:"run"`
	ToolCalls []*ToolCall `json:"tool_calls"`
}

// CreateFeedbackRequest is the body of POST /api/v1/runs/{id}/feedback.
type CreateFeedbackRequest struct {
	FeedbackType  FeedbackType `json:"feedback_type"`
	Source        string       `json:"source"`
	UserID        string       `json:"user_id,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

// CronSyncResult summarizes a sync-cronjobs reconciliation pass.
type CronSyncResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Deleted int      `json:"deleted"`
	Failed  []string `json:"failed,omitempty"`
}

// ProvideAnswerRequest delivers user answers to a blocked
// AskUserQuestion tool.
type ProvideAnswerRequest struct {
	Answers map[string]string `json:"answers"`
}
