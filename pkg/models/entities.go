// Package models holds the domain entities persisted by the audit and
// provisioning stores, plus the request/response shapes of the admin API.
package models

import (
	"encoding/json"
	"time"
)

// ProvisioningRunStatus enumerates provisioning state-machine states.
type ProvisioningRunStatus string

const (
	ProvisioningRunning   ProvisioningRunStatus = "running"
	ProvisioningSucceeded ProvisioningRunStatus = "succeeded"
	ProvisioningFailed    ProvisioningRunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s ProvisioningRunStatus) Terminal() bool {
	return s == ProvisioningSucceeded || s == ProvisioningFailed
}

// StepResult records the outcome of one provisioning step.
type StepResult struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// ProvisioningRun is the durable record of one provision_team invocation.
// Mutated only by the owning request; at most one non-terminal run exists
// per (org, team, idempotency_key).
type ProvisioningRun struct {
	ID             string                `json:"id"`
	OrgID          string                `json:"org_id"`
	TeamNodeID     string                `json:"team_node_id"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
	Status         ProvisioningRunStatus `json:"status"`
	Steps          map[string]StepResult `json:"steps"`
	Error          string                `json:"error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// AgentRunStatus enumerates agent-run lifecycle states.
type AgentRunStatus string

const (
	RunStatusRunning   AgentRunStatus = "running"
	RunStatusCompleted AgentRunStatus = "completed"
	RunStatusFailed    AgentRunStatus = "failed"
	RunStatusTimeout   AgentRunStatus = "timeout"
)

// Terminal reports whether the status is a terminal state.
func (s AgentRunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// RunTrigger describes what started an agent run.
type RunTrigger struct {
	Source  string `json:"source"`
	Actor   string `json:"actor,omitempty"`
	Message string `json:"message,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// AgentRun is one invocation of an agent for a single user turn.
type AgentRun struct {
	ID              string         `json:"id"`
	Org             string         `json:"org"`
	Team            string         `json:"team"`
	CorrelationID   string         `json:"correlation_id"`
	AgentName       string         `json:"agent_name"`
	Status          AgentRunStatus `json:"status"`
	Trigger         RunTrigger     `json:"trigger"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	ToolCallsCount  *int           `json:"tool_calls_count,omitempty"`
	OutputSummary   string         `json:"output_summary,omitempty"`
	Confidence      *float64       `json:"confidence,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// ToolCallStatus enumerates tool-call outcomes.
type ToolCallStatus string

const (
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall is one tool invocation trace, persisted in bulk after the run.
// Ordering within a run is SequenceNumber ascending.
type ToolCall struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	ToolName       string          `json:"tool_name"`
	AgentName      string          `json:"agent_name,omitempty"`
	ParentAgent    string          `json:"parent_agent,omitempty"`
	Input          json.RawMessage `json:"input"`
	Output         string          `json:"output,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMillis *int64          `json:"duration_ms,omitempty"`
	Status         ToolCallStatus  `json:"status"`
	SequenceNumber int             `json:"sequence_number"`
}

// FeedbackType enumerates run feedback polarity.
type FeedbackType string

const (
	FeedbackPositive FeedbackType = "positive"
	FeedbackNegative FeedbackType = "negative"
)

// Feedback records a user's verdict on a run.
type Feedback struct {
	ID            string       `json:"id"`
	RunID         string       `json:"run_id"`
	FeedbackType  FeedbackType `json:"feedback_type"`
	Source        string       `json:"source"`
	UserID        string       `json:"user_id,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// PendingChangeStatus enumerates pending-change review states.
type PendingChangeStatus string

const (
	PendingChangePending  PendingChangeStatus = "pending"
	PendingChangeApproved PendingChangeStatus = "approved"
	PendingChangeRejected PendingChangeStatus = "rejected"
)

// PendingChange is a proposed config mutation awaiting review.
// Creation is idempotent by ID.
type PendingChange struct {
	ID            string              `json:"id"`
	Org           string              `json:"org"`
	Node          string              `json:"node"`
	ChangeType    string              `json:"change_type"`
	ChangePath    string              `json:"change_path,omitempty"`
	ProposedValue json.RawMessage     `json:"proposed_value"`
	PreviousValue json.RawMessage     `json:"previous_value,omitempty"`
	RequestedBy   string              `json:"requested_by"`
	Reason        string              `json:"reason,omitempty"`
	Status        PendingChangeStatus `json:"status"`
	RequestedAt   time.Time           `json:"requested_at"`
}

// ConversationMapping pins a session to an external conversation id.
// One current mapping per session_id (upsert semantics).
type ConversationMapping struct {
	SessionID              string    `json:"session_id"`
	ExternalConversationID string    `json:"external_conversation_id"`
	SessionType            string    `json:"session_type"`
	Org                    string    `json:"org,omitempty"`
	Team                   string    `json:"team,omitempty"`
	LastUsedAt             time.Time `json:"last_used_at"`
}

// SlackInstallation is one Slack app install, upserted on
// (app_slug, enterprise_id, team_id, user_id).
type SlackInstallation struct {
	ID           string          `json:"id"`
	AppSlug      string          `json:"app_slug,omitempty"`
	EnterpriseID string          `json:"enterprise_id,omitempty"`
	TeamID       string          `json:"team_id"`
	UserID       string          `json:"user_id,omitempty"`
	BotToken     string          `json:"-"`
	Data         json.RawMessage `json:"data,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// GitHubInstallation is one GitHub app install, keyed by installation_id.
// An account_login may be linked to at most one (org, team).
type GitHubInstallation struct {
	InstallationID int64           `json:"installation_id"`
	AccountLogin   string          `json:"account_login"`
	AccountType    string          `json:"account_type"`
	Org            string          `json:"org,omitempty"`
	Team           string          `json:"team,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
