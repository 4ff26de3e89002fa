package models

import "time"

// EffectiveTeamConfig is the resolved team configuration served by the
// config service. The hierarchy that produces it is the config
// service's concern; consumers read only these fields.
type EffectiveTeamConfig struct {
	Org          string                       `json:"org"`
	Team         string                       `json:"team"`
	Routing      RoutingConfig                `json:"routing"`
	Integrations map[string]IntegrationConfig `json:"integrations"`
	AIPipeline   PipelineFeature              `json:"ai_pipeline"`
	DepDiscovery PipelineFeature              `json:"dependency_discovery"`
	Agent        TeamAgentConfig              `json:"agent"`
	LLM          TeamLLMConfig                `json:"llm"`
}

// RoutingConfig holds the per-kind identifier sets used by the routing
// index. Field names match identifier kinds.
type RoutingConfig struct {
	IncidentioTeamIDs        []string `json:"incidentio_team_ids,omitempty"`
	PagerdutyServiceIDs      []string `json:"pagerduty_service_ids,omitempty"`
	SlackChannelIDs          []string `json:"slack_channel_ids,omitempty"`
	GithubRepos              []string `json:"github_repos,omitempty"`
	CoralogixTeamNames       []string `json:"coralogix_team_names,omitempty"`
	IncidentioAlertSourceIDs []string `json:"incidentio_alert_source_ids,omitempty"`
	Services                 []string `json:"services,omitempty"`
}

// IntegrationConfig is one integration's credential material plus
// trial/subscription state.
type IntegrationConfig struct {
	APIKey             string     `json:"api_key,omitempty"`
	Username           string     `json:"username,omitempty"`
	Password           string     `json:"password,omitempty"`
	BaseURL            string     `json:"base_url,omitempty"`
	IsTrial            bool       `json:"is_trial,omitempty"`
	TrialExpiresAt     *time.Time `json:"trial_expires_at,omitempty"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
}

// PipelineFeature is a schedulable pipeline toggle.
type PipelineFeature struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

// TeamAgentConfig holds per-team agent runtime settings.
type TeamAgentConfig struct {
	DedicatedServiceURL string `json:"dedicated_service_url,omitempty"`
}

// TeamLLMConfig holds per-team model selection.
type TeamLLMConfig struct {
	Model string `json:"model,omitempty"`
}

// TeamRef names a team node.
type TeamRef struct {
	Org  string `json:"org"`
	Team string `json:"team"`
}

// TeamToken is one long-lived team credential as listed by the config
// service. Token material is present only at mint time.
type TeamToken struct {
	ID        string    `json:"id"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
	Token     string    `json:"token,omitempty"`
}

// AdminIdentity is the config service's answer to an admin-token check.
type AdminIdentity struct {
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions"`
}

// LicenseInfo is the telemetry collector's license summary. MaxTeams of
// zero means unlimited.
type LicenseInfo struct {
	MaxTeams int    `json:"max_teams"`
	Plan     string `json:"plan,omitempty"`
}

// BootstrapHandle references an asynchronous pipeline bootstrap run.
type BootstrapHandle struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}
