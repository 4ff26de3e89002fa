// Package config loads and validates the incidentfox.yaml configuration
// shared by the control plane, the LLM proxy, the RAG service, and the
// in-cluster agent. Each binary reads the sections it needs; unknown
// sections are ignored so one file can configure the whole deployment.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize().
type Config struct {
	configPath string

	LogLevel string `yaml:"log_level"`

	Server        *ServerConfig        `yaml:"server"`
	Database      *DatabaseConfig      `yaml:"database"`
	ConfigService *ConfigServiceConfig `yaml:"config_service"`
	Telemetry     *TelemetryConfig     `yaml:"telemetry"`
	Kubernetes    *KubernetesConfig    `yaml:"kubernetes"`
	Gateway       *GatewayConfig       `yaml:"gateway"`
	Session       *SessionConfig       `yaml:"session"`
	Slack         *SlackConfig         `yaml:"slack"`
	Proxy         *ProxyConfig         `yaml:"proxy"`
	RAG           *RAGConfig           `yaml:"rag"`
	Agent         *AgentConfig         `yaml:"agent"`
}

// ConfigPath returns the path the configuration was loaded from.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// ServerConfig holds control-plane HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	MetricsEnabled bool     `yaml:"metrics_enabled"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL connection and sweeper settings.
type DatabaseConfig struct {
	URL      string        `yaml:"url"`
	MaxConns int32         `yaml:"max_conns"`
	Sweeper  *SweeperConfig `yaml:"sweeper"`
}

// SweeperConfig controls the stale agent-run sweeper.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// MaxAge is how old a running agent_run must be before the sweeper
	// transitions it to timeout. One value for all agent classes.
	MaxAge time.Duration `yaml:"max_age"`
}

// ConfigServiceConfig holds the config-service client settings.
type ConfigServiceConfig struct {
	BaseURL             string        `yaml:"base_url"`
	ServiceTokenEnv     string        `yaml:"service_token_env"`
	Timeout             time.Duration `yaml:"timeout"`
	AdminCacheTTL       time.Duration `yaml:"admin_cache_ttl"`
	ProvisionPermission string        `yaml:"provision_permission"`
	ImpersonationTTL    time.Duration `yaml:"impersonation_ttl"`
}

// TelemetryConfig points at the telemetry collector used for the
// license gate. Empty BaseURL disables the gate.
type TelemetryConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// KubernetesConfig holds workload-reconciliation settings.
type KubernetesConfig struct {
	Namespace     string `yaml:"namespace"`
	AgentImage    string `yaml:"agent_image"`
	PipelineImage string `yaml:"pipeline_image"`
	// Kubeconfig is used when running outside the cluster; empty means
	// in-cluster config.
	Kubeconfig  string        `yaml:"kubeconfig"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// GatewayConfig holds SSE command-gateway server settings.
type GatewayConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	// TokensEnv names the env var holding comma-separated
	// org/team:token entries for cluster agent auth.
	TokensEnv string `yaml:"tokens_env"`
}

// SessionConfig holds agent-session runtime settings.
type SessionConfig struct {
	ProxyBaseURL    string        `yaml:"proxy_base_url"`
	Model           string        `yaml:"model"`
	ExecuteTimeout  time.Duration `yaml:"execute_timeout"`
	MaxTurns        int           `yaml:"max_turns"`
	QuestionTimeout time.Duration `yaml:"question_timeout"`
	WorkspaceRoot   string        `yaml:"workspace_root"`
	RAGBaseURL      string        `yaml:"rag_base_url"`
	ScriptDir       string        `yaml:"script_dir"`
}

// SlackConfig holds progress-update posting settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
}

// ProxyConfig holds LLM translating-proxy settings.
type ProxyConfig struct {
	Host             string                    `yaml:"host"`
	Port             int                       `yaml:"port"`
	MetricsEnabled   bool                      `yaml:"metrics_enabled"`
	DefaultModel     string                    `yaml:"default_model"`
	AnthropicBaseURL string                    `yaml:"anthropic_base_url"`
	UpstreamTimeout  time.Duration             `yaml:"upstream_timeout"`
	Providers        map[string]ProviderConfig `yaml:"providers"`
	Authz            *AuthzConfig              `yaml:"authz"`
}

// ProviderConfig describes one OpenAI-compatible upstream, matched by
// model-name prefix.
type ProviderConfig struct {
	ModelPrefix  string `yaml:"model_prefix"`
	BaseURL      string `yaml:"base_url"`
	APIKeyEnv    string `yaml:"api_key_env"`
	MaxTokensCap int    `yaml:"max_tokens_cap"`
	ToolLimit    int    `yaml:"tool_limit"`
}

// AuthzConfig holds ext-authz settings for credential injection.
type AuthzConfig struct {
	// Mode is "strict" (missing/invalid sandbox token is a 401) or
	// "permissive" (fall back to header claims; local development).
	Mode               string        `yaml:"mode"`
	JWTSecretEnv       string        `yaml:"jwt_secret_env"`
	SharedKeyEnv       string        `yaml:"shared_key_env"`
	CredentialCacheTTL time.Duration `yaml:"credential_cache_ttl"`
}

// RAGConfig holds tree-cache service settings.
type RAGConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	DataDir        string        `yaml:"data_dir"`
	MaxTrees       int           `yaml:"max_trees"`
	MaxBytesGB     float64       `yaml:"max_bytes_gb"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	S3             *S3Config     `yaml:"s3"`
}

// S3Config holds the tree artifact bucket settings. Endpoint and
// path-style addressing support MinIO-compatible stores.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	PathStyle    bool   `yaml:"path_style"`
}

// AgentConfig holds in-cluster agent (gateway client) settings.
type AgentConfig struct {
	ControlPlaneURL string           `yaml:"control_plane_url"`
	TokenEnv        string           `yaml:"token_env"`
	HealthFile      string           `yaml:"health_file"`
	CommandTimeout  time.Duration    `yaml:"command_timeout"`
	Reconnect       *ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls the gateway client's exponential backoff.
type ReconnectConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Multiplier float64       `yaml:"multiplier"`
	Max        time.Duration `yaml:"max"`
}
