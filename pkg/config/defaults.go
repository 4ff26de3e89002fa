package config

import "time"

// DefaultConfig returns the built-in defaults. User YAML is merged on
// top; any value left unset here must be provided by the user or
// caught by validation.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server: &ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			MetricsEnabled: true,
		},
		Database: &DatabaseConfig{
			MaxConns: 20,
			Sweeper: &SweeperConfig{
				Enabled:  true,
				Interval: 1 * time.Minute,
				MaxAge:   2 * time.Hour,
			},
		},
		ConfigService: &ConfigServiceConfig{
			ServiceTokenEnv:     "CONFIG_SERVICE_TOKEN",
			Timeout:             10 * time.Second,
			AdminCacheTTL:       15 * time.Second,
			ProvisionPermission: "admin:provision",
			ImpersonationTTL:    15 * time.Minute,
		},
		Telemetry: &TelemetryConfig{
			Timeout: 10 * time.Second,
		},
		Kubernetes: &KubernetesConfig{
			Namespace:   "incidentfox",
			CallTimeout: 15 * time.Second,
		},
		Gateway: &GatewayConfig{
			HeartbeatInterval: 30 * time.Second,
			CommandTimeout:    15 * time.Second,
			TokensEnv:         "GATEWAY_CLUSTER_TOKENS",
		},
		Session: &SessionConfig{
			Model:           "claude-sonnet-4-5",
			ExecuteTimeout:  10 * time.Minute,
			MaxTurns:        40,
			QuestionTimeout: 60 * time.Second,
			WorkspaceRoot:   "/var/lib/incidentfox/workspace",
		},
		Slack: &SlackConfig{
			Enabled:  false,
			TokenEnv: "SLACK_BOT_TOKEN",
		},
		Proxy: &ProxyConfig{
			Host:             "0.0.0.0",
			Port:             8085,
			MetricsEnabled:   true,
			DefaultModel:     "claude-sonnet-4-5",
			AnthropicBaseURL: "https://api.anthropic.com",
			UpstreamTimeout:  5 * time.Minute,
			Authz: &AuthzConfig{
				Mode:               "strict",
				JWTSecretEnv:       "SANDBOX_JWT_SECRET",
				SharedKeyEnv:       "ANTHROPIC_SHARED_KEY",
				CredentialCacheTTL: 5 * time.Minute,
			},
		},
		RAG: &RAGConfig{
			Host:           "0.0.0.0",
			Port:           8086,
			MetricsEnabled: true,
			DataDir:        "/var/lib/incidentfox/trees",
			MaxTrees:       10,
			MaxBytesGB:     8,
			QueryTimeout:   30 * time.Second,
		},
		Agent: &AgentConfig{
			TokenEnv:       "GATEWAY_AGENT_TOKEN",
			HealthFile:     "/tmp/ifox-agent-healthy",
			CommandTimeout: 15 * time.Second,
			Reconnect: &ReconnectConfig{
				Initial:    1 * time.Second,
				Multiplier: 2,
				Max:        60 * time.Second,
			},
		},
	}
}
