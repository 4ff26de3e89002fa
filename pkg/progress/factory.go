package progress

import (
	"log/slog"
	"os"
	"regexp"

	"github.com/incidentfox/incidentfox/pkg/agent"
	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/orchestrator"
	"github.com/incidentfox/incidentfox/pkg/slack"
)

// slackTimestampPattern matches a Slack message ts ("1712345678.123456").
// Correlation ids of other shapes (incident ids, alert keys) do not
// thread the progress message.
var slackTimestampPattern = regexp.MustCompile(`^\d+\.\d+$`)

// SinkFactory builds the per-run renderer factory for the configured
// chat surface. It returns nil when posting is disabled or the bot
// token is absent; individual runs without a Slack channel get no sink.
func SinkFactory(cfg *config.SlackConfig) agent.SinkFactory {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		slog.Warn("Progress rendering disabled: bot token env not set", "env", cfg.TokenEnv)
		return nil
	}

	return func(job *orchestrator.AgentJob) agent.EventSink {
		channel := firstSlackChannel(job.Config)
		if channel == "" {
			return nil
		}
		threadTS := job.Run.CorrelationID
		if !slackTimestampPattern.MatchString(threadTS) {
			threadTS = ""
		}
		return NewRenderer(slack.NewClient(token, channel), job.Run, threadTS)
	}
}

func firstSlackChannel(cfg *models.EffectiveTeamConfig) string {
	if cfg == nil || len(cfg.Routing.SlackChannelIDs) == 0 {
		return ""
	}
	return cfg.Routing.SlackChannelIDs[0]
}
