package llmproxy

import (
	"sort"
	"strings"

	"github.com/incidentfox/incidentfox/pkg/config"
)

// fallbackModel applies when neither team config, deployment default
// nor the request names a model.
const fallbackModel = "claude-sonnet-4-5"

// resolveModel picks the effective model. Team config wins so that
// operators can repoint a tenant centrally, then the deployment
// default, then the request's own model field.
func resolveModel(teamModel, deploymentDefault, requestModel string) string {
	for _, candidate := range []string{teamModel, deploymentDefault, requestModel} {
		if candidate != "" {
			return candidate
		}
	}
	return fallbackModel
}

// isClaudeModel reports whether a model routes to Anthropic untouched.
func isClaudeModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "claude") || strings.Contains(m, "anthropic")
}

// providerFor matches a model to an OpenAI-compatible provider by
// model-name prefix, longest prefix first. The returned name keys the
// credential lookup.
func providerFor(providers map[string]config.ProviderConfig, model string) (string, config.ProviderConfig, bool) {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	bestName := ""
	var best config.ProviderConfig
	for _, name := range names {
		provider := providers[name]
		if provider.ModelPrefix == "" || !strings.HasPrefix(model, provider.ModelPrefix) {
			continue
		}
		if bestName == "" || len(provider.ModelPrefix) > len(best.ModelPrefix) {
			bestName, best = name, provider
		}
	}
	return bestName, best, bestName != ""
}
