package credentials

import (
	"encoding/base64"
	"fmt"

	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// HeadersFor renders the HTTP headers that inject a resolved
// credential into an upstream request. The scheme follows the
// integration's convention: Anthropic keys travel in x-api-key,
// OpenAI-compatible providers use a bearer token, Confluence uses
// HTTP Basic with username and API token.
func HeadersFor(integration string, cred *models.IntegrationConfig) (map[string]string, error) {
	if cred == nil {
		return nil, services.NewValidationError("credential", "cannot be nil")
	}

	switch integration {
	case "anthropic":
		if cred.APIKey == "" {
			return nil, fmt.Errorf("anthropic credential missing api_key: %w", services.ErrNotFound)
		}
		return map[string]string{"x-api-key": cred.APIKey}, nil

	case "confluence":
		if cred.Username == "" || cred.Password == "" {
			return nil, fmt.Errorf("confluence credential missing username/password: %w", services.ErrNotFound)
		}
		basic := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password))
		return map[string]string{"Authorization": "Basic " + basic}, nil

	default:
		// OpenAI-compatible providers and everything else bearer-style.
		if cred.APIKey == "" {
			return nil, fmt.Errorf("%s credential missing api_key: %w", integration, services.ErrNotFound)
		}
		return map[string]string{"Authorization": "Bearer " + cred.APIKey}, nil
	}
}
