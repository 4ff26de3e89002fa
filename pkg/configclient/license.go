package configclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// LicenseClient reads license summaries from the telemetry collector.
// The control plane only consumes max_teams; everything else the
// collector reports is ignored here.
type LicenseClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLicenseClient creates a license client, or nil when no collector
// is configured. Callers treat a nil client as "no license gate".
func NewLicenseClient(cfg *config.TelemetryConfig) *LicenseClient {
	if cfg == nil || cfg.BaseURL == "" {
		return nil
	}
	return &LicenseClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// License fetches the org's license summary. MaxTeams of zero means
// the org is uncapped.
func (c *LicenseClient) License(ctx context.Context, org string) (*models.LicenseInfo, error) {
	if org == "" {
		return nil, services.NewValidationError("org", "cannot be empty")
	}

	endpoint := fmt.Sprintf("%s/api/v1/orgs/%s/license", c.baseURL, url.PathEscape(org))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create license request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch license for %s: %w: %v", org, services.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, readErrorMessage(resp.Body))
	}

	var info models.LicenseInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode license response: %w", err)
	}
	return &info, nil
}
