// Package configclient is the HTTP client for the config service: the
// hierarchical org/team configuration tree, team tokens, and admin
// authentication. The control plane never stores team config itself;
// everything here reads or patches the config service's view.
package configclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// Client talks to the config service. Safe for concurrent use.
type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
	logger       *slog.Logger

	adminCache *identityCache
	provPerm   string
	impTTL     time.Duration
}

// NewClient creates a config service client. The service token is read
// from the environment variable named in cfg; an empty token is allowed
// (the config service may trust network identity in-cluster).
func NewClient(cfg *config.ConfigServiceConfig) (*Client, error) {
	if cfg == nil {
		panic("config service config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("config service base_url is required")
	}

	token := ""
	if cfg.ServiceTokenEnv != "" {
		token = os.Getenv(cfg.ServiceTokenEnv)
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		serviceToken: token,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		logger:       slog.Default().With("component", "configclient"),
		adminCache:   newIdentityCache(cfg.AdminCacheTTL),
		provPerm:     cfg.ProvisionPermission,
		impTTL:       cfg.ImpersonationTTL,
	}, nil
}

// ProvisionPermission returns the configured admin permission required
// to provision or deprovision teams.
func (c *Client) ProvisionPermission() string {
	return c.provPerm
}

// EffectiveConfig returns the fully resolved configuration for one team
// node: routing identifiers, integrations, pipeline features, agent and
// LLM settings.
func (c *Client) EffectiveConfig(ctx context.Context, org, team string) (*models.EffectiveTeamConfig, error) {
	if org == "" || team == "" {
		return nil, services.NewValidationError("org/team", "cannot be empty")
	}

	var cfg models.EffectiveTeamConfig
	path := fmt.Sprintf("/api/v1/orgs/%s/teams/%s/effective-config", url.PathEscape(org), url.PathEscape(team))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("fetch effective config for %s/%s: %w", org, team, err)
	}
	if cfg.Org == "" {
		cfg.Org = org
	}
	if cfg.Team == "" {
		cfg.Team = team
	}
	return &cfg, nil
}

// PatchTeamConfig applies a JSON merge patch to one team node's config.
// Only the keys present in patch change; the config service owns the
// merge semantics.
func (c *Client) PatchTeamConfig(ctx context.Context, org, team string, patch map[string]any) error {
	if org == "" || team == "" {
		return services.NewValidationError("org/team", "cannot be empty")
	}
	if len(patch) == 0 {
		return services.NewValidationError("patch", "cannot be empty")
	}

	path := fmt.Sprintf("/api/v1/orgs/%s/teams/%s/config", url.PathEscape(org), url.PathEscape(team))
	if err := c.doJSON(ctx, http.MethodPatch, path, patch, nil); err != nil {
		return fmt.Errorf("patch config for %s/%s: %w", org, team, err)
	}
	return nil
}

// ListTeams enumerates team nodes. An empty org lists every team the
// service token can see.
func (c *Client) ListTeams(ctx context.Context, org string) ([]models.TeamRef, error) {
	path := "/api/v1/teams"
	if org != "" {
		path += "?org=" + url.QueryEscape(org)
	}

	var out struct {
		Teams []models.TeamRef `json:"teams"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return out.Teams, nil
}

// ImpersonationToken mints a short-lived token scoped to one team,
// used by agent runs to call team-scoped APIs. TTL of zero uses the
// configured default.
func (c *Client) ImpersonationToken(ctx context.Context, org, team string, ttl time.Duration) (string, error) {
	if org == "" || team == "" {
		return "", services.NewValidationError("org/team", "cannot be empty")
	}
	if ttl <= 0 {
		ttl = c.impTTL
	}

	body := map[string]any{"ttl_seconds": int(ttl.Seconds())}
	var out struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/api/v1/orgs/%s/teams/%s/impersonation-token", url.PathEscape(org), url.PathEscape(team))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", fmt.Errorf("mint impersonation token for %s/%s: %w", org, team, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("mint impersonation token for %s/%s: %w", org, team, services.ErrUpstream)
	}
	return out.Token, nil
}

// TeamTokens lists a team's long-lived tokens, revoked ones included.
// Token material is never present in listings.
func (c *Client) TeamTokens(ctx context.Context, org, team string) ([]models.TeamToken, error) {
	if org == "" || team == "" {
		return nil, services.NewValidationError("org/team", "cannot be empty")
	}

	var out struct {
		Tokens []models.TeamToken `json:"tokens"`
	}
	path := fmt.Sprintf("/api/v1/orgs/%s/teams/%s/tokens", url.PathEscape(org), url.PathEscape(team))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list team tokens for %s/%s: %w", org, team, err)
	}
	return out.Tokens, nil
}

// MintTeamToken creates a new long-lived team token. The returned
// Token field carries the secret; this is the only time the config
// service reveals it.
func (c *Client) MintTeamToken(ctx context.Context, org, team string) (*models.TeamToken, error) {
	if org == "" || team == "" {
		return nil, services.NewValidationError("org/team", "cannot be empty")
	}

	var tok models.TeamToken
	path := fmt.Sprintf("/api/v1/orgs/%s/teams/%s/tokens", url.PathEscape(org), url.PathEscape(team))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &tok); err != nil {
		return nil, fmt.Errorf("mint team token for %s/%s: %w", org, team, err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("mint team token for %s/%s: %w", org, team, services.ErrUpstream)
	}
	return &tok, nil
}

// CheckAdminPermission validates an admin bearer token and verifies it
// carries the named permission. Identities are cached briefly (keyed on
// a digest of the token, never the token itself) so bursts of admin
// calls do not hammer the config service.
//
// An invalid token maps to ErrUnauthorized; a valid token lacking the
// permission maps to ErrForbidden.
func (c *Client) CheckAdminPermission(ctx context.Context, token, permission string) (*models.AdminIdentity, error) {
	if token == "" {
		return nil, fmt.Errorf("admin token missing: %w", services.ErrUnauthorized)
	}

	key := tokenDigest(token)
	identity, ok := c.adminCache.Get(key)
	if !ok {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/auth/admin", nil)
		if err != nil {
			return nil, fmt.Errorf("create admin auth request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("admin auth request: %w: %v", services.ErrUpstream, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, statusError(resp.StatusCode, readErrorMessage(resp.Body))
		}

		identity = &models.AdminIdentity{}
		if err := json.NewDecoder(resp.Body).Decode(identity); err != nil {
			return nil, fmt.Errorf("decode admin identity: %w", err)
		}
		c.adminCache.Set(key, identity)
	}

	if permission != "" && !slices.Contains(identity.Permissions, permission) {
		return nil, fmt.Errorf("subject %q lacks permission %q: %w", identity.Subject, permission, services.ErrForbidden)
	}
	return identity, nil
}

// doJSON executes one request against the config service and decodes a
// JSON response into out (nil out discards the body). Non-2xx statuses
// map onto the service error kinds.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", services.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, readErrorMessage(resp.Body))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps a config service HTTP status onto the shared
// sentinel errors so callers and the API layer agree on kinds.
func statusError(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("config service: %s: %w", msg, services.ErrUnauthorized)
	case status == http.StatusForbidden:
		return fmt.Errorf("config service: %s: %w", msg, services.ErrForbidden)
	case status == http.StatusNotFound:
		return fmt.Errorf("config service: %s: %w", msg, services.ErrNotFound)
	case status == http.StatusConflict:
		return fmt.Errorf("config service: %s: %w", msg, services.ErrAlreadyExists)
	case status >= 500:
		return fmt.Errorf("config service HTTP %d: %s: %w", status, msg, services.ErrUpstream)
	default:
		return fmt.Errorf("config service HTTP %d: %s: %w", status, msg, services.ErrInvalidInput)
	}
}

// readErrorMessage pulls the error string out of a JSON error body,
// falling back to the raw text for non-JSON responses.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}
