package llmproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/credentials"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// Claim headers: permissive-mode identity fallback, and attribution on
// shared-key upstream calls.
const (
	headerOrg  = "X-IncidentFox-Org"
	headerTeam = "X-IncidentFox-Team"
)

var (
	errNoToken      = errors.New("missing sandbox token")
	errInvalidToken = errors.New("invalid sandbox token")
)

// Identity is the authenticated caller of one proxy request.
type Identity struct {
	Org     string
	Team    string
	Subject string
}

// sandboxClaims is the impersonation-token payload the orchestrator
// mints for agent sandboxes.
type sandboxClaims struct {
	Org  string `json:"org"`
	Team string `json:"team"`
	jwt.RegisteredClaims
}

// CredentialResolver looks up integration credentials for a team.
// *credentials.Store satisfies it.
type CredentialResolver interface {
	Resolve(ctx context.Context, org, team, integration string) (*models.IntegrationConfig, error)
}

// Authorizer is the ext-authz side-call: it validates the signed
// sandbox token, identifies the (org, team), and renders the headers
// the proxy attaches upstream.
type Authorizer struct {
	mode      string
	secret    []byte
	sharedKey string
	creds     CredentialResolver
	logger    *slog.Logger
}

// NewAuthorizer reads the signing secret and shared key from the
// configured environment variables. Strict mode refuses to start
// without a secret.
func NewAuthorizer(cfg *config.AuthzConfig, creds CredentialResolver) (*Authorizer, error) {
	if cfg == nil {
		cfg = &config.AuthzConfig{Mode: "strict"}
	}
	if creds == nil {
		panic("credential resolver cannot be nil")
	}
	secret := os.Getenv(cfg.JWTSecretEnv)
	if cfg.Mode == "strict" && secret == "" {
		return nil, fmt.Errorf("authz: strict mode requires %s", cfg.JWTSecretEnv)
	}
	return &Authorizer{
		mode:      cfg.Mode,
		secret:    []byte(secret),
		sharedKey: os.Getenv(cfg.SharedKeyEnv),
		creds:     creds,
		logger:    slog.Default().With("component", "proxy-authz"),
	}, nil
}

// Identify authenticates one request. Strict mode requires a valid
// signed token. Permissive mode falls back to the claim headers, which
// keeps local development free of token minting.
func (a *Authorizer) Identify(r *http.Request) (*Identity, error) {
	token := proxyBearerToken(r)
	if token != "" {
		id, err := a.validate(token)
		if err == nil {
			return id, nil
		}
		if a.mode == "strict" {
			return nil, err
		}
	} else if a.mode == "strict" {
		return nil, errNoToken
	}

	org := r.Header.Get(headerOrg)
	team := r.Header.Get(headerTeam)
	if org == "" || team == "" {
		return nil, errNoToken
	}
	return &Identity{Org: org, Team: team}, nil
}

func (a *Authorizer) validate(token string) (*Identity, error) {
	if len(a.secret) == 0 {
		return nil, errInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &sandboxClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, errInvalidToken
	}
	claims, ok := parsed.Claims.(*sandboxClaims)
	if !ok || !parsed.Valid || claims.Org == "" || claims.Team == "" {
		return nil, errInvalidToken
	}
	return &Identity{Org: claims.Org, Team: claims.Team, Subject: claims.Subject}, nil
}

// AnthropicHeaders resolves the key for an Anthropic upstream call.
// BYOK wins; teams without their own key ride the platform shared key
// and get attribution headers for cost tagging.
func (a *Authorizer) AnthropicHeaders(ctx context.Context, id *Identity) (map[string]string, error) {
	cred, err := a.creds.Resolve(ctx, id.Org, id.Team, "anthropic")
	switch {
	case err == nil:
		return credentials.HeadersFor("anthropic", cred)
	case errors.Is(err, services.ErrTrialExpired):
		return nil, err
	case errors.Is(err, services.ErrNotFound):
		if a.sharedKey == "" {
			return nil, fmt.Errorf("no anthropic credential for %s/%s: %w", id.Org, id.Team, services.ErrNotFound)
		}
		return map[string]string{
			"x-api-key": a.sharedKey,
			headerOrg:   id.Org,
			headerTeam:  id.Team,
		}, nil
	default:
		return nil, err
	}
}

// ProviderHeaders resolves the key for an OpenAI-compatible provider,
// falling back to the deployment-level key from the provider's
// configured environment variable.
func (a *Authorizer) ProviderHeaders(ctx context.Context, id *Identity, name string, provider config.ProviderConfig) (map[string]string, error) {
	cred, err := a.creds.Resolve(ctx, id.Org, id.Team, name)
	switch {
	case err == nil:
		return credentials.HeadersFor(name, cred)
	case errors.Is(err, services.ErrTrialExpired):
		return nil, err
	case errors.Is(err, services.ErrNotFound):
		if provider.APIKeyEnv != "" {
			if key := os.Getenv(provider.APIKeyEnv); key != "" {
				return map[string]string{"Authorization": "Bearer " + key}, nil
			}
		}
		return nil, fmt.Errorf("no %s credential for %s/%s: %w", name, id.Org, id.Team, services.ErrNotFound)
	default:
		return nil, err
	}
}

func proxyBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
