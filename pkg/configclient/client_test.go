package configclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(&config.ConfigServiceConfig{
		BaseURL:             serverURL,
		Timeout:             5 * time.Second,
		AdminCacheTTL:       15 * time.Second,
		ProvisionPermission: "admin:provision",
		ImpersonationTTL:    15 * time.Minute,
	})
	require.NoError(t, err)
	return client
}

func TestEffectiveConfig(t *testing.T) {
	t.Run("decodes full config", func(t *testing.T) {
		var gotPath string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"routing": {"slack_channel_ids": ["C123"], "services": ["Checkout API"]},
				"integrations": {"anthropic": {"api_key": "sk-test", "is_trial": true}},
				"ai_pipeline": {"enabled": true, "schedule": "0 3 * * *"},
				"llm": {"model": "claude-sonnet-4-5"}
			}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		cfg, err := client.EffectiveConfig(context.Background(), "acme", "payments")
		require.NoError(t, err)

		assert.Equal(t, "/api/v1/orgs/acme/teams/payments/effective-config", gotPath)
		assert.Equal(t, "acme", cfg.Org)
		assert.Equal(t, "payments", cfg.Team)
		assert.Equal(t, []string{"C123"}, cfg.Routing.SlackChannelIDs)
		assert.True(t, cfg.Integrations["anthropic"].IsTrial)
		assert.Equal(t, "0 3 * * *", cfg.AIPipeline.Schedule)
		assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.Model)
	})

	t.Run("404 maps to not found", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": "team node not found"}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		_, err := client.EffectiveConfig(context.Background(), "acme", "ghost")
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrNotFound)
		assert.Contains(t, err.Error(), "team node not found")
	})

	t.Run("5xx maps to upstream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		_, err := client.EffectiveConfig(context.Background(), "acme", "payments")
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrUpstream)
	})

	t.Run("empty org rejected locally", func(t *testing.T) {
		client := newTestClient(t, "http://config.invalid")
		_, err := client.EffectiveConfig(context.Background(), "", "payments")
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
	})
}

func TestPatchTeamConfig(t *testing.T) {
	var gotMethod string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	patch := map[string]any{
		"routing": map[string]any{"slack_channel_ids": []string{"C9"}},
	}
	require.NoError(t, client.PatchTeamConfig(context.Background(), "acme", "payments", patch))

	assert.Equal(t, http.MethodPatch, gotMethod)
	routing, ok := gotBody["routing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"C9"}, routing["slack_channel_ids"])
}

func TestListTeams(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"teams": [{"org": "acme", "team": "payments"}, {"org": "acme", "team": "search"}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	teams, err := client.ListTeams(context.Background(), "acme")
	require.NoError(t, err)

	assert.Equal(t, "org=acme", gotQuery)
	require.Len(t, teams, 2)
	assert.Equal(t, models.TeamRef{Org: "acme", Team: "payments"}, teams[0])
}

func TestImpersonationToken(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token": "imp-abc123"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	token, err := client.ImpersonationToken(context.Background(), "acme", "payments", 10*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "imp-abc123", token)
	assert.Equal(t, float64(600), gotBody["ttl_seconds"])
}

func TestTeamTokens(t *testing.T) {
	t.Run("listing never carries token material", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"tokens": [
				{"id": "tok-1", "revoked": false, "created_at": "2026-01-02T03:04:05Z"},
				{"id": "tok-2", "revoked": true, "created_at": "2025-11-01T00:00:00Z"}
			]}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		tokens, err := client.TeamTokens(context.Background(), "acme", "payments")
		require.NoError(t, err)
		require.Len(t, tokens, 2)
		assert.Equal(t, "tok-1", tokens[0].ID)
		assert.False(t, tokens[0].Revoked)
		assert.True(t, tokens[1].Revoked)
		assert.Empty(t, tokens[0].Token)
	})

	t.Run("mint returns the secret once", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": "tok-3", "revoked": false, "created_at": "2026-02-03T00:00:00Z", "token": "ifx-secret"}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		tok, err := client.MintTeamToken(context.Background(), "acme", "payments")
		require.NoError(t, err)
		assert.Equal(t, "tok-3", tok.ID)
		assert.Equal(t, "ifx-secret", tok.Token)
	})

	t.Run("mint without secret is an upstream error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": "tok-4"}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		_, err := client.MintTeamToken(context.Background(), "acme", "payments")
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrUpstream)
	})
}

func TestCheckAdminPermission(t *testing.T) {
	t.Run("valid token with permission", func(t *testing.T) {
		var calls atomic.Int32
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"subject": "ops@acme.dev", "permissions": ["admin:provision", "admin:read"]}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		identity, err := client.CheckAdminPermission(context.Background(), "admin-token", "admin:provision")
		require.NoError(t, err)

		assert.Equal(t, "ops@acme.dev", identity.Subject)
		assert.Equal(t, "Bearer admin-token", gotAuth)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("identity cached across calls", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"subject": "ops@acme.dev", "permissions": ["admin:provision"]}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		for range 3 {
			_, err := client.CheckAdminPermission(context.Background(), "admin-token", "admin:provision")
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), calls.Load(), "repeat checks within the TTL should not hit the config service")

		// A different token is a different cache entry.
		_, err := client.CheckAdminPermission(context.Background(), "other-token", "admin:provision")
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("invalid token maps to unauthorized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": "token expired"}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		_, err := client.CheckAdminPermission(context.Background(), "stale-token", "admin:provision")
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrUnauthorized)
	})

	t.Run("missing permission maps to forbidden", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"subject": "viewer@acme.dev", "permissions": ["admin:read"]}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		_, err := client.CheckAdminPermission(context.Background(), "viewer-token", "admin:provision")
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrForbidden)
		assert.Contains(t, err.Error(), "admin:provision")
	})

	t.Run("empty token rejected without a request", func(t *testing.T) {
		client := newTestClient(t, "http://config.invalid")
		_, err := client.CheckAdminPermission(context.Background(), "", "admin:provision")
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrUnauthorized)
	})
}

func TestLicenseClient(t *testing.T) {
	t.Run("nil when collector not configured", func(t *testing.T) {
		assert.Nil(t, NewLicenseClient(&config.TelemetryConfig{}))
		assert.Nil(t, NewLicenseClient(nil))
	})

	t.Run("fetches license summary", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/orgs/acme/license", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"max_teams": 5, "plan": "growth"}`))
		}))
		defer server.Close()

		client := NewLicenseClient(&config.TelemetryConfig{BaseURL: server.URL, Timeout: 5 * time.Second})
		require.NotNil(t, client)

		info, err := client.License(context.Background(), "acme")
		require.NoError(t, err)
		assert.Equal(t, 5, info.MaxTeams)
		assert.Equal(t, "growth", info.Plan)
	})

	t.Run("collector failure maps to upstream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := NewLicenseClient(&config.TelemetryConfig{BaseURL: server.URL, Timeout: 5 * time.Second})
		_, err := client.License(context.Background(), "acme")
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrUpstream)
	})
}

func TestIdentityCacheExpiry(t *testing.T) {
	cache := newIdentityCache(10 * time.Millisecond)
	cache.Set("k", &models.AdminIdentity{Subject: "s"})

	got, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "s", got.Subject)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Get("k")
	assert.False(t, ok, "entry should expire after the TTL")
}
