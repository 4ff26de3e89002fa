// Package credentials resolves integration credentials for a
// (org, team, integration) triple out of effective team config and
// enforces trial/subscription eligibility. The LLM proxy's authz path
// and the tool dispatcher both sit on top of this store.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// ConfigSource provides effective team config. *configclient.Client
// satisfies it.
type ConfigSource interface {
	EffectiveConfig(ctx context.Context, org, team string) (*models.EffectiveTeamConfig, error)
}

// subscriptionActive lists subscription states that keep an expired
// trial's credentials usable.
var subscriptionActive = map[string]bool{
	"active":   true,
	"past_due": true,
}

type credEntry struct {
	cred      *models.IntegrationConfig
	fetchedAt time.Time
}

// Store resolves and caches integration credentials. Only successful
// resolutions are cached; denials are re-evaluated every call so a
// subscription fix takes effect immediately.
type Store struct {
	configs ConfigSource
	ttl     time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*credEntry
}

// NewStore creates a credential store backed by the config source.
func NewStore(configs ConfigSource, ttl time.Duration) *Store {
	if configs == nil {
		panic("config source cannot be nil")
	}
	return &Store{
		configs: configs,
		ttl:     ttl,
		logger:  slog.Default().With("component", "credentials"),
		entries: make(map[string]*credEntry),
	}
}

// Resolve returns the credential material for one integration,
// enforcing trial rules:
//
//   - a trial credential is valid only while trial_expires_at is in
//     the future;
//   - an expired trial without an active subscription is denied even
//     when the team brought its own key.
func (s *Store) Resolve(ctx context.Context, org, team, integration string) (*models.IntegrationConfig, error) {
	if org == "" || team == "" || integration == "" {
		return nil, services.NewValidationError("org/team/integration", "cannot be empty")
	}

	key := cacheKey(org, team, integration)
	if cred, ok := s.get(key); ok {
		return cred, nil
	}

	cfg, err := s.configs.EffectiveConfig(ctx, org, team)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s/%s: %w", org, team, err)
	}

	integ, ok := cfg.Integrations[integration]
	if !ok {
		return nil, fmt.Errorf("integration %q not configured for %s/%s: %w", integration, org, team, services.ErrNotFound)
	}

	if integ.IsTrial && !trialCurrent(&integ) && !subscriptionActive[integ.SubscriptionStatus] {
		s.logger.Warn("Denied expired-trial credential",
			"org", org, "team", team, "integration", integration,
			"subscription_status", integ.SubscriptionStatus)
		return nil, fmt.Errorf("trial for %q ended for %s/%s: %w", integration, org, team, services.ErrTrialExpired)
	}

	if integ.APIKey == "" && integ.Username == "" {
		return nil, fmt.Errorf("integration %q has no credential material for %s/%s: %w", integration, org, team, services.ErrNotFound)
	}

	cred := integ
	s.set(key, &cred)
	return &cred, nil
}

// Invalidate drops every cached credential for one team. Called after
// config patches so new material is picked up without waiting out the
// TTL.
func (s *Store) Invalidate(org, team string) {
	prefix := cacheKey(org, team, "")
	s.mu.Lock()
	for key := range s.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

func (s *Store) get(key string) (*models.IntegrationConfig, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Since(entry.fetchedAt) > s.ttl {
		s.mu.Lock()
		if current, ok := s.entries[key]; ok && time.Since(current.fetchedAt) > s.ttl {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return entry.cred, true
}

func (s *Store) set(key string, cred *models.IntegrationConfig) {
	s.mu.Lock()
	s.entries[key] = &credEntry{cred: cred, fetchedAt: time.Now()}
	s.mu.Unlock()
}

func cacheKey(org, team, integration string) string {
	return org + "\x00" + team + "\x00" + integration
}

// trialCurrent reports whether a trial credential is still inside its
// window. A trial with no expiry on record is treated as ended.
func trialCurrent(integ *models.IntegrationConfig) bool {
	return integ.TrialExpiresAt != nil && time.Now().Before(*integ.TrialExpiresAt)
}
