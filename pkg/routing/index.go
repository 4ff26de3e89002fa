// Package routing maps external identifiers (Slack channels, GitHub
// repos, PagerDuty services, ...) to the (org, team) that owns them.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/incidentfox/incidentfox/pkg/models"
)

// KindPriority is the fixed lookup order. The first kind present in the
// input that matches any team wins.
var KindPriority = []string{
	"incidentio_team_ids",
	"pagerduty_service_ids",
	"slack_channel_ids",
	"github_repos",
	"coralogix_team_names",
	"incidentio_alert_source_ids",
	"services",
}

// textKinds normalize strip+lowercase before comparison; the rest are
// opaque ids compared verbatim.
var textKinds = map[string]bool{
	"github_repos":         true,
	"coralogix_team_names": true,
	"services":             true,
}

// TeamRoute is one team's routing index: identifier kind → normalized
// value set.
type TeamRoute struct {
	Org     string
	Team    string
	Indices map[string]map[string]bool
}

// TeamLister enumerates teams and their effective configs. Implemented
// by the config client.
type TeamLister interface {
	ListTeams(ctx context.Context, org string) ([]models.TeamRef, error)
	EffectiveConfig(ctx context.Context, org, team string) (*models.EffectiveTeamConfig, error)
}

// Index performs priority-ordered identifier lookups over team configs
// fetched through the config service, with a short read-through cache.
type Index struct {
	lister TeamLister
	ttl    time.Duration

	mu      sync.Mutex
	routes  []TeamRoute
	scope   string
	fetched time.Time
}

// NewIndex creates a routing index backed by lister, caching team scans
// for ttl.
func NewIndex(lister TeamLister, ttl time.Duration) *Index {
	if lister == nil {
		panic("NewIndex: lister must not be nil")
	}
	return &Index{lister: lister, ttl: ttl}
}

// Normalize canonicalizes a value for the given kind.
func Normalize(kind, value string) string {
	if textKinds[kind] {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return strings.TrimSpace(value)
}

// BuildRoute converts an effective config into a TeamRoute.
func BuildRoute(org, team string, cfg *models.EffectiveTeamConfig) TeamRoute {
	route := TeamRoute{Org: org, Team: team, Indices: map[string]map[string]bool{}}
	add := func(kind string, values []string) {
		if len(values) == 0 {
			return
		}
		set := make(map[string]bool, len(values))
		for _, v := range values {
			if n := Normalize(kind, v); n != "" {
				set[n] = true
			}
		}
		if len(set) > 0 {
			route.Indices[kind] = set
		}
	}
	add("incidentio_team_ids", cfg.Routing.IncidentioTeamIDs)
	add("pagerduty_service_ids", cfg.Routing.PagerdutyServiceIDs)
	add("slack_channel_ids", cfg.Routing.SlackChannelIDs)
	add("github_repos", cfg.Routing.GithubRepos)
	add("coralogix_team_names", cfg.Routing.CoralogixTeamNames)
	add("incidentio_alert_source_ids", cfg.Routing.IncidentioAlertSourceIDs)
	add("services", cfg.Routing.Services)
	return route
}

// Lookup resolves identifiers to the first matching team in priority
// order. Tried lists the kinds attempted, in order, whether or not they
// matched. No fuzzy matching.
func (x *Index) Lookup(ctx context.Context, req models.RoutingLookupRequest) (*models.RoutingLookupResponse, error) {
	if len(req.Identifiers) == 0 {
		return nil, fmt.Errorf("identifiers are required")
	}

	routes, err := x.routesFor(ctx, req.Org)
	if err != nil {
		return nil, err
	}

	resp := &models.RoutingLookupResponse{Tried: []string{}}
	for _, kind := range KindPriority {
		value, ok := req.Identifiers[kind]
		if !ok || value == "" {
			continue
		}
		resp.Tried = append(resp.Tried, kind)

		normalized := Normalize(kind, value)
		for _, route := range routes {
			if route.Indices[kind][normalized] {
				resp.Found = true
				resp.Org = route.Org
				resp.Team = route.Team
				resp.MatchedBy = kind
				resp.MatchedValue = normalized
				return resp, nil
			}
		}
	}
	return resp, nil
}

// Invalidate drops the cached team scan.
func (x *Index) Invalidate() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.routes = nil
	x.fetched = time.Time{}
}

// routesFor returns routes scoped to org (all teams when org is empty),
// in a stable order so ties within a kind resolve consistently.
func (x *Index) routesFor(ctx context.Context, org string) ([]TeamRoute, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.routes != nil && x.scope == org && time.Since(x.fetched) < x.ttl {
		return x.routes, nil
	}

	teams, err := x.lister.ListTeams(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	sort.Slice(teams, func(i, j int) bool {
		if teams[i].Org != teams[j].Org {
			return teams[i].Org < teams[j].Org
		}
		return teams[i].Team < teams[j].Team
	})

	routes := make([]TeamRoute, 0, len(teams))
	for _, ref := range teams {
		cfg, err := x.lister.EffectiveConfig(ctx, ref.Org, ref.Team)
		if err != nil {
			slog.Warn("Routing: skipping team with unreadable config",
				"org", ref.Org, "team", ref.Team, "error", err)
			continue
		}
		routes = append(routes, BuildRoute(ref.Org, ref.Team, cfg))
	}

	x.routes = routes
	x.scope = org
	x.fetched = time.Now()
	return routes, nil
}
