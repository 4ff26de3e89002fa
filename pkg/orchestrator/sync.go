package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/kube"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// pipelineFeature pairs a config toggle with its CronJob component.
type pipelineFeature struct {
	component string
	feature   func(*models.EffectiveTeamConfig) models.PipelineFeature
}

var pipelineFeatures = []pipelineFeature{
	{kube.ComponentPipeline, func(c *models.EffectiveTeamConfig) models.PipelineFeature { return c.AIPipeline }},
	{kube.ComponentDiscovery, func(c *models.EffectiveTeamConfig) models.PipelineFeature { return c.DepDiscovery }},
}

// SyncCronJobs reconciles every team's pipeline CronJobs against team
// config. Enabled features get a create-or-update from their schedule;
// disabled features get their CronJob deleted. Per-team failures are
// collected, not fatal.
func (o *Orchestrator) SyncCronJobs(ctx context.Context, adminToken string) (*models.CronSyncResult, error) {
	if _, err := o.authorize(ctx, adminToken); err != nil {
		return nil, err
	}

	teams, err := o.configs.ListTeams(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}

	result := &models.CronSyncResult{}
	for _, team := range teams {
		cfg, err := o.configs.EffectiveConfig(ctx, team.Org, team.Team)
		if err != nil {
			result.Failed = append(result.Failed, fmt.Sprintf("%s/%s: %v", team.Org, team.Team, err))
			continue
		}

		for _, pf := range pipelineFeatures {
			feature := pf.feature(cfg)
			if err := o.syncOne(ctx, team, pf.component, feature, result); err != nil {
				result.Failed = append(result.Failed, fmt.Sprintf("%s/%s %s: %v", team.Org, team.Team, pf.component, err))
			}
		}
	}

	o.logger.Info("Synced cronjobs", "teams", len(teams),
		"created", result.Created, "updated", result.Updated,
		"deleted", result.Deleted, "failed", len(result.Failed))
	return result, nil
}

func (o *Orchestrator) syncOne(ctx context.Context, team models.TeamRef, component string, feature models.PipelineFeature, result *models.CronSyncResult) error {
	if !feature.Enabled || feature.Schedule == "" {
		found, err := o.kube.DeleteCronJob(ctx, team.Org, team.Team, component)
		if err != nil {
			return err
		}
		if found {
			result.Deleted++
		}
		return nil
	}

	if err := config.ValidateCron(feature.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", feature.Schedule, err)
	}

	outcome, err := o.kube.EnsureCronJob(ctx, team.Org, team.Team, component, feature.Schedule)
	if err != nil {
		return err
	}
	switch outcome {
	case kube.OutcomeCreated:
		result.Created++
	case kube.OutcomeUpdated:
		result.Updated++
	}
	return nil
}

// TriggerPipeline launches a one-off pipeline Job for a team,
// suffixed manual-<timestamp> so repeated triggers coexist.
func (o *Orchestrator) TriggerPipeline(ctx context.Context, adminToken, org, team string) (string, error) {
	if org == "" || team == "" {
		return "", services.NewValidationError("org/team", "cannot be empty")
	}
	if _, err := o.authorize(ctx, adminToken); err != nil {
		return "", err
	}

	suffix := "manual-" + time.Now().UTC().Format("20060102150405")
	jobName, err := o.kube.CreateOneOffJob(ctx, org, team, kube.ComponentPipeline, suffix)
	if err != nil {
		return "", fmt.Errorf("trigger pipeline for %s/%s: %v: %w", org, team, err, services.ErrUnavailable)
	}
	return jobName, nil
}
