package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/kube"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// ProvisionTeam runs the provisioning state machine for one team. The
// returned response is non-nil whenever a run row exists, including on
// failure, so the HTTP layer can always attach the run-id header.
func (o *Orchestrator) ProvisionTeam(ctx context.Context, adminToken string, req *models.ProvisionRequest) (*models.ProvisionResponse, error) {
	if err := validateProvisionRequest(req); err != nil {
		return nil, err
	}
	if _, err := o.authorize(ctx, adminToken); err != nil {
		return nil, err
	}
	if err := o.checkLicense(ctx, req.Org); err != nil {
		return nil, err
	}

	// Serialize per team across replicas. Held for the whole request;
	// released on every exit path.
	lock, err := o.locks.AcquireLock(ctx, fmt.Sprintf("provision|%s|%s", req.Org, req.Team))
	if err != nil {
		return nil, fmt.Errorf("acquire provisioning lock for %s/%s: %w", req.Org, req.Team, err)
	}
	defer lock.Release()

	if req.IdempotencyKey != "" {
		existing, err := o.store.FindByIdempotencyKey(ctx, req.Org, req.Team, req.IdempotencyKey)
		if err == nil {
			o.logger.Info("Returning existing provisioning run for idempotency key",
				"run_id", existing.ID, "org", req.Org, "team", req.Team, "status", existing.Status)
			return snapshotResponse(existing), nil
		}
		if !errors.Is(err, services.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	run, err := o.store.CreateRun(ctx, req.Org, req.Team, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("create provisioning run: %w", err)
	}
	o.logger.Info("Provisioning team", "run_id", run.ID, "org", req.Org, "team", req.Team,
		"channels", len(req.ChannelIDs), "schedule", req.PipelineSchedule, "mode", req.DeploymentMode)

	resp := &models.ProvisionResponse{RunID: run.ID, Status: models.ProvisioningRunning}

	if _, err := o.runStep(ctx, run.ID, StepConfigPatch, func(ctx context.Context) (string, error) {
		patch := map[string]any{}
		if len(req.ChannelIDs) > 0 {
			patch["routing"] = map[string]any{"slack_channel_ids": req.ChannelIDs}
		}
		if req.PipelineSchedule != "" {
			patch["ai_pipeline"] = map[string]any{"enabled": true, "schedule": req.PipelineSchedule}
		}
		if len(patch) == 0 {
			return "nothing to patch", nil
		}
		if err := o.configs.PatchTeamConfig(ctx, req.Org, req.Team, patch); err != nil {
			return "", err
		}
		return "patched team node config", nil
	}); err != nil {
		return o.failRun(ctx, resp, StepConfigPatch, err)
	}

	if _, err := o.runStep(ctx, run.ID, StepSlackChannelMap, func(context.Context) (string, error) {
		// Channels live in the config service row patched above; there
		// is no local mapping table to write.
		return fmt.Sprintf("%d channel(s) mapped via config service", len(req.ChannelIDs)), nil
	}); err != nil {
		return o.failRun(ctx, resp, StepSlackChannelMap, err)
	}

	if _, err := o.runStep(ctx, run.ID, StepTeamToken, func(ctx context.Context) (string, error) {
		tokens, err := o.configs.TeamTokens(ctx, req.Org, req.Team)
		if err != nil {
			return "", err
		}
		for _, tok := range tokens {
			if !tok.Revoked {
				return "existing token " + tok.ID + " kept", nil
			}
		}
		minted, err := o.configs.MintTeamToken(ctx, req.Org, req.Team)
		if err != nil {
			return "", err
		}
		resp.TeamToken = minted.Token
		return "minted token " + minted.ID, nil
	}); err != nil {
		return o.failRun(ctx, resp, StepTeamToken, err)
	}

	bootstrapRes, err := o.runStep(ctx, run.ID, StepBootstrap, func(ctx context.Context) (string, error) {
		suffix := time.Now().UTC().Format("20060102150405")
		jobName, err := o.kube.CreateOneOffJob(ctx, req.Org, req.Team, kube.ComponentBootstrap, suffix)
		if err != nil {
			return "", err
		}
		return "job " + jobName, nil
	})
	resp.PipelineBootstrap = &bootstrapRes
	if err != nil {
		return o.failRun(ctx, resp, StepBootstrap, err)
	}

	if req.PipelineSchedule != "" {
		cronRes, err := o.runStep(ctx, run.ID, StepPipelineCronjob, func(ctx context.Context) (string, error) {
			outcome, err := o.kube.EnsureCronJob(ctx, req.Org, req.Team, kube.ComponentPipeline, req.PipelineSchedule)
			if err != nil {
				return "", err
			}
			return "cronjob " + outcome, nil
		})
		resp.PipelineCronjob = &cronRes
		if err != nil {
			return o.failRun(ctx, resp, StepPipelineCronjob, err)
		}
	}

	if req.DeploymentMode == models.DeploymentDedicated {
		dedicatedRes, err := o.runStep(ctx, run.ID, StepDedicatedDeployment, func(ctx context.Context) (string, error) {
			url, err := o.kube.EnsureAgentDeployment(ctx, req.Org, req.Team)
			if err != nil {
				return "", err
			}
			patch := map[string]any{"agent": map[string]any{"dedicated_service_url": url}}
			if err := o.configs.PatchTeamConfig(ctx, req.Org, req.Team, patch); err != nil {
				return "", fmt.Errorf("patch dedicated_service_url: %w", err)
			}
			return url, nil
		})
		resp.DedicatedDeployment = &dedicatedRes
		if err != nil {
			return o.failRun(ctx, resp, StepDedicatedDeployment, err)
		}
	}

	if err := o.store.Complete(ctx, run.ID, models.ProvisioningSucceeded, ""); err != nil {
		o.logger.Error("Failed to mark provisioning run succeeded", "run_id", run.ID, "error", err)
		return o.failRun(ctx, resp, "finalize", err)
	}
	resp.Status = models.ProvisioningSucceeded
	o.logger.Info("Provisioned team", "run_id", run.ID, "org", req.Org, "team", req.Team)
	return resp, nil
}

// GetProvisionRun returns one stored run, auth-gated like the write
// paths.
func (o *Orchestrator) GetProvisionRun(ctx context.Context, adminToken, runID string) (*models.ProvisioningRun, error) {
	if _, err := o.authorize(ctx, adminToken); err != nil {
		return nil, err
	}
	return o.store.GetRun(ctx, runID)
}

// DeprovisionTeam deletes the team's Kubernetes resources. Missing
// objects report not_found; API failures surface as unavailable with
// the partial report attached.
func (o *Orchestrator) DeprovisionTeam(ctx context.Context, adminToken string, req *models.DeprovisionRequest) (*models.DeprovisionResponse, error) {
	if req == nil || req.Org == "" || req.Team == "" {
		return nil, services.NewValidationError("org/team", "cannot be empty")
	}
	if _, err := o.authorize(ctx, adminToken); err != nil {
		return nil, err
	}

	resp := &models.DeprovisionResponse{
		Org:       req.Org,
		Team:      req.Team,
		DryRun:    req.DryRun,
		Resources: map[string]string{},
	}
	if !req.DeleteK8sResources && !req.DryRun {
		return resp, nil
	}

	resources, err := o.kube.DeleteTeamResources(ctx, req.Org, req.Team, req.DryRun)
	if resources != nil {
		resp.Resources = resources
	}
	if err != nil {
		return resp, fmt.Errorf("kubernetes deletion incomplete: %v: %w", err, services.ErrUnavailable)
	}
	o.logger.Info("Deprovisioned team", "org", req.Org, "team", req.Team, "dry_run", req.DryRun)
	return resp, nil
}

// runStep executes one provisioning step and records its outcome on
// the run row before returning. The original step error is preserved
// so HTTP mapping sees the right kind.
func (o *Orchestrator) runStep(ctx context.Context, runID, name string, fn func(context.Context) (string, error)) (models.StepResult, error) {
	details, err := fn(ctx)
	result := models.StepResult{OK: err == nil, Details: details}
	if err != nil {
		result.Error = err.Error()
		o.logger.Warn("Provisioning step failed", "run_id", runID, "step", name, "error", err)
	}
	if recErr := o.store.RecordStep(ctx, runID, name, result); recErr != nil {
		o.logger.Error("Failed to record provisioning step", "run_id", runID, "step", name, "error", recErr)
	}
	return result, err
}

// failRun finalizes the row as failed and hands back both the partial
// response and the step error.
func (o *Orchestrator) failRun(ctx context.Context, resp *models.ProvisionResponse, step string, stepErr error) (*models.ProvisionResponse, error) {
	msg := fmt.Sprintf("step %s: %v", step, stepErr)
	if err := o.store.Complete(ctx, resp.RunID, models.ProvisioningFailed, msg); err != nil {
		o.logger.Error("Failed to mark provisioning run failed", "run_id", resp.RunID, "error", err)
	}
	resp.Status = models.ProvisioningFailed
	return resp, fmt.Errorf("provisioning step %s: %w", step, stepErr)
}

// snapshotResponse rebuilds the response from a stored run. The team
// token secret is never replayed.
func snapshotResponse(run *models.ProvisioningRun) *models.ProvisionResponse {
	resp := &models.ProvisionResponse{RunID: run.ID, Status: run.Status}
	if res, ok := run.Steps[StepBootstrap]; ok {
		r := res
		resp.PipelineBootstrap = &r
	}
	if res, ok := run.Steps[StepPipelineCronjob]; ok {
		r := res
		resp.PipelineCronjob = &r
	}
	if res, ok := run.Steps[StepDedicatedDeployment]; ok {
		r := res
		resp.DedicatedDeployment = &r
	}
	return resp
}

func validateProvisionRequest(req *models.ProvisionRequest) error {
	if req == nil {
		return services.NewValidationError("request", "body is required")
	}
	if req.Org == "" {
		return services.NewValidationError("org", "org is required")
	}
	if req.Team == "" {
		return services.NewValidationError("team", "team is required")
	}
	switch req.DeploymentMode {
	case "", models.DeploymentShared, models.DeploymentDedicated:
	default:
		return services.NewValidationError("deployment_mode", fmt.Sprintf("unknown mode %q", req.DeploymentMode))
	}
	if req.PipelineSchedule != "" {
		if err := config.ValidateCron(req.PipelineSchedule); err != nil {
			return services.NewValidationError("pipeline_schedule", err.Error())
		}
	}
	return nil
}
