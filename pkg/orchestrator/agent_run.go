package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// defaultAgentName is used when a run request does not name an agent.
const defaultAgentName = "investigator"

// RunAgentAdmin handles the admin-initiated agent run: auth, then the
// shared start path.
func (o *Orchestrator) RunAgentAdmin(ctx context.Context, adminToken string, req *models.RunAgentRequest) (*models.RunAgentResponse, error) {
	if req == nil || req.Org == "" || req.Team == "" {
		return nil, services.NewValidationError("org/team", "cannot be empty")
	}
	if req.Prompt == "" {
		return nil, services.NewValidationError("prompt", "prompt is required")
	}
	if _, err := o.authorize(ctx, adminToken); err != nil {
		return nil, err
	}

	return o.StartAgentRun(ctx, StartRunInput{
		Org:           req.Org,
		Team:          req.Team,
		AgentName:     req.AgentName,
		CorrelationID: req.CorrelationID,
		Trigger: models.RunTrigger{
			Source:  "admin",
			Actor:   req.Actor,
			Message: req.Prompt,
			Channel: req.Channel,
		},
		Prompt: req.Prompt,
	})
}

// StartRunInput describes one agent run to dispatch. CorrelationID ties
// the run back to the triggering surface (a Slack thread ts, an incident
// id); a fresh uuid is assigned when empty.
type StartRunInput struct {
	Org           string
	Team          string
	AgentName     string
	CorrelationID string
	Trigger       models.RunTrigger
	Prompt        string
}

// StartAgentRun resolves team config, mints an impersonation token
// server-side, opens the audit row and dispatches the session. The
// caller gets the run id immediately; execution is asynchronous.
func (o *Orchestrator) StartAgentRun(ctx context.Context, input StartRunInput) (*models.RunAgentResponse, error) {
	if o.dispatcher == nil {
		return nil, fmt.Errorf("agent runtime not configured: %w", services.ErrUnavailable)
	}
	if input.AgentName == "" {
		input.AgentName = defaultAgentName
	}
	if input.CorrelationID == "" {
		input.CorrelationID = uuid.New().String()
	}

	cfg, err := o.configs.EffectiveConfig(ctx, input.Org, input.Team)
	if err != nil {
		return nil, fmt.Errorf("resolve team %s/%s: %w", input.Org, input.Team, err)
	}

	token, err := o.configs.ImpersonationToken(ctx, input.Org, input.Team, 0)
	if err != nil {
		return nil, fmt.Errorf("mint impersonation token: %w", err)
	}

	run, err := o.runs.CreateRun(ctx, services.CreateRunInput{
		Org:           input.Org,
		Team:          input.Team,
		CorrelationID: input.CorrelationID,
		AgentName:     input.AgentName,
		Trigger:       input.Trigger,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit run: %w", err)
	}

	job := &AgentJob{Run: run, Config: cfg, TeamToken: token, Prompt: input.Prompt}
	if err := o.dispatcher.Dispatch(ctx, job); err != nil {
		return nil, fmt.Errorf("dispatch agent run %s: %w", run.ID, err)
	}

	o.logger.Info("Dispatched agent run", "run_id", run.ID,
		"org", input.Org, "team", input.Team, "agent", input.AgentName)
	return &models.RunAgentResponse{RunID: run.ID, Status: run.Status}, nil
}
