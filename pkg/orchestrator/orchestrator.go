// Package orchestrator drives team provisioning, deprovisioning,
// CronJob reconciliation and admin-initiated agent runs. Provisioning
// is a durable multi-step state machine: every step outcome lands in
// the provisioning_runs row before the next step starts, two replicas
// serialize per team through a PostgreSQL advisory lock, and repeated
// calls with the same idempotency key replay the stored snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/incidentfox/incidentfox/pkg/database"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// Provisioning step names, in execution order.
const (
	StepConfigPatch         = "config_patch"
	StepSlackChannelMap     = "slack_channel_map"
	StepTeamToken           = "team_token"
	StepBootstrap           = "bootstrap"
	StepPipelineCronjob     = "pipeline_cronjob"
	StepDedicatedDeployment = "dedicated_deployment"
)

// ConfigAPI is the slice of the config service client the orchestrator
// needs. *configclient.Client satisfies it.
type ConfigAPI interface {
	CheckAdminPermission(ctx context.Context, token, permission string) (*models.AdminIdentity, error)
	ProvisionPermission() string
	EffectiveConfig(ctx context.Context, org, team string) (*models.EffectiveTeamConfig, error)
	PatchTeamConfig(ctx context.Context, org, team string, patch map[string]any) error
	ListTeams(ctx context.Context, org string) ([]models.TeamRef, error)
	TeamTokens(ctx context.Context, org, team string) ([]models.TeamToken, error)
	MintTeamToken(ctx context.Context, org, team string) (*models.TeamToken, error)
	ImpersonationToken(ctx context.Context, org, team string, ttl time.Duration) (string, error)
}

// LicenseAPI reads the telemetry collector's license summary. A nil
// LicenseAPI disables the gate.
type LicenseAPI interface {
	License(ctx context.Context, org string) (*models.LicenseInfo, error)
}

// Unlocker releases one held advisory lock.
type Unlocker interface {
	Release()
}

// Locker hands out named exclusive locks. *database.Client provides
// the PostgreSQL-backed implementation via LockerFor.
type Locker interface {
	AcquireLock(ctx context.Context, name string) (Unlocker, error)
}

type dbLocker struct {
	db *database.Client
}

func (l dbLocker) AcquireLock(ctx context.Context, name string) (Unlocker, error) {
	lock, err := l.db.AcquireLock(ctx, name)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// LockerFor wraps a database client as a Locker.
func LockerFor(db *database.Client) Locker {
	return dbLocker{db: db}
}

// ProvisionStore persists provisioning runs. *services.ProvisionService
// satisfies it.
type ProvisionStore interface {
	CreateRun(ctx context.Context, org, team, idempotencyKey string) (*models.ProvisioningRun, error)
	GetRun(ctx context.Context, id string) (*models.ProvisioningRun, error)
	FindByIdempotencyKey(ctx context.Context, org, team, key string) (*models.ProvisioningRun, error)
	RecordStep(ctx context.Context, id, step string, result models.StepResult) error
	Complete(ctx context.Context, id string, status models.ProvisioningRunStatus, runErr string) error
	CountSucceeded(ctx context.Context) (int, error)
}

// RunStore opens audit rows for agent runs. *services.RunService
// satisfies it.
type RunStore interface {
	CreateRun(ctx context.Context, input services.CreateRunInput) (*models.AgentRun, error)
}

// KubeReconciler applies the per-team Kubernetes workloads.
// *kube.Reconciler satisfies it.
type KubeReconciler interface {
	EnsureCronJob(ctx context.Context, org, team, component, schedule string) (string, error)
	DeleteCronJob(ctx context.Context, org, team, component string) (bool, error)
	EnsureAgentDeployment(ctx context.Context, org, team string) (string, error)
	CreateOneOffJob(ctx context.Context, org, team, component, suffix string) (string, error)
	DeleteTeamResources(ctx context.Context, org, team string, dryRun bool) (map[string]string, error)
}

// AgentJob is one dispatched agent run: the audit row plus everything
// the session runtime needs to execute it.
type AgentJob struct {
	Run       *models.AgentRun
	Config    *models.EffectiveTeamConfig
	TeamToken string
	Prompt    string
}

// AgentDispatcher hands a created run to the session runtime. Dispatch
// returns once the run is accepted; execution is asynchronous.
type AgentDispatcher interface {
	Dispatch(ctx context.Context, job *AgentJob) error
}

// Orchestrator coordinates provisioning and admin operations.
type Orchestrator struct {
	configs    ConfigAPI
	license    LicenseAPI
	locks      Locker
	store      ProvisionStore
	runs       RunStore
	kube       KubeReconciler
	dispatcher AgentDispatcher
	logger     *slog.Logger
}

// NewOrchestrator wires the orchestrator. license may be nil (no
// gate); dispatcher may be nil (agent runs report unavailable).
func NewOrchestrator(configs ConfigAPI, license LicenseAPI, locks Locker, store ProvisionStore, runs RunStore, kube KubeReconciler, dispatcher AgentDispatcher) *Orchestrator {
	if configs == nil {
		panic("config client cannot be nil")
	}
	if locks == nil {
		panic("locker cannot be nil")
	}
	if store == nil {
		panic("provision store cannot be nil")
	}
	if runs == nil {
		panic("run store cannot be nil")
	}
	if kube == nil {
		panic("kube reconciler cannot be nil")
	}
	return &Orchestrator{
		configs:    configs,
		license:    license,
		locks:      locks,
		store:      store,
		runs:       runs,
		kube:       kube,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "orchestrator"),
	}
}

// authorize validates the admin token against the configured
// provisioning permission.
func (o *Orchestrator) authorize(ctx context.Context, token string) (*models.AdminIdentity, error) {
	return o.configs.CheckAdminPermission(ctx, token, o.configs.ProvisionPermission())
}

// checkLicense enforces the max_teams cap when a collector is
// configured. Collector outages skip the gate rather than blocking
// provisioning.
func (o *Orchestrator) checkLicense(ctx context.Context, org string) error {
	if o.license == nil {
		return nil
	}
	info, err := o.license.License(ctx, org)
	if err != nil {
		o.logger.Warn("License lookup failed, skipping gate", "org", org, "error", err)
		return nil
	}
	if info.MaxTeams <= 0 {
		return nil
	}

	count, err := o.store.CountSucceeded(ctx)
	if err != nil {
		return fmt.Errorf("count provisioned teams: %w", err)
	}
	if count >= info.MaxTeams {
		return fmt.Errorf("provisioned team count %d reached license cap %d: %w", count, info.MaxTeams, services.ErrQuotaExceeded)
	}
	return nil
}
