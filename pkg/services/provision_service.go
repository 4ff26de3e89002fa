package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incidentfox/incidentfox/pkg/models"
)

// ProvisionService owns provisioning_runs. Step updates flow through it
// so the status endpoint can expose partial progress while the
// orchestrator is still working.
type ProvisionService struct {
	pool *pgxpool.Pool
}

// NewProvisionService creates a new ProvisionService.
func NewProvisionService(pool *pgxpool.Pool) *ProvisionService {
	if pool == nil {
		panic("NewProvisionService: pool must not be nil")
	}
	return &ProvisionService{pool: pool}
}

// CreateRun inserts a running provisioning row.
func (s *ProvisionService) CreateRun(ctx context.Context, org, team, idempotencyKey string) (*models.ProvisioningRun, error) {
	if org == "" {
		return nil, NewValidationError("org", "org is required")
	}
	if team == "" {
		return nil, NewValidationError("team", "team is required")
	}

	now := time.Now().UTC()
	run := &models.ProvisioningRun{
		ID:             uuid.New().String(),
		OrgID:          org,
		TeamNodeID:     team,
		IdempotencyKey: idempotencyKey,
		Status:         models.ProvisioningRunning,
		Steps:          map[string]models.StepResult{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO provisioning_runs (id, org_id, team_node_id, idempotency_key, status, steps, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, '{}'::jsonb, $6, $6)`,
		run.ID, run.OrgID, run.TeamNodeID, run.IdempotencyKey, run.Status, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning run: %w", err)
	}
	return run, nil
}

// GetRun returns one provisioning run by id.
func (s *ProvisionService) GetRun(ctx context.Context, id string) (*models.ProvisioningRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, team_node_id, COALESCE(idempotency_key, ''), status, steps,
		       COALESCE(error, ''), created_at, updated_at
		FROM provisioning_runs WHERE id = $1`, id)
	return scanProvisioningRun(row)
}

// FindByIdempotencyKey returns the most recent run for (org, team, key),
// or ErrNotFound. Used to short-circuit repeated provision calls.
func (s *ProvisionService) FindByIdempotencyKey(ctx context.Context, org, team, key string) (*models.ProvisioningRun, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, team_node_id, COALESCE(idempotency_key, ''), status, steps,
		       COALESCE(error, ''), created_at, updated_at
		FROM provisioning_runs
		WHERE org_id = $1 AND team_node_id = $2 AND idempotency_key = $3
		ORDER BY created_at DESC LIMIT 1`, org, team, key)
	return scanProvisioningRun(row)
}

// RecordStep writes one step outcome into the run's steps map.
func (s *ProvisionService) RecordStep(ctx context.Context, id, step string, result models.StepResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal step result: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE provisioning_runs
		SET steps = jsonb_set(steps, ARRAY[$2], $3::jsonb, true), updated_at = now()
		WHERE id = $1`, id, step, payload)
	if err != nil {
		return fmt.Errorf("failed to record step %q: %w", step, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete transitions the run to a terminal status. Only the owning
// request mutates a run, so a lost race here indicates a bug; it is
// still surfaced as ErrConcurrentModification.
func (s *ProvisionService) Complete(ctx context.Context, id string, status models.ProvisioningRunStatus, runErr string) error {
	if !status.Terminal() {
		return NewValidationError("status", "completion status must be terminal")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE provisioning_runs
		SET status = $2, error = NULLIF($3, ''), updated_at = now()
		WHERE id = $1 AND status = 'running'`, id, status, runErr)
	if err != nil {
		return fmt.Errorf("failed to complete provisioning run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return ErrConcurrentModification
	}
	return nil
}

// CountSucceeded returns how many distinct teams have a succeeded
// provisioning run. Input to the license gate.
func (s *ProvisionService) CountSucceeded(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(DISTINCT (org_id, team_node_id))
		FROM provisioning_runs WHERE status = 'succeeded'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count succeeded runs: %w", err)
	}
	return count, nil
}

func scanProvisioningRun(row rowScanner) (*models.ProvisioningRun, error) {
	run := &models.ProvisioningRun{}
	var steps []byte
	err := row.Scan(&run.ID, &run.OrgID, &run.TeamNodeID, &run.IdempotencyKey,
		&run.Status, &steps, &run.Error, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan provisioning run: %w", err)
	}
	run.Steps = map[string]models.StepResult{}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}
	return run, nil
}
