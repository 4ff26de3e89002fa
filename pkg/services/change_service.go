package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incidentfox/incidentfox/pkg/models"
)

// ChangeService owns pending_changes. Creation is idempotent by id: a
// repeat insert returns the stored row unchanged.
type ChangeService struct {
	pool *pgxpool.Pool
}

// NewChangeService creates a new ChangeService.
func NewChangeService(pool *pgxpool.Pool) *ChangeService {
	if pool == nil {
		panic("NewChangeService: pool must not be nil")
	}
	return &ChangeService{pool: pool}
}

// Create inserts a pending change, or returns the existing row when the
// id was seen before.
func (s *ChangeService) Create(ctx context.Context, change *models.PendingChange) (*models.PendingChange, error) {
	if change.ID == "" {
		return nil, NewValidationError("id", "id is required")
	}
	if change.Org == "" {
		return nil, NewValidationError("org", "org is required")
	}
	if change.ChangeType == "" {
		return nil, NewValidationError("change_type", "change type is required")
	}
	if len(change.ProposedValue) == 0 {
		return nil, NewValidationError("proposed_value", "proposed value is required")
	}

	if change.Status == "" {
		change.Status = models.PendingChangePending
	}
	if change.RequestedAt.IsZero() {
		change.RequestedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pending_changes (id, org, node, change_type, change_path, proposed_value,
		                             previous_value, requested_by, reason, status, requested_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		change.ID, change.Org, change.Node, change.ChangeType, change.ChangePath,
		change.ProposedValue, nullableJSON(change.PreviousValue), change.RequestedBy,
		change.Reason, change.Status, change.RequestedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.Get(ctx, change.ID)
	}
	return change, nil
}

// Get returns one pending change by id.
func (s *ChangeService) Get(ctx context.Context, id string) (*models.PendingChange, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org, node, change_type, COALESCE(change_path, ''), proposed_value,
		       previous_value, requested_by, COALESCE(reason, ''), status, requested_at
		FROM pending_changes WHERE id = $1`, id)

	pc := &models.PendingChange{}
	var previous []byte
	err := row.Scan(&pc.ID, &pc.Org, &pc.Node, &pc.ChangeType, &pc.ChangePath,
		&pc.ProposedValue, &previous, &pc.RequestedBy, &pc.Reason, &pc.Status, &pc.RequestedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan pending change: %w", err)
	}
	if len(previous) > 0 {
		pc.PreviousValue = json.RawMessage(previous)
	}
	return pc, nil
}

// SetStatus moves a pending change to approved or rejected.
func (s *ChangeService) SetStatus(ctx context.Context, id string, status models.PendingChangeStatus) error {
	if status != models.PendingChangeApproved && status != models.PendingChangeRejected {
		return NewValidationError("status", "must be approved or rejected")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_changes SET status = $2 WHERE id = $1 AND status = 'pending'`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update pending change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrConcurrentModification
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
