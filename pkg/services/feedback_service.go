package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incidentfox/incidentfox/pkg/models"
)

// FeedbackService records user verdicts on runs.
type FeedbackService struct {
	pool *pgxpool.Pool
	runs *RunService
}

// NewFeedbackService creates a new FeedbackService.
func NewFeedbackService(pool *pgxpool.Pool, runs *RunService) *FeedbackService {
	if pool == nil {
		panic("NewFeedbackService: pool must not be nil")
	}
	if runs == nil {
		panic("NewFeedbackService: runs must not be nil")
	}
	return &FeedbackService{pool: pool, runs: runs}
}

// Create records feedback for an existing run.
func (s *FeedbackService) Create(ctx context.Context, runID string, req models.CreateFeedbackRequest) (*models.Feedback, error) {
	switch req.FeedbackType {
	case models.FeedbackPositive, models.FeedbackNegative:
	default:
		return nil, NewValidationError("feedback_type", "must be positive or negative")
	}
	if req.Source == "" {
		return nil, NewValidationError("source", "source is required")
	}

	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	fb := &models.Feedback{
		ID:            uuid.New().String(),
		RunID:         runID,
		FeedbackType:  req.FeedbackType,
		Source:        req.Source,
		UserID:        req.UserID,
		CorrelationID: req.CorrelationID,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (id, run_id, feedback_type, source, user_id, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
		fb.ID, fb.RunID, fb.FeedbackType, fb.Source, fb.UserID, fb.CorrelationID, fb.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create feedback: %w", err)
	}
	return fb, nil
}

// ListForRun returns feedback entries for a run, newest first.
func (s *FeedbackService) ListForRun(ctx context.Context, runID string) ([]*models.Feedback, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, feedback_type, source, COALESCE(user_id, ''),
		       COALESCE(correlation_id, ''), created_at
		FROM feedback WHERE run_id = $1 ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []*models.Feedback
	for rows.Next() {
		fb := &models.Feedback{}
		if err := rows.Scan(&fb.ID, &fb.RunID, &fb.FeedbackType, &fb.Source,
			&fb.UserID, &fb.CorrelationID, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}
