package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incidentfox/incidentfox/pkg/models"
)

// ConversationService owns conversation_mappings: one current external
// conversation per session id, upsert semantics.
type ConversationService struct {
	pool *pgxpool.Pool
}

// NewConversationService creates a new ConversationService.
func NewConversationService(pool *pgxpool.Pool) *ConversationService {
	if pool == nil {
		panic("NewConversationService: pool must not be nil")
	}
	return &ConversationService{pool: pool}
}

// Upsert stores or refreshes a mapping and bumps last_used_at.
func (s *ConversationService) Upsert(ctx context.Context, m *models.ConversationMapping) error {
	if m.SessionID == "" {
		return NewValidationError("session_id", "session id is required")
	}
	if m.ExternalConversationID == "" {
		return NewValidationError("external_conversation_id", "external conversation id is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_mappings (session_id, external_conversation_id, session_type, org, team, last_used_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), now())
		ON CONFLICT (session_id) DO UPDATE SET
		    external_conversation_id = EXCLUDED.external_conversation_id,
		    session_type = EXCLUDED.session_type,
		    org = EXCLUDED.org,
		    team = EXCLUDED.team,
		    last_used_at = now()`,
		m.SessionID, m.ExternalConversationID, m.SessionType, m.Org, m.Team)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation mapping: %w", err)
	}
	return nil
}

// Get returns the current mapping for a session id.
func (s *ConversationService) Get(ctx context.Context, sessionID string) (*models.ConversationMapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, external_conversation_id, session_type,
		       COALESCE(org, ''), COALESCE(team, ''), last_used_at
		FROM conversation_mappings WHERE session_id = $1`, sessionID)

	m := &models.ConversationMapping{}
	err := row.Scan(&m.SessionID, &m.ExternalConversationID, &m.SessionType, &m.Org, &m.Team, &m.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan conversation mapping: %w", err)
	}
	return m, nil
}

// Touch bumps last_used_at for an existing mapping.
func (s *ConversationService) Touch(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_mappings SET last_used_at = $2 WHERE session_id = $1`,
		sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch conversation mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
