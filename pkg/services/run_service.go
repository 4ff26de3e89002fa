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

// failureSummaryLimit caps the output summary stored for failed runs.
const failureSummaryLimit = 200

// RunService owns agent_runs and tool_calls.
type RunService struct {
	pool *pgxpool.Pool
}

// NewRunService creates a new RunService.
func NewRunService(pool *pgxpool.Pool) *RunService {
	if pool == nil {
		panic("NewRunService: pool must not be nil")
	}
	return &RunService{pool: pool}
}

// CreateRunInput contains the fields needed to open an agent run.
type CreateRunInput struct {
	Org           string
	Team          string
	CorrelationID string
	AgentName     string
	Trigger       models.RunTrigger
}

// CreateRun opens a new run in status running.
func (s *RunService) CreateRun(ctx context.Context, input CreateRunInput) (*models.AgentRun, error) {
	if input.Org == "" {
		return nil, NewValidationError("org", "org is required")
	}
	if input.Team == "" {
		return nil, NewValidationError("team", "team is required")
	}
	if input.AgentName == "" {
		return nil, NewValidationError("agent_name", "agent name is required")
	}

	trigger, err := json.Marshal(input.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger: %w", err)
	}

	run := &models.AgentRun{
		ID:            uuid.New().String(),
		Org:           input.Org,
		Team:          input.Team,
		CorrelationID: input.CorrelationID,
		AgentName:     input.AgentName,
		Status:        models.RunStatusRunning,
		Trigger:       input.Trigger,
		StartedAt:     time.Now().UTC(),
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_runs (id, org, team, correlation_id, agent_name, status, trigger, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Org, run.Team, run.CorrelationID, run.AgentName, run.Status, trigger, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return run, nil
}

// GetRun returns one run by id.
func (s *RunService) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org, team, correlation_id, agent_name, status, trigger, started_at,
		       completed_at, duration_seconds, tool_calls_count, output_summary, confidence, error
		FROM agent_runs WHERE id = $1`, id)
	return scanRun(row)
}

// GetRunDetail returns a run joined with its ordered tool-call trace.
func (s *RunService) GetRunDetail(ctx context.Context, id string) (*models.RunDetail, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, tool_name, agent_name, parent_agent, input, output,
		       started_at, duration_ms, status, sequence_number
		FROM tool_calls WHERE run_id = $1 ORDER BY sequence_number ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var calls []*models.ToolCall
	for rows.Next() {
		tc := &models.ToolCall{}
		var agentName, parentAgent, output *string
		if err := rows.Scan(&tc.ID, &tc.RunID, &tc.ToolName, &agentName, &parentAgent,
			&tc.Input, &output, &tc.StartedAt, &tc.DurationMillis, &tc.Status, &tc.SequenceNumber); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		tc.AgentName = deref(agentName)
		tc.ParentAgent = deref(parentAgent)
		tc.Output = deref(output)
		calls = append(calls, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tool calls: %w", err)
	}

	return &models.RunDetail{Run: run, ToolCalls: calls}, nil
}

// ListRuns returns a filtered, paginated run listing, newest first.
func (s *RunService) ListRuns(ctx context.Context, filters models.RunFilters) (*models.RunListResponse, error) {
	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	where := " WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.Org != "" {
		where += " AND org = " + arg(filters.Org)
	}
	if filters.Team != "" {
		where += " AND team = " + arg(filters.Team)
	}
	if filters.Status != "" {
		where += " AND status = " + arg(filters.Status)
	}
	if filters.AgentName != "" {
		where += " AND agent_name = " + arg(filters.AgentName)
	}
	if filters.Since != nil {
		where += " AND started_at >= " + arg(*filters.Since)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM agent_runs"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `
		SELECT id, org, team, correlation_id, agent_name, status, trigger, started_at,
		       completed_at, duration_seconds, tool_calls_count, output_summary, confidence, error
		FROM agent_runs` + where +
		" ORDER BY started_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}

	return &models.RunListResponse{Runs: runs, TotalCount: total, Limit: limit, Offset: offset}, nil
}

// CompleteRunInput carries the terminal outcome of a run.
type CompleteRunInput struct {
	Status         models.AgentRunStatus
	OutputSummary  string
	Confidence     *float64
	ToolCallsCount int
	Error          string
}

// CompleteRun transitions a run out of running exactly once. A second
// completion, or completing a swept run, returns ErrConcurrentModification.
func (s *RunService) CompleteRun(ctx context.Context, id string, input CompleteRunInput) error {
	if !input.Status.Terminal() {
		return NewValidationError("status", "completion status must be terminal")
	}

	summary := input.OutputSummary
	if input.Status != models.RunStatusCompleted && len(summary) > failureSummaryLimit {
		summary = summary[:failureSummaryLimit]
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2,
		    completed_at = $3,
		    duration_seconds = EXTRACT(EPOCH FROM ($3::timestamptz - started_at)),
		    tool_calls_count = $4,
		    output_summary = $5,
		    confidence = $6,
		    error = NULLIF($7, '')
		WHERE id = $1 AND status = 'running'`,
		id, input.Status, now, input.ToolCallsCount, summary, input.Confidence, input.Error)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish unknown id from an already-terminal run.
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return ErrConcurrentModification
	}
	return nil
}

// RecordToolCalls bulk-inserts a run's tool-call trace. Called once at
// end-of-run with the calls ordered by sequence number.
func (s *RunService) RecordToolCalls(ctx context.Context, runID string, calls []*models.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, tc := range calls {
		id := tc.ID
		if id == "" {
			id = uuid.New().String()
		}
		input := tc.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		batch.Queue(`
			INSERT INTO tool_calls (id, run_id, tool_name, agent_name, parent_agent, input,
			                        output, started_at, duration_ms, status, sequence_number)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10, $11)`,
			id, runID, tc.ToolName, tc.AgentName, tc.ParentAgent, input,
			tc.Output, tc.StartedAt, tc.DurationMillis, tc.Status, tc.SequenceNumber)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range calls {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert tool call batch: %w", err)
		}
	}
	return nil
}

// SweepStaleRuns transitions running runs older than maxAge to timeout.
// Returns the ids of swept runs.
func (s *RunService) SweepStaleRuns(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := s.pool.Query(ctx, `
		UPDATE agent_runs
		SET status = 'timeout',
		    completed_at = now(),
		    duration_seconds = EXTRACT(EPOCH FROM (now() - started_at)),
		    error = 'run exceeded max age'
		WHERE status = 'running' AND started_at < $1
		RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stale runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan swept run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.AgentRun, error) {
	run := &models.AgentRun{}
	var trigger []byte
	var summary, runErr *string
	err := row.Scan(&run.ID, &run.Org, &run.Team, &run.CorrelationID, &run.AgentName,
		&run.Status, &trigger, &run.StartedAt, &run.CompletedAt, &run.DurationSeconds,
		&run.ToolCallsCount, &summary, &run.Confidence, &runErr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &run.Trigger); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
		}
	}
	run.OutputSummary = deref(summary)
	run.Error = deref(runErr)
	return run, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
