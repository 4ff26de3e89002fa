package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/models"
	"github.com/incidentfox/incidentfox/pkg/orchestrator"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// auditWriteTimeout bounds the post-run audit writes.
const auditWriteTimeout = 30 * time.Second

// EventSink receives session events in emission order. Handle must not
// block for long or it stalls the session's event channel.
type EventSink interface {
	Handle(ev Event)
}

// SinkFactory builds the rendering sink for one run. A nil factory, or
// a nil sink, disables rendering; the audit trail is always written.
type SinkFactory func(job *orchestrator.AgentJob) EventSink

// RunCompleter is the audit slice of the run service the manager
// writes through. *services.RunService satisfies it.
type RunCompleter interface {
	CompleteRun(ctx context.Context, id string, input services.CompleteRunInput) error
	RecordToolCalls(ctx context.Context, runID string, calls []*models.ToolCall) error
}

// Manager owns the live sessions. It accepts jobs from the
// orchestrator, runs each in its own goroutine, fans events out to the
// rendering sink and the audit trail, and completes the run row when
// the session finishes. It satisfies both orchestrator.AgentDispatcher
// and the API server's SessionController.
type Manager struct {
	cfg    config.SessionConfig
	runs   RunCompleter
	sender CommandSender
	sink   SinkFactory
	logger *slog.Logger

	// newLLM builds the per-run model client; overridable in tests.
	newLLM func(job *orchestrator.AgentJob) LLM

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates the session manager. sender and sink may be nil
// when the deployment has no connected cluster or no chat surface.
func NewManager(cfg config.SessionConfig, runs RunCompleter, sender CommandSender, sink SinkFactory) *Manager {
	if runs == nil {
		panic("run completer cannot be nil")
	}
	m := &Manager{
		cfg:      cfg,
		runs:     runs,
		sender:   sender,
		sink:     sink,
		logger:   slog.Default().With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
	m.newLLM = func(job *orchestrator.AgentJob) LLM {
		model := job.Config.LLM.Model
		if model == "" {
			model = m.cfg.Model
		}
		return NewProxyLLM(m.cfg.ProxyBaseURL, job.TeamToken, model)
	}
	return m
}

// Dispatch accepts one agent job and starts its session. It returns
// once the session is registered; execution continues in the
// background and outcomes land on the run row.
func (m *Manager) Dispatch(ctx context.Context, job *orchestrator.AgentJob) error {
	if job == nil || job.Run == nil || job.Config == nil {
		return fmt.Errorf("agent job is incomplete: %w", services.ErrInvalidInput)
	}

	session, err := m.buildSession(job)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("session manager is shut down: %w", services.ErrUnavailable)
	}
	if _, exists := m.sessions[job.Run.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("run %s already has a session: %w", job.Run.ID, services.ErrAlreadyExists)
	}
	m.sessions[job.Run.ID] = session
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Dispatching agent session",
		"run_id", job.Run.ID, "org", job.Run.Org, "team", job.Run.Team, "agent", job.Run.AgentName)
	go m.runSession(job, session)
	return nil
}

// Interrupt stops the named run's in-flight execution.
func (m *Manager) Interrupt(runID string) error {
	m.mu.Lock()
	session := m.sessions[runID]
	m.mu.Unlock()
	if session == nil {
		return fmt.Errorf("no live session for run %s: %w", runID, services.ErrNotFound)
	}
	session.Interrupt()
	return nil
}

// Answer delivers user answers to the named run's pending question.
func (m *Manager) Answer(runID string, answers map[string]string) error {
	m.mu.Lock()
	session := m.sessions[runID]
	m.mu.Unlock()
	if session == nil {
		return fmt.Errorf("no live session for run %s: %w", runID, services.ErrNotFound)
	}
	return session.Answer(answers)
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops accepting jobs, interrupts live sessions and waits
// for their audit writes, or gives up when ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Interrupt()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session manager shutdown: %w", ctx.Err())
	}
}

// buildSession assembles the per-run LLM client, toolset and workspace.
func (m *Manager) buildSession(job *orchestrator.AgentJob) (*Session, error) {
	llm := m.newLLM(job)

	handlers := KubeTools(job.Run.Org, job.Run.Team, m.sender)
	if m.cfg.RAGBaseURL != "" {
		rag := NewRAGClient(m.cfg.RAGBaseURL)
		handlers = append(handlers, NewRAGSearchTool(rag), NewRAGAnswerTool(rag))
	}
	if m.cfg.ScriptDir != "" {
		handlers = append(handlers, NewScriptTool(m.cfg.ScriptDir))
	}

	workspace := filepath.Join(m.cfg.WorkspaceRoot, job.Run.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create session workspace: %w", err)
	}

	return NewSession(llm, NewDispatcher(handlers...), SessionOptions{
		ThreadID:        job.Run.ID,
		System:          systemPrompt(job),
		MaxTurns:        m.cfg.MaxTurns,
		ExecuteTimeout:  m.cfg.ExecuteTimeout,
		QuestionTimeout: m.cfg.QuestionTimeout,
		WorkspaceRoot:   workspace,
	}), nil
}

// runSession drives one session to completion and writes the audit
// trail. The execution context is detached from the dispatch request;
// the session enforces its own deadline.
func (m *Manager) runSession(job *orchestrator.AgentJob, session *Session) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, job.Run.ID)
		m.mu.Unlock()
	}()

	var sink EventSink
	if m.sink != nil {
		sink = m.sink(job)
	}

	trail := newAuditTrail(job.Run)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for ev := range session.Events() {
			trail.observe(ev)
			if sink != nil {
				sink.Handle(ev)
			}
		}
	}()

	execErr := session.Execute(context.Background(), job.Prompt, nil)
	session.Close()
	<-consumed

	if execErr != nil {
		trail.fail(execErr.Error())
	}
	m.writeAudit(job.Run, trail)
}

// writeAudit persists the tool-call trace and completes the run row.
func (m *Manager) writeAudit(run *models.AgentRun, trail *auditTrail) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	calls := trail.toolCalls()
	if len(calls) > 0 {
		if err := m.runs.RecordToolCalls(ctx, run.ID, calls); err != nil {
			m.logger.Error("Failed to record tool calls", "run_id", run.ID, "error", err)
		}
	}

	input := trail.completion()
	if err := m.runs.CompleteRun(ctx, run.ID, input); err != nil {
		m.logger.Error("Failed to complete run", "run_id", run.ID, "status", input.Status, "error", err)
		return
	}
	m.logger.Info("Run completed",
		"run_id", run.ID, "status", input.Status, "tool_calls", input.ToolCallsCount, "error", input.Error)
}

// systemPrompt frames the investigation for the model.
func systemPrompt(job *orchestrator.AgentJob) string {
	return fmt.Sprintf(`You are %s, an SRE incident-investigation agent for team %s/%s.

Investigate the reported problem using the available tools. Inspect cluster state before speculating, cite the evidence behind every finding, and keep each step purposeful.

End your final message with a root-cause summary and a line of the form "Confidence: NN%%".`,
		job.Run.AgentName, job.Run.Org, job.Run.Team)
}

// ---------------------------------------------------------------------------
// audit trail
// ---------------------------------------------------------------------------

// auditTrail folds the event stream into the persisted trace: one
// models.ToolCall per tool_start (completed by the matching tool_end)
// plus the terminal outcome. Unterminated calls keep status error.
type auditTrail struct {
	run *models.AgentRun

	mu         sync.Mutex
	seq        int
	order      []*models.ToolCall
	open       map[string]*models.ToolCall
	taskAgents map[string]string
	started    map[string]time.Time

	sawResult bool
	success   bool
	subtype   string
	finalText string
	errMsg    string
}

func newAuditTrail(run *models.AgentRun) *auditTrail {
	return &auditTrail{
		run:        run,
		open:       make(map[string]*models.ToolCall),
		taskAgents: make(map[string]string),
		started:    make(map[string]time.Time),
	}
}

func (t *auditTrail) observe(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case ToolStartEvent:
		t.seq++
		call := &models.ToolCall{
			RunID:          t.run.ID,
			ToolName:       e.Name,
			AgentName:      t.run.AgentName,
			Input:          e.Input,
			StartedAt:      time.Now().UTC(),
			Status:         models.ToolCallError,
			SequenceNumber: t.seq,
		}
		if e.ParentToolUseID != "" {
			call.ParentAgent = t.run.AgentName
			if name := t.taskAgents[e.ParentToolUseID]; name != "" {
				call.AgentName = name
			}
		}
		if e.Name == ToolTask {
			var input struct {
				AgentName string `json:"agent_name"`
			}
			if json.Unmarshal(e.Input, &input) == nil && input.AgentName != "" {
				t.taskAgents[e.ToolUseID] = input.AgentName
			}
		}
		t.order = append(t.order, call)
		t.open[e.ToolUseID] = call
		t.started[e.ToolUseID] = call.StartedAt
	case ToolEndEvent:
		call := t.open[e.ToolUseID]
		if call == nil {
			return
		}
		delete(t.open, e.ToolUseID)
		call.Output = e.Output
		if e.Success {
			call.Status = models.ToolCallSuccess
		}
		if started, ok := t.started[e.ToolUseID]; ok {
			millis := time.Since(started).Milliseconds()
			call.DurationMillis = &millis
		}
	case ResultEvent:
		t.sawResult = true
		t.success = e.Success
		t.subtype = e.Subtype
		t.finalText = e.Text
	case ErrorEvent:
		t.errMsg = e.Message
	}
}

// fail records a terminal failure that produced no events.
func (t *auditTrail) fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sawResult && t.errMsg == "" {
		t.errMsg = message
	}
}

func (t *auditTrail) toolCalls() []*models.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*models.ToolCall(nil), t.order...)
}

// completion maps the observed terminal event to the run completion.
func (t *auditTrail) completion() services.CompleteRunInput {
	t.mu.Lock()
	defer t.mu.Unlock()

	input := services.CompleteRunInput{ToolCallsCount: len(t.order)}
	switch {
	case t.sawResult && t.success:
		input.Status = models.RunStatusCompleted
		input.OutputSummary = t.finalText
		input.Confidence = ParseConfidence(t.finalText)
	case t.sawResult && t.subtype == ResultSubtypeInterrupted:
		input.Status = models.RunStatusFailed
		input.Error = "interrupted"
	case t.errMsg == "execution deadline exceeded":
		input.Status = models.RunStatusTimeout
		input.Error = t.errMsg
	case t.errMsg != "":
		input.Status = models.RunStatusFailed
		input.Error = t.errMsg
	default:
		input.Status = models.RunStatusFailed
		input.Error = "session ended without a result"
	}
	return input
}

var confidencePattern = regexp.MustCompile(`(?i)\bconfidence[:\s]+([0-9]{1,3})\s*%`)

// ParseConfidence extracts the trailing "Confidence: NN%" line as a
// 0..1 fraction. Absent or out-of-range values yield nil.
func ParseConfidence(text string) *float64 {
	matches := confidencePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	raw := matches[len(matches)-1][1]
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 100 {
		return nil
	}
	v := float64(n) / 100
	return &v
}
