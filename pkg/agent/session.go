package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/incidentfox/incidentfox/pkg/services"
)

// Session built-in tool names. Both are intercepted by the session and
// never reach the dispatcher.
const (
	ToolAskUserQuestion = "AskUserQuestion"
	ToolTask            = "Task"
)

// toolEndPreviewLimit caps the output preview carried by ToolEndEvent.
const toolEndPreviewLimit = 50 * 1024

// SessionState tracks the lifecycle of a session.
type SessionState string

const (
	SessionReady     SessionState = "ready"
	SessionExecuting SessionState = "executing"
	SessionClosed    SessionState = "closed"
)

// SessionOptions configure one session. Zero values fall back to the
// package defaults.
type SessionOptions struct {
	ThreadID        string
	System          string
	MaxTurns        int
	MaxTokens       int64
	ExecuteTimeout  time.Duration
	QuestionTimeout time.Duration
	WorkspaceRoot   string
}

func (o *SessionOptions) applyDefaults() {
	if o.MaxTurns <= 0 {
		o.MaxTurns = 40
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 8192
	}
	if o.ExecuteTimeout <= 0 {
		o.ExecuteTimeout = 10 * time.Minute
	}
	if o.QuestionTimeout <= 0 {
		o.QuestionTimeout = 60 * time.Second
	}
}

// Session is one event-driven conversation bound to a thread. Events
// flow to exactly one consumer in emission order; only the goroutine
// inside Execute sends them, so Close is safe once Execute returned.
type Session struct {
	opts    SessionOptions
	llm     LLM
	tools   *Dispatcher
	events  chan Event
	harvest *harvester
	logger  *slog.Logger

	mu          sync.Mutex
	state       SessionState
	cancelExec  context.CancelFunc
	interrupted bool
	answerCh    chan map[string]string
	parents     map[string]string
	pending     []ToolEndEvent
	history     []anthropic.MessageParam
}

// NewSession creates a ready session. The dispatcher may be empty but
// not nil; the LLM is required.
func NewSession(llm LLM, tools *Dispatcher, opts SessionOptions) *Session {
	if llm == nil {
		panic("llm cannot be nil")
	}
	if tools == nil {
		panic("dispatcher cannot be nil")
	}
	opts.applyDefaults()
	logger := slog.Default().With("component", "session", "thread_id", opts.ThreadID)
	return &Session{
		opts:    opts,
		llm:     llm,
		tools:   tools,
		events:  make(chan Event, 256),
		harvest: newHarvester(opts.WorkspaceRoot, logger),
		logger:  logger,
		state:   SessionReady,
		parents: make(map[string]string),
	}
}

// Events returns the session's event stream. It is closed by Close.
func (s *Session) Events() <-chan Event { return s.events }

// ThreadID returns the thread the session is bound to.
func (s *Session) ThreadID() string { return s.opts.ThreadID }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execute runs one user turn to completion. It blocks until a result
// or error event has been emitted and returns an error only for
// lifecycle misuse. The conversation persists across calls, so a
// follow-up Execute continues the same thread.
func (s *Session) Execute(ctx context.Context, prompt string, imagePaths []string) error {
	s.mu.Lock()
	switch s.state {
	case SessionClosed:
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed: %w", s.opts.ThreadID, services.ErrUnavailable)
	case SessionExecuting:
		s.mu.Unlock()
		return fmt.Errorf("session %s is already executing: %w", s.opts.ThreadID, services.ErrConcurrentModification)
	}
	execCtx, cancel := context.WithTimeout(ctx, s.opts.ExecuteTimeout)
	s.state = SessionExecuting
	s.interrupted = false
	s.cancelExec = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.state == SessionExecuting {
			s.state = SessionReady
		}
		s.cancelExec = nil
		s.mu.Unlock()
	}()

	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)}
	for _, path := range imagePaths {
		if block := s.imageBlock(path); block != nil {
			blocks = append(blocks, *block)
		}
	}
	s.history = append(s.history, anthropic.NewUserMessage(blocks...))

	defs := append(s.builtinDefinitions(true), s.tools.Definitions()...)
	text, subtype, failure := s.turnLoop(execCtx, &s.history, defs, "")

	// Remaining queued tool ends are always flushed, whatever the outcome.
	s.drainToolEnds()

	switch {
	case s.wasInterrupted():
		s.emit(ResultEvent{Subtype: ResultSubtypeInterrupted, Success: false})
	case failure != nil:
		s.emit(*failure)
	default:
		images, files := s.harvest.Harvest(text)
		s.emit(ResultEvent{
			Text:    text,
			Success: true,
			Subtype: subtype,
			Images:  images,
			Files:   files,
		})
	}
	return nil
}

// Interrupt stops the in-flight model stream. The running Execute
// emits the synthetic interrupted result; the session then accepts
// another Execute. Interrupting an idle session is a no-op.
func (s *Session) Interrupt() {
	s.mu.Lock()
	cancel := s.cancelExec
	if cancel != nil {
		s.interrupted = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Answer delivers user answers to the pending question. Exactly one
// answer is consumed per question; without a pending question the call
// fails with services.ErrConcurrentModification.
func (s *Session) Answer(answers map[string]string) error {
	s.mu.Lock()
	ch := s.answerCh
	s.answerCh = nil
	s.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("no pending question: %w", services.ErrConcurrentModification)
	}
	ch <- answers
	return nil
}

// Close ends the session and closes the event stream. It must not be
// called while an Execute is in flight.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	s.mu.Unlock()
	close(s.events)
}

// ---------------------------------------------------------------------------
// turn loop
// ---------------------------------------------------------------------------

// turnLoop streams assistant turns until one ends without tool calls.
// At the turn budget it forces a conclusion with tools withheld. The
// returned failure is nil on success; interrupts surface as a canceled
// context and are resolved by the caller.
func (s *Session) turnLoop(ctx context.Context, history *[]anthropic.MessageParam, defs []anthropic.ToolUnionParam, parentID string) (string, string, *ErrorEvent) {
	for turn := 0; turn < s.opts.MaxTurns; turn++ {
		texts, calls, failure := s.streamOneTurn(ctx, history, defs, parentID)
		if failure != nil {
			return "", "", failure
		}
		if len(calls) == 0 {
			final := strings.Join(texts, "\n\n")
			if final != "" {
				*history = append(*history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(final)))
			}
			return final, ResultSubtypeSuccess, nil
		}

		results := make([]anthropic.ContentBlockParamUnion, 0, len(calls))
		for i := range calls {
			results = append(results, s.runToolCall(ctx, &calls[i], parentID))
		}
		*history = append(*history, assistantMessage(texts, calls))
		*history = append(*history, anthropic.NewUserMessage(results...))
	}

	// Turn budget exhausted: one last turn without tools so the model
	// must conclude from the work done so far.
	s.logger.Warn("Turn budget exhausted, forcing conclusion",
		"max_turns", s.opts.MaxTurns, "parent_tool_use_id", parentID)
	*history = append(*history, anthropic.NewUserMessage(anthropic.NewTextBlock(
		"You have reached the investigation step limit. Provide your final answer now using only what you have already gathered.")))
	texts, _, failure := s.streamOneTurn(ctx, history, nil, parentID)
	if failure != nil {
		return "", "", failure
	}
	final := strings.Join(texts, "\n\n")
	if final != "" {
		*history = append(*history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(final)))
	}
	return final, ResultSubtypeMaxTurns, nil
}

// streamOneTurn runs a single assistant turn, emitting thoughts as
// text blocks complete and collecting requested tool calls.
func (s *Session) streamOneTurn(ctx context.Context, history *[]anthropic.MessageParam, defs []anthropic.ToolUnionParam, parentID string) ([]string, []ToolUseChunk, *ErrorEvent) {
	chunks, err := s.llm.StreamTurn(ctx, TurnRequest{
		System:    s.opts.System,
		Messages:  *history,
		Tools:     defs,
		MaxTokens: s.opts.MaxTokens,
	})
	if err != nil {
		return nil, nil, s.llmFailure(err)
	}

	var texts []string
	var calls []ToolUseChunk
	var streamErr error
	for chunk := range chunks {
		switch c := chunk.(type) {
		case TextChunk:
			texts = append(texts, c.Text)
			s.emitThought(c.Text, parentID)
		case ToolUseChunk:
			calls = append(calls, c)
		case UsageChunk:
			s.logger.Debug("Turn usage", "input_tokens", c.InputTokens, "output_tokens", c.OutputTokens)
		case ErrorChunk:
			streamErr = c.Err
		}
	}
	if streamErr != nil {
		return texts, nil, s.llmFailure(streamErr)
	}
	if err := ctx.Err(); err != nil {
		return texts, nil, s.llmFailure(err)
	}
	return texts, calls, nil
}

// runToolCall executes one tool call end to end: permission flow,
// tool_start emission, execution, and the queued tool_end. The returned
// block is the tool_result the model sees next turn. AskUserQuestion
// may rewrite call.Input so the answers land in the conversation.
func (s *Session) runToolCall(ctx context.Context, call *ToolUseChunk, parentID string) anthropic.ContentBlockParamUnion {
	var output string
	var ok bool
	switch call.Name {
	case ToolAskUserQuestion:
		output, ok = s.askUser(ctx, call, parentID)
	case ToolTask:
		s.recordStart(call, parentID)
		output, ok = s.runTask(ctx, call)
	default:
		s.recordStart(call, parentID)
		started := time.Now()
		output, ok = s.tools.Dispatch(ctx, call.Name, call.Input)
		s.logger.Debug("Tool call finished",
			"tool", call.Name, "tool_use_id", call.ID, "success", ok, "duration", time.Since(started))
	}

	s.queueToolEnd(ToolEndEvent{
		Name:            call.Name,
		Success:         ok,
		Output:          preview(output),
		ToolUseID:       call.ID,
		ParentToolUseID: s.parentOf(call.ID),
	})
	return anthropic.NewToolResultBlock(call.ID, output, !ok)
}

// askUser is the permission callback: it emits the question, blocks on
// the one-shot answer channel for the question timeout, and on success
// rewrites the tool input so the model observes the answers.
func (s *Session) askUser(ctx context.Context, call *ToolUseChunk, parentID string) (string, bool) {
	var input struct {
		Questions []Question `json:"questions"`
	}
	_ = json.Unmarshal(call.Input, &input)

	ch := make(chan map[string]string, 1)
	s.mu.Lock()
	s.answerCh = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.answerCh == ch {
			s.answerCh = nil
		}
		s.mu.Unlock()
	}()

	s.drainToolEnds()
	s.emit(QuestionEvent{Questions: input.Questions})

	timer := time.NewTimer(s.opts.QuestionTimeout)
	defer timer.Stop()

	select {
	case answers := <-ch:
		call.Input = rewriteWithAnswers(call.Input, answers)
		s.recordStart(call, parentID)
		out, _ := json.Marshal(map[string]any{"answers": answers})
		return string(out), true
	case <-timer.C:
		s.emit(QuestionTimeoutEvent{})
		s.recordStart(call, parentID)
		return "user did not respond, continue without", false
	case <-ctx.Done():
		s.recordStart(call, parentID)
		return "interrupted before an answer arrived", false
	}
}

// runTask spawns a sub-agent: an inner turn loop over a fresh
// conversation whose events carry the Task call's id as parent.
// Sub-agents cannot start further sub-agents.
func (s *Session) runTask(ctx context.Context, call *ToolUseChunk) (string, bool) {
	var input struct {
		AgentName string `json:"agent_name"`
		Task      string `json:"task"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil || strings.TrimSpace(input.Task) == "" {
		return "Task requires agent_name and task", false
	}

	s.logger.Info("Starting sub-agent", "agent_name", input.AgentName, "tool_use_id", call.ID)
	sub := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(
			fmt.Sprintf("You are acting as the %s sub-agent. Complete this task and report back:\n\n%s", input.AgentName, input.Task))),
	}
	defs := append(s.builtinDefinitions(false), s.tools.Definitions()...)
	text, _, failure := s.turnLoop(ctx, &sub, defs, call.ID)
	if failure != nil {
		return failure.Message, false
	}
	return text, true
}

// ---------------------------------------------------------------------------
// event plumbing
// ---------------------------------------------------------------------------

func (s *Session) emit(ev Event) { s.events <- ev }

// emitThought drains queued tool ends first so every tool_end precedes
// the next thought.
func (s *Session) emitThought(text, parentID string) {
	s.drainToolEnds()
	s.emit(ThoughtEvent{Text: text, ParentToolUseID: parentID})
}

// recordStart registers the parent mapping and emits tool_start,
// draining queued ends first.
func (s *Session) recordStart(call *ToolUseChunk, parentID string) {
	s.mu.Lock()
	s.parents[call.ID] = parentID
	s.mu.Unlock()

	s.drainToolEnds()
	s.emit(ToolStartEvent{
		Name:            call.Name,
		Input:           call.Input,
		ToolUseID:       call.ID,
		ParentToolUseID: parentID,
	})
}

func (s *Session) queueToolEnd(ev ToolEndEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
}

func (s *Session) drainToolEnds() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ev := range pending {
		s.emit(ev)
	}
}

func (s *Session) parentOf(toolUseID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parents[toolUseID]
}

func (s *Session) wasInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// llmFailure turns a stream error into the terminal error event,
// logging the raw cause. Deadline expiry gets its own message so
// consumers can distinguish it from upstream failures; interrupts are
// resolved by the caller and get a placeholder here.
func (s *Session) llmFailure(err error) *ErrorEvent {
	if errors.Is(err, context.Canceled) && s.wasInterrupted() {
		return &ErrorEvent{Message: "interrupted", Recoverable: true}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("Execution deadline exceeded", "timeout", s.opts.ExecuteTimeout)
		return &ErrorEvent{Message: "execution deadline exceeded", Recoverable: false}
	}
	message, recoverable := friendlyLLMError(err)
	s.logger.Error("Model stream failed", "error", err, "recoverable", recoverable)
	return &ErrorEvent{Message: message, Recoverable: recoverable}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// builtinDefinitions advertises the session built-ins. Task is only
// offered at top level.
func (s *Session) builtinDefinitions(includeTask bool) []anthropic.ToolUnionParam {
	defs := []anthropic.ToolUnionParam{
		toolDefinition(ToolAskUserQuestion,
			"Ask the user one or more questions and wait for their answers.",
			json.RawMessage(`{"type":"object","properties":{"questions":{"type":"array","items":{"type":"object","properties":{"question":{"type":"string"},"header":{"type":"string"},"options":{"type":"array","items":{"type":"string"}}},"required":["question"]}}},"required":["questions"]}`)),
	}
	if includeTask {
		defs = append(defs, toolDefinition(ToolTask,
			"Delegate a focused sub-task to a specialist sub-agent and receive its report.",
			json.RawMessage(`{"type":"object","properties":{"agent_name":{"type":"string"},"task":{"type":"string"}},"required":["agent_name","task"]}`)))
	}
	return defs
}

// assistantMessage rebuilds the assistant turn for the history from
// its text blocks and (possibly rewritten) tool calls.
func assistantMessage(texts []string, calls []ToolUseChunk) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(texts)+len(calls))
	for _, t := range texts {
		if t != "" {
			blocks = append(blocks, anthropic.NewTextBlock(t))
		}
	}
	for _, c := range calls {
		var input any
		if err := json.Unmarshal(c.Input, &input); err != nil {
			input = map[string]any{}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, input, c.Name))
	}
	return anthropic.NewAssistantMessage(blocks...)
}

// rewriteWithAnswers merges the user's answers into the tool input.
func rewriteWithAnswers(input json.RawMessage, answers map[string]string) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil || m == nil {
		m = map[string]any{}
	}
	m["answers"] = answers
	out, err := json.Marshal(m)
	if err != nil {
		return input
	}
	return out
}

func preview(output string) string {
	if len(output) > toolEndPreviewLimit {
		return output[:toolEndPreviewLimit]
	}
	return output
}

var imageMediaTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// imageBlock loads one attachment image for the user turn. Oversize or
// unreadable images are dropped with a warning, mirroring harvesting.
func (s *Session) imageBlock(path string) *anthropic.ContentBlockParamUnion {
	mediaType, ok := imageMediaTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		s.logger.Warn("Dropped attachment with unsupported image type", "path", path)
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxImageBytes {
		s.logger.Warn("Dropped unreadable or oversize attachment", "path", path)
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("Dropped unreadable attachment", "path", path, "error", err)
		return nil
	}
	block := anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(data))
	return &block
}
