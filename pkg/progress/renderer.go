// Package progress renders the session event stream into a single,
// continuously edited chat message: tool calls bucketed into phases,
// updates debounced, findings appended when the run completes.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/incidentfox/incidentfox/pkg/agent"
	"github.com/incidentfox/incidentfox/pkg/models"
)

const (
	// dispatchInterval is the minimum gap between chat updates. An
	// event landing inside the window schedules a trailing dispatch at
	// the boundary.
	dispatchInterval = 2 * time.Second

	postTimeout = 10 * time.Second

	// maxMessageLength caps the rendered update at the chat surface's
	// practical text limit.
	maxMessageLength = 2900

	truncationMarker = "... (content truncated)"
)

// Surface is the chat backend the renderer writes through.
// *slack.Client satisfies it.
type Surface interface {
	PostMessage(ctx context.Context, text, threadTS string) (string, error)
	UpdateMessage(ctx context.Context, ts, text string) error
}

// Renderer is the event sink for one run. The first dispatch posts the
// progress message; every later dispatch edits it in place. Posting is
// fail-open: chat errors are logged and retried on the next boundary,
// never surfaced to the session.
type Renderer struct {
	surface  Surface
	run      *models.AgentRun
	threadTS string
	interval time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	phases     []*phaseEntry
	byName     map[string]*phaseEntry
	inflight   map[string]*phaseEntry
	question   string
	findings   string
	confidence *float64
	outcome    string
	dirty      bool
	last       time.Time
	timer      *time.Timer
	messageTS  string

	// postMu serializes dispatches so the message is posted once and
	// edits never interleave.
	postMu sync.Mutex
}

// NewRenderer builds the renderer for one run. threadTS may be empty;
// the progress message then starts its own thread.
func NewRenderer(surface Surface, run *models.AgentRun, threadTS string) *Renderer {
	if surface == nil {
		panic("surface cannot be nil")
	}
	r := &Renderer{
		surface:  surface,
		run:      run,
		threadTS: threadTS,
		interval: dispatchInterval,
		logger:   slog.Default().With("component", "progress", "run_id", run.ID),
		byName:   make(map[string]*phaseEntry),
		inflight: make(map[string]*phaseEntry),
	}
	r.phaseLocked(rootCausePhase)
	return r
}

// Handle applies one session event and schedules a dispatch. It never
// blocks on the chat surface.
func (r *Renderer) Handle(ev agent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case agent.ThoughtEvent:
		rca := r.phaseLocked(rootCausePhase)
		if rca.state == PhasePending {
			rca.state = PhaseRunning
		}
	case agent.ToolStartEvent:
		p := r.phaseLocked(phaseForTool(e.Name))
		p.state = PhaseRunning
		p.inflight++
		p.calls++
		r.inflight[e.ToolUseID] = p
	case agent.ToolEndEvent:
		p, ok := r.inflight[e.ToolUseID]
		if !ok {
			break
		}
		delete(r.inflight, e.ToolUseID)
		if p.inflight > 0 {
			p.inflight--
		}
		if !e.Success {
			p.state = PhaseFailed
		} else if p.inflight == 0 && p.state != PhaseFailed {
			p.state = PhaseDone
		}
	case agent.QuestionEvent:
		if len(e.Questions) > 0 {
			r.question = e.Questions[0].Question
		}
	case agent.QuestionTimeoutEvent:
		r.question = ""
	case agent.ResultEvent:
		r.finalizeLocked(e.Text, e.Success)
	case agent.ErrorEvent:
		r.failLocked(e.Message)
	}
	r.scheduleLocked()
}

// Flush synchronously dispatches any pending update, bypassing the
// debounce window. Intended for shutdown paths and tests.
func (r *Renderer) Flush() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.last = time.Time{}
	r.mu.Unlock()
	r.dispatch()
}

func (r *Renderer) phaseLocked(name string) *phaseEntry {
	if p, ok := r.byName[name]; ok {
		return p
	}
	p := &phaseEntry{name: name, state: PhasePending}
	r.byName[name] = p
	r.phases = append(r.phases, p)
	return p
}

// finalizeLocked applies the result contract: running phases complete,
// the root cause phase completes, findings and confidence land.
func (r *Renderer) finalizeLocked(text string, success bool) {
	for _, p := range r.phases {
		if p.state == PhaseRunning {
			p.state = PhaseDone
		}
	}
	r.phaseLocked(rootCausePhase).state = PhaseDone
	r.question = ""
	r.findings = text
	r.confidence = agent.ParseConfidence(text)
	if success {
		r.outcome = "completed"
	} else {
		r.outcome = "failed"
	}
}

func (r *Renderer) failLocked(message string) {
	for _, p := range r.phases {
		if p.state == PhaseRunning || p.state == PhasePending {
			p.state = PhaseFailed
		}
	}
	r.question = ""
	r.findings = message
	r.outcome = "failed"
}

// scheduleLocked implements the debounce: dispatch now when the window
// has passed, otherwise arm a trailing dispatch at the boundary.
func (r *Renderer) scheduleLocked() {
	r.dirty = true
	if r.timer != nil {
		return
	}
	wait := r.interval - time.Since(r.last)
	if wait <= 0 {
		go r.dispatch()
		return
	}
	r.timer = time.AfterFunc(wait, r.dispatch)
}

func (r *Renderer) dispatch() {
	r.postMu.Lock()
	defer r.postMu.Unlock()

	r.mu.Lock()
	r.timer = nil
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	if wait := r.interval - time.Since(r.last); wait > 0 {
		r.timer = time.AfterFunc(wait, r.dispatch)
		r.mu.Unlock()
		return
	}
	r.dirty = false
	r.last = time.Now()
	text := r.renderLocked()
	ts := r.messageTS
	threadTS := r.threadTS
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	if ts == "" {
		newTS, err := r.surface.PostMessage(ctx, text, threadTS)
		if err != nil {
			r.logger.Warn("Progress post failed", "error", err)
			r.retryLocked()
			return
		}
		r.mu.Lock()
		r.messageTS = newTS
		r.mu.Unlock()
		return
	}
	if err := r.surface.UpdateMessage(ctx, ts, text); err != nil {
		r.logger.Warn("Progress update failed", "error", err)
		r.retryLocked()
	}
}

func (r *Renderer) retryLocked() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = true
	if r.timer == nil {
		r.timer = time.AfterFunc(r.interval, r.dispatch)
	}
}

func (r *Renderer) renderLocked() string {
	var b strings.Builder

	switch r.outcome {
	case "completed":
		fmt.Fprintf(&b, "Investigation complete: %s (run %s)", r.run.AgentName, shortID(r.run.ID))
		if r.confidence != nil {
			fmt.Fprintf(&b, ", confidence %.0f%%", *r.confidence*100)
		}
	case "failed":
		fmt.Fprintf(&b, "Investigation failed: %s (run %s)", r.run.AgentName, shortID(r.run.ID))
	default:
		fmt.Fprintf(&b, "Investigating: %s (run %s)", r.run.AgentName, shortID(r.run.ID))
	}
	b.WriteString("\n\n")

	for _, p := range r.phases {
		fmt.Fprintf(&b, "[%s] %s", p.state, phaseTitle(p.name))
		switch {
		case p.calls == 1:
			b.WriteString(" (1 tool call)")
		case p.calls > 1:
			fmt.Fprintf(&b, " (%d tool calls)", p.calls)
		}
		b.WriteString("\n")
	}

	if r.question != "" {
		fmt.Fprintf(&b, "\nWaiting on: %s\n", r.question)
	}
	if r.findings != "" {
		b.WriteString("\nFindings:\n")
		b.WriteString(r.findings)
		b.WriteString("\n")
	}
	return truncateMessage(b.String())
}

func truncateMessage(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	return text[:maxMessageLength] + "\n" + truncationMarker
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
