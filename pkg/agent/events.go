// Package agent implements the session runtime: event-driven LLM
// conversations with tool dispatch, permission callbacks, interrupt
// support and artifact harvesting. A session binds to one audit run,
// streams assistant turns through the LLM proxy and emits a typed
// event stream to exactly one consumer.
package agent

import "encoding/json"

// EventType identifies the kind of session event.
type EventType string

const (
	EventTypeThought         EventType = "thought"
	EventTypeToolStart       EventType = "tool_start"
	EventTypeToolEnd         EventType = "tool_end"
	EventTypeQuestion        EventType = "question"
	EventTypeQuestionTimeout EventType = "question_timeout"
	EventTypeResult          EventType = "result"
	EventTypeError           EventType = "error"
)

// Event is the interface for all session event types. Events are
// delivered to a single consumer in emission order.
type Event interface {
	eventType() EventType
}

// ThoughtEvent is assistant text, split on text-block boundaries.
// ParentToolUseID is set when the text was produced inside a sub-agent.
type ThoughtEvent struct {
	Text            string
	ParentToolUseID string
}

// ToolStartEvent announces a tool the model is requesting.
type ToolStartEvent struct {
	Name            string
	Input           json.RawMessage
	ToolUseID       string
	ParentToolUseID string
}

// ToolEndEvent is a tool result, paired to its ToolStartEvent by
// ToolUseID. Output is capped to a 50 KB preview.
type ToolEndEvent struct {
	Name            string
	Success         bool
	Output          string
	ToolUseID       string
	ParentToolUseID string
}

// Question is one entry of an AskUserQuestion invocation.
type Question struct {
	Question string   `json:"question"`
	Header   string   `json:"header,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// QuestionEvent signals the model called AskUserQuestion and the
// session is blocking on an answer.
type QuestionEvent struct {
	Questions []Question
}

// QuestionTimeoutEvent is emitted when the question wait elapses with
// no answer.
type QuestionTimeoutEvent struct{}

// ResultEvent is the final outcome of one execute.
type ResultEvent struct {
	Text    string
	Success bool
	Subtype string
	Images  []Artifact
	Files   []Artifact
}

// ErrorEvent is terminal for the current execution. Recoverable
// errors leave the session usable for another execute.
type ErrorEvent struct {
	Message     string
	Recoverable bool
}

// Artifact is one harvested image or file reference.
type Artifact struct {
	Path      string
	SizeBytes int64
}

func (ThoughtEvent) eventType() EventType         { return EventTypeThought }
func (ToolStartEvent) eventType() EventType       { return EventTypeToolStart }
func (ToolEndEvent) eventType() EventType         { return EventTypeToolEnd }
func (QuestionEvent) eventType() EventType        { return EventTypeQuestion }
func (QuestionTimeoutEvent) eventType() EventType { return EventTypeQuestionTimeout }
func (ResultEvent) eventType() EventType          { return EventTypeResult }
func (ErrorEvent) eventType() EventType           { return EventTypeError }

// Type returns the discriminator for any event value.
func Type(e Event) EventType { return e.eventType() }

// Result subtypes.
const (
	ResultSubtypeSuccess     = "success"
	ResultSubtypeInterrupted = "interrupted"
	ResultSubtypeMaxTurns    = "max_turns"
)
