// Package llmproxy translates Anthropic Messages API traffic onto
// OpenAI-compatible chat-completion providers, injecting credentials
// resolved per (org, team) on the way out. Claude-family models pass
// through to Anthropic untouched except for injected headers.
package llmproxy

import "encoding/json"

// MessagesRequest is the inbound Anthropic Messages API body. Fields
// that carry polymorphic JSON (system, content, tool_choice) stay raw
// until the translator inspects them, so pass-through requests keep
// shapes this proxy does not model.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []ChatMessage   `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []ToolSpec      `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// ChatMessage is one conversation turn. Content is a plain string or
// an array of content blocks.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is the union of the Anthropic block types this proxy
// handles: text, image, tool_use and tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is an Anthropic image block payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolSpec is one entry of the request's tools array. Server tools
// carry a versioned type (web_search_20250305 and friends); client
// tools have no type or type "custom".
type ToolSpec struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MessagesResponse is the Anthropic-shaped non-streaming reply.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage is the Anthropic token accounting pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CountTokensResponse answers /v1/messages/count_tokens.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// ErrorShape is the Anthropic error envelope used for every error this
// proxy emits, both as HTTP bodies and as in-stream error events.
type ErrorShape struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the taxonomy type and a human-readable message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func anthropicError(errType, message string) ErrorShape {
	return ErrorShape{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}

// ---------------------------------------------------------------------------
// Streaming events
// ---------------------------------------------------------------------------

// streamMessage is the skeletal message carried by message_start.
type streamMessage struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason *string        `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type messageStartEvent struct {
	Type    string        `json:"type"`
	Message streamMessage `json:"message"`
}

type contentBlockStartEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock any    `json:"content_block"`
}

// streamTextBlock and streamToolBlock are the content_block_start
// payloads; unlike ContentBlock they serialize their zero fields the
// way the Anthropic stream does.
type streamTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamToolBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type contentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta blockDelta `json:"delta"`
}

// blockDelta is either a text_delta or an input_json_delta.
type blockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type contentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta messageDelta `json:"delta"`
	Usage usageDelta   `json:"usage"`
}

type messageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type usageDelta struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens"`
}

type messageStopEvent struct {
	Type string `json:"type"`
}
