package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Chunk is the interface for all streamed turn fragments. The channel
// carrying chunks is closed when the turn completes.
type Chunk interface {
	chunkType() string
}

// TextChunk is one completed assistant text block.
type TextChunk struct{ Text string }

// ToolUseChunk is one completed tool_use block.
type ToolUseChunk struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// UsageChunk reports token consumption for the turn.
type UsageChunk struct{ InputTokens, OutputTokens int64 }

// StopChunk carries the turn's stop reason.
type StopChunk struct{ StopReason string }

// ErrorChunk signals a failed turn.
type ErrorChunk struct{ Err error }

func (TextChunk) chunkType() string    { return "text" }
func (ToolUseChunk) chunkType() string { return "tool_use" }
func (UsageChunk) chunkType() string   { return "usage" }
func (StopChunk) chunkType() string    { return "stop" }
func (ErrorChunk) chunkType() string   { return "error" }

// TurnRequest is one assistant turn: the accumulated conversation plus
// the tool definitions advertised for this turn.
type TurnRequest struct {
	System    string
	Messages  []anthropic.MessageParam
	Tools     []anthropic.ToolUnionParam
	MaxTokens int64
}

// LLM streams assistant turns. *ProxyLLM is the production
// implementation; session tests substitute a scripted fake.
type LLM interface {
	StreamTurn(ctx context.Context, req TurnRequest) (<-chan Chunk, error)
}

// ProxyLLM talks to the LLM translating proxy with the team's token as
// the sandbox credential. The proxy decides the effective model, so the
// model sent here is advisory.
type ProxyLLM struct {
	client anthropic.Client
	model  string
}

// NewProxyLLM builds an LLM client against the proxy base URL. The team
// token rides in Authorization so the proxy's authz path can map the
// request to (org, team).
func NewProxyLLM(baseURL, teamToken, model string) *ProxyLLM {
	opts := []option.RequestOption{
		option.WithAPIKey("proxied"),
		option.WithBaseURL(baseURL),
	}
	if teamToken != "" {
		opts = append(opts, option.WithHeader("Authorization", "Bearer "+teamToken))
	}
	return &ProxyLLM{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// StreamTurn opens one streaming Messages call and converts its events
// into chunks. Text blocks are emitted whole on their block boundary so
// consumers see thoughts the way the model segmented them.
func (l *ProxyLLM) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Chunk, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 8192
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = req.Tools
	}

	stream := l.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk, 16)
	go func() {
		defer close(chunks)
		defer func() { _ = stream.Close() }()

		text := make(map[int]*strings.Builder)
		tools := make(map[int]*toolBuffer)
		var usage UsageChunk
		stopReason := ""

		emit := func(c Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				idx := int(ev.Index)
				switch block := ev.ContentBlock.AsAny().(type) {
				case anthropic.ToolUseBlock:
					tools[idx] = &toolBuffer{id: block.ID, name: block.Name}
				case anthropic.TextBlock:
					text[idx] = &strings.Builder{}
				}
			case anthropic.ContentBlockDeltaEvent:
				idx := int(ev.Index)
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if text[idx] == nil {
						text[idx] = &strings.Builder{}
					}
					text[idx].WriteString(delta.Text)
				case anthropic.InputJSONDelta:
					if tb := tools[idx]; tb != nil {
						tb.fragments.WriteString(delta.PartialJSON)
					}
				}
			case anthropic.ContentBlockStopEvent:
				idx := int(ev.Index)
				if sb := text[idx]; sb != nil {
					delete(text, idx)
					if sb.Len() > 0 && !emit(TextChunk{Text: sb.String()}) {
						return
					}
				}
				if tb := tools[idx]; tb != nil {
					delete(tools, idx)
					if !emit(ToolUseChunk{ID: tb.id, Name: tb.name, Input: tb.input()}) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				usage.InputTokens += ev.Usage.InputTokens
				usage.OutputTokens += ev.Usage.OutputTokens
				if ev.Delta.StopReason != "" {
					stopReason = string(ev.Delta.StopReason)
				}
			case anthropic.MessageStopEvent:
				// Flush blocks the upstream never closed.
				for idx, sb := range text {
					delete(text, idx)
					if sb.Len() > 0 && !emit(TextChunk{Text: sb.String()}) {
						return
					}
				}
				for idx, tb := range tools {
					delete(tools, idx)
					if !emit(ToolUseChunk{ID: tb.id, Name: tb.name, Input: tb.input()}) {
						return
					}
				}
				if usage.InputTokens > 0 || usage.OutputTokens > 0 {
					if !emit(usage) {
						return
					}
				}
				emit(StopChunk{StopReason: stopReason})
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ErrorChunk{Err: err})
			return
		}
		if err := ctx.Err(); err != nil {
			emit(ErrorChunk{Err: err})
		}
	}()
	return chunks, nil
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func (tb *toolBuffer) input() json.RawMessage {
	raw := strings.TrimSpace(tb.fragments.String())
	if raw == "" {
		raw = "{}"
	}
	return json.RawMessage(raw)
}

// friendlyLLMError maps known upstream failures to user-facing
// messages. Anything unrecognized keeps a generic message; internals go
// to the log, not the event stream.
func friendlyLLMError(err error) (message string, recoverable bool) {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return "the model is rate limited, please retry shortly", true
		case 529:
			return "the model is overloaded, please retry shortly", true
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"):
		return "the model is rate limited, please retry shortly", true
	case strings.Contains(msg, "buffer overflow"), strings.Contains(msg, "response too large"):
		return "the model response exceeded the transport buffer", false
	case strings.Contains(msg, "invalid character"), strings.Contains(msg, "unexpected end of JSON"):
		return "the model returned malformed output", true
	case errors.Is(err, context.DeadlineExceeded):
		return "the model call timed out", false
	case errors.Is(err, context.Canceled):
		return "the model call was interrupted", false
	}
	return fmt.Sprintf("model call failed (%T)", err), false
}
