package llmproxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// errStreamDone marks the provider's [DONE] sentinel.
var errStreamDone = errors.New("stream done")

// streamTranslator turns OpenAI stream chunks into the Anthropic SSE
// event sequence:
//
//	message_start
//	  (content_block_start → content_block_delta* → content_block_stop)+
//	message_delta(stop_reason, usage)
//	message_stop
//
// Exactly one message_start is emitted. Block opens and closes stay
// balanced per index: switching between text and tool output, or to a
// new tool-call index, closes the current block before the next one
// opens. Usage may arrive on the last chunk or on a trailing
// usage-only chunk; it accumulates and ships in message_delta.
type streamTranslator struct {
	model string
	emit  func(event string, payload any) error

	started   bool
	blockOpen bool
	blockType string
	curIndex  int
	nextIndex int
	toolIndex int
	finish    openai.FinishReason
	usage     Usage
}

func newStreamTranslator(model string, emit func(event string, payload any) error) *streamTranslator {
	return &streamTranslator{model: model, emit: emit, toolIndex: -1}
}

func (t *streamTranslator) chunk(resp *openai.ChatCompletionStreamResponse) error {
	if resp.Usage != nil {
		t.usage.InputTokens = resp.Usage.PromptTokens
		t.usage.OutputTokens = resp.Usage.CompletionTokens
	}
	if len(resp.Choices) == 0 {
		return nil
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "" {
		t.finish = choice.FinishReason
	}

	if choice.Delta.Content != "" {
		if err := t.ensureTextBlock(); err != nil {
			return err
		}
		err := t.emit("content_block_delta", contentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: t.curIndex,
			Delta: blockDelta{Type: "text_delta", Text: choice.Delta.Content},
		})
		if err != nil {
			return err
		}
	}

	for _, call := range choice.Delta.ToolCalls {
		idx := 0
		if call.Index != nil {
			idx = *call.Index
		}
		if err := t.ensureToolBlock(idx, call); err != nil {
			return err
		}
		if call.Function.Arguments == "" {
			continue
		}
		err := t.emit("content_block_delta", contentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: t.curIndex,
			Delta: blockDelta{Type: "input_json_delta", PartialJSON: call.Function.Arguments},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// finishStream closes any open block and emits the terminal
// message_delta / message_stop pair.
func (t *streamTranslator) finishStream() error {
	if err := t.start(); err != nil {
		return err
	}
	if err := t.closeBlock(); err != nil {
		return err
	}
	err := t.emit("message_delta", messageDeltaEvent{
		Type:  "message_delta",
		Delta: messageDelta{StopReason: anthropicStopReason(t.finish)},
		Usage: usageDelta{InputTokens: t.usage.InputTokens, OutputTokens: t.usage.OutputTokens},
	})
	if err != nil {
		return err
	}
	return t.emit("message_stop", messageStopEvent{Type: "message_stop"})
}

// fail terminates the stream with a single Anthropic-shaped error
// event. Nothing follows it.
func (t *streamTranslator) fail(errType, message string) error {
	return t.emit("error", anthropicError(errType, message))
}

func (t *streamTranslator) start() error {
	if t.started {
		return nil
	}
	t.started = true
	return t.emit("message_start", messageStartEvent{
		Type: "message_start",
		Message: streamMessage{
			ID:      "msg_" + uuid.NewString(),
			Type:    "message",
			Role:    "assistant",
			Model:   t.model,
			Content: []ContentBlock{},
			Usage:   t.usage,
		},
	})
}

func (t *streamTranslator) ensureTextBlock() error {
	if err := t.start(); err != nil {
		return err
	}
	if t.blockOpen && t.blockType != "text" {
		if err := t.closeBlock(); err != nil {
			return err
		}
	}
	if t.blockOpen {
		return nil
	}
	return t.openBlock("text", streamTextBlock{Type: "text", Text: ""})
}

func (t *streamTranslator) ensureToolBlock(idx int, call openai.ToolCall) error {
	if err := t.start(); err != nil {
		return err
	}
	if t.blockOpen && (t.blockType != "tool_use" || t.toolIndex != idx) {
		if err := t.closeBlock(); err != nil {
			return err
		}
	}
	if t.blockOpen {
		return nil
	}
	t.toolIndex = idx
	id := call.ID
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}
	return t.openBlock("tool_use", streamToolBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  call.Function.Name,
		Input: json.RawMessage("{}"),
	})
}

func (t *streamTranslator) openBlock(blockType string, block any) error {
	t.blockOpen = true
	t.blockType = blockType
	t.curIndex = t.nextIndex
	t.nextIndex++
	return t.emit("content_block_start", contentBlockStartEvent{
		Type:         "content_block_start",
		Index:        t.curIndex,
		ContentBlock: block,
	})
}

func (t *streamTranslator) closeBlock() error {
	if !t.blockOpen {
		return nil
	}
	t.blockOpen = false
	t.toolIndex = -1
	return t.emit("content_block_stop", contentBlockStopEvent{
		Type:  "content_block_stop",
		Index: t.curIndex,
	})
}

// nextStreamPayload reads up to the next data: line of a provider SSE
// stream. It returns errStreamDone at the [DONE] sentinel and the
// reader's error once the stream ends.
func nextStreamPayload(reader *bufio.Reader) ([]byte, error) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil, errStreamDone
		}
		return []byte(data), nil
	}
}
