package llmproxy

import (
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/incidentfox/incidentfox/pkg/config"
)

// defaultToolLimit is the tool-list cap applied when a provider does
// not declare its own.
const defaultToolLimit = 128

// translateRequest maps an Anthropic Messages request onto the OpenAI
// chat-completions shape. The caller sets the effective model and
// applies provider patches afterwards.
func translateRequest(req *MessagesRequest) (*openai.ChatCompletionRequest, error) {
	out := &openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
		Stream:    req.Stream,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.Stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	system, err := flattenSystem(req.System)
	if err != nil {
		return nil, err
	}
	if system != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for i, msg := range req.Messages {
		out.Messages, err = appendTranslatedMessage(out.Messages, msg)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
	}

	for _, spec := range req.Tools {
		if isServerTool(spec) {
			continue
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.InputSchema,
			},
		})
	}

	choice, err := translateToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	if choice != nil {
		out.ToolChoice = choice
	}
	return out, nil
}

// flattenSystem collapses the system field, a string or an array of
// text blocks, into one system prompt.
func flattenSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("system must be a string or an array of text blocks")
	}
	texts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	return strings.Join(texts, "\n\n"), nil
}

// appendTranslatedMessage walks one Anthropic message block by block.
// Text and image blocks accumulate into the message content, tool_use
// blocks become tool_calls on the same assistant message, and each
// tool_result is emitted as its own {role:"tool"} message in block
// order.
func appendTranslatedMessage(out []openai.ChatCompletionMessage, msg ChatMessage) ([]openai.ChatCompletionMessage, error) {
	role := openai.ChatMessageRoleUser
	if msg.Role == "assistant" {
		role = openai.ChatMessageRoleAssistant
	}

	var plain string
	if err := json.Unmarshal(msg.Content, &plain); err == nil {
		return append(out, openai.ChatCompletionMessage{Role: role, Content: plain}), nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or a block array")
	}

	var (
		texts     []string
		parts     []openai.ChatMessagePart
		toolCalls []openai.ToolCall
		hasImage  bool
	)
	flush := func() {
		if len(texts) == 0 && len(parts) == 0 && len(toolCalls) == 0 {
			return
		}
		next := openai.ChatCompletionMessage{Role: role, ToolCalls: toolCalls}
		if hasImage {
			next.MultiContent = parts
		} else {
			next.Content = strings.Join(texts, "\n\n")
		}
		out = append(out, next)
		texts, parts, toolCalls, hasImage = nil, nil, nil, false
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: block.Text,
			})
		case "image":
			if block.Source == nil {
				continue
			}
			hasImage = true
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: imageURL(block.Source)},
			})
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		case "tool_result":
			flush()
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: block.ToolUseID,
				Content:    toolResultText(block),
			})
		}
	}
	flush()
	return out, nil
}

func imageURL(source *ImageSource) string {
	if source.Type == "url" {
		return source.URL
	}
	return "data:" + source.MediaType + ";base64," + source.Data
}

// toolResultText extracts the textual payload of a tool_result block,
// whose content is a plain string or an array of text blocks.
func toolResultText(block ContentBlock) string {
	if len(block.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(block.Content, &s); err == nil {
		return s
	}
	var inner []ContentBlock
	if err := json.Unmarshal(block.Content, &inner); err != nil {
		return string(block.Content)
	}
	texts := make([]string, 0, len(inner))
	for _, b := range inner {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// isServerTool reports whether a tool entry is an Anthropic server
// tool (web_search, computer, text_editor, bash variants and the
// like). Client tools carry no type, or type "custom", and are the
// only ones forwarded to OpenAI-compatible providers.
func isServerTool(spec ToolSpec) bool {
	return spec.Type != "" && spec.Type != "custom"
}

// translateToolChoice maps Anthropic tool_choice onto the OpenAI
// field: "any" forces a call ("required"), a named tool becomes a
// function reference, everything else passes through.
func translateToolChoice(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s, nil
		}
		return nil, fmt.Errorf("invalid tool_choice")
	}
	switch choice.Type {
	case "":
		return nil, nil
	case "any":
		return "required", nil
	case "tool":
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice.Name},
		}, nil
	default:
		return choice.Type, nil
	}
}

// patchRequest applies the per-provider consistency fixes: tool-list
// truncation, max_tokens cap and synthetic results for dangling tool
// calls.
func patchRequest(req *openai.ChatCompletionRequest, provider config.ProviderConfig) {
	limit := provider.ToolLimit
	if limit <= 0 {
		limit = defaultToolLimit
	}
	if len(req.Tools) > limit {
		req.Tools = req.Tools[:limit]
	}
	if provider.MaxTokensCap > 0 && req.MaxTokens > provider.MaxTokensCap {
		req.MaxTokens = provider.MaxTokensCap
	}
	req.Messages = patchToolResults(req.Messages)
}

// patchToolResults guarantees that every assistant tool_calls[].id is
// answered by a later {role:"tool"} message. Providers reject histories
// with dangling calls, which happen when a turn is interrupted between
// the call and its result; a synthetic "(no result)" entry is inserted
// immediately after the assistant message.
func patchToolResults(messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for i, msg := range messages {
		out = append(out, msg)
		if msg.Role != openai.ChatMessageRoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		for _, call := range msg.ToolCalls {
			if hasLaterResult(messages, i, call.ID) {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    "(no result)",
			})
		}
	}
	return out
}

func hasLaterResult(messages []openai.ChatCompletionMessage, after int, id string) bool {
	for _, msg := range messages[after+1:] {
		if msg.Role == openai.ChatMessageRoleTool && msg.ToolCallID == id {
			return true
		}
	}
	return false
}

// estimateTokens approximates the input token count for non-Anthropic
// targets as ceil(chars/4) over the textual payload.
func estimateTokens(req *MessagesRequest) int {
	chars := 0
	if system, err := flattenSystem(req.System); err == nil {
		chars += len(system)
	}
	for _, msg := range req.Messages {
		var plain string
		if err := json.Unmarshal(msg.Content, &plain); err == nil {
			chars += len(plain)
			continue
		}
		var blocks []ContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			chars += len(msg.Content)
			continue
		}
		for _, block := range blocks {
			switch block.Type {
			case "text":
				chars += len(block.Text)
			case "tool_use":
				chars += len(block.Name) + len(block.Input)
			case "tool_result":
				chars += len(toolResultText(block))
			}
		}
	}
	return (chars + 3) / 4
}
