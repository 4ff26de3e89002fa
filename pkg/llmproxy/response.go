package llmproxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// translateResponse maps a non-streaming chat completion back onto the
// Anthropic Messages shape. The text block is omitted when the model
// produced only tool calls.
func translateResponse(model string, resp *openai.ChatCompletionResponse) *MessagesResponse {
	out := &MessagesResponse{
		ID:    "msg_" + uuid.NewString(),
		Type:  "message",
		Role:  "assistant",
		Model: model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}
	choice := resp.Choices[0]

	if choice.Message.Content != "" || len(choice.Message.ToolCalls) == 0 {
		out.Content = append(out.Content, ContentBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		out.Content = append(out.Content, ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: toolInput(call.Function.Arguments),
		})
	}
	out.StopReason = anthropicStopReason(choice.FinishReason)
	return out
}

// toolInput parses tool-call arguments, falling back to the raw string
// as a JSON string value when the provider emitted invalid JSON.
func toolInput(arguments string) json.RawMessage {
	if arguments == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(arguments)) {
		return json.RawMessage(arguments)
	}
	quoted, _ := json.Marshal(arguments)
	return quoted
}

func anthropicStopReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonStop:
		return "end_turn"
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return "tool_use"
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonContentFilter:
		return "end_turn"
	default:
		return "end_turn"
	}
}

// anthropicErrorType maps a provider error type, or failing that the
// HTTP status, onto the Anthropic error taxonomy.
func anthropicErrorType(providerType string, status int) string {
	t := strings.ToLower(providerType)
	switch {
	case strings.Contains(t, "authentication"), strings.Contains(t, "invalid_api_key"):
		return "authentication_error"
	case strings.Contains(t, "rate_limit"), strings.Contains(t, "insufficient_quota"):
		return "rate_limit_error"
	case strings.Contains(t, "not_found"):
		return "not_found_error"
	case strings.Contains(t, "permission"), strings.Contains(t, "forbidden"):
		return "permission_error"
	case strings.Contains(t, "invalid_request"):
		return "invalid_request_error"
	}
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	}
	return "api_error"
}

// translateProviderError shapes an upstream 4xx/5xx body as an
// Anthropic error envelope.
func translateProviderError(status int, body []byte) ErrorShape {
	var envelope openai.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return anthropicError(
			anthropicErrorType(envelope.Error.Type, status),
			envelope.Error.Message,
		)
	}
	message := strings.TrimSpace(string(body))
	if len(message) > 512 {
		message = message[:512]
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return anthropicError(anthropicErrorType("", status), message)
}
