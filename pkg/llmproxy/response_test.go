package llmproxy

import (
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateResponseText(t *testing.T) {
	resp := &openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "All pods healthy."},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 42, CompletionTokens: 7},
	}

	out := translateResponse("gpt-4o", resp)
	assert.True(t, strings.HasPrefix(out.ID, "msg_"))
	assert.Equal(t, "message", out.Type)
	assert.Equal(t, "assistant", out.Role)
	assert.Equal(t, "gpt-4o", out.Model)
	assert.Equal(t, "end_turn", out.StopReason)
	assert.Equal(t, 42, out.Usage.InputTokens)
	assert.Equal(t, 7, out.Usage.OutputTokens)

	require.Len(t, out.Content, 1)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Equal(t, "All pods healthy.", out.Content[0].Text)
}

func TestTranslateResponseToolCalls(t *testing.T) {
	resp := &openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "list_pods", Arguments: `{"namespace":"payments"}`},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}

	out := translateResponse("gpt-4o", resp)
	assert.Equal(t, "tool_use", out.StopReason)

	// No empty text block when the model produced only tool calls.
	require.Len(t, out.Content, 1)
	block := out.Content[0]
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "call_1", block.ID)
	assert.Equal(t, "list_pods", block.Name)
	assert.JSONEq(t, `{"namespace":"payments"}`, string(block.Input))
}

func TestTranslateResponseTextAndToolCalls(t *testing.T) {
	resp := &openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: "Let me check.",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "list_pods"},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}

	out := translateResponse("gpt-4o", resp)
	require.Len(t, out.Content, 2)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Equal(t, "Let me check.", out.Content[0].Text)
	assert.Equal(t, "tool_use", out.Content[1].Type)
	assert.JSONEq(t, `{}`, string(out.Content[1].Input))
}

func TestTranslateResponseNoChoices(t *testing.T) {
	out := translateResponse("gpt-4o", &openai.ChatCompletionResponse{})
	assert.Equal(t, "end_turn", out.StopReason)
	assert.Empty(t, out.Content)
}

func TestToolInputInvalidJSONBecomesString(t *testing.T) {
	got := toolInput(`{"broken":`)
	assert.JSONEq(t, `"{\"broken\":"`, string(got))
}

func TestAnthropicStopReason(t *testing.T) {
	tests := []struct {
		reason openai.FinishReason
		want   string
	}{
		{openai.FinishReasonStop, "end_turn"},
		{openai.FinishReasonToolCalls, "tool_use"},
		{openai.FinishReasonFunctionCall, "tool_use"},
		{openai.FinishReasonLength, "max_tokens"},
		{openai.FinishReasonContentFilter, "end_turn"},
		{openai.FinishReason(""), "end_turn"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, anthropicStopReason(tt.reason), "reason %q", tt.reason)
	}
}

func TestAnthropicErrorType(t *testing.T) {
	tests := []struct {
		name         string
		providerType string
		status       int
		want         string
	}{
		{"authentication by type", "invalid_api_key", 0, "authentication_error"},
		{"rate limit by type", "rate_limit_exceeded", 0, "rate_limit_error"},
		{"quota maps to rate limit", "insufficient_quota", 0, "rate_limit_error"},
		{"not found by type", "model_not_found", 0, "not_found_error"},
		{"permission by type", "permission_denied", 0, "permission_error"},
		{"invalid request by type", "invalid_request_error", 0, "invalid_request_error"},
		{"401 fallback", "", 401, "authentication_error"},
		{"403 fallback", "", 403, "permission_error"},
		{"404 fallback", "", 404, "not_found_error"},
		{"429 fallback", "", 429, "rate_limit_error"},
		{"422 fallback", "", 422, "invalid_request_error"},
		{"500 fallback", "", 500, "api_error"},
		{"nothing known", "", 0, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, anthropicErrorType(tt.providerType, tt.status))
		})
	}
}

func TestTranslateProviderError(t *testing.T) {
	shaped := translateProviderError(429, []byte(`{"error":{"type":"rate_limit_exceeded","message":"slow down"}}`))
	assert.Equal(t, "error", shaped.Type)
	assert.Equal(t, "rate_limit_error", shaped.Error.Type)
	assert.Equal(t, "slow down", shaped.Error.Message)

	shaped = translateProviderError(502, []byte("upstream exploded"))
	assert.Equal(t, "api_error", shaped.Error.Type)
	assert.Equal(t, "upstream exploded", shaped.Error.Message)

	shaped = translateProviderError(503, nil)
	assert.Equal(t, "Service Unavailable", shaped.Error.Message)

	long := strings.Repeat("x", 600)
	shaped = translateProviderError(500, []byte(long))
	assert.Len(t, shaped.Error.Message, 512)
}
