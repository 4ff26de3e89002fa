package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RAGClient calls the RAG tree-cache service.
type RAGClient struct {
	baseURL string
	http    *http.Client
}

// NewRAGClient builds a client for the RAG service at baseURL.
func NewRAGClient(baseURL string) *RAGClient {
	return &RAGClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RAGClient) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode rag request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag service unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read rag response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rag service returned %d: %s", resp.StatusCode, string(raw))
	}
	return json.RawMessage(raw), nil
}

// RAGSearchTool retrieves knowledge-tree chunks for a query.
type RAGSearchTool struct{ client *RAGClient }

// NewRAGSearchTool wraps a RAG client as the rag_search tool.
func NewRAGSearchTool(client *RAGClient) *RAGSearchTool { return &RAGSearchTool{client: client} }

func (t *RAGSearchTool) Name() string { return "rag_search" }

func (t *RAGSearchTool) Description() string {
	return "Search the team knowledge trees for passages relevant to a query."
}

func (t *RAGSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"top_k":{"type":"integer","description":"Maximum results, default 5."},"tree":{"type":"string","description":"Tree name; defaults to the team tree."}},"required":["query"]}`)
}

func (t *RAGSearchTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
		Tree  string `json:"tree"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return "", fmt.Errorf("invalid rag_search input: %w", err)
	}
	if req.Query == "" {
		return "", fmt.Errorf("rag_search requires a query")
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	raw, err := t.client.post(ctx, "/api/v1/search", map[string]any{
		"query": req.Query,
		"top_k": req.TopK,
		"tree":  req.Tree,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// RAGAnswerTool runs retrieval plus QA over the knowledge trees.
type RAGAnswerTool struct{ client *RAGClient }

// NewRAGAnswerTool wraps a RAG client as the rag_answer tool.
func NewRAGAnswerTool(client *RAGClient) *RAGAnswerTool { return &RAGAnswerTool{client: client} }

func (t *RAGAnswerTool) Name() string { return "rag_answer" }

func (t *RAGAnswerTool) Description() string {
	return "Answer a question from the team knowledge trees with citations."
}

func (t *RAGAnswerTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"},"top_k":{"type":"integer","description":"Context chunks to retrieve, default 5."},"tree":{"type":"string"}},"required":["question"]}`)
}

func (t *RAGAnswerTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var req struct {
		Question string `json:"question"`
		TopK     int    `json:"top_k"`
		Tree     string `json:"tree"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return "", fmt.Errorf("invalid rag_answer input: %w", err)
	}
	if req.Question == "" {
		return "", fmt.Errorf("rag_answer requires a question")
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	raw, err := t.client.post(ctx, "/api/v1/answer", map[string]any{
		"question": req.Question,
		"top_k":    req.TopK,
		"tree":     req.Tree,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
