// Package llm adapts upstream text-generation providers behind a single
// broker with streaming, tool execution, and retry semantics.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charhubai/charhub/internal/config"
	"github.com/charhubai/charhub/internal/services/llm/llmtypes"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	name    string
	apiKey  string
	baseURL string
	models  map[string]bool
	client  *http.Client
}

func NewOpenAIClient(cfg config.ProviderConfig) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	models := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = true
	}
	return &OpenAIClient{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		models:  models,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) SupportsModel(model string) bool {
	if len(c.models) == 0 {
		return true
	}
	return c.models[model]
}

// UpstreamError carries the HTTP status so the broker can separate retryable
// 5xx failures from caller errors.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure is worth another attempt.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// wire types for the chat completions API

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Tools         []wireTool     `json:"tools,omitempty"`
	ToolChoice    string         `json:"tool_choice,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions map[string]any `json:"stream_options,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

type wireErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type wireStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

func buildWireRequest(req *llmtypes.Request, stream bool) *wireRequest {
	messages := make([]wireMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, wireMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		messages = append(messages, wm)
	}

	out := &wireRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, t := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, wt)
	}
	switch req.ToolChoice {
	case llmtypes.ToolChoiceNone:
		out.ToolChoice = "none"
	case llmtypes.ToolChoiceRequired:
		out.ToolChoice = "required"
	case llmtypes.ToolChoiceAuto:
		if len(out.Tools) > 0 {
			out.ToolChoice = "auto"
		}
	}
	if stream {
		out.StreamOptions = map[string]any{"include_usage": true}
	}
	return out
}

func (c *OpenAIClient) newRequest(ctx context.Context, wire *wireRequest, sse bool) (*http.Request, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if sse {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

func upstreamError(statusCode int, body []byte) error {
	var errResp wireErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &UpstreamError{StatusCode: statusCode, Message: errResp.Error.Message}
	}
	return &UpstreamError{StatusCode: statusCode, Message: string(body)}
}

func (c *OpenAIClient) Complete(ctx context.Context, req *llmtypes.Request) (*llmtypes.Response, error) {
	httpReq, err := c.newRequest(ctx, buildWireRequest(req, false), false)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp.StatusCode, body)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	choice := wire.Choices[0]
	out := &llmtypes.Response{
		Content: choice.Message.Content,
		Model:   wire.Model,
		Usage: llmtypes.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llmtypes.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req *llmtypes.Request) (<-chan llmtypes.Frame, error) {
	httpReq, err := c.newRequest(ctx, buildWireRequest(req, true), true)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call provider: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, upstreamError(resp.StatusCode, body)
	}

	frames := make(chan llmtypes.Frame, 64)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()
		c.readStream(ctx, resp.Body, frames)
	}()
	return frames, nil
}

// readStream parses the SSE stream into frames. Tool-call deltas arrive
// fragmented by index and are assembled before emission.
func (c *OpenAIClient) readStream(ctx context.Context, body io.Reader, frames chan<- llmtypes.Frame) {
	reader := bufio.NewReader(body)
	var usage llmtypes.Usage
	pending := make(map[int]*llmtypes.ToolCall)
	var pendingOrder []int

	emit := func(f llmtypes.Frame) bool {
		select {
		case frames <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushToolCalls := func() bool {
		for _, idx := range pendingOrder {
			tc := pending[idx]
			if !emit(llmtypes.Frame{Kind: llmtypes.FrameToolCall, ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*llmtypes.ToolCall)
		pendingOrder = nil
		return true
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				emit(llmtypes.Frame{Kind: llmtypes.FrameEnd, Usage: &usage, Err: err})
				return
			}
			break
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			if !emit(llmtypes.Frame{Kind: llmtypes.FrameChunk, Delta: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			call, ok := pending[tc.Index]
			if !ok {
				call = &llmtypes.ToolCall{}
				pending[tc.Index] = call
				pendingOrder = append(pendingOrder, tc.Index)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
		if chunk.Choices[0].FinishReason == "tool_calls" {
			if !flushToolCalls() {
				return
			}
		}
	}

	if !flushToolCalls() {
		return
	}
	emit(llmtypes.Frame{Kind: llmtypes.FrameEnd, Usage: &usage})
}
