package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charhubai/charhub/internal/config"
	"github.com/charhubai/charhub/internal/services/llm/llmtypes"
)

func newOpenAITestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(config.ProviderConfig{
		Name:    "test",
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})
}

func TestOpenAICompleteParsesResponse(t *testing.T) {
	var gotAuth string
	var gotBody wireRequest
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o",
			"choices": [{"message": {"content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`))
	})

	temp := float32(0.7)
	resp, err := client.Complete(context.Background(), &llmtypes.Request{
		Model:        "gpt-4o",
		SystemPrompt: "be brief",
		Messages:     []llmtypes.Message{{Role: llmtypes.RoleUser, Content: "hello"}},
		Temperature:  &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)

	assert.Equal(t, "Bearer test-key", gotAuth)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Equal(t, "be brief", gotBody.Messages[0].Content)
}

func TestOpenAICompleteSurfacesUpstreamError(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"message": "overloaded"}}`))
	})

	_, err := client.Complete(context.Background(), &llmtypes.Request{Model: "gpt-4o"})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusServiceUnavailable, ue.StatusCode)
	assert.True(t, ue.Retryable())
	assert.Contains(t, ue.Message, "overloaded")
}

func TestOpenAIStreamParsesChunksAndUsage(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`,
		}
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	frames, err := client.Stream(context.Background(), &llmtypes.Request{Model: "gpt-4o"})
	require.NoError(t, err)

	var content string
	var usage *llmtypes.Usage
	for f := range frames {
		switch f.Kind {
		case llmtypes.FrameChunk:
			content += f.Delta
		case llmtypes.FrameEnd:
			usage = f.Usage
			assert.NoError(t, f.Err)
		}
	}
	assert.Equal(t, "Hello", content)
	require.NotNil(t, usage)
	assert.Equal(t, 4, usage.InputTokens)
	assert.Equal(t, 2, usage.OutputTokens)
}

func TestOpenAIStreamAssemblesToolCalls(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"web_search","arguments":"{\"que"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ry\":\"go\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	frames, err := client.Stream(context.Background(), &llmtypes.Request{Model: "gpt-4o"})
	require.NoError(t, err)

	var calls []llmtypes.ToolCall
	for f := range frames {
		if f.Kind == llmtypes.FrameToolCall {
			calls = append(calls, *f.ToolCall)
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "web_search", calls[0].Name)
	assert.JSONEq(t, `{"query":"go"}`, calls[0].Arguments)
}

func TestBuildWireRequestToolChoice(t *testing.T) {
	req := &llmtypes.Request{
		Model:      "m",
		Tools:      []llmtypes.Tool{{Name: "web_search"}},
		ToolChoice: llmtypes.ToolChoiceRequired,
	}
	wire := buildWireRequest(req, false)
	assert.Equal(t, "required", wire.ToolChoice)

	req.ToolChoice = llmtypes.ToolChoiceNone
	assert.Equal(t, "none", buildWireRequest(req, false).ToolChoice)

	// AUTO without tools omits the field entirely.
	assert.Empty(t, buildWireRequest(&llmtypes.Request{Model: "m", ToolChoice: llmtypes.ToolChoiceAuto}, false).ToolChoice)
}

func TestSupportsModel(t *testing.T) {
	client := NewOpenAIClient(config.ProviderConfig{Name: "p", Models: []string{"gpt-4o"}})
	assert.True(t, client.SupportsModel("gpt-4o"))
	assert.False(t, client.SupportsModel("claude-3"))

	open := NewOpenAIClient(config.ProviderConfig{Name: "open"})
	assert.True(t, open.SupportsModel("anything"))
}
