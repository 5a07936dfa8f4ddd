package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/backends"
	"github.com/charhubai/charhub/internal/services/llm/llmtypes"
	"github.com/charhubai/charhub/internal/services/retry"
)

type scriptedClient struct {
	name      string
	responses []*llmtypes.Response
	errs      []error
	streams   [][]llmtypes.Frame

	calls    int
	requests []*llmtypes.Request
}

func (c *scriptedClient) Complete(_ context.Context, req *llmtypes.Request) (*llmtypes.Response, error) {
	reqCopy := *req
	reqCopy.Messages = append([]llmtypes.Message(nil), req.Messages...)
	c.requests = append(c.requests, &reqCopy)
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return nil, errors.New("script exhausted")
}

func (c *scriptedClient) Stream(_ context.Context, req *llmtypes.Request) (<-chan llmtypes.Frame, error) {
	reqCopy := *req
	reqCopy.Messages = append([]llmtypes.Message(nil), req.Messages...)
	c.requests = append(c.requests, &reqCopy)
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.streams) {
		return nil, errors.New("script exhausted")
	}
	out := make(chan llmtypes.Frame, len(c.streams[i]))
	for _, f := range c.streams[i] {
		out <- f
	}
	close(out)
	return out, nil
}

func (c *scriptedClient) Name() string              { return c.name }
func (c *scriptedClient) SupportsModel(string) bool { return true }

func fastRetry() *retry.Config {
	return &retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}
}

type fakeSearcher struct {
	calls   int
	queries []string
}

func (s *fakeSearcher) Search(_ context.Context, query string) (string, error) {
	s.calls++
	s.queries = append(s.queries, query)
	return "search results for " + query, nil
}

func newTestRegistry(t *testing.T, searcher WebSearcher) *ToolRegistry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	reg := NewToolRegistry(&ToolRegistryConfig{Cache: rdb, Logger: zap.NewNop()})
	if searcher != nil {
		RegisterWebSearch(reg, searcher)
	}
	return reg
}

func TestBrokerRoutesByProviderName(t *testing.T) {
	a := &scriptedClient{name: "a", responses: []*llmtypes.Response{{Content: "from a"}}}
	b := &scriptedClient{name: "b", responses: []*llmtypes.Response{{Content: "from b"}}}
	broker := NewBroker(&BrokerConfig{Clients: []backends.LLMClient{a, b}, Retry: fastRetry()})

	resp, err := broker.Complete(context.Background(), &llmtypes.Request{Provider: "b", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Content)
	assert.Zero(t, a.calls)
}

func TestBrokerUnknownProvider(t *testing.T) {
	broker := NewBroker(&BrokerConfig{Retry: fastRetry()})
	_, err := broker.Complete(context.Background(), &llmtypes.Request{Provider: "ghost"})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestBrokerRetriesTransientUpstream(t *testing.T) {
	client := &scriptedClient{
		name:      "p",
		errs:      []error{&UpstreamError{StatusCode: 503, Message: "overloaded"}, nil},
		responses: []*llmtypes.Response{nil, {Content: "ok"}},
	}
	broker := NewBroker(&BrokerConfig{Clients: []backends.LLMClient{client}, Retry: fastRetry()})

	resp, err := broker.Complete(context.Background(), &llmtypes.Request{Provider: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, client.calls)
}

func TestBrokerDoesNotRetryClientErrors(t *testing.T) {
	client := &scriptedClient{
		name: "p",
		errs: []error{&UpstreamError{StatusCode: 400, Message: "bad request"}},
	}
	broker := NewBroker(&BrokerConfig{Clients: []backends.LLMClient{client}, Retry: fastRetry()})

	_, err := broker.Complete(context.Background(), &llmtypes.Request{Provider: "p"})
	require.Error(t, err)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 400, ue.StatusCode)
	assert.Equal(t, 1, client.calls)
}

func TestBrokerAutoExecutesToolCalls(t *testing.T) {
	searcher := &fakeSearcher{}
	reg := newTestRegistry(t, searcher)

	client := &scriptedClient{
		name: "p",
		responses: []*llmtypes.Response{
			{
				ToolCalls: []llmtypes.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"weather"}`}},
				Usage:     llmtypes.Usage{InputTokens: 10, OutputTokens: 5},
			},
			{
				Content: "It is sunny.",
				Usage:   llmtypes.Usage{InputTokens: 20, OutputTokens: 8},
			},
		},
	}
	broker := NewBroker(&BrokerConfig{Clients: []backends.LLMClient{client}, Tools: reg, Retry: fastRetry()})

	resp, err := broker.Complete(context.Background(), &llmtypes.Request{
		Provider:    "p",
		ToolChoice:  llmtypes.ToolChoiceAuto,
		AutoExecute: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", resp.Content)
	assert.Equal(t, 1, searcher.calls)
	assert.Equal(t, []string{"weather"}, searcher.queries)

	// Usage accumulates across turns.
	assert.Equal(t, 30, resp.Usage.InputTokens)
	assert.Equal(t, 13, resp.Usage.OutputTokens)

	// The follow-up request carried the tool result back to the model.
	require.Equal(t, 2, len(client.requests))
	followup := client.requests[1].Messages
	require.NotEmpty(t, followup)
	last := followup[len(followup)-1]
	assert.Equal(t, llmtypes.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "search results for weather")
}

func TestBrokerToolDepthBound(t *testing.T) {
	searcher := &fakeSearcher{}
	reg := newTestRegistry(t, searcher)

	toolResp := &llmtypes.Response{
		ToolCalls: []llmtypes.ToolCall{{ID: "c", Name: "web_search", Arguments: `{"query":"again"}`}},
	}
	client := &scriptedClient{
		name:      "p",
		responses: []*llmtypes.Response{toolResp, toolResp, toolResp, toolResp, toolResp},
	}
	broker := NewBroker(&BrokerConfig{Clients: []backends.LLMClient{client}, Tools: reg, MaxToolDepth: 2, Retry: fastRetry()})

	_, err := broker.Complete(context.Background(), &llmtypes.Request{
		Provider:    "p",
		ToolChoice:  llmtypes.ToolChoiceAuto,
		AutoExecute: true,
	})
	assert.ErrorIs(t, err, ErrToolDepth)
}

func TestBrokerManualToolCallsReturned(t *testing.T) {
	client := &scriptedClient{
		name: "p",
		responses: []*llmtypes.Response{
			{ToolCalls: []llmtypes.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"q"}`}}},
		},
	}
	broker := NewBroker(&BrokerConfig{Clients: []backends.LLMClient{client}, Retry: fastRetry()})

	resp, err := broker.Complete(context.Background(), &llmtypes.Request{
		Provider:   "p",
		ToolChoice: llmtypes.ToolChoiceAuto,
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.Equal(t, 1, client.calls)
}

func TestBrokerStreamPassesChunks(t *testing.T) {
	client := &scriptedClient{
		name: "p",
		streams: [][]llmtypes.Frame{{
			{Kind: llmtypes.FrameChunk, Delta: "Hel"},
			{Kind: llmtypes.FrameChunk, Delta: "lo"},
			{Kind: llmtypes.FrameEnd, Usage: &llmtypes.Usage{InputTokens: 7, OutputTokens: 2}},
		}},
	}
	broker := NewBroker(&BrokerConfig{Clients: []backends.LLMClient{client}, Retry: fastRetry()})

	frames, err := broker.Stream(context.Background(), &llmtypes.Request{Provider: "p"})
	require.NoError(t, err)

	var content string
	var end *llmtypes.Frame
	for f := range frames {
		switch f.Kind {
		case llmtypes.FrameChunk:
			content += f.Delta
		case llmtypes.FrameEnd:
			frame := f
			end = &frame
		}
	}
	assert.Equal(t, "Hello", content)
	require.NotNil(t, end)
	require.NotNil(t, end.Usage)
	assert.Equal(t, 7, end.Usage.InputTokens)
	assert.NoError(t, end.Err)
}

func TestBrokerStreamAutoExecutesTools(t *testing.T) {
	searcher := &fakeSearcher{}
	reg := newTestRegistry(t, searcher)

	client := &scriptedClient{
		name: "p",
		streams: [][]llmtypes.Frame{
			{
				{Kind: llmtypes.FrameToolCall, ToolCall: &llmtypes.ToolCall{ID: "c1", Name: "web_search", Arguments: `{"query":"news"}`}},
				{Kind: llmtypes.FrameEnd, Usage: &llmtypes.Usage{InputTokens: 5, OutputTokens: 1}},
			},
			{
				{Kind: llmtypes.FrameChunk, Delta: "Here is the news."},
				{Kind: llmtypes.FrameEnd, Usage: &llmtypes.Usage{InputTokens: 9, OutputTokens: 4}},
			},
		},
	}
	broker := NewBroker(&BrokerConfig{Clients: []backends.LLMClient{client}, Tools: reg, Retry: fastRetry()})

	frames, err := broker.Stream(context.Background(), &llmtypes.Request{
		Provider:    "p",
		ToolChoice:  llmtypes.ToolChoiceAuto,
		AutoExecute: true,
	})
	require.NoError(t, err)

	var content string
	var sawToolCallFrame bool
	var usage *llmtypes.Usage
	for f := range frames {
		switch f.Kind {
		case llmtypes.FrameChunk:
			content += f.Delta
		case llmtypes.FrameToolCall:
			sawToolCallFrame = true
		case llmtypes.FrameEnd:
			usage = f.Usage
		}
	}

	assert.Equal(t, "Here is the news.", content)
	assert.False(t, sawToolCallFrame, "auto-executed tool calls stay internal")
	assert.Equal(t, 1, searcher.calls)
	require.NotNil(t, usage)
	assert.Equal(t, 14, usage.InputTokens)
	assert.Equal(t, 5, usage.OutputTokens)
}

func TestToolRegistryCachesResults(t *testing.T) {
	searcher := &fakeSearcher{}
	reg := newTestRegistry(t, searcher)
	ctx := context.Background()

	call := llmtypes.ToolCall{Name: "web_search", Arguments: `{"query":"go generics"}`}
	first, err := reg.Execute(ctx, call)
	require.NoError(t, err)
	second, err := reg.Execute(ctx, call)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, searcher.calls, "second call served from cache")
}

func TestToolRegistryRateLimits(t *testing.T) {
	reg := NewToolRegistry(&ToolRegistryConfig{BucketSize: 1, RefillPerSec: 0.0001, Logger: zap.NewNop()})
	RegisterWebSearch(reg, &fakeSearcher{})
	ctx := context.Background()

	_, err := reg.Execute(ctx, llmtypes.ToolCall{Name: "web_search", Arguments: `{"query":"one"}`})
	require.NoError(t, err)

	_, err = reg.Execute(ctx, llmtypes.ToolCall{Name: "web_search", Arguments: `{"query":"two"}`})
	assert.ErrorIs(t, err, ErrToolRateLimited)
}

func TestToolRegistryUnknownTool(t *testing.T) {
	reg := newTestRegistry(t, nil)
	_, err := reg.Execute(context.Background(), llmtypes.ToolCall{Name: "teleport"})
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestBrokerTripsProviderAfterRepeatedFailures(t *testing.T) {
	client := &scriptedClient{
		name: "p",
		errs: []error{
			&UpstreamError{StatusCode: 503, Message: "down"},
			&UpstreamError{StatusCode: 503, Message: "down"},
			&UpstreamError{StatusCode: 503, Message: "down"},
		},
	}
	broker := NewBroker(&BrokerConfig{
		Clients:          []backends.LLMClient{client},
		Retry:            fastRetry(),
		BreakerThreshold: 1,
		BreakerCooldown:  time.Hour,
	})

	_, err := broker.Complete(context.Background(), &llmtypes.Request{Provider: "p"})
	require.Error(t, err)

	_, err = broker.Complete(context.Background(), &llmtypes.Request{Provider: "p"})
	assert.ErrorIs(t, err, ErrProviderTripped)
	assert.Equal(t, 3, client.calls)
}

func TestBrokerSkipsTrippedProviderOnModelRouting(t *testing.T) {
	bad := &scriptedClient{
		name: "bad",
		errs: []error{
			&UpstreamError{StatusCode: 503, Message: "down"},
			&UpstreamError{StatusCode: 503, Message: "down"},
			&UpstreamError{StatusCode: 503, Message: "down"},
		},
	}
	good := &scriptedClient{name: "good", responses: []*llmtypes.Response{{Content: "ok"}}}
	broker := NewBroker(&BrokerConfig{
		Clients:          []backends.LLMClient{bad, good},
		Retry:            fastRetry(),
		BreakerThreshold: 1,
		BreakerCooldown:  time.Hour,
	})

	_, err := broker.Complete(context.Background(), &llmtypes.Request{Provider: "bad"})
	require.Error(t, err)

	resp, err := broker.Complete(context.Background(), &llmtypes.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, good.calls)
}
