package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/backends"
	"github.com/charhubai/charhub/internal/services/llm/llmtypes"
	"github.com/charhubai/charhub/internal/services/retry"
	"github.com/charhubai/charhub/pkg/circuitbreaker"
)

var (
	ErrNoProvider      = errors.New("no provider for request")
	ErrProviderTripped = errors.New("provider circuit open")
	ErrToolDepth       = errors.New("tool execution depth exceeded")
	ErrStreamAborted   = errors.New("stream aborted")
)

// Broker routes requests to the named provider client, retries transient
// upstream failures, and optionally runs the tool-call loop on behalf of the
// caller.
type Broker struct {
	clients  []backends.LLMClient
	tools    *ToolRegistry
	breakers *circuitbreaker.Manager
	log      *zap.Logger

	requestTimeout time.Duration
	maxToolDepth   int
	retryCfg       *retry.Config
}

type BrokerConfig struct {
	Clients          []backends.LLMClient
	Tools            *ToolRegistry
	Logger           *zap.Logger
	RequestTimeout   time.Duration
	MaxToolDepth     int
	Retry            *retry.Config
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func NewBroker(cfg *BrokerConfig) *Broker {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.MaxToolDepth == 0 {
		cfg.MaxToolDepth = 3
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return &Broker{
		clients:        cfg.Clients,
		tools:          cfg.Tools,
		breakers:       circuitbreaker.NewManager(cfg.BreakerThreshold, cfg.BreakerCooldown),
		log:            cfg.Logger,
		requestTimeout: cfg.RequestTimeout,
		maxToolDepth:   cfg.MaxToolDepth,
		retryCfg:       cfg.Retry,
	}
}

// resolve picks the client by provider name first, then by model support.
// Clients whose circuit is open are skipped; a named provider with an open
// circuit is an error rather than a silent fallback.
func (b *Broker) resolve(req *llmtypes.Request) (backends.LLMClient, error) {
	for _, c := range b.clients {
		if req.Provider != "" && c.Name() == req.Provider {
			if !b.breakers.Allow(c.Name()) {
				return nil, fmt.Errorf("%w: provider=%q", ErrProviderTripped, req.Provider)
			}
			return c, nil
		}
	}
	if req.Provider == "" {
		for _, c := range b.clients {
			if c.SupportsModel(req.Model) && b.breakers.Allow(c.Name()) {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: provider=%q model=%q", ErrNoProvider, req.Provider, req.Model)
}

func isRetryableUpstream(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	// Network-level failures without a status are worth retrying.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Complete performs a non-streaming call. With AutoExecute set, recognized
// tool calls are executed and fed back until the model answers in prose or
// the depth bound is hit.
func (b *Broker) Complete(ctx context.Context, req *llmtypes.Request) (*llmtypes.Response, error) {
	client, err := b.resolve(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	if b.tools != nil && req.AllowBrowsing && len(req.Tools) == 0 {
		req.Tools = b.tools.Definitions()
	}

	working := *req
	var totalUsage llmtypes.Usage

	for depth := 0; ; depth++ {
		resp, err := b.completeOnce(ctx, client, &working)
		if err != nil {
			return nil, err
		}
		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 || !req.AutoExecute || req.ToolChoice == llmtypes.ToolChoiceNone {
			resp.Usage = totalUsage
			return resp, nil
		}
		if depth >= b.maxToolDepth {
			return nil, ErrToolDepth
		}

		followup, err := b.runToolCalls(ctx, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		working.Messages = append(working.Messages,
			llmtypes.Message{Role: llmtypes.RoleAssistant, ToolCalls: resp.ToolCalls})
		working.Messages = append(working.Messages, followup...)
		// Tools already ran; let the model answer freely on the next turn.
		working.ToolChoice = llmtypes.ToolChoiceAuto
	}
}

func (b *Broker) completeOnce(ctx context.Context, client backends.LLMClient, req *llmtypes.Request) (*llmtypes.Response, error) {
	var resp *llmtypes.Response
	err := retry.Do(ctx, b.retryCfg, func(ctx context.Context) error {
		var callErr error
		resp, callErr = client.Complete(ctx, req)
		return callErr
	}, isRetryableUpstream)
	if err != nil {
		if isRetryableUpstream(err) {
			b.breakers.RecordFailure(client.Name())
		}
		return nil, err
	}
	b.breakers.RecordSuccess(client.Name())
	return resp, nil
}

func (b *Broker) runToolCalls(ctx context.Context, calls []llmtypes.ToolCall) ([]llmtypes.Message, error) {
	if b.tools == nil {
		return nil, fmt.Errorf("%w: no tool registry configured", ErrToolNotFound)
	}
	out := make([]llmtypes.Message, 0, len(calls))
	for _, call := range calls {
		result, err := b.tools.Execute(ctx, call)
		if err != nil {
			b.log.Warn("tool execution failed",
				zap.String("tool", call.Name),
				zap.Error(err))
			// Surface the failure to the model rather than aborting the turn.
			result = fmt.Sprintf("tool error: %v", err)
		}
		out = append(out, llmtypes.Message{
			Role:       llmtypes.RoleTool,
			Content:    result,
			ToolCallID: call.ID,
		})
	}
	return out, nil
}

// Stream opens a streaming completion. The returned channel is closed after
// the END frame; cancelling ctx releases the upstream transport. Tool calls
// with AutoExecute are resolved between upstream turns and only CHUNK frames
// from the final answer reach the consumer, with usage accumulated across
// turns.
func (b *Broker) Stream(ctx context.Context, req *llmtypes.Request) (<-chan llmtypes.Frame, error) {
	client, err := b.resolve(req)
	if err != nil {
		return nil, err
	}

	if b.tools != nil && req.AllowBrowsing && len(req.Tools) == 0 {
		req.Tools = b.tools.Definitions()
	}

	out := make(chan llmtypes.Frame, 64)
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(ctx, b.requestTimeout)
		defer cancel()
		b.streamLoop(ctx, client, req, out)
	}()
	return out, nil
}

func (b *Broker) streamLoop(ctx context.Context, client backends.LLMClient, req *llmtypes.Request, out chan<- llmtypes.Frame) {
	working := *req
	var totalUsage llmtypes.Usage

	emit := func(f llmtypes.Frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		emit(llmtypes.Frame{Kind: llmtypes.FrameEnd, Usage: &totalUsage, Err: err})
	}

	for depth := 0; ; depth++ {
		frames, err := client.Stream(ctx, &working)
		if err != nil {
			if isRetryableUpstream(err) {
				b.breakers.RecordFailure(client.Name())
			}
			fail(err)
			return
		}

		var toolCalls []llmtypes.ToolCall
		var streamErr error
		for frame := range frames {
			switch frame.Kind {
			case llmtypes.FrameChunk:
				if !emit(frame) {
					return
				}
			case llmtypes.FrameToolCall:
				if req.AutoExecute && req.ToolChoice != llmtypes.ToolChoiceNone {
					toolCalls = append(toolCalls, *frame.ToolCall)
				} else if !emit(frame) {
					return
				}
			case llmtypes.FrameEnd:
				if frame.Usage != nil {
					totalUsage.InputTokens += frame.Usage.InputTokens
					totalUsage.OutputTokens += frame.Usage.OutputTokens
				}
				streamErr = frame.Err
			}
		}
		if streamErr != nil {
			if isRetryableUpstream(streamErr) {
				b.breakers.RecordFailure(client.Name())
			}
			fail(streamErr)
			return
		}
		b.breakers.RecordSuccess(client.Name())

		if len(toolCalls) == 0 {
			emit(llmtypes.Frame{Kind: llmtypes.FrameEnd, Usage: &totalUsage})
			return
		}
		if depth >= b.maxToolDepth {
			fail(ErrToolDepth)
			return
		}

		followup, err := b.runToolCalls(ctx, toolCalls)
		if err != nil {
			fail(err)
			return
		}
		working.Messages = append(working.Messages,
			llmtypes.Message{Role: llmtypes.RoleAssistant, ToolCalls: toolCalls})
		working.Messages = append(working.Messages, followup...)
		working.ToolChoice = llmtypes.ToolChoiceAuto
	}
}
