package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/services/llm/llmtypes"
	"github.com/charhubai/charhub/internal/services/ratelimit"
)

var (
	ErrToolNotFound    = errors.New("tool not found")
	ErrToolRateLimited = errors.New("tool rate limited")
)

// ToolFunc executes one tool invocation and returns the result text fed back
// to the model.
type ToolFunc func(ctx context.Context, arguments string) (string, error)

type registeredTool struct {
	def llmtypes.Tool
	fn  ToolFunc
}

// ToolRegistry holds the tools the broker may auto-execute. Execution shares
// one token bucket and a redis result cache keyed by normalized arguments.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool

	bucket   *ratelimit.TokenBucket
	cache    *redis.Client // nil disables caching
	cacheTTL time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

type ToolRegistryConfig struct {
	Cache        *redis.Client
	CacheTTL     time.Duration
	Timeout      time.Duration
	BucketSize   int
	RefillPerSec float64
	Logger       *zap.Logger
}

func NewToolRegistry(cfg *ToolRegistryConfig) *ToolRegistry {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BucketSize == 0 {
		cfg.BucketSize = 10
	}
	if cfg.RefillPerSec == 0 {
		cfg.RefillPerSec = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ToolRegistry{
		tools:    make(map[string]registeredTool),
		bucket:   ratelimit.NewTokenBucket(cfg.BucketSize, cfg.RefillPerSec),
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
	}
}

func (r *ToolRegistry) Register(def llmtypes.Tool, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = registeredTool{def: def, fn: fn}
}

// Definitions returns the registered tool schemas for inclusion in requests.
func (r *ToolRegistry) Definitions() []llmtypes.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llmtypes.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	return defs
}

func toolCacheKey(name, arguments string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(arguments), " "))
	return fmt.Sprintf("tool.%s:%s", name, normalized)
}

// Execute runs one tool call, consulting the cache first. Cache hits bypass
// the rate limit since no upstream work happens.
func (r *ToolRegistry) Execute(ctx context.Context, call llmtypes.ToolCall) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}

	key := toolCacheKey(call.Name, call.Arguments)
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, key).Result(); err == nil {
			return cached, nil
		}
	}

	if !r.bucket.Take() {
		return "", ErrToolRateLimited
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := tool.fn(execCtx, call.Arguments)
	if err != nil {
		return "", err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, result, r.cacheTTL).Err(); err != nil {
			r.log.Debug("tool result cache write failed", zap.Error(err))
		}
	}
	return result, nil
}

// WebSearcher performs one external search; implementations live at the edge.
type WebSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

var webSearchParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The search query"}
	},
	"required": ["query"]
}`)

// RegisterWebSearch wires the web_search tool onto the registry.
func RegisterWebSearch(r *ToolRegistry, searcher WebSearcher) {
	r.Register(llmtypes.Tool{
		Name:        "web_search",
		Description: "Search the web for up-to-date information.",
		Parameters:  webSearchParams,
	}, func(ctx context.Context, arguments string) (string, error) {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid web_search arguments: %w", err)
		}
		if strings.TrimSpace(args.Query) == "" {
			return "", fmt.Errorf("web_search requires a query")
		}
		return searcher.Search(ctx, args.Query)
	})
}
