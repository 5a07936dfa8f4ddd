// Package backends declares the interfaces the core consumes from external
// collaborators. Implementations live at the edges (HTTP clients, cloud SDKs);
// tests use the in-memory fakes alongside this package.
package backends

import (
	"context"
	"io"

	"github.com/charhubai/charhub/internal/services/llm/llmtypes"
)

// LLMClient is one upstream text-generation backend.
type LLMClient interface {
	Complete(ctx context.Context, req *llmtypes.Request) (*llmtypes.Response, error)

	// Stream returns a lazy, finite, non-restartable frame sequence. The
	// channel is closed after the END frame or on context cancellation.
	Stream(ctx context.Context, req *llmtypes.Request) (<-chan llmtypes.Frame, error)

	Name() string
	SupportsModel(model string) bool
}

// ImageRequest describes one image generation call.
type ImageRequest struct {
	PositivePrompt string
	NegativePrompt string
	References     []string // object-store paths of prior reference images
	Width          int
	Height         int
}

// ImageBackend generates images; the core never inspects pixels.
type ImageBackend interface {
	Generate(ctx context.Context, req *ImageRequest) ([]byte, error)
}

// ObjectStore is a content-addressed blob store (S3-like).
type ObjectStore interface {
	Put(ctx context.Context, key string, data io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// PaymentGateway is named for completeness; plan purchases are handled by the
// payments service outside the core.
type PaymentGateway interface {
	VerifyPurchase(ctx context.Context, orderID string) (amountCents int64, err error)
}
