// Package sdimage talks to a Stable-Diffusion-style txt2img HTTP API and
// returns raw PNG bytes.
package sdimage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charhubai/charhub/internal/backends"
	"github.com/charhubai/charhub/internal/config"
)

type Client struct {
	baseURL string
	apiKey  string
	width   int
	height  int
	client  *http.Client
}

var _ backends.ImageBackend = (*Client)(nil)

func NewClient(cfg config.ImagesConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	width := cfg.Width
	if width == 0 {
		width = 768
	}
	height := cfg.Height
	if height == 0 {
		height = 1024
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		width:   width,
		height:  height,
		client:  &http.Client{Timeout: timeout},
	}
}

type wireRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	ReferenceKeys  []string `json:"reference_keys,omitempty"`
}

type wireResponse struct {
	Images []string `json:"images"`
	Error  string   `json:"error,omitempty"`
}

// UpstreamError carries the HTTP status so the job engine can separate
// retryable 5xx failures from permanent prompt errors.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("image backend error (status %d): %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func (c *Client) Generate(ctx context.Context, req *backends.ImageRequest) ([]byte, error) {
	width := req.Width
	if width == 0 {
		width = c.width
	}
	height := req.Height
	if height == 0 {
		height = c.height
	}
	body, err := json.Marshal(&wireRequest{
		Prompt:         req.PositivePrompt,
		NegativePrompt: req.NegativePrompt,
		Width:          width,
		Height:         height,
		ReferenceKeys:  req.References,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sdapi/v1/txt2img", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("image backend request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var decoded wireResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid image backend response: %w", err)
	}
	if decoded.Error != "" {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: decoded.Error}
	}
	if len(decoded.Images) == 0 {
		return nil, fmt.Errorf("image backend returned no images")
	}

	img, err := base64.StdEncoding.DecodeString(decoded.Images[0])
	if err != nil {
		return nil, fmt.Errorf("invalid image payload: %w", err)
	}
	return img, nil
}
