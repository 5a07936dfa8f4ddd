// Package llmtypes holds the wire-independent request/response/stream types
// shared by the broker and the provider clients.
package llmtypes

import "encoding/json"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "AUTO"
	ToolChoiceNone     ToolChoice = "NONE"
	ToolChoiceRequired ToolChoice = "REQUIRED"
)

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Request struct {
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Messages     []Message  `json:"messages"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Tools        []Tool     `json:"tools,omitempty"`
	ToolChoice   ToolChoice `json:"tool_choice,omitempty"`

	Temperature   *float32 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	AllowBrowsing bool     `json:"allow_browsing,omitempty"`

	// AutoExecute runs recognized tool calls inside the broker instead of
	// returning them to the caller.
	AutoExecute bool `json:"-"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	Model     string     `json:"model"`
}

type FrameKind string

const (
	FrameChunk    FrameKind = "CHUNK"
	FrameToolCall FrameKind = "TOOL_CALL"
	FrameEnd      FrameKind = "END"
)

// Frame is one element of a streamed response. END carries the final usage;
// a non-nil Err on END reports a stream that failed mid-flight.
type Frame struct {
	Kind     FrameKind `json:"kind"`
	Delta    string    `json:"delta,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	Err      error     `json:"-"`
}
