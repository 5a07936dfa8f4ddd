package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/llm/llmtypes"
	"github.com/charhubai/charhub/internal/services/usagepipe"
)

// JobTypeAutogen drafts a character sheet from a short user brief.
const JobTypeAutogen = "character_autogen"

// Completer is the slice of the LLM broker the autogen handler needs.
type Completer interface {
	Complete(ctx context.Context, req *llmtypes.Request) (*llmtypes.Response, error)
}

type AutogenPayload struct {
	Brief     string `json:"brief"`
	Language  string `json:"language,omitempty"`
	AgeRating int    `json:"age_rating,omitempty"`
}

// AutogenSheet is the structured character draft returned to the client.
type AutogenSheet struct {
	Name        string   `json:"name"`
	Tagline     string   `json:"tagline"`
	Description string   `json:"description"`
	Personality string   `json:"personality"`
	Greeting    string   `json:"greeting"`
	Tags        []string `json:"tags"`
}

const autogenSystemPrompt = `You draft fictional character sheets for a roleplay platform.
Given a short brief, respond with a single JSON object with keys:
name, tagline, description, personality, greeting, tags (array of strings).
Respond with JSON only, no prose around it.`

type AutogenHandler struct {
	llm   Completer
	usage *usagepipe.Pipeline
	log   *zap.Logger

	model    string
	provider string
}

func NewAutogenHandler(llm Completer, usage *usagepipe.Pipeline, provider, model string, log *zap.Logger) *AutogenHandler {
	return &AutogenHandler{llm: llm, usage: usage, provider: provider, model: model, log: log}
}

func (h *AutogenHandler) Type() string { return JobTypeAutogen }

func (h *AutogenHandler) Execute(ctx context.Context, jc *JobContext) (any, error) {
	var payload AutogenPayload
	if err := json.Unmarshal(jc.Job.Payload, &payload); err != nil {
		return nil, Permanent(fmt.Errorf("invalid autogen payload: %w", err))
	}
	if strings.TrimSpace(payload.Brief) == "" {
		return nil, Permanent(fmt.Errorf("autogen payload missing brief"))
	}

	if err := jc.Progress(ctx, 0, 1, "autogen.started", nil); err != nil {
		return nil, err
	}

	brief := payload.Brief
	if payload.Language != "" {
		brief = fmt.Sprintf("%s\n\nWrite all fields in language: %s", brief, payload.Language)
	}
	if payload.AgeRating > 0 {
		brief = fmt.Sprintf("%s\nThe content must be suitable for age rating %d.", brief, payload.AgeRating)
	}

	resp, err := h.llm.Complete(ctx, &llmtypes.Request{
		Provider:     h.provider,
		Model:        h.model,
		SystemPrompt: autogenSystemPrompt,
		Messages: []llmtypes.Message{
			{Role: llmtypes.RoleUser, Content: brief},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("autogen completion: %w", err)
	}

	sheet, err := parseAutogenSheet(resp.Content)
	if err != nil {
		// The model returned malformed JSON; a retry usually fixes it.
		return nil, fmt.Errorf("autogen output unparseable: %w", err)
	}

	if err := h.usage.Record(ctx, &models.UsageRecord{
		UserID:       jc.Job.OwnerUserID,
		ServiceKey:   "chat.completion",
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Units:        usagepipe.UnitsForTokens(resp.Usage.Total()),
	}); err != nil {
		h.log.Warn("usage record failed for autogen", zap.Error(err))
	}

	if err := jc.Progress(ctx, 1, 1, "autogen.complete", nil); err != nil {
		return nil, err
	}
	return sheet, nil
}

// parseAutogenSheet tolerates models that wrap their JSON in code fences.
func parseAutogenSheet(content string) (*AutogenSheet, error) {
	trimmed := strings.TrimSpace(content)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	var sheet AutogenSheet
	if err := json.Unmarshal([]byte(trimmed), &sheet); err != nil {
		return nil, err
	}
	if sheet.Name == "" {
		return nil, fmt.Errorf("character sheet missing name")
	}
	return &sheet, nil
}

var (
	_ Handler = (*DatasetHandler)(nil)
	_ Handler = (*GrantsHandler)(nil)
	_ Handler = (*AutogenHandler)(nil)
)
