package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// UsageRecord captures one billable unit of delivered AI work. CreditsCharged
// stays nil until the pipeline prices the record; it is written exactly once.
type UsageRecord struct {
	BaseModel
	UserID     uuid.UUID `gorm:"type:uuid;not null;index:idx_usage_user_time,priority:1" json:"user_id"`
	ServiceKey string    `gorm:"size:64;not null;index" json:"service_key"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	Chars        int `json:"chars,omitempty"`

	// Units in the service's pricing unit, e.g. images or requests.
	Units float64 `json:"units"`

	RawCostUsd     *float64 `json:"raw_cost_usd,omitempty"`
	CreditsCharged *int64   `gorm:"index" json:"credits_charged,omitempty"`

	FailedInsufficientCredits bool `gorm:"default:false" json:"failed_insufficient_credits"`
	UnknownService            bool `gorm:"default:false" json:"unknown_service"`

	Metadata datatypes.JSON `json:"metadata,omitempty"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// ServiceCost is one row of the hot-reloadable pricing table.
type ServiceCost struct {
	BaseModel
	ServiceKey     string `gorm:"size:64;uniqueIndex;not null" json:"service_key"`
	CreditsPerUnit int64  `gorm:"not null" json:"credits_per_unit"`
	Unit           string `gorm:"size:32;not null" json:"unit"`
	Notes          string `json:"notes,omitempty"`
}

// Recognized pricing units.
const (
	UnitPer1kTokens  = "per 1k total tokens"
	UnitPerImage     = "per image"
	UnitPer1kChars   = "per 1000 characters"
	UnitPerRequest   = "per request"
	UnitPerMinute    = "per minute"
	UnitPerStory     = "per story"
	UnitPerTurn      = "per turn"
	UnitPerCharacter = "per character"
	UnitPerPrompt    = "per prompt"
)
