package models

import (
	"time"

	"github.com/google/uuid"
)

type UserRole string

const (
	RoleFree    UserRole = "FREE"
	RolePremium UserRole = "PREMIUM"
	RoleAdmin   UserRole = "ADMIN"
)

type User struct {
	BaseModel
	PreferredLanguage string   `gorm:"size:16;default:en" json:"preferred_language"`
	Role              UserRole `gorm:"size:16;default:FREE;index" json:"role"`

	// Maximum age rating of content this user wants to see.
	MaxAgeRating int `gorm:"default:13" json:"max_age_rating"`
}

func (User) TableName() string {
	return "users"
}

type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "ACTIVE"
	PlanStatusCancelled PlanStatus = "CANCELLED"
	PlanStatusExpired   PlanStatus = "EXPIRED"
	PlanStatusSuspended PlanStatus = "SUSPENDED"
)

// Plan is immutable once subscribed to; changes require a new plan row.
type Plan struct {
	BaseModel
	Name           string `gorm:"uniqueIndex;not null" json:"name"`
	MonthlyCredits int64  `gorm:"not null" json:"monthly_credits"`
	PriceUsd       int64  `json:"price_usd"` // cents
	Features       string `gorm:"type:jsonb;default:'{}'" json:"features"`
	IsActive       bool   `gorm:"default:true" json:"is_active"`
}

type UserPlan struct {
	BaseModel
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	PlanID uuid.UUID `gorm:"type:uuid;not null;index" json:"plan_id"`
	Plan   *Plan     `gorm:"foreignKey:PlanID" json:"-"`

	Status             PlanStatus `gorm:"size:16;not null;index" json:"status"`
	StartDate          time.Time  `json:"start_date"`
	EndDate            *time.Time `json:"end_date,omitempty"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`

	LastCreditsGrantedAt *time.Time `json:"last_credits_granted_at,omitempty"`
}

// IsCurrent reports whether the subscription is active at the given instant.
func (up *UserPlan) IsCurrent(now time.Time) bool {
	if up.Status != PlanStatusActive {
		return false
	}
	if up.EndDate != nil && !up.EndDate.After(now) {
		return false
	}
	return true
}
