package models

import (
	"time"

	"github.com/google/uuid"
)

type TransactionKind string

const (
	TxGrantInitial     TransactionKind = "GRANT_INITIAL"
	TxGrantPlan        TransactionKind = "GRANT_PLAN"
	TxPurchase         TransactionKind = "PURCHASE"
	TxConsumption      TransactionKind = "CONSUMPTION"
	TxAdjustmentAdd    TransactionKind = "ADJUSTMENT_ADD"
	TxAdjustmentRemove TransactionKind = "ADJUSTMENT_REMOVE"
	TxRefund           TransactionKind = "REFUND"
	TxExpiration       TransactionKind = "EXPIRATION"
	TxSystemReward     TransactionKind = "SYSTEM_REWARD"
)

// CreditTransaction is the append-only ledger journal. Amount is signed:
// grants positive, debits negative.
type CreditTransaction struct {
	BaseModel
	UserID uuid.UUID       `gorm:"type:uuid;not null;index:idx_credit_tx_user_time,priority:1" json:"user_id"`
	Kind   TransactionKind `gorm:"size:24;not null" json:"kind"`
	Amount int64           `gorm:"not null" json:"amount"`
	Notes  string          `json:"notes,omitempty"`

	RelatedUsageID *uuid.UUID `gorm:"type:uuid" json:"related_usage_id,omitempty"`
	RelatedPlanID  *uuid.UUID `gorm:"type:uuid" json:"related_plan_id,omitempty"`

	// IdempotencyKey makes reward/plan grants single-shot: it carries the UTC
	// day for daily rewards and the billing period start for plan grants.
	// Unique per (user, kind, key) when set.
	IdempotencyKey string `gorm:"size:64;uniqueIndex:idx_credit_tx_idem,where:idempotency_key <> ''" json:"-"`
}

// MonthlySnapshot caches the balance at the first instant of a UTC month so
// balance reads only scan the current month's journal.
type MonthlySnapshot struct {
	BaseModel
	UserID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_snapshots_user_month" json:"user_id"`
	MonthStart      time.Time `gorm:"not null;uniqueIndex:idx_snapshots_user_month" json:"month_start"`
	StartingBalance int64     `gorm:"not null" json:"starting_balance"`
}

// CreditReservation is a soft hold counted against balance reads until it is
// settled into a CONSUMPTION row or released. Expired holds are ignored.
type CreditReservation struct {
	BaseModel
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Amount    int64     `gorm:"not null" json:"amount"`
	Action    string    `gorm:"size:64" json:"action"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	Settled   bool      `gorm:"default:false" json:"settled"`
	Released  bool      `gorm:"default:false" json:"released"`
}

// Active reports whether the hold still counts against the balance.
func (r *CreditReservation) Active(now time.Time) bool {
	return !r.Settled && !r.Released && r.ExpiresAt.After(now)
}
