package jobs

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/ledger"
)

// JobTypeMonthlyGrants scans active subscriptions and deposits their monthly
// credits. Enqueued on a schedule; safe to run concurrently because the
// ledger dedupes per (plan, period).
const JobTypeMonthlyGrants = "monthly_grants"

type GrantsResult struct {
	Scanned int `json:"scanned"`
	Granted int `json:"granted"`
}

type GrantsHandler struct {
	db     *gorm.DB
	ledger *ledger.Service
	clk    clock.Clock
	log    *zap.Logger
}

func NewGrantsHandler(db *gorm.DB, led *ledger.Service, clk clock.Clock, log *zap.Logger) *GrantsHandler {
	return &GrantsHandler{db: db, ledger: led, clk: clk, log: log}
}

func (h *GrantsHandler) Type() string { return JobTypeMonthlyGrants }

func (h *GrantsHandler) Execute(ctx context.Context, jc *JobContext) (any, error) {
	now := h.clk.NowUTC()

	var plans []models.UserPlan
	err := h.db.WithContext(ctx).Preload("Plan").
		Where("status = ? AND current_period_end <= ?", models.PlanStatusActive, now).
		Find(&plans).Error
	if err != nil {
		return nil, err
	}

	result := GrantsResult{Scanned: len(plans)}
	for i := range plans {
		up := &plans[i]
		if !up.IsCurrent(now) || up.Plan == nil {
			continue
		}

		// Roll the billing period forward one month at a time so a plan that
		// lapsed for several periods still only grants the current one.
		periodStart := up.CurrentPeriodStart
		periodEnd := up.CurrentPeriodEnd
		for !periodEnd.After(now) {
			periodStart = periodEnd
			periodEnd = periodEnd.AddDate(0, 1, 0)
		}

		if err := h.ledger.GrantMonthly(ctx, up.UserID, up.PlanID, up.Plan.MonthlyCredits, periodStart); err != nil {
			h.log.Error("monthly grant failed",
				zap.String("user_id", up.UserID.String()),
				zap.String("plan_id", up.PlanID.String()),
				zap.Error(err))
			continue
		}

		updates := map[string]any{
			"current_period_start":    periodStart,
			"current_period_end":      periodEnd,
			"last_credits_granted_at": now,
		}
		if err := h.db.WithContext(ctx).Model(up).Updates(updates).Error; err != nil {
			h.log.Error("failed to advance plan period",
				zap.String("user_plan_id", up.ID.String()),
				zap.Error(err))
			continue
		}
		result.Granted++
	}

	h.log.Info("monthly grant sweep complete",
		zap.Int("scanned", result.Scanned),
		zap.Int("granted", result.Granted),
		zap.Time("as_of", now))
	return &result, nil
}
