// Package policy is the pre-flight gate every credit-spending action passes
// through: per-action rate limits, age-rating checks, and a short-lived
// credit reservation the caller settles or releases afterwards.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/services/ratelimit"
)

var (
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrAgeRestricted = errors.New("content exceeds the user's age rating")
)

// Well-known action names.
const (
	ActionSendMessage = "send_message"
	ActionEnqueueJob  = "enqueue_job"
	ActionDailyReward = "daily_reward"
)

// ActionLimit is the per-user budget for one action.
type ActionLimit struct {
	Limit  int
	Window time.Duration
}

// AuthToken proves an action passed the gate. When a cost was reserved the
// caller must Settle or Release it.
type AuthToken struct {
	UserID        uuid.UUID
	Action        string
	ReservationID *uuid.UUID
	IssuedAt      time.Time
}

// AuthRequest describes the action about to run.
type AuthRequest struct {
	UserID        uuid.UUID
	Action        string
	EstimatedCost int64

	// ContentRating is the age rating of the content involved; zero skips
	// the check.
	ContentRating int
}

type Gate struct {
	db      *gorm.DB
	limiter ratelimit.Limiter
	ledger  *ledger.Service
	clk     clock.Clock
	log     *zap.Logger

	limits         map[string]ActionLimit
	reservationTTL time.Duration
}

type Config struct {
	DB             *gorm.DB
	Limiter        ratelimit.Limiter
	Ledger         *ledger.Service
	Clock          clock.Clock
	Logger         *zap.Logger
	Limits         map[string]ActionLimit
	ReservationTTL time.Duration
}

func NewGate(cfg *Config) *Gate {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReservationTTL == 0 {
		cfg.ReservationTTL = 60 * time.Second
	}
	if cfg.Limits == nil {
		cfg.Limits = map[string]ActionLimit{
			ActionSendMessage: {Limit: 30, Window: time.Minute},
			ActionEnqueueJob:  {Limit: 6, Window: time.Minute},
			ActionDailyReward: {Limit: 5, Window: time.Minute},
		}
	}
	return &Gate{
		db:             cfg.DB,
		limiter:        cfg.Limiter,
		ledger:         cfg.Ledger,
		clk:            cfg.Clock,
		log:            cfg.Logger,
		limits:         cfg.Limits,
		reservationTTL: cfg.ReservationTTL,
	}
}

// Authorize runs the checks in cheap-first order: rate limit, age rating,
// then the credit reservation. Nothing is reserved unless every check passes,
// so a denial leaves no state behind.
func (g *Gate) Authorize(ctx context.Context, req *AuthRequest) (*AuthToken, error) {
	if limit, ok := g.limits[req.Action]; ok && g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, ratelimit.Key(req.UserID.String(), req.Action), limit.Limit, limit.Window)
		if err != nil {
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: action %s", ErrRateLimited, req.Action)
		}
	}

	if req.ContentRating > 0 {
		if err := g.checkAgeRating(ctx, req.UserID, req.ContentRating); err != nil {
			return nil, err
		}
	}

	token := &AuthToken{
		UserID:   req.UserID,
		Action:   req.Action,
		IssuedAt: g.clk.NowUTC(),
	}

	if req.EstimatedCost > 0 {
		resID, err := g.ledger.Reserve(ctx, req.UserID, req.EstimatedCost, req.Action, g.reservationTTL)
		if err != nil {
			return nil, err
		}
		token.ReservationID = &resID
	}

	g.log.Debug("action authorized",
		zap.String("user_id", req.UserID.String()),
		zap.String("action", req.Action),
		zap.Int64("estimated_cost", req.EstimatedCost))
	return token, nil
}

func (g *Gate) checkAgeRating(ctx context.Context, userID uuid.UUID, contentRating int) error {
	var user models.User
	err := g.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Unknown users get the most restrictive default.
		return fmt.Errorf("%w: rating %d", ErrAgeRestricted, contentRating)
	}
	if err != nil {
		return err
	}
	if contentRating > user.MaxAgeRating {
		return fmt.Errorf("%w: rating %d exceeds preference %d", ErrAgeRestricted, contentRating, user.MaxAgeRating)
	}
	return nil
}

// Settle charges the actual cost against the token's reservation.
func (g *Gate) Settle(ctx context.Context, token *AuthToken, actualCost int64) error {
	if token == nil || token.ReservationID == nil {
		return nil
	}
	return g.ledger.Settle(ctx, *token.ReservationID, actualCost, nil)
}

// Release drops the hold after a failed or abandoned action.
func (g *Gate) Release(ctx context.Context, token *AuthToken) error {
	if token == nil || token.ReservationID == nil {
		return nil
	}
	err := g.ledger.Release(ctx, *token.ReservationID)
	if errors.Is(err, ledger.ErrReservationFinalized) {
		// Already settled or released; releasing again is a no-op.
		return nil
	}
	return err
}
