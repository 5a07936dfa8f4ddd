// Package ledger is the authoritative credit balance service. Balances derive
// from monthly snapshots plus the current month's journal; consumption is
// atomic with the balance read so concurrent spends can never oversell.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/retry"
)

var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrAlreadyClaimed       = errors.New("reward already claimed")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationFinalized = errors.New("reservation already settled or released")
	ErrInvalidAmount        = errors.New("amount must be non-negative")
)

const (
	balanceCachePrefix = "balance:"
	dailyRewardNote    = "daily"
)

type Service struct {
	db    *gorm.DB
	cache *redis.Client // nil disables the balance cache
	clk   clock.Clock
	log   *zap.Logger

	cacheTTL     time.Duration
	dailyReward  int64
	initialGrant int64
	retryCfg     *retry.Config
}

type Config struct {
	DB              *gorm.DB
	Cache           *redis.Client
	Clock           clock.Clock
	Logger          *zap.Logger
	BalanceCacheTTL time.Duration
	DailyReward     int64
	InitialGrant    int64
}

func NewService(cfg *Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.BalanceCacheTTL == 0 {
		cfg.BalanceCacheTTL = 10 * time.Second
	}
	if cfg.DailyReward == 0 {
		cfg.DailyReward = 50
	}
	return &Service{
		db:           cfg.DB,
		cache:        cfg.Cache,
		clk:          cfg.Clock,
		log:          cfg.Logger,
		cacheTTL:     cfg.BalanceCacheTTL,
		dailyReward:  cfg.DailyReward,
		initialGrant: cfg.InitialGrant,
		retryCfg:     retry.DefaultConfig(),
	}
}

// Balance returns the user's current credit balance: latest snapshot plus the
// journal since its month start, minus active reservations.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, balanceCachePrefix+userID.String()).Int64(); err == nil {
			return cached, nil
		}
	}

	var balance int64
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		var err error
		balance, err = s.balanceTx(s.db.WithContext(ctx), userID)
		return err
	}, nil)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, balanceCachePrefix+userID.String(), balance, s.cacheTTL).Err(); err != nil {
			s.log.Debug("balance cache write failed", zap.Error(err))
		}
	}

	return balance, nil
}

// balanceTx computes the balance inside the given handle. Callers that need
// atomicity with a write must hold the per-user lock first.
func (s *Service) balanceTx(tx *gorm.DB, userID uuid.UUID) (int64, error) {
	now := s.clk.NowUTC()

	var snapshot models.MonthlySnapshot
	var base int64
	var since time.Time
	err := tx.Where("user_id = ? AND month_start <= ?", userID, now).
		Order("month_start DESC").
		First(&snapshot).Error
	switch {
	case err == nil:
		base = snapshot.StartingBalance
		since = snapshot.MonthStart
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No snapshot yet; scan the whole journal.
		since = time.Time{}
	default:
		return 0, err
	}

	var delta int64
	if err := tx.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&delta).Error; err != nil {
		return 0, err
	}

	var reserved int64
	if err := tx.Model(&models.CreditReservation{}).
		Where("user_id = ? AND NOT settled AND NOT released AND expires_at > ?", userID, now).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&reserved).Error; err != nil {
		return 0, err
	}

	return base + delta - reserved, nil
}

// lockUser serializes ledger writes for one user within the transaction.
func (s *Service) lockUser(tx *gorm.DB, userID uuid.UUID) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", userID.String()).Error
}

type GrantRefs struct {
	UsageID        *uuid.UUID
	PlanID         *uuid.UUID
	IdempotencyKey string
}

// Grant appends a positive transaction. A duplicate idempotency key yields
// ErrAlreadyClaimed and leaves exactly one row behind.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, kind models.TransactionKind, amount int64, refs GrantRefs, notes string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("%w: grant amount must be positive", ErrInvalidAmount)
	}

	txRow := &models.CreditTransaction{
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		Notes:          notes,
		RelatedUsageID: refs.UsageID,
		RelatedPlanID:  refs.PlanID,
		IdempotencyKey: refs.IdempotencyKey,
	}

	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Create(txRow).Error
	}, func(err error) bool {
		if isUniqueViolation(err) {
			return false
		}
		return retry.DefaultIsRetryable(err)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, ErrAlreadyClaimed
		}
		return uuid.Nil, err
	}

	s.invalidateBalance(ctx, userID)
	return txRow.ID, nil
}

// Consume appends a negative transaction iff the balance covers it, atomically
// with the read. A duplicate idempotency key yields ErrAlreadyClaimed without
// charging a second time.
func (s *Service) Consume(ctx context.Context, userID uuid.UUID, amount int64, refs GrantRefs) (uuid.UUID, error) {
	if amount < 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	if amount == 0 {
		return uuid.Nil, nil
	}

	var txID uuid.UUID
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.lockUser(tx, userID); err != nil {
				return err
			}
			balance, err := s.balanceTx(tx, userID)
			if err != nil {
				return err
			}
			if balance < amount {
				return ErrInsufficientCredits
			}
			row := &models.CreditTransaction{
				UserID:         userID,
				Kind:           models.TxConsumption,
				Amount:         -amount,
				RelatedUsageID: refs.UsageID,
				IdempotencyKey: refs.IdempotencyKey,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			txID = row.ID
			return nil
		})
	}, func(err error) bool {
		if errors.Is(err, ErrInsufficientCredits) || isUniqueViolation(err) {
			return false
		}
		return retry.DefaultIsRetryable(err)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, ErrAlreadyClaimed
		}
		return uuid.Nil, err
	}

	s.invalidateBalance(ctx, userID)
	return txID, nil
}

// Reserve places a soft hold counted against balance reads until settled or
// released. Expired holds stop counting on their own.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, amount int64, action string, ttl time.Duration) (uuid.UUID, error) {
	if amount < 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	if ttl == 0 {
		ttl = 60 * time.Second
	}

	var resID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockUser(tx, userID); err != nil {
			return err
		}
		balance, err := s.balanceTx(tx, userID)
		if err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientCredits
		}
		row := &models.CreditReservation{
			UserID:    userID,
			Amount:    amount,
			Action:    action,
			ExpiresAt: s.clk.NowUTC().Add(ttl),
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		resID = row.ID
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.invalidateBalance(ctx, userID)
	return resID, nil
}

// Settle converts a reservation into a CONSUMPTION of the actual amount. The
// actual amount may differ from the hold; the hold stops counting either way.
func (s *Service) Settle(ctx context.Context, reservationID uuid.UUID, actualAmount int64, usageID *uuid.UUID) error {
	if actualAmount < 0 {
		return ErrInvalidAmount
	}

	var userID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.CreditReservation
		if err := tx.First(&res, "id = ?", reservationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationNotFound
			}
			return err
		}
		if res.Settled || res.Released {
			return ErrReservationFinalized
		}
		userID = res.UserID

		if err := s.lockUser(tx, userID); err != nil {
			return err
		}
		if err := tx.Model(&res).Update("settled", true).Error; err != nil {
			return err
		}
		if actualAmount == 0 {
			return nil
		}
		return tx.Create(&models.CreditTransaction{
			UserID:         userID,
			Kind:           models.TxConsumption,
			Amount:         -actualAmount,
			RelatedUsageID: usageID,
		}).Error
	})
	if err != nil {
		return err
	}

	s.invalidateBalance(ctx, userID)
	return nil
}

// Release drops a reservation without charging.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID) error {
	var userID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.CreditReservation
		if err := tx.First(&res, "id = ?", reservationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationNotFound
			}
			return err
		}
		if res.Settled || res.Released {
			return ErrReservationFinalized
		}
		userID = res.UserID
		return tx.Model(&res).Update("released", true).Error
	})
	if err != nil {
		return err
	}

	s.invalidateBalance(ctx, userID)
	return nil
}

// SnapshotMonth computes the starting balance for the given UTC month start and
// inserts the row if absent. Idempotent; snapshots are an optimization, so
// failures never break Balance.
func (s *Service) SnapshotMonth(ctx context.Context, userID uuid.UUID, monthStart time.Time) error {
	monthStart = clock.MonthStart(monthStart)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockUser(tx, userID); err != nil {
			return err
		}

		var existing models.MonthlySnapshot
		err := tx.Where("user_id = ? AND month_start = ?", userID, monthStart).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var base int64
		var since time.Time
		var prior models.MonthlySnapshot
		err = tx.Where("user_id = ? AND month_start < ?", userID, monthStart).
			Order("month_start DESC").
			First(&prior).Error
		switch {
		case err == nil:
			base = prior.StartingBalance
			since = prior.MonthStart
		case errors.Is(err, gorm.ErrRecordNotFound):
			since = time.Time{}
		default:
			return err
		}

		var delta int64
		if err := tx.Model(&models.CreditTransaction{}).
			Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, since, monthStart).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&delta).Error; err != nil {
			return err
		}

		row := &models.MonthlySnapshot{
			UserID:          userID,
			MonthStart:      monthStart,
			StartingBalance: base + delta,
		}
		if err := tx.Create(row).Error; err != nil {
			if isUniqueViolation(err) {
				return nil // raced with another snapshotter
			}
			return err
		}
		return nil
	})
}

// ClaimDaily grants the daily reward once per UTC day per user.
func (s *Service) ClaimDaily(ctx context.Context, userID uuid.UUID) (int64, error) {
	day := clock.DayKey(s.clk.NowUTC())
	_, err := s.Grant(ctx, userID, models.TxSystemReward, s.dailyReward, GrantRefs{
		IdempotencyKey: day,
	}, dailyRewardNote)
	if err != nil {
		return 0, err
	}
	return s.Balance(ctx, userID)
}

// GrantMonthly credits a plan's monthly allowance once per billing period.
func (s *Service) GrantMonthly(ctx context.Context, userID, planID uuid.UUID, amount int64, periodStart time.Time) error {
	key := fmt.Sprintf("%s:%s", planID, periodStart.UTC().Format(time.RFC3339))
	_, err := s.Grant(ctx, userID, models.TxGrantPlan, amount, GrantRefs{
		PlanID:         &planID,
		IdempotencyKey: key,
	}, "monthly plan grant")
	if errors.Is(err, ErrAlreadyClaimed) {
		return nil
	}
	return err
}

// Transactions lists the user's journal newest-first.
func (s *Service) Transactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txs []models.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&txs).Error
	return txs, err
}

func (s *Service) invalidateBalance(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, balanceCachePrefix+userID.String()).Err(); err != nil {
		s.log.Debug("balance cache invalidation failed", zap.Error(err))
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// gorm surfaces driver errors as strings on some paths
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}
