package usagepipe

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charhubai/charhub/internal/config"
	"github.com/charhubai/charhub/internal/models"
)

var ErrUnknownService = errors.New("unknown service key")

// CostTable is the hot-reloadable serviceKey -> pricing map. Reads hit an
// in-memory copy refreshed on an interval; writes go straight to the store.
type CostTable struct {
	db  *gorm.DB
	log *zap.Logger

	mu    sync.RWMutex
	rates map[string]models.ServiceCost

	reloadInterval time.Duration
	stopCh         chan struct{}
}

func NewCostTable(db *gorm.DB, log *zap.Logger, reloadInterval time.Duration) *CostTable {
	if reloadInterval == 0 {
		reloadInterval = time.Minute
	}
	t := &CostTable{
		db:             db,
		log:            log,
		rates:          make(map[string]models.ServiceCost),
		reloadInterval: reloadInterval,
		stopCh:         make(chan struct{}),
	}
	return t
}

// Start loads the table and begins periodic refresh.
func (t *CostTable) Start(ctx context.Context) error {
	if err := t.Reload(ctx); err != nil {
		return err
	}
	go t.reloadLoop(ctx)
	return nil
}

func (t *CostTable) Stop() {
	close(t.stopCh)
}

func (t *CostTable) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(t.reloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			if err := t.Reload(ctx); err != nil {
				t.log.Warn("service cost reload failed", zap.Error(err))
			}
		}
	}
}

func (t *CostTable) Reload(ctx context.Context) error {
	var rows []models.ServiceCost
	if err := t.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return err
	}
	rates := make(map[string]models.ServiceCost, len(rows))
	for _, row := range rows {
		rates[row.ServiceKey] = row
	}
	t.mu.Lock()
	t.rates = rates
	t.mu.Unlock()
	return nil
}

// Seed upserts the configured cost rows; existing keys keep runtime edits
// unless the config changes them.
func (t *CostTable) Seed(ctx context.Context, costs []config.ServiceCostConfig) error {
	for _, c := range costs {
		row := models.ServiceCost{
			ServiceKey:     c.ServiceKey,
			CreditsPerUnit: c.CreditsPerUnit,
			Unit:           c.Unit,
			Notes:          c.Notes,
		}
		err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"credits_per_unit", "unit", "notes"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	return t.Reload(ctx)
}

func (t *CostTable) Lookup(serviceKey string) (models.ServiceCost, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cost, ok := t.rates[serviceKey]
	return cost, ok
}

// Set writes one rate and refreshes the cache, used by the admin CLI.
func (t *CostTable) Set(ctx context.Context, serviceKey string, creditsPerUnit int64, unit, notes string) error {
	row := models.ServiceCost{
		ServiceKey:     serviceKey,
		CreditsPerUnit: creditsPerUnit,
		Unit:           unit,
		Notes:          notes,
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"credits_per_unit", "unit", "notes"}),
	}).Create(&row).Error
	if err != nil {
		return err
	}
	return t.Reload(ctx)
}

// Estimate computes the credit cost for the given unit count: ceil(units x rate).
func (t *CostTable) Estimate(serviceKey string, units float64) (int64, error) {
	cost, ok := t.Lookup(serviceKey)
	if !ok {
		return 0, ErrUnknownService
	}
	return CeilCredits(units, cost.CreditsPerUnit), nil
}

// CeilCredits rounds partial units up so delivered work is never undercharged.
func CeilCredits(units float64, creditsPerUnit int64) int64 {
	if units <= 0 || creditsPerUnit <= 0 {
		return 0
	}
	return int64(math.Ceil(units * float64(creditsPerUnit)))
}

// UnitsForTokens converts a token count to "per 1k tokens" units.
func UnitsForTokens(totalTokens int) float64 {
	return float64(totalTokens) / 1000.0
}

// UnitsForChars converts a character count to "per 1000 characters" units.
func UnitsForChars(chars int) float64 {
	return float64(chars) / 1000.0
}
