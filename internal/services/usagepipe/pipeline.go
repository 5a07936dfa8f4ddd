// Package usagepipe ingests delivered-work usage records and charges them to
// the ledger asynchronously. Records are priced strictly FIFO per user;
// cross-user work runs in parallel up to a bound.
package usagepipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/ledger"
)

type Pipeline struct {
	db     *gorm.DB
	ledger *ledger.Service
	costs  *CostTable
	log    *zap.Logger

	maxParallel int
	interval    time.Duration
	batchSize   int
	stopCh      chan struct{}
}

type Config struct {
	DB          *gorm.DB
	Ledger      *ledger.Service
	Costs       *CostTable
	Logger      *zap.Logger
	MaxParallel int
	Interval    time.Duration
	BatchSize   int
}

func NewPipeline(cfg *Config) *Pipeline {
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 4
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 200
	}
	return &Pipeline{
		db:          cfg.DB,
		ledger:      cfg.Ledger,
		costs:       cfg.Costs,
		log:         cfg.Logger,
		maxParallel: cfg.MaxParallel,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		stopCh:      make(chan struct{}),
	}
}

// Record persists a usage record with pricing deferred to the worker.
func (p *Pipeline) Record(ctx context.Context, rec *models.UsageRecord) error {
	if rec.UserID == uuid.Nil {
		return fmt.Errorf("usage record requires a user id")
	}
	if rec.ServiceKey == "" {
		return fmt.Errorf("usage record requires a service key")
	}
	rec.CreditsCharged = nil
	return p.db.WithContext(ctx).Create(rec).Error
}

// Start launches the background pricing loop.
func (p *Pipeline) Start(ctx context.Context) {
	p.log.Info("starting usage pipeline",
		zap.Int("max_parallel", p.maxParallel),
		zap.Duration("interval", p.interval))
	go p.loop(ctx)
}

func (p *Pipeline) Stop() {
	close(p.stopCh)
}

func (p *Pipeline) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.ProcessPending(ctx); err != nil {
				p.log.Error("usage batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessPending prices one batch of unpriced records. Exported so tests and
// the worker command can drive it directly.
func (p *Pipeline) ProcessPending(ctx context.Context) error {
	var records []models.UsageRecord
	err := p.db.WithContext(ctx).
		Where("credits_charged IS NULL").
		Order("created_at ASC, id ASC").
		Limit(p.batchSize).
		Find(&records).Error
	if err != nil {
		return fmt.Errorf("failed to load unpriced records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	// Partition by user to keep per-user FIFO while running users in parallel.
	perUser := make(map[uuid.UUID][]models.UsageRecord)
	var order []uuid.UUID
	for _, rec := range records {
		if _, seen := perUser[rec.UserID]; !seen {
			order = append(order, rec.UserID)
		}
		perUser[rec.UserID] = append(perUser[rec.UserID], rec)
	}

	sem := make(chan struct{}, p.maxParallel)
	done := make(chan struct{})
	for _, userID := range order {
		recs := perUser[userID]
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			for i := range recs {
				if err := p.priceRecord(ctx, &recs[i]); err != nil {
					p.log.Error("failed to price usage record",
						zap.String("record_id", recs[i].ID.String()),
						zap.Error(err))
					// Leave the rest of this user's queue for the next pass
					// so ordering survives the retry.
					return
				}
			}
		}()
	}
	for range order {
		<-done
	}
	return nil
}

func (p *Pipeline) priceRecord(ctx context.Context, rec *models.UsageRecord) error {
	cost, ok := p.costs.Lookup(rec.ServiceKey)
	if !ok {
		p.log.Warn("unknown service key in usage record",
			zap.String("service_key", rec.ServiceKey),
			zap.String("record_id", rec.ID.String()))
		return p.finalize(ctx, rec, 0, map[string]any{"unknown_service": true})
	}

	credits := CeilCredits(rec.Units, cost.CreditsPerUnit)
	if credits == 0 {
		return p.finalize(ctx, rec, 0, nil)
	}

	_, err := p.ledger.Consume(ctx, rec.UserID, credits, ledger.GrantRefs{
		UsageID:        &rec.ID,
		IdempotencyKey: "usage:" + rec.ID.String(),
	})
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		// Service was already delivered; record the shortfall and move on.
		return p.finalize(ctx, rec, 0, map[string]any{"failed_insufficient_credits": true})
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		// Another worker charged this record; just make sure it is finalized.
		return p.finalize(ctx, rec, credits, nil)
	case err != nil:
		return err
	}
	creditsConsumedTotal.WithLabelValues(rec.ServiceKey).Add(float64(credits))
	return p.finalize(ctx, rec, credits, nil)
}

// finalize writes creditsCharged exactly once; a lost race means another
// worker already priced the record.
func (p *Pipeline) finalize(ctx context.Context, rec *models.UsageRecord, credits int64, flags map[string]any) error {
	updates := map[string]any{"credits_charged": credits}
	for k, v := range flags {
		updates[k] = v
	}
	res := p.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("id = ? AND credits_charged IS NULL", rec.ID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		p.log.Debug("usage record already priced", zap.String("record_id", rec.ID.String()))
	}
	return nil
}
