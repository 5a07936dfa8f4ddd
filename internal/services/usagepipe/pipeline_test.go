package usagepipe

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/config"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/testutil"
)

func TestCeilCredits(t *testing.T) {
	tests := []struct {
		name           string
		units          float64
		creditsPerUnit int64
		want           int64
	}{
		{"whole units", 2, 5, 10},
		{"partial unit rounds up", 1.2, 5, 6},
		{"tiny fraction still charges", 0.001, 1, 1},
		{"zero units free", 0, 10, 0},
		{"zero rate free", 10, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CeilCredits(tt.units, tt.creditsPerUnit))
		})
	}
}

func TestUnitConversions(t *testing.T) {
	assert.Equal(t, 1.5, UnitsForTokens(1500))
	assert.Equal(t, 0.5, UnitsForChars(500))
}

func newTestPipeline(t *testing.T) (*Pipeline, *ledger.Service, *CostTable, *gorm.DB) {
	db := testutil.NewTestDB(t)
	led := ledger.NewService(&ledger.Config{DB: db, Logger: zap.NewNop()})
	costs := NewCostTable(db, zap.NewNop(), time.Minute)
	require.NoError(t, costs.Seed(context.Background(), []config.ServiceCostConfig{
		{ServiceKey: "chat.completion", CreditsPerUnit: 2, Unit: models.UnitPer1kTokens},
		{ServiceKey: "image.generation", CreditsPerUnit: 10, Unit: models.UnitPerImage},
		{ServiceKey: "free.tier", CreditsPerUnit: 0, Unit: models.UnitPerRequest},
	}))

	pipe := NewPipeline(&Config{
		DB:     db,
		Ledger: led,
		Costs:  costs,
		Logger: zap.NewNop(),
	})
	return pipe, led, costs, db
}

func TestPipelineChargesRecord(t *testing.T) {
	pipe, led, _, db := newTestPipeline(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := led.Grant(ctx, userID, models.TxGrantInitial, 100, ledger.GrantRefs{}, "")
	require.NoError(t, err)

	rec := &models.UsageRecord{
		UserID:       userID,
		ServiceKey:   "chat.completion",
		InputTokens:  900,
		OutputTokens: 600,
		Units:        UnitsForTokens(1500),
	}
	require.NoError(t, pipe.Record(ctx, rec))
	require.NoError(t, pipe.ProcessPending(ctx))

	var priced models.UsageRecord
	require.NoError(t, db.First(&priced, "id = ?", rec.ID).Error)
	require.NotNil(t, priced.CreditsCharged)
	assert.Equal(t, int64(3), *priced.CreditsCharged) // ceil(1.5 * 2)

	balance, err := led.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(97), balance)
}

func TestPipelineInsufficientCreditsMarksRecord(t *testing.T) {
	pipe, led, _, db := newTestPipeline(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := led.Grant(ctx, userID, models.TxGrantInitial, 5, ledger.GrantRefs{}, "")
	require.NoError(t, err)

	rec := &models.UsageRecord{
		UserID:     userID,
		ServiceKey: "image.generation",
		Units:      1,
	}
	require.NoError(t, pipe.Record(ctx, rec))
	require.NoError(t, pipe.ProcessPending(ctx))

	var priced models.UsageRecord
	require.NoError(t, db.First(&priced, "id = ?", rec.ID).Error)
	require.NotNil(t, priced.CreditsCharged)
	assert.Equal(t, int64(0), *priced.CreditsCharged)
	assert.True(t, priced.FailedInsufficientCredits)

	// Balance untouched; the service was already delivered.
	balance, err := led.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestPipelineUnknownServiceFlagged(t *testing.T) {
	pipe, _, _, db := newTestPipeline(t)
	ctx := context.Background()

	rec := &models.UsageRecord{
		UserID:     uuid.New(),
		ServiceKey: "nonexistent.service",
		Units:      3,
	}
	require.NoError(t, pipe.Record(ctx, rec))
	require.NoError(t, pipe.ProcessPending(ctx))

	var priced models.UsageRecord
	require.NoError(t, db.First(&priced, "id = ?", rec.ID).Error)
	require.NotNil(t, priced.CreditsCharged)
	assert.Equal(t, int64(0), *priced.CreditsCharged)
	assert.True(t, priced.UnknownService)
}

func TestPipelineZeroCostSkipsLedger(t *testing.T) {
	pipe, led, _, db := newTestPipeline(t)
	ctx := context.Background()
	userID := uuid.New()

	rec := &models.UsageRecord{
		UserID:     userID,
		ServiceKey: "free.tier",
		Units:      5,
	}
	require.NoError(t, pipe.Record(ctx, rec))
	require.NoError(t, pipe.ProcessPending(ctx))

	var priced models.UsageRecord
	require.NoError(t, db.First(&priced, "id = ?", rec.ID).Error)
	require.NotNil(t, priced.CreditsCharged)
	assert.Equal(t, int64(0), *priced.CreditsCharged)

	balance, err := led.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestPipelinePricesOnlyOnce(t *testing.T) {
	pipe, led, _, db := newTestPipeline(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := led.Grant(ctx, userID, models.TxGrantInitial, 100, ledger.GrantRefs{}, "")
	require.NoError(t, err)

	rec := &models.UsageRecord{
		UserID:     userID,
		ServiceKey: "image.generation",
		Units:      1,
	}
	require.NoError(t, pipe.Record(ctx, rec))
	require.NoError(t, pipe.ProcessPending(ctx))
	require.NoError(t, pipe.ProcessPending(ctx))

	balance, err := led.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)

	var count int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND kind = ?", userID, models.TxConsumption).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPipelineRivalWorkerCannotDoubleCharge(t *testing.T) {
	pipe, led, _, db := newTestPipeline(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := led.Grant(ctx, userID, models.TxGrantInitial, 100, ledger.GrantRefs{}, "")
	require.NoError(t, err)

	rec := &models.UsageRecord{
		UserID:     userID,
		ServiceKey: "image.generation",
		Units:      1,
	}
	require.NoError(t, pipe.Record(ctx, rec))
	require.NoError(t, pipe.ProcessPending(ctx))

	// A second worker that read the record before the first finalized it
	// sees credits_charged still NULL and re-prices.
	require.NoError(t, db.Model(&models.UsageRecord{}).
		Where("id = ?", rec.ID).
		Update("credits_charged", nil).Error)
	require.NoError(t, pipe.ProcessPending(ctx))

	balance, err := led.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)

	var count int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND kind = ?", userID, models.TxConsumption).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var priced models.UsageRecord
	require.NoError(t, db.First(&priced, "id = ?", rec.ID).Error)
	require.NotNil(t, priced.CreditsCharged)
	assert.Equal(t, int64(10), *priced.CreditsCharged)
}

func TestCostTableEstimate(t *testing.T) {
	_, _, costs, _ := newTestPipeline(t)

	credits, err := costs.Estimate("chat.completion", UnitsForTokens(2500))
	require.NoError(t, err)
	assert.Equal(t, int64(5), credits)

	_, err = costs.Estimate("missing", 1)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestCostTableSetHotReloads(t *testing.T) {
	_, _, costs, _ := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, costs.Set(ctx, "chat.completion", 4, models.UnitPer1kTokens, "price bump"))

	cost, ok := costs.Lookup("chat.completion")
	require.True(t, ok)
	assert.Equal(t, int64(4), cost.CreditsPerUnit)
}
