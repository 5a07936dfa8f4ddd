package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/services/ratelimit"
	"github.com/charhubai/charhub/internal/testutil"
)

func newTestGate(t *testing.T, limits map[string]ActionLimit) (*Gate, *ledger.Service) {
	db := testutil.NewTestDB(t)
	clk := clock.NewFake(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	led := ledger.NewService(&ledger.Config{DB: db, Clock: clk, Logger: zap.NewNop()})
	gate := NewGate(&Config{
		DB:      db,
		Limiter: ratelimit.NewInMemoryLimiter(),
		Ledger:  led,
		Clock:   clk,
		Logger:  zap.NewNop(),
		Limits:  limits,
	})
	return gate, led
}

func seedUser(t *testing.T, gate *Gate, maxAgeRating int) uuid.UUID {
	t.Helper()
	user := &models.User{MaxAgeRating: maxAgeRating}
	require.NoError(t, gate.db.Create(user).Error)
	return user.ID
}

func TestAuthorizeWithoutCost(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	userID := uuid.New()

	token, err := gate.Authorize(context.Background(), &AuthRequest{
		UserID: userID,
		Action: ActionSendMessage,
	})
	require.NoError(t, err)
	assert.Nil(t, token.ReservationID)
	assert.Equal(t, userID, token.UserID)
}

func TestAuthorizeReservesEstimatedCost(t *testing.T) {
	gate, led := newTestGate(t, nil)
	ctx := context.Background()
	userID := uuid.New()

	_, err := led.Grant(ctx, userID, models.TxGrantInitial, 100, ledger.GrantRefs{}, "")
	require.NoError(t, err)

	token, err := gate.Authorize(ctx, &AuthRequest{
		UserID:        userID,
		Action:        ActionSendMessage,
		EstimatedCost: 30,
	})
	require.NoError(t, err)
	require.NotNil(t, token.ReservationID)

	balance, err := led.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	require.NoError(t, gate.Settle(ctx, token, 25))
	balance, err = led.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(75), balance)
}

// Denied pre-auth leaves no reservation and no message-side state behind.
func TestAuthorizeInsufficientCredits(t *testing.T) {
	gate, led := newTestGate(t, nil)
	ctx := context.Background()
	userID := uuid.New()

	_, err := led.Grant(ctx, userID, models.TxGrantInitial, 5, ledger.GrantRefs{}, "")
	require.NoError(t, err)

	_, err = gate.Authorize(ctx, &AuthRequest{
		UserID:        userID,
		Action:        ActionSendMessage,
		EstimatedCost: 10,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	var count int64
	require.NoError(t, gate.db.Model(&models.CreditReservation{}).
		Where("user_id = ?", userID).Count(&count).Error)
	assert.Zero(t, count)

	balance, err := led.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestAuthorizeRateLimit(t *testing.T) {
	gate, _ := newTestGate(t, map[string]ActionLimit{
		ActionSendMessage: {Limit: 2, Window: time.Minute},
	})
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := gate.Authorize(ctx, &AuthRequest{UserID: userID, Action: ActionSendMessage})
		require.NoError(t, err)
	}
	_, err := gate.Authorize(ctx, &AuthRequest{UserID: userID, Action: ActionSendMessage})
	assert.ErrorIs(t, err, ErrRateLimited)

	// Another user has their own bucket.
	_, err = gate.Authorize(ctx, &AuthRequest{UserID: uuid.New(), Action: ActionSendMessage})
	assert.NoError(t, err)
}

func TestAuthorizeAgeRating(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	ctx := context.Background()
	userID := seedUser(t, gate, 16)

	_, err := gate.Authorize(ctx, &AuthRequest{
		UserID:        userID,
		Action:        ActionSendMessage,
		ContentRating: 13,
	})
	require.NoError(t, err)

	_, err = gate.Authorize(ctx, &AuthRequest{
		UserID:        userID,
		Action:        ActionSendMessage,
		ContentRating: 18,
	})
	assert.ErrorIs(t, err, ErrAgeRestricted)
}

func TestAuthorizeUnknownUserAgeRestricted(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	_, err := gate.Authorize(context.Background(), &AuthRequest{
		UserID:        uuid.New(),
		Action:        ActionSendMessage,
		ContentRating: 13,
	})
	assert.ErrorIs(t, err, ErrAgeRestricted)
}

func TestReleaseReturnsHold(t *testing.T) {
	gate, led := newTestGate(t, nil)
	ctx := context.Background()
	userID := uuid.New()

	_, err := led.Grant(ctx, userID, models.TxGrantInitial, 100, ledger.GrantRefs{}, "")
	require.NoError(t, err)

	token, err := gate.Authorize(ctx, &AuthRequest{
		UserID:        userID,
		Action:        ActionEnqueueJob,
		EstimatedCost: 40,
	})
	require.NoError(t, err)

	require.NoError(t, gate.Release(ctx, token))
	balance, err := led.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// Double release is tolerated.
	assert.NoError(t, gate.Release(ctx, token))
}
