package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charhubai/charhub/internal/models"
)

func newTestService(expiry time.Duration) *Service {
	return NewService(&Config{
		Secret:      "test-secret",
		Issuer:      "charhub",
		TokenExpiry: expiry,
		InviteTTL:   7 * 24 * time.Hour,
	})
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := newTestService(time.Hour)
	userID := uuid.New()

	token, err := svc.IssueAccessToken(userID, models.RolePremium)
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, models.RolePremium, claims.Role)
}

func TestAccessTokenExpired(t *testing.T) {
	svc := newTestService(-time.Minute)
	token, err := svc.IssueAccessToken(uuid.New(), models.RoleFree)
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestAccessTokenWrongSecret(t *testing.T) {
	svc := newTestService(time.Hour)
	token, err := svc.IssueAccessToken(uuid.New(), models.RoleFree)
	require.NoError(t, err)

	other := NewService(&Config{Secret: "other-secret", Issuer: "charhub"})
	_, err = other.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestInviteTokenRoundTrip(t *testing.T) {
	svc := newTestService(time.Hour)
	convID := uuid.New()
	inviterID := uuid.New()

	token, err := svc.IssueInviteToken(convID, inviterID)
	require.NoError(t, err)

	claims, err := svc.ValidateInviteToken(token)
	require.NoError(t, err)
	assert.Equal(t, convID, claims.ConversationID)
	assert.Equal(t, inviterID, claims.InviterID)
}

func TestInviteTokenRejectedAsAccessToken(t *testing.T) {
	svc := newTestService(time.Hour)
	token, err := svc.IssueInviteToken(uuid.New(), uuid.New())
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(token)
	assert.Error(t, err)
}
