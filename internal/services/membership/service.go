// Package membership manages who belongs to a conversation: invites, joins,
// kicks, and the invite-link tokens the hub and HTTP handlers hand out.
package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/auth"
	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotMember            = errors.New("not a member of this conversation")
	ErrForbidden            = errors.New("operation not permitted")
	ErrCapacityReached      = errors.New("conversation at capacity")
	ErrOwnerCannotLeave     = errors.New("owner cannot leave without transferring ownership")
	ErrCannotKickOwner      = errors.New("cannot kick the owner")
	ErrInvalidInvite        = errors.New("invalid or expired invite")
)

type Service struct {
	db   *gorm.DB
	auth *auth.Service
	clk  clock.Clock
	log  *zap.Logger
}

type Config struct {
	DB     *gorm.DB
	Auth   *auth.Service
	Clock  clock.Clock
	Logger *zap.Logger
}

func NewService(cfg *Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{db: cfg.DB, auth: cfg.Auth, clk: cfg.Clock, log: cfg.Logger}
}

// lockConversation serializes membership writes per conversation so the
// capacity invariant holds under concurrent joins.
func lockConversation(tx *gorm.DB, conversationID uuid.UUID) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "conv:"+conversationID.String()).Error
}

func (s *Service) conversation(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	if err := tx.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// Member returns the active membership, or ErrNotMember. The hub uses this
// as its room-join ACL.
func (s *Service) Member(ctx context.Context, conversationID, userID uuid.UUID) (*models.Membership, error) {
	var m models.Membership
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func activeMemberCount(tx *gorm.DB, conversationID uuid.UUID) (int64, error) {
	var count int64
	err := tx.Model(&models.Membership{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Count(&count).Error
	return count, err
}

// EnsureOwner creates the OWNER membership for a fresh conversation.
func (s *Service) EnsureOwner(ctx context.Context, conversationID, ownerID uuid.UUID) (*models.Membership, error) {
	var out *models.Membership
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		var existing models.Membership
		err := tx.Where("conversation_id = ? AND role = ?", conversationID, models.MembershipOwner).
			First(&existing).Error
		if err == nil {
			out = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		m := &models.Membership{
			ConversationID: conversationID,
			UserID:         ownerID,
			Role:           models.MembershipOwner,
			CanWrite:       true,
			CanInvite:      true,
			CanModerate:    true,
			IsActive:       true,
			JoinedAt:       s.clk.NowUTC(),
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Invite adds (or reactivates) a membership on behalf of an existing member.
func (s *Service) Invite(ctx context.Context, conversationID, inviteeID, byUserID uuid.UUID) (*models.Membership, error) {
	var out *models.Membership
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		conv, err := s.conversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}

		var inviter models.Membership
		err = tx.Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, byUserID, true).
			First(&inviter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return err
		}
		if !inviter.CanInvite {
			return fmt.Errorf("%w: inviter lacks invite permission", ErrForbidden)
		}

		out, err = s.admit(tx, conv, inviteeID, &byUserID)
		return err
	})
	return out, err
}

// Join admits a user who holds an accepted invite, or anyone when the
// conversation allows open invites.
func (s *Service) Join(ctx context.Context, conversationID, userID uuid.UUID) (*models.Membership, error) {
	var out *models.Membership
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		conv, err := s.conversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}

		if !conv.AllowUserInvites {
			var invite models.ConversationInvite
			err := tx.Where("conversation_id = ? AND invitee_user_id = ? AND status = ?",
				conversationID, userID, models.InviteStatusAccepted).
				First(&invite).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no accepted invite", ErrForbidden)
			}
			if err != nil {
				return err
			}
		}

		out, err = s.admit(tx, conv, userID, nil)
		return err
	})
	return out, err
}

// admit reactivates an existing membership or creates a MEMBER one, enforcing
// capacity. Idempotent for already-active members.
func (s *Service) admit(tx *gorm.DB, conv *models.Conversation, userID uuid.UUID, invitedBy *uuid.UUID) (*models.Membership, error) {
	var existing models.Membership
	err := tx.Where("conversation_id = ? AND user_id = ?", conv.ID, userID).First(&existing).Error
	if err == nil && existing.IsActive {
		return &existing, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	count, countErr := activeMemberCount(tx, conv.ID)
	if countErr != nil {
		return nil, countErr
	}
	if conv.MaxUsers > 0 && count >= int64(conv.MaxUsers) {
		return nil, ErrCapacityReached
	}

	if err == nil {
		// Reactivate the dormant row, refreshing permissions.
		updates := map[string]any{
			"is_active":  true,
			"can_write":  true,
			"can_invite": conv.AllowUserInvites,
			"joined_at":  s.clk.NowUTC(),
		}
		if invitedBy != nil {
			updates["invited_by"] = *invitedBy
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return nil, err
		}
		existing.IsActive = true
		return &existing, nil
	}

	m := &models.Membership{
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           models.MembershipMember,
		CanWrite:       true,
		CanInvite:      conv.AllowUserInvites,
		IsActive:       true,
		InvitedBy:      invitedBy,
		JoinedAt:       s.clk.NowUTC(),
	}
	if err := tx.Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// Leave deactivates the caller's membership. The OWNER must transfer
// ownership first.
func (s *Service) Leave(ctx context.Context, conversationID, userID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		var m models.Membership
		err := tx.Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return err
		}
		if m.Role == models.MembershipOwner {
			return ErrOwnerCannotLeave
		}
		return tx.Model(&m).Update("is_active", false).Error
	})
}

// Kick deactivates another member's membership.
func (s *Service) Kick(ctx context.Context, conversationID, targetID, byUserID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		var by models.Membership
		err := tx.Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, byUserID, true).
			First(&by).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return err
		}
		if !by.CanModerate {
			return fmt.Errorf("%w: moderator permission required", ErrForbidden)
		}

		var target models.Membership
		err = tx.Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, targetID, true).
			First(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return err
		}
		if target.Role == models.MembershipOwner {
			return ErrCannotKickOwner
		}
		return tx.Model(&target).Update("is_active", false).Error
	})
}

// GenerateInviteToken mints a 7-day bearer link bound to the conversation and
// the inviting member.
func (s *Service) GenerateInviteToken(ctx context.Context, conversationID, byUserID uuid.UUID) (string, error) {
	member, err := s.Member(ctx, conversationID, byUserID)
	if err != nil {
		return "", err
	}
	if !member.CanInvite {
		return "", fmt.Errorf("%w: invite permission required", ErrForbidden)
	}
	return s.auth.IssueInviteToken(conversationID, byUserID)
}

// AcceptInviteToken admits the bearer. Idempotent for already-active members;
// capacity is enforced the same as any other join.
func (s *Service) AcceptInviteToken(ctx context.Context, token string, userID uuid.UUID) (*models.Membership, error) {
	claims, err := s.auth.ValidateInviteToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}

	var out *models.Membership
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, claims.ConversationID); err != nil {
			return err
		}
		conv, err := s.conversation(ctx, tx, claims.ConversationID)
		if err != nil {
			return err
		}
		out, err = s.admit(tx, conv, userID, &claims.InviterID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invite token accepted",
		zap.String("conversation_id", claims.ConversationID.String()),
		zap.String("user_id", userID.String()))
	return out, nil
}

// ActiveMembers lists the user ids currently in the conversation.
func (s *Service) ActiveMembers(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	var rows []models.Membership
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Order("joined_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.UserID)
	}
	return out, nil
}
