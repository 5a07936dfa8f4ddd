package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Conversation struct {
	BaseModel
	OwnerUserID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	IsMultiUser      bool       `gorm:"default:false" json:"is_multi_user"`
	MaxUsers         int        `gorm:"default:1" json:"max_users"`
	AllowUserInvites bool       `gorm:"default:false" json:"allow_user_invites"`
	LastMessageAt    *time.Time `gorm:"index" json:"last_message_at,omitempty"`
}

type MembershipRole string

const (
	MembershipOwner     MembershipRole = "OWNER"
	MembershipModerator MembershipRole = "MODERATOR"
	MembershipMember    MembershipRole = "MEMBER"
	MembershipViewer    MembershipRole = "VIEWER"
)

// Membership links a human user to a conversation. Unique per (conversation, user);
// each conversation has exactly one active OWNER.
type Membership struct {
	BaseModel
	ConversationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_memberships_conv_user" json:"conversation_id"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_memberships_conv_user;index" json:"user_id"`

	Role        MembershipRole `gorm:"size:16;not null" json:"role"`
	CanWrite    bool           `gorm:"default:true" json:"can_write"`
	CanInvite   bool           `gorm:"default:false" json:"can_invite"`
	CanModerate bool           `gorm:"default:false" json:"can_moderate"`
	IsActive    bool           `gorm:"default:true;index" json:"is_active"`

	InvitedBy *uuid.UUID `gorm:"type:uuid" json:"invited_by,omitempty"`
	JoinedAt  time.Time  `json:"joined_at"`
}

type ParticipantKind string

const (
	ParticipantUser            ParticipantKind = "USER"
	ParticipantCharacterDirect ParticipantKind = "CHARACTER_DIRECT"
	ParticipantAssistant       ParticipantKind = "ASSISTANT"
)

// Participant is a seat in a conversation. Non-human seats carry the LLM
// profile used to generate their replies.
type Participant struct {
	BaseModel
	ConversationID uuid.UUID       `gorm:"type:uuid;not null;index" json:"conversation_id"`
	Kind           ParticipantKind `gorm:"size:24;not null" json:"kind"`

	// Display name AI arbitration matches mentions against.
	Name string `json:"name"`

	RepresentedCharacterID *uuid.UUID     `gorm:"type:uuid" json:"represented_character_id,omitempty"`
	LLMProvider            string         `json:"llm_provider,omitempty"`
	LLMModel               string         `json:"llm_model,omitempty"`
	ConfigOverride         datatypes.JSON `json:"config_override,omitempty"`
}

// IsHuman reports whether the seat is driven by a person rather than a model.
func (p *Participant) IsHuman() bool {
	return p.Kind == ParticipantUser
}

type SenderKind string

const (
	SenderUser      SenderKind = "USER"
	SenderCharacter SenderKind = "CHARACTER"
	SenderAssistant SenderKind = "ASSISTANT"
	SenderSystem    SenderKind = "SYSTEM"
)

// Message is append-only; per-conversation order is (created_at, id).
type Message struct {
	BaseModel
	ConversationID uuid.UUID  `gorm:"type:uuid;not null;index:idx_messages_conv_time,priority:1" json:"conversation_id"`
	SenderKind     SenderKind `gorm:"size:16;not null" json:"sender_kind"`

	// SenderRef is the user id for USER/SYSTEM senders and the participant id
	// for CHARACTER/ASSISTANT senders.
	SenderRef uuid.UUID `gorm:"type:uuid;not null;index" json:"sender_ref"`

	Content     string         `gorm:"type:text" json:"content"`
	Attachments datatypes.JSON `json:"attachments,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
}

type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "PENDING"
	InviteStatusAccepted InviteStatus = "ACCEPTED"
	InviteStatusDeclined InviteStatus = "DECLINED"
)

type ConversationInvite struct {
	BaseModel
	ConversationID uuid.UUID    `gorm:"type:uuid;not null;index" json:"conversation_id"`
	InviteeUserID  uuid.UUID    `gorm:"type:uuid;not null;index" json:"invitee_user_id"`
	InviterUserID  uuid.UUID    `gorm:"type:uuid;not null" json:"inviter_user_id"`
	Status         InviteStatus `gorm:"size:16;not null;default:PENDING" json:"status"`
	ExpiresAt      time.Time    `json:"expires_at"`
}
