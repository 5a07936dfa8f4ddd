package hub

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/charhubai/charhub/internal/models"
)

// Client -> server event types.
const (
	EvtJoinConversation  = "join_conversation"
	EvtLeaveConversation = "leave_conversation"
	EvtSendMessage       = "send_message"
	EvtTypingStart       = "typing_start"
	EvtTypingStop        = "typing_stop"
	EvtJoinJobProgress   = "join_job_progress"
)

// Server -> client event types.
const (
	EvtMessageReceived = "message_received"
	EvtUserJoined      = "user_joined"
	EvtUserLeft        = "user_left"
	EvtUserTypingStart = "user_typing_start"
	EvtUserTypingStop  = "user_typing_stop"
	EvtPresenceUpdate  = "presence_update"
	EvtAIResponseStart = "ai_response_start"
	EvtAIResponseChunk = "ai_response_chunk"
	EvtAIResponseDone  = "ai_response_complete"
	EvtAIResponseError = "ai_response_error"
	EvtJobProgress     = "job_progress"
	EvtError           = "error"
)

// Event is the frame exchanged over the socket in both directions. ID is a
// client-chosen correlation token; direct replies echo it back.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// NewEvent marshals payload into an outbound frame.
func NewEvent(eventType string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Type: eventType, Payload: raw}, nil
}

type JoinConversationPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID      uuid.UUID       `json:"conversationId"`
	Content             string          `json:"content"`
	Attachments         json.RawMessage `json:"attachments,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	TargetParticipantID *uuid.UUID      `json:"targetParticipantId,omitempty"`
}

type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
}

type JoinJobProgressPayload struct {
	SessionID string `json:"sessionId"`
}

type MessageReceivedPayload struct {
	Message *models.Message `json:"message"`
}

type UserPayload struct {
	UserID uuid.UUID `json:"userId"`
}

type PresencePayload struct {
	OnlineUserIDs []uuid.UUID `json:"onlineUserIds"`
}

type AIResponseStartPayload struct {
	ParticipantID uuid.UUID `json:"participantId"`
	MessageID     uuid.UUID `json:"messageId"`
}

type AIResponseChunkPayload struct {
	ParticipantID uuid.UUID `json:"participantId"`
	MessageID     uuid.UUID `json:"messageId"`
	Delta         string    `json:"delta"`
}

type AIResponseCompletePayload struct {
	ParticipantID uuid.UUID `json:"participantId"`
	MessageID     uuid.UUID `json:"messageId"`
}

type AIResponseErrorPayload struct {
	ParticipantID uuid.UUID `json:"participantId"`
	Reason        string    `json:"reason"`
}

type JobProgressPayload struct {
	SessionID string          `json:"sessionId"`
	Stage     int             `json:"stage"`
	Total     int             `json:"total"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
