package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/middleware"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/hub"
	"github.com/charhubai/charhub/internal/services/membership"
	"github.com/charhubai/charhub/internal/services/translate"
)

type ConversationsHandler struct {
	db         *gorm.DB
	members    *membership.Service
	chat       *hub.ChatFlow
	translator translate.Translator
	log        *zap.Logger
}

func NewConversationsHandler(db *gorm.DB, members *membership.Service, chat *hub.ChatFlow, tr translate.Translator, log *zap.Logger) *ConversationsHandler {
	if tr == nil {
		tr = translate.Noop{}
	}
	return &ConversationsHandler{db: db, members: members, chat: chat, translator: tr, log: log}
}

// readerLanguage resolves the preferred language of the requesting user.
// Unknown users read in the source language.
func (h *ConversationsHandler) readerLanguage(r *http.Request, userID uuid.UUID) string {
	var lang string
	err := h.db.WithContext(r.Context()).
		Model(&models.User{}).
		Select("preferred_language").
		Where("id = ?", userID).
		Scan(&lang).Error
	if err != nil {
		h.log.Warn("failed to resolve preferred language", zap.String("user_id", userID.String()), zap.Error(err))
		return ""
	}
	return lang
}

func urlUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

type CreateConversationRequest struct {
	IsMultiUser      bool `json:"isMultiUser"`
	MaxUsers         int  `json:"maxUsers"`
	AllowUserInvites bool `json:"allowUserInvites"`
}

func (h *ConversationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	var req CreateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MaxUsers <= 0 {
		req.MaxUsers = 1
	}

	conv := &models.Conversation{
		OwnerUserID:      userID,
		IsMultiUser:      req.IsMultiUser || req.MaxUsers > 1,
		MaxUsers:         req.MaxUsers,
		AllowUserInvites: req.AllowUserInvites,
	}
	if err := h.db.WithContext(r.Context()).Create(conv).Error; err != nil {
		h.log.Error("failed to create conversation", zap.Error(err))
		respondDomainError(w, err)
		return
	}
	if _, err := h.members.EnsureOwner(r.Context(), conv.ID, userID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusCreated, conv)
}

type AddParticipantRequest struct {
	Kind                   models.ParticipantKind `json:"kind"`
	Name                   string                 `json:"name"`
	RepresentedCharacterID *uuid.UUID             `json:"representedCharacterId,omitempty"`
	LLMProvider            string                 `json:"llmProvider"`
	LLMModel               string                 `json:"llmModel"`
	ConfigOverride         json.RawMessage        `json:"configOverride,omitempty"`
}

// AddParticipant seats an AI participant. Only moderators can change the cast.
func (h *ConversationsHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	conversationID, ok := urlUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	var req AddParticipantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "participant name is required")
		return
	}
	if req.Kind == "" {
		req.Kind = models.ParticipantCharacterDirect
	}

	member, err := h.members.Member(r.Context(), conversationID, userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !member.CanModerate {
		respondDomainError(w, membership.ErrForbidden)
		return
	}

	seat := &models.Participant{
		ConversationID:         conversationID,
		Kind:                   req.Kind,
		Name:                   req.Name,
		RepresentedCharacterID: req.RepresentedCharacterID,
		LLMProvider:            req.LLMProvider,
		LLMModel:               req.LLMModel,
		ConfigOverride:         datatypes.JSON(req.ConfigOverride),
	}
	if err := h.db.WithContext(r.Context()).Create(seat).Error; err != nil {
		h.log.Error("failed to create participant", zap.Error(err))
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusCreated, seat)
}

type SendMessageRequest struct {
	Content             string          `json:"content"`
	Attachments         json.RawMessage `json:"attachments,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	TargetParticipantID *uuid.UUID      `json:"targetParticipantId,omitempty"`
}

// SendMessage is the HTTP twin of the WS send_message event. AI replies still
// stream to the conversation room; the response carries the persisted row.
func (h *ConversationsHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	conversationID, ok := urlUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "content is required")
		return
	}

	msg, err := h.chat.Send(r.Context(), userID, &hub.SendMessagePayload{
		ConversationID:      conversationID,
		Content:             req.Content,
		Attachments:         req.Attachments,
		Metadata:            req.Metadata,
		TargetParticipantID: req.TargetParticipantID,
	})
	if err != nil && msg == nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusCreated, msg)
}

func (h *ConversationsHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	conversationID, ok := urlUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	if _, err := h.members.Member(r.Context(), conversationID, userID); err != nil {
		respondDomainError(w, err)
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	var messages []models.Message
	err := h.db.WithContext(r.Context()).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		h.log.Error("failed to list messages", zap.Error(err))
		respondDomainError(w, err)
		return
	}
	translate.Messages(r.Context(), h.translator, messages, h.readerLanguage(r, userID))
	respondOK(w, http.StatusOK, messages)
}

type InviteRequest struct {
	UserID uuid.UUID `json:"userId"`
}

func (h *ConversationsHandler) Invite(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	conversationID, ok := urlUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	var req InviteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}

	m, err := h.members.Invite(r.Context(), conversationID, req.UserID, userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusCreated, m)
}

type InviteLinkResponse struct {
	Token string `json:"token"`
}

func (h *ConversationsHandler) GenerateInviteLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	conversationID, ok := urlUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	token, err := h.members.GenerateInviteToken(r.Context(), conversationID, userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusCreated, &InviteLinkResponse{Token: token})
}

type JoinByTokenRequest struct {
	Token string `json:"token"`
}

func (h *ConversationsHandler) JoinByToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	var req JoinByTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "token is required")
		return
	}
	m, err := h.members.AcceptInviteToken(r.Context(), req.Token, userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, m)
}

func (h *ConversationsHandler) Join(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	conversationID, ok := urlUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	m, err := h.members.Join(r.Context(), conversationID, userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, m)
}

func (h *ConversationsHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	conversationID, ok := urlUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	if err := h.members.Leave(r.Context(), conversationID, userID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]string{"status": "left"})
}

func (h *ConversationsHandler) Kick(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	conversationID, ok := urlUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}
	targetID, ok := urlUUID(r, "userId")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid target user id")
		return
	}
	if err := h.members.Kick(r.Context(), conversationID, targetID, userID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]string{"status": "kicked"})
}
