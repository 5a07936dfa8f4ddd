package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/services/llm/llmtypes"
	"github.com/charhubai/charhub/internal/services/membership"
	"github.com/charhubai/charhub/internal/services/orchestrator"
	"github.com/charhubai/charhub/internal/services/policy"
	"github.com/charhubai/charhub/internal/services/usagepipe"
)

const chatServiceKey = "chat.completion"

// Streamer is the slice of the LLM broker the chat flow needs.
type Streamer interface {
	Stream(ctx context.Context, req *llmtypes.Request) (<-chan llmtypes.Frame, error)
}

// UsageRecorder accepts delivered-work records for asynchronous pricing.
type UsageRecorder interface {
	Record(ctx context.Context, rec *models.UsageRecord) error
}

// CostEstimator prices an action up front for the admission hold.
type CostEstimator interface {
	Estimate(serviceKey string, units float64) (int64, error)
}

// ChatFlow turns one inbound message into a persisted row, a room broadcast,
// and sequential streamed replies from the AI seats the orchestrator picks.
type ChatFlow struct {
	db      *gorm.DB
	hub     *Hub
	members *membership.Service
	gate    *policy.Gate
	orch    *orchestrator.Orchestrator
	broker  Streamer
	usage   UsageRecorder
	costs   CostEstimator
	clk     clock.Clock
	log     *zap.Logger

	historyWindow int

	// Serializes message handling per conversation so rooms see commit order
	// and AI replies never interleave.
	convMu sync.Mutex
	conv   map[uuid.UUID]*sync.Mutex
}

type ChatFlowConfig struct {
	DB            *gorm.DB
	Hub           *Hub
	Members       *membership.Service
	Gate          *policy.Gate
	Orchestrator  *orchestrator.Orchestrator
	Broker        Streamer
	Usage         UsageRecorder
	Costs         CostEstimator
	Clock         clock.Clock
	Logger        *zap.Logger
	HistoryWindow int
}

func NewChatFlow(cfg *ChatFlowConfig) *ChatFlow {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = 30
	}
	return &ChatFlow{
		db:            cfg.DB,
		hub:           cfg.Hub,
		members:       cfg.Members,
		gate:          cfg.Gate,
		orch:          cfg.Orchestrator,
		broker:        cfg.Broker,
		usage:         cfg.Usage,
		costs:         cfg.Costs,
		clk:           cfg.Clock,
		log:           cfg.Logger,
		historyWindow: cfg.HistoryWindow,
		conv:          make(map[uuid.UUID]*sync.Mutex),
	}
}

func (f *ChatFlow) lockConversation(id uuid.UUID) *sync.Mutex {
	f.convMu.Lock()
	mu, ok := f.conv[id]
	if !ok {
		mu = &sync.Mutex{}
		f.conv[id] = mu
	}
	f.convMu.Unlock()
	mu.Lock()
	return mu
}

// Handle runs the whole flow for one send_message event. Errors surface to
// the sender as error events carrying the client's frame id; nothing is
// charged for a denied send.
func (f *ChatFlow) Handle(ctx context.Context, c *Client, p *SendMessagePayload, replyTo string) {
	if _, err := f.Send(ctx, c.UserID, p); err != nil {
		c.replyError(replyTo, chatErrorCode(err), err.Error())
	}
}

func chatErrorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, policy.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, policy.ErrAgeRestricted):
		return "age_restricted"
	case errors.Is(err, membership.ErrNotMember),
		errors.Is(err, membership.ErrForbidden):
		return "forbidden"
	case errors.Is(err, membership.ErrConversationNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// Send is the transport-independent flow: the WS dispatcher and the HTTP
// messages endpoint both land here. The returned message is the persisted
// sender row; AI replies fan out to the room as they stream.
func (f *ChatFlow) Send(ctx context.Context, userID uuid.UUID, p *SendMessagePayload) (*models.Message, error) {
	member, err := f.members.Member(ctx, p.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !member.CanWrite {
		return nil, fmt.Errorf("%w: membership is read-only", membership.ErrForbidden)
	}

	var conv models.Conversation
	if err := f.db.WithContext(ctx).First(&conv, "id = ?", p.ConversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, membership.ErrConversationNotFound
		}
		return nil, err
	}

	token, err := f.gate.Authorize(ctx, &policy.AuthRequest{
		UserID:        userID,
		Action:        policy.ActionSendMessage,
		EstimatedCost: f.estimateCost(p.Content),
	})
	if err != nil {
		return nil, err
	}
	// The reservation is an admission hold; delivered work is billed through
	// the usage pipeline, so the hold is always returned.
	defer func() {
		if err := f.gate.Release(context.WithoutCancel(ctx), token); err != nil {
			f.log.Warn("failed to release chat hold", zap.Error(err))
		}
	}()

	mu := f.lockConversation(conv.ID)
	defer mu.Unlock()

	msg, err := f.persistUserMessage(ctx, &conv, userID, p)
	if err != nil {
		return nil, err
	}
	messagesTotal.WithLabelValues(string(models.SenderUser)).Inc()
	f.broadcastMessage(conv.ID, msg)

	participants, recent, err := f.loadContext(ctx, conv.ID, msg)
	if err != nil {
		return msg, err
	}

	responders := f.orch.Responders(&conv, participants, msg, recent, p.TargetParticipantID)
	byID := make(map[uuid.UUID]*models.Participant, len(participants))
	for i := range participants {
		byID[participants[i].ID] = &participants[i]
	}

	history := append(recent, *msg)
	for _, participantID := range responders {
		seat, ok := byID[participantID]
		if !ok {
			continue
		}
		reply, err := f.streamResponse(ctx, &conv, seat, history, userID)
		if err != nil {
			f.log.Warn("ai response failed",
				zap.String("participant_id", participantID.String()),
				zap.Error(err))
			continue
		}
		history = append(history, *reply)
	}
	return msg, nil
}

// estimateCost prices the admission hold from a rough token count; an
// unpriced service key means estimation-free admission.
func (f *ChatFlow) estimateCost(content string) int64 {
	estTokens := len(content)/4 + 256
	cost, err := f.costs.Estimate(chatServiceKey, usagepipe.UnitsForTokens(estTokens))
	if err != nil {
		return 0
	}
	return cost
}

func (f *ChatFlow) persistUserMessage(ctx context.Context, conv *models.Conversation, userID uuid.UUID, p *SendMessagePayload) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conv.ID,
		SenderKind:     models.SenderUser,
		SenderRef:      userID,
		Content:        p.Content,
		Attachments:    datatypes.JSON(p.Attachments),
		Metadata:       datatypes.JSON(p.Metadata),
	}
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return f.touchConversation(tx, conv.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	return msg, nil
}

func (f *ChatFlow) touchConversation(tx *gorm.DB, conversationID uuid.UUID) error {
	now := f.clk.NowUTC()
	return tx.Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("last_message_at", now).Error
}

func (f *ChatFlow) broadcastMessage(conversationID uuid.UUID, msg *models.Message) {
	evt, err := NewEvent(EvtMessageReceived, &MessageReceivedPayload{Message: msg})
	if err != nil {
		f.log.Error("failed to encode message event", zap.Error(err))
		return
	}
	f.hub.Broadcast(ConversationRoom(conversationID), evt)
}

// loadContext fetches the seats and the recent history ascending, excluding
// the message that triggered the turn.
func (f *ChatFlow) loadContext(ctx context.Context, conversationID uuid.UUID, newMsg *models.Message) ([]models.Participant, []models.Message, error) {
	var participants []models.Participant
	err := f.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&participants).Error
	if err != nil {
		return nil, nil, err
	}

	var recent []models.Message
	err = f.db.WithContext(ctx).
		Where("conversation_id = ? AND id <> ?", conversationID, newMsg.ID).
		Order("created_at DESC, id DESC").
		Limit(f.historyWindow).
		Find(&recent).Error
	if err != nil {
		return nil, nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return participants, recent, nil
}

func (f *ChatFlow) streamResponse(ctx context.Context, conv *models.Conversation, seat *models.Participant, history []models.Message, senderID uuid.UUID) (*models.Message, error) {
	room := ConversationRoom(conv.ID)
	messageID := uuid.New()

	f.broadcast(room, EvtAIResponseStart, &AIResponseStartPayload{
		ParticipantID: seat.ID,
		MessageID:     messageID,
	})

	frames, err := f.broker.Stream(ctx, f.buildRequest(seat, history))
	if err != nil {
		aiResponsesTotal.WithLabelValues(seat.LLMProvider, "error").Inc()
		f.broadcast(room, EvtAIResponseError, &AIResponseErrorPayload{
			ParticipantID: seat.ID,
			Reason:        "upstream unavailable",
		})
		return nil, err
	}

	var content string
	var usage llmtypes.Usage
	for frame := range frames {
		switch frame.Kind {
		case llmtypes.FrameChunk:
			content += frame.Delta
			f.broadcast(room, EvtAIResponseChunk, &AIResponseChunkPayload{
				ParticipantID: seat.ID,
				MessageID:     messageID,
				Delta:         frame.Delta,
			})
		case llmtypes.FrameEnd:
			if frame.Usage != nil {
				usage = *frame.Usage
			}
			if frame.Err != nil {
				aiResponsesTotal.WithLabelValues(seat.LLMProvider, "error").Inc()
				f.broadcast(room, EvtAIResponseError, &AIResponseErrorPayload{
					ParticipantID: seat.ID,
					Reason:        "stream failed",
				})
				// Chunks already reached the room; that work is billed even
				// though the stream died. A failure before the first chunk
				// charges nothing.
				if content != "" {
					f.recordUsage(ctx, senderID, seat, usage)
				}
				return nil, frame.Err
			}
		}
	}

	reply := &models.Message{
		BaseModel:      models.BaseModel{ID: messageID},
		ConversationID: conv.ID,
		SenderKind:     senderKindFor(seat),
		SenderRef:      seat.ID,
		Content:        content,
	}
	err = f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reply).Error; err != nil {
			return err
		}
		return f.touchConversation(tx, conv.ID)
	})
	if err != nil {
		f.broadcast(room, EvtAIResponseError, &AIResponseErrorPayload{
			ParticipantID: seat.ID,
			Reason:        "persist failed",
		})
		return nil, fmt.Errorf("failed to persist ai reply: %w", err)
	}

	f.broadcast(room, EvtAIResponseDone, &AIResponseCompletePayload{
		ParticipantID: seat.ID,
		MessageID:     messageID,
	})
	messagesTotal.WithLabelValues(string(reply.SenderKind)).Inc()
	aiResponsesTotal.WithLabelValues(seat.LLMProvider, "success").Inc()
	f.recordUsage(ctx, senderID, seat, usage)
	return reply, nil
}

func (f *ChatFlow) broadcast(room, eventType string, payload any) {
	evt, err := NewEvent(eventType, payload)
	if err != nil {
		f.log.Error("failed to encode event", zap.String("type", eventType), zap.Error(err))
		return
	}
	f.hub.Broadcast(room, evt)
}

// recordUsage hands the delivered tokens to the pipeline; billing failures
// never abort the stream the user already received.
func (f *ChatFlow) recordUsage(ctx context.Context, senderID uuid.UUID, seat *models.Participant, usage llmtypes.Usage) {
	if usage.Total() == 0 {
		return
	}
	rec := &models.UsageRecord{
		UserID:       senderID,
		ServiceKey:   chatServiceKey,
		Provider:     seat.LLMProvider,
		Model:        seat.LLMModel,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Units:        usagepipe.UnitsForTokens(usage.Total()),
	}
	if err := f.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		f.log.Error("failed to record chat usage",
			zap.String("user_id", senderID.String()),
			zap.Error(err))
	}
}

func senderKindFor(seat *models.Participant) models.SenderKind {
	if seat.Kind == models.ParticipantAssistant {
		return models.SenderAssistant
	}
	return models.SenderCharacter
}

// seatOverrides is the subset of Participant.ConfigOverride the chat flow
// honors.
type seatOverrides struct {
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float32 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
}

func (f *ChatFlow) buildRequest(seat *models.Participant, history []models.Message) *llmtypes.Request {
	var overrides seatOverrides
	if len(seat.ConfigOverride) > 0 {
		if err := json.Unmarshal(seat.ConfigOverride, &overrides); err != nil {
			f.log.Warn("invalid seat config override",
				zap.String("participant_id", seat.ID.String()))
		}
	}
	systemPrompt := overrides.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = fmt.Sprintf(
			"You are %s in a group conversation. Stay in character and answer as %s.",
			seat.Name, seat.Name)
	}

	messages := make([]llmtypes.Message, 0, len(history))
	for i := range history {
		msg := &history[i]
		switch {
		case msg.SenderKind == models.SenderSystem:
			continue
		case msg.SenderRef == seat.ID:
			messages = append(messages, llmtypes.Message{
				Role:    llmtypes.RoleAssistant,
				Content: msg.Content,
			})
		default:
			messages = append(messages, llmtypes.Message{
				Role:    llmtypes.RoleUser,
				Content: msg.Content,
			})
		}
	}

	return &llmtypes.Request{
		Provider:     seat.LLMProvider,
		Model:        seat.LLMModel,
		Messages:     messages,
		SystemPrompt: systemPrompt,
		Temperature:  overrides.Temperature,
		MaxTokens:    overrides.MaxTokens,
		AutoExecute:  true,
	}
}
