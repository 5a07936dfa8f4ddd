package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/auth"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/membership"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Client is one authenticated socket. All writes go through the send channel
// so the write pump is the only goroutine touching the connection.
type Client struct {
	UserID uuid.UUID
	Role   models.UserRole

	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]struct{}
}

func (c *Client) trackRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrackRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) snapshotRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// Send queues an outbound event. A full buffer means the socket is not
// draining; the frame is dropped rather than blocking the room.
func (c *Client) Send(evt *Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		c.log.Error("failed to marshal event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	select {
	case c.send <- raw:
	default:
		c.log.Warn("dropping event for slow client",
			zap.String("user_id", c.UserID.String()),
			zap.String("type", evt.Type))
	}
}

func (c *Client) sendError(code, message string) {
	c.replyError("", code, message)
}

// replyError sends an error frame; a non-empty replyTo echoes the id of the
// client frame it answers.
func (c *Client) replyError(replyTo, code, message string) {
	evt, err := NewEvent(EvtError, &ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	evt.ID = replyTo
	c.Send(evt)
}

// Server upgrades HTTP requests into hub clients and dispatches their events.
type Server struct {
	hub      *Hub
	auth     *auth.Service
	members  *membership.Service
	chat     *ChatFlow
	log      *zap.Logger
	upgrader websocket.Upgrader
}

type ServerConfig struct {
	Hub             *Hub
	Auth            *auth.Service
	Members         *membership.Service
	Chat            *ChatFlow
	Logger          *zap.Logger
	ReadBufferSize  int
	WriteBufferSize int
}

func NewServer(cfg *ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = 4096
	}
	return &Server{
		hub:     cfg.Hub,
		auth:    cfg.Auth,
		members: cfg.Members,
		chat:    cfg.Chat,
		log:     cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS authenticates the handshake and runs the socket until it closes.
// The token comes from the `token` query parameter or a bearer header.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		const prefix = "Bearer "
		if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
			token = h[len(prefix):]
		}
	}
	claims, err := s.auth.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		UserID: claims.UserID,
		Role:   claims.Role,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    s.hub,
		log:    s.log,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}

	s.log.Info("websocket connected", zap.String("user_id", client.UserID.String()))
	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) readPump(c *Client) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read error",
					zap.String("user_id", c.UserID.String()),
					zap.Error(err))
			}
			return
		}
		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.sendError("bad_frame", "frame is not valid JSON")
			continue
		}
		s.dispatch(c, &evt)
	}
}

func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// disconnect tears the socket down: cancels in-flight work, leaves every
// room, and tells conversation rooms the user is gone.
func (s *Server) disconnect(c *Client) {
	c.cancel()
	rooms := s.hub.LeaveAll(c)
	close(c.send)

	for _, room := range rooms {
		if !isConversationRoom(room) {
			continue
		}
		s.announcePresence(room, c.UserID, EvtUserLeft)
	}
	s.log.Info("websocket disconnected", zap.String("user_id", c.UserID.String()))
}

func isConversationRoom(room string) bool {
	return len(room) > len("conversation:") && room[:len("conversation:")] == "conversation:"
}

func (s *Server) announcePresence(room string, userID uuid.UUID, eventType string) {
	if evt, err := NewEvent(eventType, &UserPayload{UserID: userID}); err == nil {
		s.hub.Broadcast(room, evt)
	}
	if evt, err := NewEvent(EvtPresenceUpdate, &PresencePayload{OnlineUserIDs: s.hub.OnlineUsers(room)}); err == nil {
		s.hub.Broadcast(room, evt)
	}
}

func (s *Server) dispatch(c *Client, evt *Event) {
	switch evt.Type {
	case EvtJoinConversation:
		var p JoinConversationPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			c.replyError(evt.ID, "bad_payload", "invalid join_conversation payload")
			return
		}
		s.joinConversation(c, p.ConversationID, evt.ID)

	case EvtLeaveConversation:
		var p JoinConversationPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			c.replyError(evt.ID, "bad_payload", "invalid leave_conversation payload")
			return
		}
		room := ConversationRoom(p.ConversationID)
		s.hub.Leave(room, c)
		s.announcePresence(room, c.UserID, EvtUserLeft)

	case EvtSendMessage:
		var p SendMessagePayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			c.replyError(evt.ID, "bad_payload", "invalid send_message payload")
			return
		}
		if !s.hub.InRoom(ConversationRoom(p.ConversationID), c) {
			c.replyError(evt.ID, "not_in_room", "join the conversation before sending")
			return
		}
		// Runs off the read pump so typing and pings keep flowing while the
		// AI responses stream.
		go s.chat.Handle(c.ctx, c, &p, evt.ID)

	case EvtTypingStart, EvtTypingStop:
		var p TypingPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			c.replyError(evt.ID, "bad_payload", "invalid typing payload")
			return
		}
		s.typing(c, p.ConversationID, evt.Type == EvtTypingStart)

	case EvtJoinJobProgress:
		var p JoinJobProgressPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil || p.SessionID == "" {
			c.replyError(evt.ID, "bad_payload", "invalid join_job_progress payload")
			return
		}
		s.hub.Join(JobRoom(c.UserID, p.SessionID), c)

	default:
		c.replyError(evt.ID, "unknown_event", "unsupported event type: "+evt.Type)
	}
}

func (s *Server) joinConversation(c *Client, conversationID uuid.UUID, replyTo string) {
	if _, err := s.members.Member(c.ctx, conversationID, c.UserID); err != nil {
		switch {
		case errors.Is(err, membership.ErrNotMember),
			errors.Is(err, membership.ErrConversationNotFound):
			c.replyError(replyTo, "forbidden", "not a member of this conversation")
		default:
			s.log.Error("membership lookup failed", zap.Error(err))
			c.replyError(replyTo, "internal", "membership check failed")
		}
		return
	}
	room := ConversationRoom(conversationID)
	s.hub.Join(room, c)
	s.announcePresence(room, c.UserID, EvtUserJoined)
}

func (s *Server) typing(c *Client, conversationID uuid.UUID, start bool) {
	room := ConversationRoom(conversationID)
	if !s.hub.InRoom(room, c) {
		return
	}
	eventType := EvtUserTypingStop
	if start {
		eventType = EvtUserTypingStart
	}
	evt, err := NewEvent(eventType, &UserPayload{UserID: c.UserID})
	if err != nil {
		return
	}
	s.hub.BroadcastExcept(room, c, evt)
}
