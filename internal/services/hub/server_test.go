package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/auth"
	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/membership"
	"github.com/charhubai/charhub/internal/testutil"
)

type serverFixture struct {
	ts      *httptest.Server
	auth    *auth.Service
	members *membership.Service
	db      *gorm.DB
}

func newServerFixture(t *testing.T) *serverFixture {
	db := testutil.NewTestDB(t)
	authSvc := auth.NewService(&auth.Config{Secret: "test-secret", Issuer: "charhub-test"})
	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	members := membership.NewService(&membership.Config{DB: db, Auth: authSvc, Clock: clk, Logger: zap.NewNop()})

	srv := NewServer(&ServerConfig{
		Hub:     NewHub(zap.NewNop()),
		Auth:    authSvc,
		Members: members,
		Logger:  zap.NewNop(),
	})
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts, auth: authSvc, members: members, db: db}
}

func (fx *serverFixture) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func (fx *serverFixture) dial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	token, err := fx.auth.IssueAccessToken(userID, models.RoleFree)
	require.NoError(t, err)
	conn, resp, err := websocket.DefaultDialer.Dial(fx.wsURL(token), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (fx *serverFixture) createOwnedConversation(t *testing.T, owner uuid.UUID) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{OwnerUserID: owner, MaxUsers: 4, IsMultiUser: true}
	require.NoError(t, fx.db.Create(conv).Error)
	_, err := fx.members.EnsureOwner(context.Background(), conv.ID, owner)
	require.NoError(t, err)
	return conv
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	evt, err := NewEvent(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(evt))
}

func readEvent(t *testing.T, conn *websocket.Conn) *Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var evt Event
	require.NoError(t, conn.ReadJSON(&evt))
	return &evt
}

func TestServeWSRejectsBadToken(t *testing.T) {
	fx := newServerFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(fx.wsURL("garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWSJoinAndPresence(t *testing.T) {
	fx := newServerFixture(t)
	owner := uuid.New()
	conv := fx.createOwnedConversation(t, owner)

	conn := fx.dial(t, owner)
	sendEvent(t, conn, EvtJoinConversation, &JoinConversationPayload{ConversationID: conv.ID})

	joined := readEvent(t, conn)
	assert.Equal(t, EvtUserJoined, joined.Type)
	var joinedPayload UserPayload
	require.NoError(t, json.Unmarshal(joined.Payload, &joinedPayload))
	assert.Equal(t, owner, joinedPayload.UserID)

	presence := readEvent(t, conn)
	assert.Equal(t, EvtPresenceUpdate, presence.Type)
	var presencePayload PresencePayload
	require.NoError(t, json.Unmarshal(presence.Payload, &presencePayload))
	assert.Equal(t, []uuid.UUID{owner}, presencePayload.OnlineUserIDs)
}

func TestServeWSJoinRequiresMembership(t *testing.T) {
	fx := newServerFixture(t)

	conv := &models.Conversation{OwnerUserID: uuid.New(), MaxUsers: 4}
	require.NoError(t, fx.db.Create(conv).Error)

	conn := fx.dial(t, uuid.New())
	sendEvent(t, conn, EvtJoinConversation, &JoinConversationPayload{ConversationID: conv.ID})

	evt := readEvent(t, conn)
	assert.Equal(t, EvtError, evt.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &p))
	assert.Equal(t, "forbidden", p.Code)
}

func TestServeWSTypingNotEchoed(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()

	owner := uuid.New()
	peer := uuid.New()
	conv := fx.createOwnedConversation(t, owner)
	_, err := fx.members.Invite(ctx, conv.ID, peer, owner)
	require.NoError(t, err)

	ownerConn := fx.dial(t, owner)
	sendEvent(t, ownerConn, EvtJoinConversation, &JoinConversationPayload{ConversationID: conv.ID})
	readEvent(t, ownerConn) // own user_joined
	readEvent(t, ownerConn) // presence_update

	peerConn := fx.dial(t, peer)
	sendEvent(t, peerConn, EvtJoinConversation, &JoinConversationPayload{ConversationID: conv.ID})
	readEvent(t, peerConn)  // own user_joined
	readEvent(t, peerConn)  // presence_update
	readEvent(t, ownerConn) // peer user_joined
	readEvent(t, ownerConn) // presence_update

	sendEvent(t, ownerConn, EvtTypingStart, &TypingPayload{ConversationID: conv.ID})

	evt := readEvent(t, peerConn)
	assert.Equal(t, EvtUserTypingStart, evt.Type)
	var p UserPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &p))
	assert.Equal(t, owner, p.UserID)

	// The author's socket never sees their own typing event.
	require.NoError(t, ownerConn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var stray Event
	err = ownerConn.ReadJSON(&stray)
	assert.Error(t, err)
}

func TestServeWSUnknownEvent(t *testing.T) {
	fx := newServerFixture(t)

	conn := fx.dial(t, uuid.New())
	sendEvent(t, conn, "bogus", map[string]string{})

	evt := readEvent(t, conn)
	assert.Equal(t, EvtError, evt.Type)
	assert.Empty(t, evt.ID)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &p))
	assert.Equal(t, "unknown_event", p.Code)
}

func TestServeWSReplyEchoesFrameID(t *testing.T) {
	fx := newServerFixture(t)

	conn := fx.dial(t, uuid.New())
	evt, err := NewEvent("bogus", map[string]string{})
	require.NoError(t, err)
	evt.ID = "req-1"
	require.NoError(t, conn.WriteJSON(evt))

	reply := readEvent(t, conn)
	assert.Equal(t, EvtError, reply.Type)
	assert.Equal(t, "req-1", reply.ID)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &p))
	assert.Equal(t, "unknown_event", p.Code)
}
