package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/events"
	"github.com/Gopher0727/ChatHub/internal/models"
	"github.com/Gopher0727/ChatHub/internal/presence"
	"github.com/Gopher0727/ChatHub/internal/repositories"
	"github.com/Gopher0727/ChatHub/internal/services"
	"github.com/Gopher0727/ChatHub/internal/storage/storagetest"
	"github.com/Gopher0727/ChatHub/internal/utils"
	"github.com/Gopher0727/ChatHub/middleware/jwt"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/utils/ratelimit"
	"github.com/Gopher0727/ChatHub/utils/snowflake"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type gatewayEnv struct {
	db      *gorm.DB
	hub     *Hub
	tracker *presence.Tracker
	auth    *services.AuthService
	gateway *Gateway
	members *services.MembershipService

	alice, bob *models.User
	lobby      *models.Channel
}

func newGatewayEnv(t *testing.T, limiter ratelimit.Limiter) *gatewayEnv {
	t.Helper()

	db := storagetest.NewDB(t)
	store := repositories.NewStore(db)
	cfg := config.Default()
	log := logger.NewNop()

	access := services.NewAccessPolicy(store)
	hub := NewHub(access, log)
	pub := services.NewPublisher(hub, nil)
	hasher := utils.NewBcryptHasher(bcrypt.MinCost)
	ids, err := snowflake.NewGenerator(snowflake.Config{NodeID: 1})
	require.NoError(t, err)

	members := services.NewMembershipService(store, hasher, pub, &cfg.Chat, log)
	messages := services.NewMessageService(store, access, ids, pub, &cfg.Chat, log)
	tracker := presence.NewTracker(store.Users, nil, hub, log)
	auth := services.NewAuthService(jwt.NewTokenManager("test-secret", 1, 1), store.Users)

	gw := NewGateway(GatewayDeps{
		Hub:      hub,
		Auth:     auth,
		Members:  members,
		Messages: messages,
		Presence: tracker,
		Limiter:  limiter,
		Rule:     ratelimit.Rule{Limit: 2, Window: time.Minute},
	}, &cfg.Websocket, log)

	alice := storagetest.CreateUser(t, db, "alice")
	bob := storagetest.CreateUser(t, db, "bob")
	lobby := storagetest.CreateChannel(t, db, alice, &models.Channel{Name: "lobby"})
	storagetest.AddMember(t, db, lobby, bob, models.RoleMember, models.MemberActive)

	return &gatewayEnv{
		db:      db,
		hub:     hub,
		tracker: tracker,
		auth:    auth,
		gateway: gw,
		members: members,
		alice:   alice,
		bob:     bob,
		lobby:   lobby,
	}
}

// attach registers an in-memory client for user and subscribes it to the
// user's channels, the way ServeWs does before starting the pumps.
func (e *gatewayEnv) attach(t *testing.T, user *models.User) *Client {
	t.Helper()
	c := NewClient(nil, user.ID, user.DisplayName(), testWsConfig(64, config.OverflowDisconnect))
	e.hub.Register(c)
	require.NoError(t, e.hub.Subscribe(context.Background(), c, e.lobby.ID))
	return c
}

func frame(typ, requestID string, data any) []byte {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(Frame{Type: typ, RequestID: requestID, Data: raw})
	return b
}

// next pops the oldest queued event of c.
func next(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case payload := <-c.send:
		var ev map[string]any
		require.NoError(t, json.Unmarshal(payload, &ev))
		return ev
	default:
		t.Fatal("no event queued")
		return nil
	}
}

func TestGateway_SendMessageFrame(t *testing.T) {
	env := newGatewayEnv(t, nil)
	alice := env.attach(t, env.alice)
	bob := env.attach(t, env.bob)
	ctx := context.Background()

	env.gateway.HandleFrame(ctx, alice, frame(FrameSendMessage, "r1", map[string]any{
		"channel_id": env.lobby.ID,
		"content":    "hello",
	}))

	got := next(t, bob)
	assert.Equal(t, string(events.NewMessage), got["type"])
	data := got["data"].(map[string]any)
	assert.Equal(t, "hello", data["content"])
	assert.IsType(t, "", data["id"], "message ids travel as strings")

	assert.Equal(t, string(events.NewMessage), next(t, alice)["type"])
	ack := next(t, alice)
	assert.Equal(t, string(events.Ack), ack["type"])
	assert.Equal(t, "r1", ack["request_id"])
	assert.Equal(t, data["id"], ack["data"].(map[string]any)["id"])

	// replying by id given as a string
	env.gateway.HandleFrame(ctx, bob, frame(FrameSendMessage, "r2", map[string]any{
		"channel_id":  env.lobby.ID,
		"content":     "hi",
		"reply_to_id": data["id"],
	}))
	assert.Equal(t, string(events.NewMessage), next(t, bob)["type"])
	ack = next(t, bob)
	assert.Equal(t, string(events.Ack), ack["type"])
	assert.Equal(t, data["id"], ack["data"].(map[string]any)["reply_to_id"])
}

func TestGateway_ErrorFrames(t *testing.T) {
	env := newGatewayEnv(t, nil)
	alice := env.attach(t, env.alice)
	ctx := context.Background()

	tests := []struct {
		name  string
		input []byte
		code  string
	}{
		{"not json", []byte("{"), "invalid_request"},
		{"unknown type", frame("shout", "x", map[string]any{}), "invalid_request"},
		{"missing data", []byte(`{"type":"send_message","request_id":"x"}`), "invalid_request"},
		{"empty content", frame(FrameSendMessage, "x", map[string]any{"channel_id": env.lobby.ID, "content": "  "}), "empty_content"},
		{"unknown channel", frame(FrameSendMessage, "x", map[string]any{"channel_id": 999, "content": "a"}), "channel_not_found"},
		{"typing unsubscribed", frame(FrameTyping, "x", map[string]any{"channel_id": 999}), "not_subscribed"},
		{"leave as owner", frame(FrameLeaveChannel, "x", map[string]any{"channel_id": env.lobby.ID}), "owner_transfer_required"},
		{"delete missing", frame(FrameDeleteMessage, "x", map[string]any{"message_id": "42"}), "message_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.gateway.HandleFrame(ctx, alice, tt.input)
			ev := next(t, alice)
			assert.Equal(t, string(events.Error), ev["type"])
			assert.Equal(t, tt.code, ev["data"].(map[string]any)["code"])
		})
	}
}

func TestGateway_TypingSkipsSender(t *testing.T) {
	env := newGatewayEnv(t, nil)
	alice := env.attach(t, env.alice)
	bob := env.attach(t, env.bob)

	env.gateway.HandleFrame(context.Background(), alice, frame(FrameTyping, "", map[string]any{
		"channel_id": env.lobby.ID,
		"is_typing":  true,
	}))

	ev := next(t, bob)
	assert.Equal(t, string(events.UserTyping), ev["type"])
	assert.Equal(t, "Alice", ev["actor_name"])
	assert.Zero(t, alice.queued(), "no echo and no ack without request_id")
}

func TestGateway_JoinLeaveAndSubscribe(t *testing.T) {
	env := newGatewayEnv(t, nil)
	ctx := context.Background()
	carol := storagetest.CreateUser(t, env.db, "carol")
	c := NewClient(nil, carol.ID, carol.DisplayName(), testWsConfig(64, config.OverflowDisconnect))
	env.hub.Register(c)

	secret := storagetest.CreateChannel(t, env.db, env.alice, &models.Channel{Name: "secret", Visibility: models.VisibilityPrivate})
	env.gateway.HandleFrame(ctx, c, frame(FrameSubscribe, "s0", map[string]any{"channel_id": secret.ID}))
	assert.Equal(t, "forbidden", next(t, c)["data"].(map[string]any)["code"])

	env.gateway.HandleFrame(ctx, c, frame(FrameJoinChannel, "j1", map[string]any{"channel_id": env.lobby.ID}))
	joined := next(t, c)
	assert.Equal(t, string(events.UserJoined), joined["type"], "join subscribes every connection of the user")
	ack := next(t, c)
	assert.Equal(t, "j1", ack["request_id"])
	assert.Equal(t, string(models.RoleMember), ack["data"].(map[string]any)["role"])
	assert.True(t, env.hub.IsSubscribed(c, env.lobby.ID))

	env.gateway.HandleFrame(ctx, c, frame(FrameUnsubscribe, "u1", map[string]any{"channel_id": env.lobby.ID}))
	assert.Equal(t, string(events.Ack), next(t, c)["type"])
	assert.False(t, env.hub.IsSubscribed(c, env.lobby.ID))

	env.gateway.HandleFrame(ctx, c, frame(FrameSubscribe, "s1", map[string]any{"channel_id": env.lobby.ID}))
	assert.Equal(t, string(events.Ack), next(t, c)["type"])

	env.gateway.HandleFrame(ctx, c, frame(FrameLeaveChannel, "l1", map[string]any{"channel_id": env.lobby.ID}))
	assert.Equal(t, string(events.UserLeft), next(t, c)["type"])
	assert.Equal(t, string(events.Ack), next(t, c)["type"])
	assert.False(t, env.hub.IsSubscribed(c, env.lobby.ID))
}

func TestGateway_HistoryAndOnlineUsers(t *testing.T) {
	env := newGatewayEnv(t, nil)
	alice := env.attach(t, env.alice)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.gateway.HandleFrame(ctx, alice, frame(FrameSendMessage, "", map[string]any{
			"channel_id": env.lobby.ID,
			"content":    fmt.Sprintf("m%d", i),
		}))
		next(t, alice)
		next(t, alice)
	}

	env.gateway.HandleFrame(ctx, alice, frame(FrameHistory, "h1", map[string]any{"channel_id": env.lobby.ID, "limit": 2}))
	page := next(t, alice)["data"].(map[string]any)
	msgs := page["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].(map[string]any)["content"])
	assert.Equal(t, true, page["has_more"])

	env.tracker.Register(ctx, env.alice.ID, alice.ID())
	next(t, alice) // user_online
	env.gateway.HandleFrame(ctx, alice, frame(FrameOnlineUsers, "o1", map[string]any{}))
	ack := next(t, alice)
	assert.Equal(t, []any{float64(env.alice.ID)}, ack["data"].(map[string]any)["user_ids"])

	env.gateway.HandleFrame(ctx, alice, frame(FramePing, "p1", nil))
	pong := next(t, alice)
	assert.Equal(t, string(events.Pong), pong["type"])
	assert.Equal(t, "p1", pong["request_id"])
}

func TestGateway_RateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	env := newGatewayEnv(t, ratelimit.NewFixedWindowLimiter(rdb, zap.NewNop(), true))
	alice := env.attach(t, env.alice)
	ctx := context.Background()

	send := func() map[string]any {
		env.gateway.HandleFrame(ctx, alice, frame(FrameSendMessage, "r", map[string]any{
			"channel_id": env.lobby.ID,
			"content":    "spam",
		}))
		var last map[string]any
		for alice.queued() > 0 {
			last = next(t, alice)
		}
		return last
	}

	assert.Equal(t, string(events.Ack), send()["type"])
	assert.Equal(t, string(events.Ack), send()["type"])
	rejected := send()
	assert.Equal(t, string(events.Error), rejected["type"])
	assert.Equal(t, "rate_limited", rejected["data"].(map[string]any)["code"])

	mr.Close()
	assert.Equal(t, string(events.Ack), send()["type"], "limiter outage does not block chat")
}

// wsConn wraps a dialed connection with helpers that skip unrelated events.
type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *wsConn) send(typ, requestID string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame(typ, requestID, data)))
}

// until reads events until one of type typ arrives and returns it together
// with the types skipped on the way.
func (c *wsConn) until(typ events.Type) (map[string]any, []string) {
	c.t.Helper()
	var skipped []string
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, payload, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		var ev map[string]any
		require.NoError(c.t, json.Unmarshal(payload, &ev))
		if ev["type"] == string(typ) {
			return ev, skipped
		}
		skipped = append(skipped, ev["type"].(string))
	}
}

func dial(t *testing.T, server *httptest.Server, token string) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	c := &wsConn{t: t, conn: conn}
	// the pong proves the initial subscriptions are in place
	c.send(FramePing, "ready", nil)
	c.until(events.Pong)
	return c
}

func TestGateway_EndToEnd(t *testing.T) {
	env := newGatewayEnv(t, nil)
	r := gin.New()
	r.GET("/ws", env.gateway.ServeWs)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	ctx := context.Background()

	resp, err := http.Get(server.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	aliceToken, err := env.auth.IssueToken(ctx, env.alice.ID)
	require.NoError(t, err)
	bobToken, err := env.auth.IssueToken(ctx, env.bob.ID)
	require.NoError(t, err)

	alice := dial(t, server, aliceToken)
	bob := dial(t, server, bobToken)

	online, _ := alice.until(events.UserOnline)
	if online["actor_id"] != float64(env.bob.ID) {
		online, _ = alice.until(events.UserOnline)
	}
	assert.Equal(t, float64(env.bob.ID), online["actor_id"])

	alice.send(FrameSendMessage, "m1", map[string]any{"channel_id": env.lobby.ID, "content": "hello bob"})
	ack, _ := alice.until(events.Ack)
	assert.Equal(t, "m1", ack["request_id"])

	msg, _ := bob.until(events.NewMessage)
	assert.Equal(t, "hello bob", msg["data"].(map[string]any)["content"])
	assert.Equal(t, "Alice", msg["data"].(map[string]any)["sender_name"])

	bob.send(FrameTyping, "", map[string]any{"channel_id": env.lobby.ID, "is_typing": true})
	typing, _ := alice.until(events.UserTyping)
	assert.Equal(t, float64(env.bob.ID), typing["actor_id"])
	bob.send(FramePing, "after-typing", nil)
	_, skipped := bob.until(events.Pong)
	assert.NotContains(t, skipped, string(events.UserTyping))

	require.NoError(t, bob.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	offline, _ := alice.until(events.UserOffline)
	assert.Equal(t, float64(env.bob.ID), offline["actor_id"])
	assert.Eventually(t, func() bool { return !env.tracker.IsOnline(env.bob.ID) }, time.Second, 10*time.Millisecond)

	storagetest.Deactivate(t, env.db, env.bob)
	header := http.Header{"Authorization": {"Bearer " + bobToken}}
	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
