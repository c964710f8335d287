package routers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/handlers"
	"github.com/Gopher0727/ChatHub/internal/models"
	"github.com/Gopher0727/ChatHub/internal/presence"
	"github.com/Gopher0727/ChatHub/internal/repositories"
	"github.com/Gopher0727/ChatHub/internal/services"
	"github.com/Gopher0727/ChatHub/internal/storage/storagetest"
	"github.com/Gopher0727/ChatHub/internal/utils"
	"github.com/Gopher0727/ChatHub/middleware/jwt"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/ws"
	"github.com/Gopher0727/ChatHub/utils/snowflake"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiEnv struct {
	t       *testing.T
	db      *gorm.DB
	router  *gin.Engine
	auth    *services.AuthService
	tracker *presence.Tracker
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	db := storagetest.NewDB(t)
	store := repositories.NewStore(db)
	cfg := config.Default()
	log := logger.NewNop()

	ids, err := snowflake.NewGenerator(snowflake.Config{NodeID: 1})
	require.NoError(t, err)
	hasher := utils.NewBcryptHasher(bcrypt.MinCost)
	access := services.NewAccessPolicy(store)
	hub := ws.NewHub(access, log)
	pub := services.NewPublisher(hub, nil)

	auth := services.NewAuthService(jwt.NewTokenManager("test-secret", 1, 1), store.Users)
	channels := services.NewChannelService(store, access, hasher, pub, &cfg.Chat, log)
	members := services.NewMembershipService(store, hasher, pub, &cfg.Chat, log)
	messages := services.NewMessageService(store, access, ids, pub, &cfg.Chat, log)
	directs := services.NewDirectMessageService(store, ids, pub, &cfg.Chat, log)
	tracker := presence.NewTracker(store.Users, nil, hub, log)
	gateway := ws.NewGateway(ws.GatewayDeps{
		Hub:      hub,
		Auth:     auth,
		Members:  members,
		Messages: messages,
		Presence: tracker,
	}, &cfg.Websocket, log)

	pool := utils.NewWorkerPool(2, 16, log)
	pool.Start()
	t.Cleanup(pool.Stop)

	r := gin.New()
	SetupRoutes(r, cfg, log, auth, &Handlers{
		Auth:     handlers.NewAuthHandler(auth, log),
		Channel:  handlers.NewChannelHandler(channels, log),
		Member:   handlers.NewMemberHandler(members, tracker, log),
		Message:  handlers.NewMessageHandler(messages, log),
		Presence: handlers.NewPresenceHandler(tracker),
		Direct:   handlers.NewDirectHandler(directs, log),
	}, gateway, pool)

	return &apiEnv{t: t, db: db, router: r, auth: auth, tracker: tracker}
}

func (e *apiEnv) token(u *models.User) string {
	e.t.Helper()
	tok, err := e.auth.IssueToken(context.Background(), u.ID)
	require.NoError(e.t, err)
	return tok
}

type apiResponse struct {
	Code  int             `json:"code"`
	Data  json.RawMessage `json:"data"`
	Error struct {
		Kind    string          `json:"kind"`
		Code    string          `json:"code"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// do sends a request as the holder of token and decodes the envelope.
func (e *apiEnv) do(method, path, token string, body any) (int, apiResponse) {
	e.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(logger.TraceHeader))
	assert.JSONEq(t, `{"status":"ok","connections":0}`, w.Body.String())
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)

	status, resp := env.do(http.MethodGet, "/api/v1/channels", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthenticated", resp.Error.Code)

	status, _ = env.do(http.MethodGet, "/api/v1/channels", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	ghost := storagetest.CreateUser(t, env.db, "ghost")
	tok := env.token(ghost)
	storagetest.Deactivate(t, env.db, ghost)
	status, resp = env.do(http.MethodGet, "/api/v1/me", tok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "user_inactive", resp.Error.Code)
}

func TestChannelLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	alice := storagetest.CreateUser(t, env.db, "alice")
	bob := storagetest.CreateUser(t, env.db, "bob")
	aliceTok, bobTok := env.token(alice), env.token(bob)

	// the first channel takes the default id, create a second one to delete later
	status, _ := env.do(http.MethodPost, "/api/v1/channels", aliceTok, map[string]any{"name": "lobby"})
	require.Equal(t, http.StatusOK, status)

	status, resp := env.do(http.MethodPost, "/api/v1/channels", aliceTok, map[string]any{
		"name":     "vault",
		"password": "secret1",
	})
	require.Equal(t, http.StatusOK, status)
	var vault models.Channel
	require.NoError(t, json.Unmarshal(resp.Data, &vault))
	assert.Equal(t, models.JoinPassword, vault.JoinPolicy)
	base := fmt.Sprintf("/api/v1/channels/%d", vault.ID)

	status, resp = env.do(http.MethodPost, base+"/join", bobTok, map[string]any{})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "password_required", resp.Error.Code)

	status, resp = env.do(http.MethodPost, base+"/join", bobTok, map[string]any{"password": "nope"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "password_incorrect", resp.Error.Code)

	status, _ = env.do(http.MethodPost, base+"/join", bobTok, map[string]any{"password": "secret1"})
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(http.MethodPost, base+"/join", bobTok, map[string]any{"password": "secret1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_member", resp.Error.Code)

	// members carry presence
	env.tracker.Register(context.Background(), bob.ID, "conn")
	status, resp = env.do(http.MethodGet, base+"/members", aliceTok, nil)
	require.Equal(t, http.StatusOK, status)
	var members []services.MemberView
	require.NoError(t, json.Unmarshal(resp.Data, &members))
	require.Len(t, members, 2)
	assert.Equal(t, models.RoleOwner, members[0].Role)
	assert.False(t, members[0].Online)
	assert.True(t, members[1].Online)

	// owner cannot leave while bob is there
	status, resp = env.do(http.MethodPost, base+"/leave", aliceTok, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "owner_transfer_required", resp.Error.Code)
	assert.Contains(t, string(resp.Error.Details), `"username":"bob"`)

	status, _ = env.do(http.MethodPatch, fmt.Sprintf("%s/members/%d/role", base, bob.ID), aliceTok, map[string]any{"role": "admin"})
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(http.MethodPatch, fmt.Sprintf("%s/members/%d/role", base, alice.ID), bobTok, map[string]any{"role": "member"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", resp.Error.Code)

	status, _ = env.do(http.MethodPost, base+"/transfer", aliceTok, map[string]any{"user_id": bob.ID})
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(http.MethodPost, base+"/leave", aliceTok, nil)
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(http.MethodPut, base+"/password", bobTok, map[string]any{"password": "abc"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "password_too_short", resp.Error.Code)

	status, _ = env.do(http.MethodDelete, base, bobTok, nil)
	require.Equal(t, http.StatusOK, status)
	status, resp = env.do(http.MethodGet, base, bobTok, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "channel_not_found", resp.Error.Code)

	status, resp = env.do(http.MethodGet, "/api/v1/channels/deleted", bobTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(resp.Data), `"vault"`, "the transfer made bob the creator")
	status, resp = env.do(http.MethodGet, "/api/v1/channels/deleted", aliceTok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, string(resp.Data), `"vault"`)

	status, resp = env.do(http.MethodDelete, "/api/v1/channels/1", aliceTok, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "cannot_delete_default", resp.Error.Code)

	status, _ = env.do(http.MethodGet, "/api/v1/channels/abc", aliceTok, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMessagesOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	alice := storagetest.CreateUser(t, env.db, "alice")
	bob := storagetest.CreateUser(t, env.db, "bob")
	lobby := storagetest.CreateChannel(t, env.db, alice, &models.Channel{Name: "lobby"})
	aliceTok, bobTok := env.token(alice), env.token(bob)
	base := fmt.Sprintf("/api/v1/channels/%d/messages", lobby.ID)

	status, resp := env.do(http.MethodPost, base, bobTok, map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_member", resp.Error.Code)

	var sent []services.MessageView
	for i := 0; i < 3; i++ {
		status, resp = env.do(http.MethodPost, base, aliceTok, map[string]any{"content": fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusOK, status)
		var v services.MessageView
		require.NoError(t, json.Unmarshal(resp.Data, &v))
		sent = append(sent, v)
	}
	assert.Contains(t, string(resp.Data), fmt.Sprintf(`"id":"%d"`, sent[2].ID))

	status, resp = env.do(http.MethodGet, base+"?limit=2", bobTok, nil)
	require.Equal(t, http.StatusOK, status, "public channel history is readable")
	var page services.HistoryPage
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m1", page.Messages[0].Content)

	status, resp = env.do(http.MethodGet, fmt.Sprintf("%s?before_id=%d", base, page.NextBeforeID), bobTok, nil)
	require.Equal(t, http.StatusOK, status)
	page = services.HistoryPage{}
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)

	status, _ = env.do(http.MethodGet, base+"?limit=x", bobTok, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp = env.do(http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", sent[0].ID), bobTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", resp.Error.Code)

	status, _ = env.do(http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", sent[0].ID), aliceTok, nil)
	require.Equal(t, http.StatusOK, status)
	status, resp = env.do(http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", sent[0].ID), aliceTok, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "message_not_found", resp.Error.Code)
}

func TestPresenceAndMeOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	alice := storagetest.CreateUser(t, env.db, "alice")
	tok := env.token(alice)

	env.tracker.Register(context.Background(), alice.ID, "c1")
	status, resp := env.do(http.MethodGet, "/api/v1/presence/online", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, fmt.Sprintf(`{"user_ids":[%d]}`, alice.ID), string(resp.Data))

	status, resp = env.do(http.MethodGet, "/api/v1/me", tok, nil)
	require.Equal(t, http.StatusOK, status)
	var me services.UserIdentity
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, "Alice", me.DisplayName)
}

func TestDirectMessagesOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	alice := storagetest.CreateUser(t, env.db, "alice")
	bob := storagetest.CreateUser(t, env.db, "bob")
	carol := storagetest.CreateUser(t, env.db, "carol")
	aliceTok, bobTok, carolTok := env.token(alice), env.token(bob), env.token(carol)
	toBob := fmt.Sprintf("/api/v1/direct/users/%d/messages", bob.ID)
	toAlice := fmt.Sprintf("/api/v1/direct/users/%d/messages", alice.ID)

	status, resp := env.do(http.MethodPost, fmt.Sprintf("/api/v1/direct/users/%d/messages", alice.ID), aliceTok, map[string]any{"content": "me"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "self_message", resp.Error.Code)

	status, resp = env.do(http.MethodPost, toBob, aliceTok, map[string]any{"content": "hi bob"})
	require.Equal(t, http.StatusOK, status)
	var sent services.DirectMessageView
	require.NoError(t, json.Unmarshal(resp.Data, &sent))
	assert.Contains(t, string(resp.Data), fmt.Sprintf(`"id":"%d"`, sent.ID))

	status, resp = env.do(http.MethodGet, "/api/v1/direct/conversations", bobTok, nil)
	require.Equal(t, http.StatusOK, status)
	var convs []services.Conversation
	require.NoError(t, json.Unmarshal(resp.Data, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, alice.ID, convs[0].Peer.ID)
	assert.Equal(t, 1, convs[0].UnreadCount)

	status, resp = env.do(http.MethodPut, fmt.Sprintf("/api/v1/direct/messages/%d/read", sent.ID), carolTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", resp.Error.Code)

	status, _ = env.do(http.MethodPut, fmt.Sprintf("/api/v1/direct/messages/%d/read", sent.ID), bobTok, nil)
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(http.MethodGet, toAlice+"?limit=10", bobTok, nil)
	require.Equal(t, http.StatusOK, status)
	var page services.DirectPage
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].IsRead)

	status, _ = env.do(http.MethodGet, toAlice+"?before_id=x", bobTok, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(http.MethodDelete, "/api/v1/direct/messages/abc", bobTok, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(http.MethodDelete, fmt.Sprintf("/api/v1/direct/messages/%d", sent.ID), bobTok, nil)
	require.Equal(t, http.StatusOK, status)
	status, resp = env.do(http.MethodGet, toBob, aliceTok, nil)
	require.Equal(t, http.StatusOK, status)
	page = services.DirectPage{}
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.Len(t, page.Messages, 1, "deleting on one side leaves the other intact")

	status, _ = env.do(http.MethodGet, "/api/v1/direct/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}
