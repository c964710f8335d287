package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/events"
	"github.com/Gopher0727/ChatHub/internal/models"
	"github.com/Gopher0727/ChatHub/internal/services"
	"github.com/Gopher0727/ChatHub/middleware/jwt"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/errs"
	"github.com/Gopher0727/ChatHub/utils/ratelimit"
)

// Membership is the part of services.MembershipService the gateway drives.
type Membership interface {
	Join(ctx context.Context, channelID, userID uint, password string) (*models.ChannelMember, error)
	Leave(ctx context.Context, channelID, userID uint) error
	ActiveChannelIDs(ctx context.Context, userID uint) ([]uint, error)
}

// Messages is the part of services.MessageService the gateway drives.
type Messages interface {
	Send(ctx context.Context, req *services.SendMessageRequest) (*services.MessageView, error)
	SoftDelete(ctx context.Context, actorID uint, messageID int64) error
	History(ctx context.Context, userID, channelID uint, beforeID int64, limit int) (*services.HistoryPage, error)
}

// Presence is the part of presence.Tracker the gateway drives.
type Presence interface {
	Register(ctx context.Context, userID uint, connID string)
	Unregister(ctx context.Context, userID uint, connID string)
	Touch(ctx context.Context, userID uint)
	OnlineUsers() []uint
}

// GatewayDeps groups the collaborators of a Gateway.
type GatewayDeps struct {
	Hub      *Hub
	Auth     services.AuthVerifier
	Members  Membership
	Messages Messages
	Presence Presence
	// Limiter throttles send_message and typing per user; nil disables it.
	Limiter ratelimit.Limiter
	Rule    ratelimit.Rule
}

// Gateway upgrades authenticated HTTP requests to chat sessions and
// dispatches their inbound frames.
type Gateway struct {
	GatewayDeps

	cfg      config.WebsocketConfig
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewGateway creates a gateway.
//
// Parameters:
//   - deps: Hub, verifier, services and optional rate limiter
//   - cfg: Queue, heartbeat and origin settings
//   - log: Logger
//
// Returns:
//   - *Gateway: The initialized gateway
func NewGateway(deps GatewayDeps, cfg *config.WebsocketConfig, log *logger.Logger) *Gateway {
	g := &Gateway{
		GatewayDeps: deps,
		cfg:         *cfg,
		log:         log.Named("gateway"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// checkOrigin allows every origin when none are configured.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWs authenticates the request, upgrades it and runs the session until
// the peer goes away. Invalid credentials get 401 and inactive users 403,
// both without an upgrade.
func (g *Gateway) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	identity, err := g.Auth.Verify(ctx, jwt.FromRequest(c.Request))
	if err != nil {
		e := errs.From(err)
		c.AbortWithStatusJSON(errs.HTTPStatus(e), gin.H{"error": e})
		return
	}
	if !identity.Active {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errs.ErrUserInactive})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.WarnContext(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, identity.ID, identity.DisplayName, &g.cfg)
	g.run(client)
}

// run drives one session. It returns after the connection is gone and has
// been removed from the hub and the presence tracker.
func (g *Gateway) run(client *Client) {
	ctx, cancel := context.WithCancel(logger.WithTraceID(context.Background(), client.id))
	defer cancel()

	log := g.log.WithContext(ctx).WithFields(zap.Uint("user_id", client.userID))
	log.Info("session opened")

	g.Hub.Register(client)
	g.Presence.Register(ctx, client.userID, client.id)
	defer g.disconnect(ctx, client, log)

	ids, err := g.Members.ActiveChannelIDs(ctx, client.userID)
	if err != nil {
		log.Error("failed to load channels", zap.Error(err))
	}
	for _, id := range ids {
		if err := g.Hub.Subscribe(ctx, client, id); err != nil {
			log.Warn("initial subscribe failed", zap.Uint("channel_id", id), zap.Error(err))
		}
	}

	go client.writePump(g.cfg.WriteWaitDuration(), g.cfg.PingPeriod())
	g.readPump(ctx, client)
}

func (g *Gateway) disconnect(ctx context.Context, client *Client, log *logger.Logger) {
	client.Close()
	client.conn.Close()
	g.Hub.DropConnection(client)
	g.Presence.Unregister(ctx, client.userID, client.id)

	log.Info("session closed")
}

func (g *Gateway) readPump(ctx context.Context, client *Client) {
	conn := client.conn
	conn.SetReadLimit(g.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(g.cfg.PongWaitDuration()))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(g.cfg.PongWaitDuration()))
		g.Presence.Touch(ctx, client.userID)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.log.WarnContext(ctx, "websocket read failed", zap.Error(err))
			}
			return
		}
		if client.IsClosed() {
			return
		}
		g.HandleFrame(ctx, client, data)
	}
}

// HandleFrame decodes and dispatches one inbound frame, replying with an ack
// or an error event carrying the frame's request_id.
func (g *Gateway) HandleFrame(ctx context.Context, client *Client, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		g.replyError(client, "", errs.ErrInvalidRequest)
		return
	}

	payload, channelID, err := g.dispatch(ctx, client, &frame)
	switch {
	case err != nil:
		e := errs.From(err)
		if e.Kind == errs.KindInternal {
			g.log.ErrorContext(ctx, "frame failed", zap.String("type", frame.Type), zap.Error(err))
		}
		g.replyError(client, frame.RequestID, e)
	case frame.Type == FramePing:
		g.Hub.Send(client, events.New(events.Pong, 0).WithRequestID(frame.RequestID))
	case frame.Type == FrameTyping && frame.RequestID == "":
		// fire and forget
	default:
		g.Hub.Send(client, events.New(events.Ack, channelID).
			WithRequestID(frame.RequestID).
			WithData(payload))
	}
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, frame *Frame) (any, uint, error) {
	switch frame.Type {
	case FrameSendMessage:
		var d sendMessageData
		if err := decode(frame, &d); err != nil {
			return nil, 0, err
		}
		if err := g.throttle(ctx, client, "msg"); err != nil {
			return nil, d.ChannelID, err
		}
		req := &services.SendMessageRequest{
			UserID:    client.userID,
			ChannelID: d.ChannelID,
			Content:   d.Content,
			Type:      models.MessageType(d.MsgType),
		}
		if d.ReplyToID != 0 {
			reply := int64(d.ReplyToID)
			req.ReplyToID = &reply
		}
		view, err := g.Messages.Send(ctx, req)
		return view, d.ChannelID, err

	case FrameDeleteMessage:
		var d deleteMessageData
		if err := decode(frame, &d); err != nil {
			return nil, 0, err
		}
		if err := g.Messages.SoftDelete(ctx, client.userID, int64(d.MessageID)); err != nil {
			return nil, 0, err
		}
		return gin.H{"message_id": strconv.FormatInt(int64(d.MessageID), 10)}, 0, nil

	case FrameTyping:
		var d typingData
		if err := decode(frame, &d); err != nil {
			return nil, 0, err
		}
		if !g.Hub.IsSubscribed(client, d.ChannelID) {
			return nil, d.ChannelID, errs.ErrNotSubscribed
		}
		if err := g.throttle(ctx, client, "typing"); err != nil {
			return nil, d.ChannelID, err
		}
		g.Hub.BroadcastExcept(d.ChannelID, events.New(events.UserTyping, d.ChannelID).
			WithActor(client.userID, client.name).
			WithData(gin.H{"is_typing": d.IsTyping}), client)
		return nil, d.ChannelID, nil

	case FrameJoinChannel:
		var d joinChannelData
		if err := decode(frame, &d); err != nil {
			return nil, 0, err
		}
		m, err := g.Members.Join(ctx, d.ChannelID, client.userID, d.Password)
		if err != nil {
			return nil, d.ChannelID, err
		}
		return gin.H{"channel_id": d.ChannelID, "role": m.Role}, d.ChannelID, nil

	case FrameLeaveChannel:
		var d channelData
		if err := decode(frame, &d); err != nil {
			return nil, 0, err
		}
		if err := g.Members.Leave(ctx, d.ChannelID, client.userID); err != nil {
			return nil, d.ChannelID, err
		}
		return gin.H{"channel_id": d.ChannelID}, d.ChannelID, nil

	case FrameSubscribe:
		var d channelData
		if err := decode(frame, &d); err != nil {
			return nil, 0, err
		}
		if err := g.Hub.Subscribe(ctx, client, d.ChannelID); err != nil {
			return nil, d.ChannelID, err
		}
		return gin.H{"channel_id": d.ChannelID}, d.ChannelID, nil

	case FrameUnsubscribe:
		var d channelData
		if err := decode(frame, &d); err != nil {
			return nil, 0, err
		}
		if err := g.Hub.Unsubscribe(client, d.ChannelID); err != nil {
			return nil, d.ChannelID, err
		}
		return gin.H{"channel_id": d.ChannelID}, d.ChannelID, nil

	case FrameHistory:
		var d historyData
		if err := decode(frame, &d); err != nil {
			return nil, 0, err
		}
		page, err := g.Messages.History(ctx, client.userID, d.ChannelID, int64(d.BeforeID), d.Limit)
		return page, d.ChannelID, err

	case FrameOnlineUsers:
		return gin.H{"user_ids": g.Presence.OnlineUsers()}, 0, nil

	case FramePing:
		return nil, 0, nil

	default:
		return nil, 0, errs.ErrInvalidRequest.WithDetails(gin.H{"type": frame.Type})
	}
}

// throttle applies the per-user inbound rate limit for kind.
func (g *Gateway) throttle(ctx context.Context, client *Client, kind string) error {
	if g.Limiter == nil {
		return nil
	}
	key := fmt.Sprintf("ws:%s:%d", kind, client.userID)
	ok, err := g.Limiter.Allow(ctx, key, g.Rule.Limit, g.Rule.Window)
	if err != nil {
		// limiter outages never block chat
		g.log.WarnContext(ctx, "rate limiter unavailable", zap.Error(err))
		return nil
	}
	if !ok {
		return errs.ErrRateLimited
	}
	return nil
}

func (g *Gateway) replyError(client *Client, requestID string, err *errs.Error) {
	g.Hub.Send(client, events.New(events.Error, 0).
		WithRequestID(requestID).
		WithData(err))
}

func decode(frame *Frame, v any) error {
	if len(frame.Data) == 0 {
		return errs.ErrInvalidRequest
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return errs.ErrInvalidRequest.WithDetails(gin.H{"reason": err.Error()})
	}
	return nil
}
