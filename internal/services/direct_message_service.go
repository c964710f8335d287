package services

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/events"
	"github.com/Gopher0727/ChatHub/internal/models"
	"github.com/Gopher0727/ChatHub/internal/repositories"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/errs"
	"github.com/Gopher0727/ChatHub/utils/snowflake"
)

// DirectMessageService 私信服务
// 私信不经过频道路由，直接投递到双方的所有连接
type DirectMessageService struct {
	store *repositories.Store
	ids   *snowflake.Generator
	pub   *Publisher
	cfg   config.ChatConfig
	log   *logger.Logger
}

// NewDirectMessageService 创建私信服务实例
func NewDirectMessageService(store *repositories.Store, ids *snowflake.Generator, pub *Publisher, cfg *config.ChatConfig, log *logger.Logger) *DirectMessageService {
	return &DirectMessageService{
		store: store,
		ids:   ids,
		pub:   pub,
		cfg:   *cfg,
		log:   log.Named("direct_message"),
	}
}

// SendDirectRequest 发送私信请求
type SendDirectRequest struct {
	SenderID   uint               `json:"-"`
	ReceiverID uint               `json:"-"`
	Content    string             `json:"content"`
	Type       models.MessageType `json:"msg_type"`
}

// DirectMessageView 私信数据传输对象
type DirectMessageView struct {
	ID           int64              `json:"id,string"`
	SenderID     uint               `json:"sender_id"`
	SenderName   string             `json:"sender_name"`
	ReceiverID   uint               `json:"receiver_id"`
	ReceiverName string             `json:"receiver_name"`
	Content      string             `json:"content"`
	MsgType      models.MessageType `json:"msg_type"`
	IsRead       bool               `json:"is_read"`
	CreatedAt    string             `json:"created_at"`
}

// DirectPage 一页私信，按时间正序
type DirectPage struct {
	Peer         UserSummary         `json:"peer"`
	Messages     []DirectMessageView `json:"messages"`
	HasMore      bool                `json:"has_more"`
	NextBeforeID int64               `json:"next_before_id,string,omitempty"`
}

// UserSummary 会话对方的基本信息
type UserSummary struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Conversation 会话列表项
type Conversation struct {
	Peer          UserSummary `json:"peer"`
	LastMessage   string      `json:"last_message"`
	LastMessageAt string      `json:"last_message_at"`
	IsSender      bool        `json:"is_sender"`
	UnreadCount   int         `json:"unread_count"`
}

// Send 发送私信
// 实现逻辑：
// 1. 校验内容、禁止发给自己、接收者必须存在且启用
// 2. 写入 snowflake ID 的私信
// 3. 向接收者和发送者的所有连接推送 direct_message
func (s *DirectMessageService) Send(ctx context.Context, req *SendDirectRequest) (*DirectMessageView, error) {
	content, msgType, err := normalizeContent(&s.cfg, req.Content, req.Type)
	if err != nil {
		return nil, err
	}
	if req.SenderID == req.ReceiverID {
		return nil, errs.ErrSelfMessage
	}

	users, err := s.store.Users.GetByIDs(ctx, []uint{req.SenderID, req.ReceiverID})
	if err != nil {
		return nil, dbError("failed to load users", err)
	}
	receiver, ok := users[req.ReceiverID]
	if !ok || !receiver.IsActive {
		return nil, errs.ErrUserNotFound
	}

	id, err := s.ids.NextID()
	if err != nil {
		return nil, errs.Internal("failed to generate message id", err)
	}
	msg := &models.DirectMessage{
		ID:         id,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    content,
		MsgType:    msgType,
	}
	if err := s.store.Directs.Create(ctx, msg); err != nil {
		return nil, dbError("failed to save direct message", err)
	}

	view := toDirectView(msg, users)
	ev := events.New(events.DirectMessage, 0).
		WithActor(msg.SenderID, view.SenderName).
		WithSubject(msg.ReceiverID, view.ReceiverName).
		WithData(view)
	s.pub.SendToUsers(ev, msg.ReceiverID, msg.SenderID)

	s.log.DebugContext(ctx, "direct message sent",
		zap.Int64("message_id", msg.ID),
		zap.Uint("sender_id", msg.SenderID),
		zap.Uint("receiver_id", msg.ReceiverID))
	return view, nil
}

// History 分页获取与 peerID 的私信，并把对方发来的未读私信标记为已读
func (s *DirectMessageService) History(ctx context.Context, userID, peerID uint, beforeID int64, limit int) (*DirectPage, error) {
	users, err := s.store.Users.GetByIDs(ctx, []uint{userID, peerID})
	if err != nil {
		return nil, dbError("failed to load users", err)
	}
	peer, ok := users[peerID]
	if !ok {
		return nil, errs.ErrUserNotFound
	}

	if limit <= 0 {
		limit = s.cfg.HistoryDefaultLimit
	}
	if limit > s.cfg.HistoryMaxLimit {
		limit = s.cfg.HistoryMaxLimit
	}

	messages, err := s.store.Directs.ListBetween(ctx, userID, peerID, beforeID, limit+1)
	if err != nil {
		return nil, dbError("failed to load direct messages", err)
	}

	page := &DirectPage{Peer: summaryOf(peer), HasMore: len(messages) > limit}
	if page.HasMore {
		messages = messages[:limit]
	}
	page.Messages = make([]DirectMessageView, len(messages))
	for i := range messages {
		page.Messages[len(messages)-1-i] = *toDirectView(&messages[i], users)
	}
	if page.HasMore {
		page.NextBeforeID = page.Messages[0].ID
	}

	n, err := s.store.Directs.MarkConversationRead(ctx, userID, peerID)
	if err != nil {
		return nil, dbError("failed to mark direct messages read", err)
	}
	if n > 0 {
		s.pub.SendToUser(peerID, events.New(events.DirectMessageRead, 0).
			WithActor(userID, nameOf(users, userID)).
			WithData(map[string]any{"peer_id": userID, "all": true}))
	}
	return page, nil
}

// Conversations 会话列表：每个对方一项，带最新一条私信和未读数，最新的在前
func (s *DirectMessageService) Conversations(ctx context.Context, userID uint) ([]Conversation, error) {
	latest, err := s.store.Directs.LatestPerPeer(ctx, userID)
	if err != nil {
		return nil, dbError("failed to load conversations", err)
	}
	unread, err := s.store.Directs.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, dbError("failed to count unread direct messages", err)
	}

	peerIDs := make([]uint, len(latest))
	for i := range latest {
		peerIDs[i] = latest[i].Peer(userID)
	}
	users, err := s.store.Users.GetByIDs(ctx, peerIDs)
	if err != nil {
		return nil, dbError("failed to load users", err)
	}

	out := make([]Conversation, 0, len(latest))
	for i := range latest {
		msg := &latest[i]
		peerID := msg.Peer(userID)
		conv := Conversation{
			Peer:          UserSummary{ID: peerID},
			LastMessage:   truncate(msg.Content, 50),
			LastMessageAt: events.FormatTime(msg.CreatedAt),
			IsSender:      msg.SenderID == userID,
			UnreadCount:   unread[peerID],
		}
		if u, ok := users[peerID]; ok {
			conv.Peer = summaryOf(u)
		}
		out = append(out, conv)
	}
	return out, nil
}

// Delete 为当前用户一侧删除私信，对方仍然可见
func (s *DirectMessageService) Delete(ctx context.Context, userID uint, messageID int64) error {
	msg, err := s.load(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if err := s.store.Directs.DeleteFor(ctx, msg, userID); err != nil {
		return dbError("failed to delete direct message", err)
	}
	s.log.InfoContext(ctx, "direct message deleted", zap.Int64("message_id", messageID), zap.Uint("user_id", userID))
	return nil
}

// MarkRead 标记单条私信为已读，只有接收者可以操作，发送者收到 direct_message_read
func (s *DirectMessageService) MarkRead(ctx context.Context, userID uint, messageID int64) error {
	msg, err := s.load(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if msg.ReceiverID != userID {
		return errs.ErrForbidden
	}
	if msg.IsRead {
		return nil
	}
	if err := s.store.Directs.MarkRead(ctx, msg); err != nil {
		return dbError("failed to mark direct message read", err)
	}

	var name string
	if u, err := s.store.Users.GetByID(ctx, userID); err == nil {
		name = u.DisplayName()
	}
	s.pub.SendToUser(msg.SenderID, events.New(events.DirectMessageRead, 0).
		WithActor(userID, name).
		WithData(map[string]any{"peer_id": userID, "message_id": strconv.FormatInt(msg.ID, 10)}))
	return nil
}

// load 读取 userID 可见的私信，非参与者返回 Forbidden，已删除返回 NotFound
func (s *DirectMessageService) load(ctx context.Context, userID uint, messageID int64) (*models.DirectMessage, error) {
	msg, err := s.store.Directs.GetByID(ctx, messageID)
	if err != nil {
		return nil, notFound(err, errs.ErrMessageNotFound, "failed to load direct message")
	}
	if msg.SenderID != userID && msg.ReceiverID != userID {
		return nil, errs.ErrForbidden
	}
	if !msg.VisibleTo(userID) {
		return nil, errs.ErrMessageNotFound
	}
	return msg, nil
}

func summaryOf(u *models.User) UserSummary {
	return UserSummary{ID: u.ID, Username: u.UserName, DisplayName: u.DisplayName()}
}

func toDirectView(msg *models.DirectMessage, users map[uint]*models.User) *DirectMessageView {
	v := &DirectMessageView{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		MsgType:    msg.MsgType,
		IsRead:     msg.IsRead,
		CreatedAt:  events.FormatTime(msg.CreatedAt),
	}
	if u, ok := users[msg.SenderID]; ok {
		v.SenderName = u.DisplayName()
	}
	if u, ok := users[msg.ReceiverID]; ok {
		v.ReceiverName = u.DisplayName()
	}
	return v
}
