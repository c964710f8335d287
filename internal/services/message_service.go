package services

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/events"
	"github.com/Gopher0727/ChatHub/internal/models"
	"github.com/Gopher0727/ChatHub/internal/repositories"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/errs"
	"github.com/Gopher0727/ChatHub/utils/snowflake"
)

// MessageService 消息服务
type MessageService struct {
	store  *repositories.Store
	access *AccessPolicy
	ids    *snowflake.Generator
	pub    *Publisher
	cfg    config.ChatConfig
	log    *logger.Logger
}

// NewMessageService 创建消息服务实例
func NewMessageService(store *repositories.Store, access *AccessPolicy, ids *snowflake.Generator, pub *Publisher, cfg *config.ChatConfig, log *logger.Logger) *MessageService {
	return &MessageService{
		store:  store,
		access: access,
		ids:    ids,
		pub:    pub,
		cfg:    *cfg,
		log:    log.Named("message"),
	}
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	UserID    uint               `json:"-"`
	ChannelID uint               `json:"channel_id" binding:"required"`
	Content   string             `json:"content"`
	Type      models.MessageType `json:"msg_type"`
	ReplyToID *int64             `json:"reply_to_id,string,omitempty"`
}

// MessageView 消息数据传输对象，ID 以字符串输出避免 JS 精度丢失
type MessageView struct {
	ID         int64              `json:"id,string"`
	ChannelID  uint               `json:"channel_id"`
	SenderID   uint               `json:"sender_id"`
	SenderName string             `json:"sender_name"`
	Content    string             `json:"content"`
	MsgType    models.MessageType `json:"msg_type"`
	ReplyToID  *int64             `json:"reply_to_id,string,omitempty"`
	CreatedAt  string             `json:"created_at"`
}

// HistoryPage 一页历史消息，按时间正序
type HistoryPage struct {
	Messages     []MessageView `json:"messages"`
	HasMore      bool          `json:"has_more"`
	NextBeforeID int64         `json:"next_before_id,string,omitempty"`
}

// Send 发送消息
// 实现逻辑：
// 1. 校验内容与类型
// 2. 事务内确认频道可用、发送者是 active 成员、回复目标合法，写入 snowflake ID 的消息
// 3. 提交后广播 new_message
func (s *MessageService) Send(ctx context.Context, req *SendMessageRequest) (*MessageView, error) {
	content, msgType, err := normalizeContent(&s.cfg, req.Content, req.Type)
	if err != nil {
		return nil, err
	}

	id, err := s.ids.NextID()
	if err != nil {
		return nil, errs.Internal("failed to generate message id", err)
	}
	msg := &models.Message{
		ID:        id,
		ChannelID: req.ChannelID,
		SenderID:  req.UserID,
		Content:   content,
		MsgType:   msgType,
		ReplyToID: req.ReplyToID,
	}

	err = s.store.Transaction(ctx, func(tx *repositories.Store) error {
		ch, err := tx.Channels.GetByID(ctx, req.ChannelID)
		if err != nil {
			return notFound(err, errs.ErrChannelNotFound, "failed to load channel")
		}
		if !ch.IsActive {
			return errs.ErrChannelInactive
		}

		m, err := tx.Channels.GetMember(ctx, req.ChannelID, req.UserID)
		if err != nil && !repositories.IsNotFound(err) {
			return dbError("failed to load membership", err)
		}
		if m == nil || !m.IsActive() {
			return errs.ErrNotMember
		}

		if req.ReplyToID != nil {
			target, err := tx.Messages.GetByID(ctx, *req.ReplyToID)
			if err != nil {
				return notFound(err, errs.ErrInvalidReply, "failed to load reply target")
			}
			if target.IsDeleted || target.ChannelID != req.ChannelID {
				return errs.ErrInvalidReply
			}
		}

		if err := tx.Messages.Create(ctx, msg); err != nil {
			return dbError("failed to save message", err)
		}
		sender, err := tx.Users.GetByID(ctx, req.UserID)
		if err != nil {
			return dbError("failed to load sender", err)
		}
		msg.Sender = sender
		return nil
	})
	if err != nil {
		return nil, err
	}

	view := toMessageView(msg)
	s.pub.Broadcast(events.New(events.NewMessage, msg.ChannelID).
		WithActor(msg.SenderID, view.SenderName).
		WithData(view))

	s.log.DebugContext(ctx, "message sent",
		zap.Int64("message_id", msg.ID),
		zap.Uint("channel_id", msg.ChannelID),
		zap.Uint("sender_id", msg.SenderID))
	return view, nil
}

// SoftDelete 删除消息，仅发送者、频道 owner/admin 或全局管理员可以操作
func (s *MessageService) SoftDelete(ctx context.Context, actorID uint, messageID int64) error {
	msg, err := s.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return notFound(err, errs.ErrMessageNotFound, "failed to load message")
	}
	if msg.IsDeleted {
		return errs.ErrMessageNotFound
	}

	actor, err := s.store.Users.GetByID(ctx, actorID)
	if err != nil {
		return notFound(err, errs.ErrForbidden, "failed to load user")
	}
	if msg.SenderID != actorID && !actor.IsAdmin {
		m, err := s.store.Channels.GetMember(ctx, msg.ChannelID, actorID)
		if err != nil && !repositories.IsNotFound(err) {
			return dbError("failed to load membership", err)
		}
		if m == nil || !m.IsActive() || !m.Role.CanModerate() {
			return errs.ErrForbidden
		}
	}

	if err := s.store.Messages.MarkDeleted(ctx, msg); err != nil {
		return dbError("failed to delete message", err)
	}

	if s.cfg.BroadcastMessageDeletes {
		s.pub.Broadcast(events.New(events.MessageDeleted, msg.ChannelID).
			WithActor(actorID, actor.DisplayName()).
			WithData(map[string]any{"message_id": strconv.FormatInt(msg.ID, 10)}))
	}

	s.log.InfoContext(ctx, "message deleted", zap.Int64("message_id", messageID), zap.Uint("actor_id", actorID))
	return nil
}

// History 分页获取历史消息
// beforeID 为 0 时从最新一条开始，limit 超出范围时取默认值或上限
func (s *MessageService) History(ctx context.Context, userID, channelID uint, beforeID int64, limit int) (*HistoryPage, error) {
	ch, err := s.store.Channels.GetByID(ctx, channelID)
	if err != nil {
		return nil, notFound(err, errs.ErrChannelNotFound, "failed to load channel")
	}
	if !ch.IsActive {
		return nil, errs.ErrChannelNotFound
	}
	ok, err := s.access.authorized(ctx, s.store, ch, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrForbidden
	}

	if limit <= 0 {
		limit = s.cfg.HistoryDefaultLimit
	}
	if limit > s.cfg.HistoryMaxLimit {
		limit = s.cfg.HistoryMaxLimit
	}

	messages, err := s.store.Messages.ListBefore(ctx, channelID, beforeID, limit+1)
	if err != nil {
		return nil, dbError("failed to load history", err)
	}

	page := &HistoryPage{HasMore: len(messages) > limit}
	if page.HasMore {
		messages = messages[:limit]
	}
	page.Messages = make([]MessageView, len(messages))
	for i := range messages {
		page.Messages[len(messages)-1-i] = *toMessageView(&messages[i])
	}
	if page.HasMore {
		page.NextBeforeID = page.Messages[0].ID
	}
	return page, nil
}

// normalizeContent 去除首尾空白并校验长度与类型，类型为空时默认 text
func normalizeContent(cfg *config.ChatConfig, raw string, msgType models.MessageType) (string, models.MessageType, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", "", errs.ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > cfg.MaxMessageLength {
		return "", "", errs.ErrContentTooLong
	}
	if msgType == "" {
		msgType = models.MessageText
	}
	// system 类型只由服务端生成
	if !msgType.Valid() || msgType == models.MessageSystem {
		return "", "", errs.ErrInvalidMessageType
	}
	return content, msgType, nil
}

func toMessageView(msg *models.Message) *MessageView {
	v := &MessageView{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		MsgType:   msg.MsgType,
		ReplyToID: msg.ReplyToID,
		CreatedAt: events.FormatTime(msg.CreatedAt),
	}
	if msg.Sender != nil {
		v.SenderName = msg.Sender.DisplayName()
	}
	return v
}
