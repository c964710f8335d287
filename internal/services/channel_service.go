package services

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/events"
	"github.com/Gopher0727/ChatHub/internal/models"
	"github.com/Gopher0727/ChatHub/internal/repositories"
	"github.com/Gopher0727/ChatHub/internal/utils"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

const (
	maxChannelNameLength = 100
	previewLength        = 50
)

// ChannelService 频道生命周期服务
type ChannelService struct {
	store  *repositories.Store
	access *AccessPolicy
	hasher utils.PasswordHasher
	pub    *Publisher
	cfg    config.ChatConfig
	log    *logger.Logger
}

// NewChannelService 创建频道服务实例
func NewChannelService(store *repositories.Store, access *AccessPolicy, hasher utils.PasswordHasher, pub *Publisher, cfg *config.ChatConfig, log *logger.Logger) *ChannelService {
	return &ChannelService{
		store:  store,
		access: access,
		hasher: hasher,
		pub:    pub,
		cfg:    *cfg,
		log:    log.Named("channel"),
	}
}

// CreateChannelRequest 创建频道请求
type CreateChannelRequest struct {
	Name        string            `json:"name" binding:"required"`
	Description string            `json:"description"`
	Visibility  models.Visibility `json:"visibility"`
	JoinPolicy  models.JoinPolicy `json:"join_policy"`
	Password    string            `json:"password"`
	MaxMembers  int               `json:"max_members"`
}

// MessagePreview 频道列表中的最新消息摘要
type MessagePreview struct {
	ID         int64  `json:"id,string"`
	SenderID   uint   `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

// ChannelView 频道数据传输对象
type ChannelView struct {
	ID          uint              `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Visibility  models.Visibility `json:"visibility"`
	JoinPolicy  models.JoinPolicy `json:"join_policy"`
	HasPassword bool              `json:"has_password"`
	MaxMembers  int               `json:"max_members"`
	MemberCount int               `json:"member_count"`
	CreatorID   uint              `json:"creator_id"`
	IsActive    bool              `json:"is_active"`
	CreatedAt   string            `json:"created_at"`
	LastMessage *MessagePreview   `json:"last_message,omitempty"`
}

// Create 创建频道，创建者成为 owner
// 未指定加入策略但给出密码时视为 password 策略，其余策略忽略密码
func (s *ChannelService) Create(ctx context.Context, creatorID uint, req *CreateChannelRequest) (*models.Channel, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > maxChannelNameLength {
		return nil, errs.ErrInvalidChannelName
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = models.VisibilityPublic
	}
	if !visibility.Valid() {
		return nil, errs.ErrInvalidVisibility
	}

	policy := req.JoinPolicy
	if policy == "" {
		policy = models.JoinOpen
		if req.Password != "" {
			policy = models.JoinPassword
		}
	}
	if !policy.Valid() {
		return nil, errs.ErrInvalidJoinPolicy
	}

	maxMembers := req.MaxMembers
	if maxMembers == 0 {
		maxMembers = s.cfg.DefaultMaxMembers
	}
	if maxMembers < 1 {
		return nil, errs.ErrInvalidCapacity
	}

	var digest string
	if policy == models.JoinPassword {
		if utf8.RuneCountInString(req.Password) < s.cfg.MinPasswordLength {
			return nil, errs.ErrPasswordTooShort
		}
		var err error
		if digest, err = s.hasher.Hash(req.Password); err != nil {
			return nil, errs.Internal("failed to hash password", err)
		}
	}

	if _, err := s.store.Users.GetByID(ctx, creatorID); err != nil {
		return nil, notFound(err, errs.ErrUserNotFound, "failed to load user")
	}

	ch := &models.Channel{
		Name:           name,
		Description:    strings.TrimSpace(req.Description),
		Visibility:     visibility,
		JoinPolicy:     policy,
		PasswordDigest: digest,
		MaxMembers:     maxMembers,
		IsActive:       true,
		CreatorID:      creatorID,
	}
	if err := s.store.Channels.CreateWithOwner(ctx, ch); err != nil {
		return nil, dbError("failed to create channel", err)
	}

	s.pub.SubscribeUser(creatorID, ch.ID)
	s.log.InfoContext(ctx, "channel created", zap.Uint("channel_id", ch.ID), zap.Uint("creator_id", creatorID))
	return ch, nil
}

// defaultChannels 空库启动时创建的频道，第一个成为默认频道
var defaultChannels = []CreateChannelRequest{
	{Name: "general", Description: "一般讨论频道，欢迎大家在这里聊天", MaxMembers: 1000},
	{Name: "random", Description: "随意聊天的频道", MaxMembers: 500},
	{Name: "announcements", Description: "重要公告频道", MaxMembers: 1000},
}

// SeedDefaults 数据库中还没有任何频道时创建默认频道
// 创建者取管理员，没有管理员时取最早注册的用户；没有可用用户时跳过
func (s *ChannelService) SeedDefaults(ctx context.Context) (int, error) {
	n, err := s.store.Channels.Count(ctx)
	if err != nil {
		return 0, dbError("failed to count channels", err)
	}
	if n > 0 {
		return 0, nil
	}

	owner, err := s.store.Users.FirstActive(ctx)
	if err != nil {
		if repositories.IsNotFound(err) {
			s.log.WarnContext(ctx, "no user available to own default channels, skipping seed")
			return 0, nil
		}
		return 0, dbError("failed to load seed owner", err)
	}

	created := 0
	for i := range defaultChannels {
		req := defaultChannels[i]
		if _, err := s.Create(ctx, owner.ID, &req); err != nil {
			return created, err
		}
		created++
	}
	s.log.InfoContext(ctx, "default channels created", zap.Int("count", created), zap.Uint("owner_id", owner.ID))
	return created, nil
}

// Delete 软删除频道，只有创建者或全局管理员可以操作，默认频道不可删除
func (s *ChannelService) Delete(ctx context.Context, actor *UserIdentity, channelID uint) error {
	ch, err := s.store.Channels.GetByID(ctx, channelID)
	if err != nil {
		return notFound(err, errs.ErrChannelNotFound, "failed to load channel")
	}
	if !ch.IsActive {
		return errs.ErrChannelNotFound
	}
	if channelID == s.cfg.DefaultChannelID {
		return errs.ErrCannotDeleteDefault
	}
	if ch.CreatorID != actor.ID && !actor.IsAdmin {
		return errs.ErrForbidden
	}

	if err := s.store.Channels.Update(ctx, ch, map[string]any{"is_active": false}); err != nil {
		return dbError("failed to delete channel", err)
	}

	s.pub.Broadcast(events.New(events.ChannelDeleted, channelID).
		WithActor(actor.ID, actor.DisplayName).
		WithData(map[string]any{"channel_name": ch.Name}))
	s.pub.DropChannel(channelID)

	s.log.InfoContext(ctx, "channel deleted", zap.Uint("channel_id", channelID), zap.Uint("actor_id", actor.ID))
	return nil
}

// Restore 恢复已删除的频道，并重新订阅 active 成员的在线连接
func (s *ChannelService) Restore(ctx context.Context, actor *UserIdentity, channelID uint) (*models.Channel, error) {
	ch, err := s.store.Channels.GetByID(ctx, channelID)
	if err != nil {
		return nil, notFound(err, errs.ErrChannelNotFound, "failed to load channel")
	}
	if ch.CreatorID != actor.ID && !actor.IsAdmin {
		return nil, errs.ErrForbidden
	}
	if ch.IsActive {
		return nil, errs.ErrChannelNotDeleted
	}

	if err := s.store.Channels.Update(ctx, ch, map[string]any{"is_active": true}); err != nil {
		return nil, dbError("failed to restore channel", err)
	}
	ch.IsActive = true

	members, err := s.store.Channels.ActiveMembers(ctx, channelID)
	if err != nil {
		return nil, dbError("failed to list members", err)
	}
	for _, m := range members {
		s.pub.SubscribeUser(m.UserID, channelID)
	}

	s.log.InfoContext(ctx, "channel restored", zap.Uint("channel_id", channelID), zap.Uint("actor_id", actor.ID))
	return ch, nil
}

// Public 获取所有公开频道
func (s *ChannelService) Public(ctx context.Context) ([]ChannelView, error) {
	channels, err := s.store.Channels.ListPublic(ctx)
	if err != nil {
		return nil, dbError("failed to list channels", err)
	}
	return s.views(ctx, channels)
}

// Mine 获取用户以 active 身份加入的频道
func (s *ChannelService) Mine(ctx context.Context, userID uint) ([]ChannelView, error) {
	channels, err := s.store.Channels.ListByMember(ctx, userID)
	if err != nil {
		return nil, dbError("failed to list channels", err)
	}
	return s.views(ctx, channels)
}

// Deleted 获取已删除的频道，管理员可见全部，其他用户只能看到自己创建的
func (s *ChannelService) Deleted(ctx context.Context, actor *UserIdentity) ([]ChannelView, error) {
	var creator *uint
	if !actor.IsAdmin {
		creator = &actor.ID
	}
	channels, err := s.store.Channels.ListDeleted(ctx, creator)
	if err != nil {
		return nil, dbError("failed to list channels", err)
	}
	return s.views(ctx, channels)
}

// Get 获取单个频道，需要读权限
func (s *ChannelService) Get(ctx context.Context, userID, channelID uint) (*ChannelView, error) {
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

	views, err := s.views(ctx, []models.Channel{*ch})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

func (s *ChannelService) views(ctx context.Context, channels []models.Channel) ([]ChannelView, error) {
	ids := make([]uint, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	latest, err := s.store.Messages.LatestByChannel(ctx, ids)
	if err != nil {
		return nil, dbError("failed to load latest messages", err)
	}

	views := make([]ChannelView, 0, len(channels))
	for i := range channels {
		ch := &channels[i]
		v := ChannelView{
			ID:          ch.ID,
			Name:        ch.Name,
			Description: ch.Description,
			Visibility:  ch.Visibility,
			JoinPolicy:  ch.JoinPolicy,
			HasPassword: ch.RequiresPassword(),
			MaxMembers:  ch.MaxMembers,
			MemberCount: ch.MemberCount,
			CreatorID:   ch.CreatorID,
			IsActive:    ch.IsActive,
			CreatedAt:   events.FormatTime(ch.CreatedAt),
		}
		if msg, ok := latest[ch.ID]; ok {
			v.LastMessage = previewOf(msg)
		}
		views = append(views, v)
	}
	return views, nil
}

func previewOf(msg *models.Message) *MessagePreview {
	p := &MessagePreview{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Content:   truncate(msg.Content, previewLength),
		CreatedAt: events.FormatTime(msg.CreatedAt),
	}
	if msg.Sender != nil {
		p.SenderName = msg.Sender.DisplayName()
	}
	return p
}

// truncate 按字符截断，超出部分以省略号代替
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
