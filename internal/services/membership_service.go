package services

import (
	"context"
	"sort"
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

// MembershipService 频道成员关系服务
// 所有成员变更都在持有频道行锁的事务内完成，同一频道的变更因此串行执行
type MembershipService struct {
	store  *repositories.Store
	hasher utils.PasswordHasher
	pub    *Publisher
	cfg    config.ChatConfig
	log    *logger.Logger
}

// NewMembershipService 创建成员关系服务实例
func NewMembershipService(store *repositories.Store, hasher utils.PasswordHasher, pub *Publisher, cfg *config.ChatConfig, log *logger.Logger) *MembershipService {
	return &MembershipService{
		store:  store,
		hasher: hasher,
		pub:    pub,
		cfg:    *cfg,
		log:    log.Named("membership"),
	}
}

// MemberView 成员列表项
type MemberView struct {
	UserID      uint        `json:"user_id"`
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	Role        models.Role `json:"role"`
	JoinedAt    string      `json:"joined_at"`
	Online      bool        `json:"online"`
}

// Join 加入频道
// 实现逻辑：
// 1. 锁外读取频道，需要密码时先做 bcrypt 校验
// 2. 事务内锁定频道行，按 active/banned/invited 行、加入策略、left 行、容量的顺序判断
// 3. 提交后订阅该用户的所有连接并广播 user_joined
func (s *MembershipService) Join(ctx context.Context, channelID, userID uint, password string) (*models.ChannelMember, error) {
	ch, err := s.loadActiveChannel(ctx, s.store, channelID, false)
	if err != nil {
		return nil, err
	}
	user, err := s.store.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, notFound(err, errs.ErrUserNotFound, "failed to load user")
	}

	preDigest := ch.PasswordDigest
	preVerified := ch.RequiresPassword() && password != "" && s.hasher.Verify(preDigest, password)

	var (
		member      *models.ChannelMember
		memberCount int
	)
	err = s.store.Transaction(ctx, func(tx *repositories.Store) error {
		locked, err := s.loadActiveChannel(ctx, tx, channelID, true)
		if err != nil {
			return err
		}

		existing, err := s.getMember(ctx, tx, channelID, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			switch existing.Status {
			case models.MemberActive:
				return errs.ErrAlreadyMember
			case models.MemberBanned:
				return errs.ErrJoinNotAllowed
			case models.MemberInvited:
				member = existing
			}
		}

		if member == nil {
			if err := s.checkJoinPolicy(locked, password, preDigest, preVerified); err != nil {
				return err
			}
			switch {
			case existing != nil:
				member = existing
			case locked.IsFull():
				return errs.ErrChannelFull
			default:
				member = &models.ChannelMember{
					ChannelID: channelID,
					UserID:    userID,
					Role:      models.RoleMember,
				}
			}
		}

		if err := s.claimOwnership(ctx, tx, locked, member); err != nil {
			return err
		}
		member.Status = models.MemberActive
		if member.ID == 0 {
			err = tx.Channels.CreateMember(ctx, member)
		} else {
			err = tx.Channels.SaveMember(ctx, member)
		}
		if err != nil {
			return dbError("failed to save membership", err)
		}

		memberCount, err = s.memberCount(ctx, tx, channelID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.pub.SubscribeUser(userID, channelID)
	s.pub.Broadcast(events.New(events.UserJoined, channelID).
		WithActor(user.ID, user.DisplayName()).
		WithData(map[string]any{"member_count": memberCount, "role": member.Role}))

	s.log.InfoContext(ctx, "member joined",
		zap.Uint("channel_id", channelID),
		zap.Uint("user_id", userID),
		zap.String("role", string(member.Role)))
	return member, nil
}

// checkJoinPolicy 校验 invite_only 与密码策略
// 锁外校验时的摘要若已被重置，则在锁内对新摘要重新校验
func (s *MembershipService) checkJoinPolicy(ch *models.Channel, password, preDigest string, preVerified bool) error {
	switch ch.JoinPolicy {
	case models.JoinInviteOnly:
		return errs.ErrJoinNotAllowed
	case models.JoinPassword:
		if password == "" {
			return errs.ErrPasswordRequired
		}
		ok := preVerified
		if ch.PasswordDigest != preDigest {
			ok = s.hasher.Verify(ch.PasswordDigest, password)
		}
		if !ok {
			return errs.ErrPasswordIncorrect
		}
	}
	return nil
}

// claimOwnership 频道没有 active owner 时，由本次激活的成员接管
// 原 owner 行降为 admin，保证任何时刻最多一个 owner 行
func (s *MembershipService) claimOwnership(ctx context.Context, tx *repositories.Store, ch *models.Channel, member *models.ChannelMember) error {
	if member.Role == models.RoleOwner {
		return nil
	}
	owner, err := tx.Channels.GetOwner(ctx, ch.ID)
	if err != nil && !repositories.IsNotFound(err) {
		return dbError("failed to load owner", err)
	}
	if owner != nil {
		if owner.IsActive() {
			return nil
		}
		owner.Role = models.RoleAdmin
		if err := tx.Channels.SaveMember(ctx, owner); err != nil {
			return dbError("failed to demote previous owner", err)
		}
	}
	member.Role = models.RoleOwner
	if err := tx.Channels.Update(ctx, ch, map[string]any{"creator_id": member.UserID}); err != nil {
		return dbError("failed to update channel owner", err)
	}
	return nil
}

// Leave 离开频道
// owner 在还有其他 active 成员时必须先转让，错误中携带候选成员
func (s *MembershipService) Leave(ctx context.Context, channelID, userID uint) error {
	user, err := s.store.Users.GetByID(ctx, userID)
	if err != nil {
		return notFound(err, errs.ErrUserNotFound, "failed to load user")
	}

	var memberCount int
	err = s.store.Transaction(ctx, func(tx *repositories.Store) error {
		if _, err := s.loadActiveChannel(ctx, tx, channelID, true); err != nil {
			return err
		}
		m, err := s.getMember(ctx, tx, channelID, userID)
		if err != nil {
			return err
		}
		if m == nil || !m.IsActive() {
			return errs.ErrNotMember
		}

		if m.Role == models.RoleOwner {
			members, err := tx.Channels.ActiveMembers(ctx, channelID)
			if err != nil {
				return dbError("failed to list members", err)
			}
			candidates := make([]errs.TransferCandidate, 0, len(members))
			for _, other := range members {
				if other.UserID == userID {
					continue
				}
				c := errs.TransferCandidate{UserID: other.UserID, Role: string(other.Role)}
				if other.User != nil {
					c.Username = other.User.UserName
					c.DisplayName = other.User.DisplayName()
				}
				candidates = append(candidates, c)
			}
			if len(candidates) > 0 {
				return errs.OwnerTransferRequired(candidates)
			}
		}

		m.Status = models.MemberLeft
		if err := tx.Channels.SaveMember(ctx, m); err != nil {
			return dbError("failed to save membership", err)
		}
		memberCount, err = s.memberCount(ctx, tx, channelID)
		return err
	})
	if err != nil {
		return err
	}

	s.pub.Broadcast(events.New(events.UserLeft, channelID).
		WithActor(user.ID, user.DisplayName()).
		WithData(map[string]any{"member_count": memberCount}))
	s.pub.UnsubscribeUser(userID, channelID)

	s.log.InfoContext(ctx, "member left", zap.Uint("channel_id", channelID), zap.Uint("user_id", userID))
	return nil
}

// Remove 移除成员，目标行置为 banned
// owner 不可被移除，admin 只能由 owner 移除
func (s *MembershipService) Remove(ctx context.Context, actorID, channelID, targetID uint) error {
	users, err := s.store.Users.GetByIDs(ctx, []uint{actorID, targetID})
	if err != nil {
		return dbError("failed to load users", err)
	}

	var memberCount int
	err = s.store.Transaction(ctx, func(tx *repositories.Store) error {
		if _, err := s.loadActiveChannel(ctx, tx, channelID, true); err != nil {
			return err
		}
		actor, err := s.requireRole(ctx, tx, channelID, actorID, models.Role.CanModerate)
		if err != nil {
			return err
		}
		target, err := s.getMember(ctx, tx, channelID, targetID)
		if err != nil {
			return err
		}
		if target == nil || !target.IsActive() {
			return errs.ErrMemberNotFound
		}
		if target.Role == models.RoleOwner {
			return errs.ErrCannotRemoveOwner
		}
		if target.Role == models.RoleAdmin && actor.Role != models.RoleOwner {
			return errs.ErrCannotRemoveAdminUnlessOwner
		}

		target.Status = models.MemberBanned
		if err := tx.Channels.SaveMember(ctx, target); err != nil {
			return dbError("failed to save membership", err)
		}
		memberCount, err = s.memberCount(ctx, tx, channelID)
		return err
	})
	if err != nil {
		return err
	}

	actorName, targetName := nameOf(users, actorID), nameOf(users, targetID)
	s.pub.Broadcast(events.New(events.MemberRemoved, channelID).
		WithActor(actorID, actorName).
		WithSubject(targetID, targetName).
		WithData(map[string]any{"member_count": memberCount}))
	s.pub.UnsubscribeUser(targetID, channelID)

	s.log.InfoContext(ctx, "member removed",
		zap.Uint("channel_id", channelID),
		zap.Uint("actor_id", actorID),
		zap.Uint("target_id", targetID))
	return nil
}

// ChangeRole 修改成员角色，只有 owner 可以操作，owner 角色只能通过转让改变
func (s *MembershipService) ChangeRole(ctx context.Context, actorID, channelID, targetID uint, newRole models.Role) error {
	if newRole != models.RoleAdmin && newRole != models.RoleMember {
		return errs.ErrInvalidRole
	}
	users, err := s.store.Users.GetByIDs(ctx, []uint{actorID, targetID})
	if err != nil {
		return dbError("failed to load users", err)
	}

	var previous models.Role
	err = s.store.Transaction(ctx, func(tx *repositories.Store) error {
		if _, err := s.loadActiveChannel(ctx, tx, channelID, true); err != nil {
			return err
		}
		if _, err := s.requireRole(ctx, tx, channelID, actorID, isOwner); err != nil {
			return err
		}
		target, err := s.getMember(ctx, tx, channelID, targetID)
		if err != nil {
			return err
		}
		if target == nil || !target.IsActive() {
			return errs.ErrMemberNotFound
		}
		if target.Role == models.RoleOwner {
			return errs.ErrCannotChangeOwnerRole
		}

		previous = target.Role
		if previous == newRole {
			return nil
		}
		target.Role = newRole
		return dbError("failed to save membership", tx.Channels.SaveMember(ctx, target))
	})
	if err != nil {
		return err
	}
	if previous == newRole {
		return nil
	}

	s.pub.Broadcast(events.New(events.RoleChanged, channelID).
		WithActor(actorID, nameOf(users, actorID)).
		WithSubject(targetID, nameOf(users, targetID)).
		WithData(map[string]any{"role": newRole, "previous_role": previous}))

	s.log.InfoContext(ctx, "member role changed",
		zap.Uint("channel_id", channelID),
		zap.Uint("target_id", targetID),
		zap.String("role", string(newRole)))
	return nil
}

// TransferOwnership 转让频道
// 同一事务内：原 owner 降为 admin，新 owner 升级，并更新 channels.creator_id
func (s *MembershipService) TransferOwnership(ctx context.Context, actorID, channelID, newOwnerID uint) error {
	users, err := s.store.Users.GetByIDs(ctx, []uint{actorID, newOwnerID})
	if err != nil {
		return dbError("failed to load users", err)
	}

	err = s.store.Transaction(ctx, func(tx *repositories.Store) error {
		ch, err := s.loadActiveChannel(ctx, tx, channelID, true)
		if err != nil {
			return err
		}
		actor, err := s.requireRole(ctx, tx, channelID, actorID, isOwner)
		if err != nil {
			return err
		}
		if actorID == newOwnerID {
			return errs.ErrSelfTransfer
		}
		target, err := s.getMember(ctx, tx, channelID, newOwnerID)
		if err != nil {
			return err
		}
		if target == nil || !target.IsActive() {
			return errs.ErrTargetNotMember
		}

		actor.Role = models.RoleAdmin
		if err := tx.Channels.SaveMember(ctx, actor); err != nil {
			return dbError("failed to demote owner", err)
		}
		target.Role = models.RoleOwner
		if err := tx.Channels.SaveMember(ctx, target); err != nil {
			return dbError("failed to promote owner", err)
		}
		return dbError("failed to update channel owner",
			tx.Channels.Update(ctx, ch, map[string]any{"creator_id": newOwnerID}))
	})
	if err != nil {
		return err
	}

	s.pub.Broadcast(events.New(events.OwnershipTransferred, channelID).
		WithActor(actorID, nameOf(users, actorID)).
		WithSubject(newOwnerID, nameOf(users, newOwnerID)))

	s.log.InfoContext(ctx, "ownership transferred",
		zap.Uint("channel_id", channelID),
		zap.Uint("from", actorID),
		zap.Uint("to", newOwnerID))
	return nil
}

// ResetPassword 重置频道密码，加入策略同时切换为 password
// 哈希在加锁前计算，事务内重新确认操作者权限
func (s *MembershipService) ResetPassword(ctx context.Context, actorID, channelID uint, newPassword string) error {
	if utf8.RuneCountInString(newPassword) < s.cfg.MinPasswordLength {
		return errs.ErrPasswordTooShort
	}
	if _, err := s.loadActiveChannel(ctx, s.store, channelID, false); err != nil {
		return err
	}
	if _, err := s.requireRole(ctx, s.store, channelID, actorID, models.Role.CanModerate); err != nil {
		return err
	}

	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return errs.Internal("failed to hash password", err)
	}

	err = s.store.Transaction(ctx, func(tx *repositories.Store) error {
		ch, err := s.loadActiveChannel(ctx, tx, channelID, true)
		if err != nil {
			return err
		}
		if _, err := s.requireRole(ctx, tx, channelID, actorID, models.Role.CanModerate); err != nil {
			return err
		}
		return dbError("failed to update channel", tx.Channels.Update(ctx, ch, map[string]any{
			"password_digest": digest,
			"join_policy":     models.JoinPassword,
		}))
	})
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "channel password reset", zap.Uint("channel_id", channelID), zap.Uint("actor_id", actorID))
	return nil
}

// Invite 邀请用户加入频道，生成或更新为 invited 行
// banned 的用户只能由 owner 重新邀请
func (s *MembershipService) Invite(ctx context.Context, actorID, channelID, targetID uint) (*models.ChannelMember, error) {
	target, err := s.store.Users.GetByID(ctx, targetID)
	if err != nil {
		return nil, notFound(err, errs.ErrUserNotFound, "failed to load user")
	}
	if !target.IsActive {
		return nil, errs.ErrUserNotFound
	}
	actorUser, err := s.store.Users.GetByID(ctx, actorID)
	if err != nil {
		return nil, notFound(err, errs.ErrUserNotFound, "failed to load user")
	}

	var (
		member *models.ChannelMember
		ch     *models.Channel
	)
	err = s.store.Transaction(ctx, func(tx *repositories.Store) error {
		var err error
		ch, err = s.loadActiveChannel(ctx, tx, channelID, true)
		if err != nil {
			return err
		}
		actor, err := s.requireRole(ctx, tx, channelID, actorID, models.Role.CanModerate)
		if err != nil {
			return err
		}
		member, err = s.getMember(ctx, tx, channelID, targetID)
		if err != nil {
			return err
		}

		if member == nil {
			member = &models.ChannelMember{
				ChannelID: channelID,
				UserID:    targetID,
				Role:      models.RoleMember,
				Status:    models.MemberInvited,
				InvitedBy: &actorID,
			}
			return dbError("failed to create invitation", tx.Channels.CreateMember(ctx, member))
		}

		switch member.Status {
		case models.MemberActive:
			return errs.ErrAlreadyMember
		case models.MemberInvited:
			return nil
		case models.MemberBanned:
			if actor.Role != models.RoleOwner {
				return errs.ErrForbidden
			}
			member.Role = models.RoleMember
		}
		member.Status = models.MemberInvited
		member.InvitedBy = &actorID
		return dbError("failed to save invitation", tx.Channels.SaveMember(ctx, member))
	})
	if err != nil {
		return nil, err
	}

	s.pub.SendToUser(targetID, events.New(events.MemberInvited, channelID).
		WithActor(actorID, actorUser.DisplayName()).
		WithSubject(targetID, target.DisplayName()).
		WithData(map[string]any{"channel_name": ch.Name}))

	s.log.InfoContext(ctx, "member invited",
		zap.Uint("channel_id", channelID),
		zap.Uint("actor_id", actorID),
		zap.Uint("target_id", targetID))
	return member, nil
}

// Members 获取频道 active 成员列表，按 owner、admin、member 及加入时间排序
func (s *MembershipService) Members(ctx context.Context, userID, channelID uint) ([]MemberView, error) {
	if _, err := s.loadActiveChannel(ctx, s.store, channelID, false); err != nil {
		return nil, err
	}
	if _, err := s.IsActiveMember(ctx, userID, channelID); err != nil {
		return nil, err
	}

	members, err := s.store.Channels.ActiveMembers(ctx, channelID)
	if err != nil {
		return nil, dbError("failed to list members", err)
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Role.Less(members[j].Role)
	})

	views := make([]MemberView, 0, len(members))
	for _, m := range members {
		v := MemberView{
			UserID:   m.UserID,
			Role:     m.Role,
			JoinedAt: events.FormatTime(m.CreatedAt),
		}
		if m.User != nil {
			v.Username = m.User.UserName
			v.DisplayName = m.User.DisplayName()
			v.AvatarURL = m.User.AvatarURL
		}
		views = append(views, v)
	}
	return views, nil
}

// ActiveChannelIDs 获取用户可订阅的频道，连接建立时使用
func (s *MembershipService) ActiveChannelIDs(ctx context.Context, userID uint) ([]uint, error) {
	ids, err := s.store.Channels.ActiveChannelIDs(ctx, userID)
	if err != nil {
		return nil, dbError("failed to list channels", err)
	}
	return ids, nil
}

// IsActiveMember 返回用户在频道内的 active 成员行，否则返回 ErrNotMember
func (s *MembershipService) IsActiveMember(ctx context.Context, userID, channelID uint) (*models.ChannelMember, error) {
	m, err := s.getMember(ctx, s.store, channelID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil || !m.IsActive() {
		return nil, errs.ErrNotMember
	}
	return m, nil
}

// loadActiveChannel 读取未删除的频道，lock 为 true 时加行锁
func (s *MembershipService) loadActiveChannel(ctx context.Context, store *repositories.Store, channelID uint, lock bool) (*models.Channel, error) {
	var (
		ch  *models.Channel
		err error
	)
	if lock {
		ch, err = store.Channels.LockByID(ctx, channelID)
	} else {
		ch, err = store.Channels.GetByID(ctx, channelID)
	}
	if err != nil {
		return nil, notFound(err, errs.ErrChannelNotFound, "failed to load channel")
	}
	if !ch.IsActive {
		return nil, errs.ErrChannelNotFound
	}
	return ch, nil
}

// getMember 成员行不存在时返回 nil, nil
func (s *MembershipService) getMember(ctx context.Context, store *repositories.Store, channelID, userID uint) (*models.ChannelMember, error) {
	m, err := store.Channels.GetMember(ctx, channelID, userID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, nil
		}
		return nil, dbError("failed to load membership", err)
	}
	return m, nil
}

// requireRole 操作者必须是 active 成员且角色满足 allowed
func (s *MembershipService) requireRole(ctx context.Context, store *repositories.Store, channelID, userID uint, allowed func(models.Role) bool) (*models.ChannelMember, error) {
	m, err := s.getMember(ctx, store, channelID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil || !m.IsActive() || !allowed(m.Role) {
		return nil, errs.ErrForbidden
	}
	return m, nil
}

func (s *MembershipService) memberCount(ctx context.Context, tx *repositories.Store, channelID uint) (int, error) {
	ch, err := tx.Channels.GetByID(ctx, channelID)
	if err != nil {
		return 0, dbError("failed to reload channel", err)
	}
	return ch.MemberCount, nil
}

func isOwner(r models.Role) bool {
	return r == models.RoleOwner
}

func nameOf(users map[uint]*models.User, id uint) string {
	if u, ok := users[id]; ok {
		return u.DisplayName()
	}
	return ""
}
