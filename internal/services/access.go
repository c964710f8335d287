package services

import (
	"context"
	"errors"

	"github.com/Gopher0727/ChatHub/internal/models"
	"github.com/Gopher0727/ChatHub/internal/repositories"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

// AccessPolicy 频道读权限判断，ws.Hub 在订阅前调用
type AccessPolicy struct {
	store *repositories.Store
}

// NewAccessPolicy 创建读权限判断
func NewAccessPolicy(store *repositories.Store) *AccessPolicy {
	return &AccessPolicy{store: store}
}

// IsAuthorized 频道存在且未删除，并且是公开频道或用户是 active 成员
func (p *AccessPolicy) IsAuthorized(ctx context.Context, userID, channelID uint) (bool, error) {
	ch, err := p.store.Channels.GetByID(ctx, channelID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return false, nil
		}
		return false, errs.Internal("failed to load channel", err)
	}
	return p.authorized(ctx, p.store, ch, userID)
}

func (p *AccessPolicy) authorized(ctx context.Context, store *repositories.Store, ch *models.Channel, userID uint) (bool, error) {
	if !ch.IsActive {
		return false, nil
	}
	if ch.Visibility == models.VisibilityPublic {
		return true, nil
	}
	m, err := store.Channels.GetMember(ctx, ch.ID, userID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return false, nil
		}
		return false, errs.Internal("failed to load membership", err)
	}
	return m.IsActive(), nil
}

// dbError 保留业务错误，其余包装为 Internal
func dbError(msg string, err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Internal(msg, err)
}

// notFound 记录不存在时返回 sentinel，否则包装为 Internal
func notFound(err error, sentinel *errs.Error, msg string) error {
	if repositories.IsNotFound(err) {
		return sentinel
	}
	return dbError(msg, err)
}
