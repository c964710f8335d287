package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Store 聚合所有仓储，提供跨仓储的事务
type Store struct {
	db *gorm.DB

	Channels *ChannelRepository
	Messages *MessageRepository
	Directs  *DirectMessageRepository
	Users    *UserRepository
}

// NewStore 创建仓储集合
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:       db,
		Channels: NewChannelRepository(db),
		Messages: NewMessageRepository(db),
		Directs:  NewDirectMessageRepository(db),
		Users:    NewUserRepository(db),
	}
}

// Transaction 在一个数据库事务中执行 fn，fn 返回错误时回滚
// fn 内只能使用传入的 tx，使用外层 Store 会占用另一个连接
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}

// IsNotFound 判断是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
