package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/Gopher0727/ChatHub/internal/models"
)

// MessageRepository 消息仓储
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建消息仓储实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create 创建消息
func (r *MessageRepository) Create(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// GetByID 根据ID获取消息，包含已删除的消息
func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).Preload("Sender").First(&msg, id).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkDeleted 软删除消息
func (r *MessageRepository) MarkDeleted(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Model(msg).Update("is_deleted", true).Error
}

// ListBefore 按 ID 倒序获取频道内未删除的消息
// beforeID 为 0 时从最新一条开始
func (r *MessageRepository) ListBefore(ctx context.Context, channelID uint, beforeID int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	q := r.db.WithContext(ctx).
		Where("channel_id = ? AND is_deleted = ?", channelID, false)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	err := q.Preload("Sender").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// LatestByChannel 获取每个频道最新一条未删除的消息
func (r *MessageRepository) LatestByChannel(ctx context.Context, channelIDs []uint) (map[uint]*models.Message, error) {
	result := make(map[uint]*models.Message, len(channelIDs))
	if len(channelIDs) == 0 {
		return result, nil
	}

	latest := r.db.Model(&models.Message{}).
		Select("MAX(id)").
		Where("channel_id IN ? AND is_deleted = ?", channelIDs, false).
		Group("channel_id")

	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("id IN (?)", latest).
		Preload("Sender").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i := range messages {
		result[messages[i].ChannelID] = &messages[i]
	}
	return result, nil
}
