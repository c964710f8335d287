package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/Gopher0727/ChatHub/internal/models"
)

// DirectMessageRepository 私信仓储
type DirectMessageRepository struct {
	db *gorm.DB
}

// NewDirectMessageRepository 创建私信仓储实例
func NewDirectMessageRepository(db *gorm.DB) *DirectMessageRepository {
	return &DirectMessageRepository{db: db}
}

// Create 创建私信
func (r *DirectMessageRepository) Create(ctx context.Context, msg *models.DirectMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// GetByID 根据 ID 获取私信
func (r *DirectMessageRepository) GetByID(ctx context.Context, id int64) (*models.DirectMessage, error) {
	var msg models.DirectMessage
	if err := r.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// visibleTo 限定为 userID 未删除的私信
func visibleTo(q *gorm.DB, userID uint) *gorm.DB {
	return q.Where(
		"(sender_id = ? AND deleted_by_sender = ?) OR (receiver_id = ? AND deleted_by_receiver = ?)",
		userID, false, userID, false,
	)
}

// ListBetween 按 ID 倒序获取 userID 与 peerID 之间 userID 可见的私信
// beforeID 为 0 时从最新一条开始
func (r *DirectMessageRepository) ListBetween(ctx context.Context, userID, peerID uint, beforeID int64, limit int) ([]models.DirectMessage, error) {
	var messages []models.DirectMessage
	q := r.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userID, peerID, peerID, userID)
	q = visibleTo(q, userID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	err := q.Order("id DESC").Limit(limit).Find(&messages).Error
	return messages, err
}

// MarkConversationRead 把 peerID 发给 userID 的未读私信标记为已读，返回更新条数
func (r *DirectMessageRepository) MarkConversationRead(ctx context.Context, userID, peerID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.DirectMessage{}).
		Where("sender_id = ? AND receiver_id = ? AND is_read = ?", peerID, userID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// MarkRead 标记单条私信为已读
func (r *DirectMessageRepository) MarkRead(ctx context.Context, msg *models.DirectMessage) error {
	return r.db.WithContext(ctx).Model(msg).Update("is_read", true).Error
}

// DeleteFor 为 userID 一侧软删除私信
func (r *DirectMessageRepository) DeleteFor(ctx context.Context, msg *models.DirectMessage, userID uint) error {
	column := "deleted_by_receiver"
	if msg.SenderID == userID {
		column = "deleted_by_sender"
	}
	return r.db.WithContext(ctx).Model(msg).Update(column, true).Error
}

// LatestPerPeer 获取 userID 每个会话中可见的最新一条私信，按 ID 倒序
func (r *DirectMessageRepository) LatestPerPeer(ctx context.Context, userID uint) ([]models.DirectMessage, error) {
	var messages []models.DirectMessage
	q := r.db.WithContext(ctx).Where("sender_id = ? OR receiver_id = ?", userID, userID)
	if err := visibleTo(q, userID).Order("id DESC").Find(&messages).Error; err != nil {
		return nil, err
	}

	seen := make(map[uint]struct{})
	latest := make([]models.DirectMessage, 0)
	for i := range messages {
		peer := messages[i].Peer(userID)
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		latest = append(latest, messages[i])
	}
	return latest, nil
}

// UnreadCounts 统计每个发送者发给 userID 且未读、未被 userID 删除的私信数
func (r *DirectMessageRepository) UnreadCounts(ctx context.Context, userID uint) (map[uint]int, error) {
	var rows []struct {
		SenderID uint
		Count    int
	}
	err := r.db.WithContext(ctx).Model(&models.DirectMessage{}).
		Select("sender_id, COUNT(*) AS count").
		Where("receiver_id = ? AND is_read = ? AND deleted_by_receiver = ?", userID, false, false).
		Group("sender_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[uint]int, len(rows))
	for _, row := range rows {
		counts[row.SenderID] = row.Count
	}
	return counts, nil
}
