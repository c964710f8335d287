package repositories

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/ChatHub/internal/models"
)

type ChannelRepository struct {
	db *gorm.DB
}

func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// CreateWithOwner 创建频道并将创建者添加为 owner
// 实现逻辑：开启事务，创建频道记录，再插入 owner 成员行，member_count 由成员 hook 回写
func (r *ChannelRepository) CreateWithOwner(ctx context.Context, ch *models.Channel) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ch).Error; err != nil {
			return err
		}
		owner := models.ChannelMember{
			ChannelID: ch.ID,
			UserID:    ch.CreatorID,
			Role:      models.RoleOwner,
			Status:    models.MemberActive,
		}
		if err := tx.Create(&owner).Error; err != nil {
			return err
		}
		return tx.First(ch, ch.ID).Error
	})
}

// GetByID 根据 ID 获取频道 (包含已软删除的频道)
func (r *ChannelRepository) GetByID(ctx context.Context, id uint) (*models.Channel, error) {
	var ch models.Channel
	if err := r.db.WithContext(ctx).First(&ch, id).Error; err != nil {
		return nil, err
	}
	return &ch, nil
}

// LockByID 读取频道并加行锁 (SELECT ... FOR UPDATE)，需在事务内调用
// 同一频道的成员变更因此串行执行
func (r *ChannelRepository) LockByID(ctx context.Context, id uint) (*models.Channel, error) {
	var ch models.Channel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&ch, id).Error
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// Update 更新频道的部分字段
func (r *ChannelRepository) Update(ctx context.Context, ch *models.Channel, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(ch).Updates(fields).Error
}

// Count 频道总数，包括已删除的
func (r *ChannelRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Channel{}).Count(&n).Error
	return n, err
}

// ListPublic 获取所有未删除的公开频道
func (r *ChannelRepository) ListPublic(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	err := r.db.WithContext(ctx).
		Where("visibility = ? AND is_active = ?", models.VisibilityPublic, true).
		Order("id ASC").
		Find(&channels).Error
	return channels, err
}

// ListByMember 获取用户以 active 身份加入的频道
func (r *ChannelRepository) ListByMember(ctx context.Context, userID uint) ([]models.Channel, error) {
	var channels []models.Channel
	err := r.db.WithContext(ctx).
		Joins("JOIN channel_members ON channel_members.channel_id = channels.id").
		Where("channel_members.user_id = ? AND channel_members.status = ? AND channels.is_active = ?",
			userID, models.MemberActive, true).
		Order("channels.id ASC").
		Find(&channels).Error
	return channels, err
}

// ListDeleted 获取已软删除的频道，creatorID 为 nil 时返回全部
func (r *ChannelRepository) ListDeleted(ctx context.Context, creatorID *uint) ([]models.Channel, error) {
	var channels []models.Channel
	q := r.db.WithContext(ctx).Where("is_active = ?", false)
	if creatorID != nil {
		q = q.Where("creator_id = ?", *creatorID)
	}
	err := q.Order("updated_at DESC").Find(&channels).Error
	return channels, err
}

// ActiveChannelIDs 获取用户所有可订阅的频道 ID
func (r *ChannelRepository) ActiveChannelIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.ChannelMember{}).
		Joins("JOIN channels ON channels.id = channel_members.channel_id").
		Where("channel_members.user_id = ? AND channel_members.status = ? AND channels.is_active = ?",
			userID, models.MemberActive, true).
		Order("channel_members.channel_id ASC").
		Pluck("channel_members.channel_id", &ids).Error
	return ids, err
}

// GetMember 获取成员行，不区分状态
func (r *ChannelRepository) GetMember(ctx context.Context, channelID, userID uint) (*models.ChannelMember, error) {
	var m models.ChannelMember
	err := r.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMember 插入成员行
func (r *ChannelRepository) CreateMember(ctx context.Context, m *models.ChannelMember) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// SaveMember 保存成员行，触发 member_count 重算
func (r *ChannelRepository) SaveMember(ctx context.Context, m *models.ChannelMember) error {
	return r.db.WithContext(ctx).Save(m).Error
}

// ActiveMembers 获取频道所有 active 成员，并预加载用户信息
func (r *ChannelRepository) ActiveMembers(ctx context.Context, channelID uint) ([]models.ChannelMember, error) {
	var members []models.ChannelMember
	err := r.db.WithContext(ctx).
		Where("channel_id = ? AND status = ?", channelID, models.MemberActive).
		Preload("User").
		Order("created_at ASC, id ASC").
		Find(&members).Error
	return members, err
}

// GetOwner 获取 role 为 owner 的成员行，不区分状态
// 每个频道最多一行 owner，转让时在同一事务内互换角色
func (r *ChannelRepository) GetOwner(ctx context.Context, channelID uint) (*models.ChannelMember, error) {
	var m models.ChannelMember
	err := r.db.WithContext(ctx).
		Where("channel_id = ? AND role = ?", channelID, models.RoleOwner).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}
