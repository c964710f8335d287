package models

import (
	"time"

	"gorm.io/gorm"
)

// ChannelMember 频道成员模型
// (channel_id, user_id) 最多一行，离开/被移除只改 status，不做物理删除
type ChannelMember struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	ChannelID uint         `gorm:"not null;uniqueIndex:idx_channel_user" json:"channel_id"`
	UserID    uint         `gorm:"not null;uniqueIndex:idx_channel_user;index" json:"user_id"`
	Role      Role         `gorm:"type:varchar(16);not null" json:"role"`
	Status    MemberStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	InvitedBy *uint        `json:"invited_by,omitempty"`

	Channel *Channel `gorm:"foreignKey:ChannelID" json:"-"`
	User    *User    `gorm:"foreignKey:UserID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ChannelMember) TableName() string {
	return "channel_members"
}

func (m *ChannelMember) IsActive() bool {
	return m.Status == MemberActive
}

// AfterSave 在同一事务内重新统计频道的活跃成员数
func (m *ChannelMember) AfterSave(tx *gorm.DB) error {
	return RecountMembers(tx, m.ChannelID)
}

// RecountMembers 将 channels.member_count 设置为活跃成员行数
func RecountMembers(tx *gorm.DB, channelID uint) error {
	db := tx.Session(&gorm.Session{NewDB: true})

	var count int64
	if err := db.Model(&ChannelMember{}).
		Where("channel_id = ? AND status = ?", channelID, MemberActive).
		Count(&count).Error; err != nil {
		return err
	}
	return db.Model(&Channel{}).
		Where("id = ?", channelID).
		UpdateColumn("member_count", count).Error
}
