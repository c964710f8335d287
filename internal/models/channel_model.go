package models

import "time"

// Channel 频道模型
type Channel struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Name           string     `gorm:"size:100;not null" json:"name"`
	Description    string     `gorm:"size:500" json:"description"`
	Visibility     Visibility `gorm:"type:varchar(16);not null;index" json:"visibility"`
	JoinPolicy     JoinPolicy `gorm:"type:varchar(16);not null" json:"join_policy"`
	PasswordDigest string     `gorm:"size:255" json:"-"`
	MaxMembers     int        `gorm:"not null;default:100" json:"max_members"`
	MemberCount    int        `gorm:"not null;default:0" json:"member_count"` // 由 ChannelMember 的 hook 维护
	IsActive       bool       `gorm:"not null;default:true;index" json:"is_active"`
	CreatorID      uint       `gorm:"not null;index" json:"creator_id"`

	Creator *User `gorm:"foreignKey:CreatorID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Channel) TableName() string {
	return "channels"
}

// RequiresPassword 是否需要密码才能加入
func (c *Channel) RequiresPassword() bool {
	return c.JoinPolicy == JoinPassword
}

// IsFull 成员数是否已达上限
func (c *Channel) IsFull() bool {
	return c.MemberCount >= c.MaxMembers
}
