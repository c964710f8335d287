package models

import "time"

// User 用户模型，注册流程不在本服务内，行由外部写入
type User struct {
	ID uint `gorm:"primaryKey" json:"id"`

	UserName     string `gorm:"column:username;uniqueIndex;not null" json:"username"`
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`
	Nickname     string `json:"nickname"`
	AvatarURL    string `json:"avatar_url"`
	IsAdmin      bool   `gorm:"not null;default:false" json:"is_admin"`
	IsActive     bool   `gorm:"not null;default:true" json:"is_active"`

	Profile *UserProfile `gorm:"foreignKey:UserID" json:"profile,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// DisplayName 优先使用昵称
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.UserName
}

// UserProfile 在线状态，只在上线/下线翻转时写入
type UserProfile struct {
	ID       uint       `gorm:"primaryKey" json:"-"`
	UserID   uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	IsOnline bool       `gorm:"not null;default:false" json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (UserProfile) TableName() string {
	return "user_profiles"
}
