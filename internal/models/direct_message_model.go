package models

import "time"

// DirectMessage 私信模型，双方各自软删除，互不影响
type DirectMessage struct {
	ID                int64       `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	SenderID          uint        `gorm:"not null;index:idx_dm_pair,priority:1" json:"sender_id"`
	ReceiverID        uint        `gorm:"not null;index:idx_dm_pair,priority:2;index" json:"receiver_id"`
	Content           string      `gorm:"type:text;not null" json:"content"`
	MsgType           MessageType `gorm:"type:varchar(16);not null" json:"msg_type"`
	IsRead            bool        `gorm:"not null;default:false" json:"is_read"`
	DeletedBySender   bool        `gorm:"not null;default:false" json:"-"`
	DeletedByReceiver bool        `gorm:"not null;default:false" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DirectMessage) TableName() string {
	return "direct_messages"
}

// Peer 返回 userID 在这条私信中的对方
func (m *DirectMessage) Peer(userID uint) uint {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// VisibleTo 报告 userID 是否还能看到这条私信
func (m *DirectMessage) VisibleTo(userID uint) bool {
	switch userID {
	case m.SenderID:
		return !m.DeletedBySender
	case m.ReceiverID:
		return !m.DeletedByReceiver
	default:
		return false
	}
}
