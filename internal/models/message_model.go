package models

import "time"

// Message 消息模型，ID 由 snowflake 生成，按时间递增
type Message struct {
	ID        int64       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ChannelID uint        `gorm:"not null;index:idx_channel_msg,priority:1" json:"channel_id"`
	SenderID  uint        `gorm:"not null;index" json:"sender_id"`
	Content   string      `gorm:"type:text;not null" json:"content"`
	MsgType   MessageType `gorm:"type:varchar(16);not null" json:"msg_type"`
	ReplyToID *int64      `json:"reply_to_id,omitempty"`
	IsDeleted bool        `gorm:"not null;default:false;index" json:"is_deleted"`

	Sender *User `gorm:"foreignKey:SenderID" json:"-"`

	CreatedAt time.Time `gorm:"index:idx_channel_msg,priority:2" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}
