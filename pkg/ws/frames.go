package ws

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Inbound frame types.
const (
	FrameSendMessage   = "send_message"
	FrameDeleteMessage = "delete_message"
	FrameTyping        = "typing"
	FrameJoinChannel   = "join_channel"
	FrameLeaveChannel  = "leave_channel"
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FrameHistory       = "history"
	FrameOnlineUsers   = "online_users"
	FramePing          = "ping"
)

// Frame is the envelope of every inbound message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MessageID accepts message ids as JSON numbers or strings. Ids are sent
// as strings since they exceed the exact integer range of JavaScript.
type MessageID int64

func (id *MessageID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*id = MessageID(v)
	return nil
}

type channelData struct {
	ChannelID uint `json:"channel_id"`
}

type sendMessageData struct {
	ChannelID uint      `json:"channel_id"`
	Content   string    `json:"content"`
	MsgType   string    `json:"msg_type"`
	ReplyToID MessageID `json:"reply_to_id"`
}

type deleteMessageData struct {
	MessageID MessageID `json:"message_id"`
}

type typingData struct {
	ChannelID uint `json:"channel_id"`
	IsTyping  bool `json:"is_typing"`
}

type joinChannelData struct {
	ChannelID uint   `json:"channel_id"`
	Password  string `json:"password"`
}

type historyData struct {
	ChannelID uint      `json:"channel_id"`
	BeforeID  MessageID `json:"before_id"`
	Limit     int       `json:"limit"`
}
