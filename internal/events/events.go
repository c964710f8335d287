// Package events defines the notifications fanned out to live sessions.
package events

import (
	"encoding/json"
	"time"
)

type Type string

const (
	UserJoined           Type = "user_joined"
	UserLeft             Type = "user_left"
	NewMessage           Type = "new_message"
	MessageDeleted       Type = "message_deleted"
	UserTyping           Type = "user_typing"
	RoleChanged          Type = "role_changed"
	OwnershipTransferred Type = "ownership_transferred"
	MemberRemoved        Type = "member_removed"
	MemberInvited        Type = "member_invited"
	ChannelDeleted       Type = "channel_deleted"
	DirectMessage        Type = "direct_message"
	DirectMessageRead    Type = "direct_message_read"
	UserOnline           Type = "user_online"
	UserOffline          Type = "user_offline"
	Ack                  Type = "ack"
	Error                Type = "error"
	Pong                 Type = "pong"
)

// TimeLayout is the wire format of Event.Timestamp, always UTC.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Event is the envelope every outbound frame is encoded as.
type Event struct {
	Type        Type   `json:"type"`
	ChannelID   uint   `json:"channel_id,omitempty"`
	ActorID     uint   `json:"actor_id,omitempty"`
	ActorName   string `json:"actor_name,omitempty"`
	SubjectID   uint   `json:"subject_id,omitempty"`
	SubjectName string `json:"subject_name,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Timestamp   string `json:"timestamp"`
	Data        any    `json:"data,omitempty"`
}

// New stamps an event of type t with the current UTC time.
func New(t Type, channelID uint) *Event {
	return &Event{Type: t, ChannelID: channelID, Timestamp: FormatTime(time.Now())}
}

func (e *Event) WithActor(id uint, name string) *Event {
	e.ActorID = id
	e.ActorName = name
	return e
}

func (e *Event) WithSubject(id uint, name string) *Event {
	e.SubjectID = id
	e.SubjectName = name
	return e
}

func (e *Event) WithData(data any) *Event {
	e.Data = data
	return e
}

func (e *Event) WithRequestID(id string) *Event {
	e.RequestID = id
	return e
}

// Encode marshals the event once so fan-out can share the bytes.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
