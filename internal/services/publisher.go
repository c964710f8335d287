package services

import (
	"github.com/Gopher0727/ChatHub/internal/events"
)

// Notifier 实时推送的出口，由 ws.Hub 实现
type Notifier interface {
	Broadcast(channelID uint, ev *events.Event)
	SendToUser(userID uint, ev *events.Event)
	SubscribeUser(userID, channelID uint)
	UnsubscribeUser(userID, channelID uint)
	DropChannel(channelID uint)
}

// Journal 已提交事件的旁路记录，由 kafka.Journal 实现
type Journal interface {
	Record(ev *events.Event)
}

// Publisher 在事务提交之后把事件推送给在线会话并写入 journal
type Publisher struct {
	notifier Notifier
	journal  Journal
}

// NewPublisher notifier 与 journal 都可以为 nil
func NewPublisher(notifier Notifier, journal Journal) *Publisher {
	return &Publisher{notifier: notifier, journal: journal}
}

// Broadcast 推送给频道的所有订阅者
func (p *Publisher) Broadcast(ev *events.Event) {
	if p == nil {
		return
	}
	if p.notifier != nil {
		p.notifier.Broadcast(ev.ChannelID, ev)
	}
	p.record(ev)
}

// SendToUser 推送给某个用户的所有连接
func (p *Publisher) SendToUser(userID uint, ev *events.Event) {
	if p == nil {
		return
	}
	if p.notifier != nil {
		p.notifier.SendToUser(userID, ev)
	}
	p.record(ev)
}

// SendToUsers 推送给多个用户的所有连接，journal 只记录一次
func (p *Publisher) SendToUsers(ev *events.Event, userIDs ...uint) {
	if p == nil {
		return
	}
	if p.notifier != nil {
		for _, id := range userIDs {
			p.notifier.SendToUser(id, ev)
		}
	}
	p.record(ev)
}

func (p *Publisher) SubscribeUser(userID, channelID uint) {
	if p != nil && p.notifier != nil {
		p.notifier.SubscribeUser(userID, channelID)
	}
}

func (p *Publisher) UnsubscribeUser(userID, channelID uint) {
	if p != nil && p.notifier != nil {
		p.notifier.UnsubscribeUser(userID, channelID)
	}
}

func (p *Publisher) DropChannel(channelID uint) {
	if p != nil && p.notifier != nil {
		p.notifier.DropChannel(channelID)
	}
}

func (p *Publisher) record(ev *events.Event) {
	if p.journal != nil {
		p.journal.Record(ev)
	}
}
