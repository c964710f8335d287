package handlers

import (
	"github.com/gin-gonic/gin"
)

// OnlineLister 在线用户列表
type OnlineLister interface {
	OnlineUsers() []uint
}

// PresenceHandler 在线状态处理器
type PresenceHandler struct {
	presence OnlineLister
}

// NewPresenceHandler 创建在线状态处理器实例
func NewPresenceHandler(presence OnlineLister) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// Online 当前在线的用户 ID，升序
func (h *PresenceHandler) Online(c *gin.Context) {
	success(c, gin.H{"user_ids": h.presence.OnlineUsers()})
}
