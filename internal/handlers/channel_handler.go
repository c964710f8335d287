package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/ChatHub/internal/services"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
)

// ChannelHandler 频道处理器
type ChannelHandler struct {
	channelService *services.ChannelService
	log            *logger.Logger
}

// NewChannelHandler 创建频道处理器实例
func NewChannelHandler(channelService *services.ChannelService, log *logger.Logger) *ChannelHandler {
	return &ChannelHandler{
		channelService: channelService,
		log:            log.Named("channel_handler"),
	}
}

// CreateChannel 创建频道，创建者成为 owner
func (h *ChannelHandler) CreateChannel(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var req services.CreateChannelRequest
	if !bindJSON(c, &req) {
		return
	}

	channel, err := h.channelService.Create(c.Request.Context(), user.ID, &req)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, channel)
}

// ListPublic 公开频道列表
func (h *ChannelHandler) ListPublic(c *gin.Context) {
	views, err := h.channelService.Public(c.Request.Context())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, views)
}

// ListMine 我加入的频道
func (h *ChannelHandler) ListMine(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	views, err := h.channelService.Mine(c.Request.Context(), user.ID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, views)
}

// ListDeleted 已删除的频道，管理员可见全部，其他人只能看到自己创建的
func (h *ChannelHandler) ListDeleted(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	views, err := h.channelService.Deleted(c.Request.Context(), user)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, views)
}

// GetChannel 频道详情
func (h *ChannelHandler) GetChannel(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	view, err := h.channelService.Get(c.Request.Context(), user.ID, channelID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, view)
}

// DeleteChannel 软删除频道
func (h *ChannelHandler) DeleteChannel(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	if err := h.channelService.Delete(c.Request.Context(), user, channelID); err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"channel_id": channelID})
}

// RestoreChannel 恢复已删除的频道
func (h *ChannelHandler) RestoreChannel(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	channel, err := h.channelService.Restore(c.Request.Context(), user, channelID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, channel)
}
