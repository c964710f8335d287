package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/ChatHub/internal/services"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
)

// MessageHandler 消息处理器
type MessageHandler struct {
	messageService *services.MessageService
	log            *logger.Logger
}

// NewMessageHandler 创建消息处理器实例
func NewMessageHandler(messageService *services.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: messageService,
		log:            log.Named("message_handler"),
	}
}

// SendMessage 发送消息，频道 ID 取自路径
func (h *MessageHandler) SendMessage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	var req services.SendMessageRequest
	req.ChannelID = channelID
	if !bindJSON(c, &req) {
		return
	}
	req.UserID = user.ID
	req.ChannelID = channelID

	view, err := h.messageService.Send(c.Request.Context(), &req)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, view)
}

// GetMessages 历史消息，before_id 为空时从最新开始
func (h *MessageHandler) GetMessages(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}

	beforeID, limit, ok := pageQuery(c, h.log)
	if !ok {
		return
	}

	page, err := h.messageService.History(c.Request.Context(), user.ID, channelID, beforeID, limit)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, page)
}

// DeleteMessage 软删除消息
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := int64Param(c, h.log, "message_id")
	if !ok {
		return
	}
	if err := h.messageService.SoftDelete(c.Request.Context(), user.ID, messageID); err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"message_id": strconv.FormatInt(messageID, 10)})
}
