package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/ChatHub/internal/services"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

// DirectHandler 私信处理器
type DirectHandler struct {
	directService *services.DirectMessageService
	log           *logger.Logger
}

// NewDirectHandler 创建私信处理器实例
func NewDirectHandler(directService *services.DirectMessageService, log *logger.Logger) *DirectHandler {
	return &DirectHandler{
		directService: directService,
		log:           log.Named("direct_handler"),
	}
}

// Send 给路径中的用户发送私信
func (h *DirectHandler) Send(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	peerID, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	var req services.SendDirectRequest
	if !bindJSON(c, &req) {
		return
	}
	req.SenderID = user.ID
	req.ReceiverID = peerID

	view, err := h.directService.Send(c.Request.Context(), &req)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, view)
}

// History 与某个用户的私信记录，读取后对方发来的私信标记为已读
func (h *DirectHandler) History(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	peerID, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	beforeID, limit, ok := pageQuery(c, h.log)
	if !ok {
		return
	}

	page, err := h.directService.History(c.Request.Context(), user.ID, peerID, beforeID, limit)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, page)
}

// Conversations 会话列表
func (h *DirectHandler) Conversations(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	list, err := h.directService.Conversations(c.Request.Context(), user.ID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, list)
}

// Delete 只对自己隐藏私信
func (h *DirectHandler) Delete(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := int64Param(c, h.log, "message_id")
	if !ok {
		return
	}
	if err := h.directService.Delete(c.Request.Context(), user.ID, messageID); err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"message_id": strconv.FormatInt(messageID, 10)})
}

// MarkRead 标记单条私信已读
func (h *DirectHandler) MarkRead(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := int64Param(c, h.log, "message_id")
	if !ok {
		return
	}
	if err := h.directService.MarkRead(c.Request.Context(), user.ID, messageID); err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"message_id": strconv.FormatInt(messageID, 10)})
}

// int64Param 读取路径中的 snowflake ID
func int64Param(c *gin.Context, log *logger.Logger, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		fail(c, log, errs.ErrInvalidRequest.WithDetails(gin.H{"param": name}))
		return 0, false
	}
	return id, true
}

// pageQuery 读取 before_id 与 limit 分页参数
func pageQuery(c *gin.Context, log *logger.Logger) (int64, int, bool) {
	var beforeID int64
	if v := c.Query("before_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail(c, log, errs.ErrInvalidRequest.WithDetails(gin.H{"param": "before_id"}))
			return 0, 0, false
		}
		beforeID = id
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail(c, log, errs.ErrInvalidRequest.WithDetails(gin.H{"param": "limit"}))
			return 0, 0, false
		}
		limit = n
	}
	return beforeID, limit, true
}
