package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/ChatHub/internal/models"
	"github.com/Gopher0727/ChatHub/internal/services"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
)

// OnlineChecker 查询用户是否在线，presence.Tracker 实现了该接口
type OnlineChecker interface {
	IsOnline(userID uint) bool
}

// MemberHandler 频道成员处理器
type MemberHandler struct {
	membershipService *services.MembershipService
	presence          OnlineChecker
	log               *logger.Logger
}

// NewMemberHandler 创建成员处理器实例
func NewMemberHandler(membershipService *services.MembershipService, presence OnlineChecker, log *logger.Logger) *MemberHandler {
	return &MemberHandler{
		membershipService: membershipService,
		presence:          presence,
		log:               log.Named("member_handler"),
	}
}

type joinRequest struct {
	Password string `json:"password"`
}

type targetRequest struct {
	UserID uint `json:"user_id" binding:"required"`
}

type roleRequest struct {
	Role models.Role `json:"role" binding:"required"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

// Join 加入频道，请求体可省略
func (h *MemberHandler) Join(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	var req joinRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	member, err := h.membershipService.Join(c.Request.Context(), channelID, user.ID, req.Password)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, member)
}

// Leave 离开频道
// owner 在还有其他成员时会被拒绝，错误详情里带有可转让的候选人
func (h *MemberHandler) Leave(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	if err := h.membershipService.Leave(c.Request.Context(), channelID, user.ID); err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"channel_id": channelID})
}

// ListMembers 成员列表，附带在线状态
func (h *MemberHandler) ListMembers(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	members, err := h.membershipService.Members(c.Request.Context(), user.ID, channelID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	if h.presence != nil {
		for i := range members {
			members[i].Online = h.presence.IsOnline(members[i].UserID)
		}
	}
	success(c, members)
}

// RemoveMember 移除成员，被移除者状态变为 banned
func (h *MemberHandler) RemoveMember(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	targetID, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	if err := h.membershipService.Remove(c.Request.Context(), user.ID, channelID, targetID); err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"channel_id": channelID, "user_id": targetID})
}

// ChangeRole 修改成员角色 (member/admin)
func (h *MemberHandler) ChangeRole(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	targetID, ok := uintParam(c, "user_id")
	if !ok {
		return
	}
	var req roleRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.membershipService.ChangeRole(c.Request.Context(), user.ID, channelID, targetID, req.Role); err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"user_id": targetID, "role": req.Role})
}

// TransferOwnership 转让 owner
func (h *MemberHandler) TransferOwnership(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	var req targetRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.membershipService.TransferOwnership(c.Request.Context(), user.ID, channelID, req.UserID); err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"channel_id": channelID, "owner_id": req.UserID})
}

// ResetPassword 重置频道密码，频道随之切换为密码加入
func (h *MemberHandler) ResetPassword(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	var req passwordRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.membershipService.ResetPassword(c.Request.Context(), user.ID, channelID, req.Password); err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"channel_id": channelID})
}

// Invite 邀请用户
func (h *MemberHandler) Invite(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := uintParam(c, "channel_id")
	if !ok {
		return
	}
	var req targetRequest
	if !bindJSON(c, &req) {
		return
	}
	member, err := h.membershipService.Invite(c.Request.Context(), user.ID, channelID, req.UserID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, member)
}
