package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/ChatHub/internal/services"
	"github.com/Gopher0727/ChatHub/middleware/jwt"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

// AuthHandler 认证处理器
// 账号注册与登录由外部系统负责，这里只提供令牌续期和身份查询
type AuthHandler struct {
	authService *services.AuthService
	log         *logger.Logger
}

// NewAuthHandler 创建认证处理器实例
func NewAuthHandler(authService *services.AuthService, log *logger.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		log:         log.Named("auth_handler"),
	}
}

// Refresh 在刷新窗口内换发令牌
func (h *AuthHandler) Refresh(c *gin.Context) {
	token := jwt.FromRequest(c.Request)
	if token == "" {
		fail(c, h.log, errs.ErrUnauthenticated)
		return
	}
	fresh, err := h.authService.Refresh(token)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	success(c, gin.H{"token": fresh})
}

// Me 当前用户身份
func (h *AuthHandler) Me(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	success(c, user)
}
