package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatHub/internal/middlewares"
	"github.com/Gopher0727/ChatHub/internal/services"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

// success 统一的成功响应
func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

// fail 按错误类别映射 HTTP 状态码，内部错误只记录日志不外泄原因
func fail(c *gin.Context, log *logger.Logger, err error) {
	e := errs.From(err)
	if e.Kind == errs.KindInternal {
		log.ErrorContext(c.Request.Context(), "request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(errs.HTTPStatus(e), gin.H{"error": e})
}

// bindJSON 解析请求体，失败时直接写入 400
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": errs.ErrInvalidRequest.WithDetails(gin.H{"reason": err.Error()}),
		})
		return false
	}
	return true
}

// uintParam 读取路径参数中的 ID
func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": errs.ErrInvalidRequest.WithDetails(gin.H{"param": name}),
		})
		return 0, false
	}
	return uint(v), true
}

// currentUser 读取认证中间件写入的身份
func currentUser(c *gin.Context) (*services.UserIdentity, bool) {
	identity := middlewares.CurrentUser(c)
	if identity == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errs.ErrUnauthenticated})
		return nil, false
	}
	return identity, true
}
