package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/ChatHub/internal/services"
	"github.com/Gopher0727/ChatHub/middleware/jwt"
	"github.com/Gopher0727/ChatHub/pkg/errs"
)

// identityKey 认证后的身份在 gin.Context 中的键
const identityKey = "identity"

// Auth JWT 认证中间件
// token 优先从 Authorization: Bearer 读取，其次从 query 参数 token 读取
// 凭证无效返回 401，账号停用返回 403
func Auth(verifier services.AuthVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := verifier.Verify(c.Request.Context(), jwt.FromRequest(c.Request))
		if err != nil {
			e := errs.From(err)
			c.AbortWithStatusJSON(errs.HTTPStatus(e), gin.H{"error": e})
			return
		}
		if !identity.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errs.ErrUserInactive})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// CurrentUser 取出 Auth 写入的身份，未经过 Auth 的路由返回 nil
func CurrentUser(c *gin.Context) *services.UserIdentity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, _ := v.(*services.UserIdentity)
	return identity
}
