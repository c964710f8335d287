package routers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/handlers"
	"github.com/Gopher0727/ChatHub/internal/middlewares"
	"github.com/Gopher0727/ChatHub/internal/services"
	"github.com/Gopher0727/ChatHub/internal/utils"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/ws"
)

// Handlers 路由需要的全部处理器
type Handlers struct {
	Auth     *handlers.AuthHandler
	Channel  *handlers.ChannelHandler
	Member   *handlers.MemberHandler
	Message  *handlers.MessageHandler
	Presence *handlers.PresenceHandler
	Direct   *handlers.DirectHandler
}

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, cfg *config.Config, log *logger.Logger,
	verifier services.AuthVerifier,
	h *Handlers,
	gateway *ws.Gateway,
	pool *utils.WorkerPool, // 为 nil 时同步处理
) {
	r.Use(logger.GinMiddleware(log), logger.Recovery(log))

	corsConfig := cors.DefaultConfig()
	if len(cfg.Websocket.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Websocket.AllowedOrigins
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", logger.TraceHeader}
	corsConfig.ExposeHeaders = []string{logger.TraceHeader}
	r.Use(cors.New(corsConfig))

	// WebSocket 路由自己做认证，并且不能进入 Worker Pool
	r.GET("/ws", gateway.ServeWs)

	// 健康检查，附带当前 WebSocket 连接数
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": gateway.Hub.ConnectionCount(),
		})
	})

	api := r.Group("/api/v1")
	api.Use(middlewares.Async(pool))

	// 续期只需要一个仍在刷新窗口内的令牌
	api.POST("/auth/refresh", h.Auth.Refresh)

	authed := api.Group("")
	authed.Use(middlewares.Auth(verifier))

	authed.GET("/me", h.Auth.Me)
	RegisterChannelRoutes(authed, h.Channel, h.Member, h.Message)
	RegisterMessageRoutes(authed, h.Message)
	authed.GET("/presence/online", h.Presence.Online)
	RegisterDirectRoutes(authed, h.Direct)
}

// RegisterChannelRoutes 频道、成员与频道内消息接口
func RegisterChannelRoutes(g *gin.RouterGroup, channel *handlers.ChannelHandler, member *handlers.MemberHandler, message *handlers.MessageHandler) {
	channels := g.Group("/channels")
	{
		channels.POST("", channel.CreateChannel)          // 创建频道
		channels.GET("", channel.ListPublic)              // 公开频道列表
		channels.GET("/mine", channel.ListMine)           // 我加入的频道
		channels.GET("/deleted", channel.ListDeleted)     // 已删除的频道
		channels.GET("/:channel_id", channel.GetChannel)  // 频道详情
		channels.DELETE("/:channel_id", channel.DeleteChannel)
		channels.POST("/:channel_id/restore", channel.RestoreChannel)

		// 成员管理
		channels.POST("/:channel_id/join", member.Join)
		channels.POST("/:channel_id/leave", member.Leave)
		channels.GET("/:channel_id/members", member.ListMembers)
		channels.DELETE("/:channel_id/members/:user_id", member.RemoveMember)
		channels.PATCH("/:channel_id/members/:user_id/role", member.ChangeRole)
		channels.POST("/:channel_id/transfer", member.TransferOwnership)
		channels.PUT("/:channel_id/password", member.ResetPassword)
		channels.POST("/:channel_id/invites", member.Invite)

		// 消息相关
		channels.POST("/:channel_id/messages", message.SendMessage)
		channels.GET("/:channel_id/messages", message.GetMessages)
	}
}

// RegisterMessageRoutes 按消息 ID 操作的接口
func RegisterMessageRoutes(g *gin.RouterGroup, message *handlers.MessageHandler) {
	g.DELETE("/messages/:message_id", message.DeleteMessage)
}

// RegisterDirectRoutes 私信接口
func RegisterDirectRoutes(g *gin.RouterGroup, direct *handlers.DirectHandler) {
	dm := g.Group("/direct")
	{
		dm.GET("/conversations", direct.Conversations)
		dm.POST("/users/:user_id/messages", direct.Send)
		dm.GET("/users/:user_id/messages", direct.History)
		dm.DELETE("/messages/:message_id", direct.Delete)
		dm.PUT("/messages/:message_id/read", direct.MarkRead)
	}
}
