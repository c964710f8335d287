package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/handlers"
	"github.com/Gopher0727/ChatHub/internal/pkg/kafka"
	redispkg "github.com/Gopher0727/ChatHub/internal/pkg/redis"
	"github.com/Gopher0727/ChatHub/internal/presence"
	"github.com/Gopher0727/ChatHub/internal/repositories"
	"github.com/Gopher0727/ChatHub/internal/routers"
	"github.com/Gopher0727/ChatHub/internal/services"
	"github.com/Gopher0727/ChatHub/internal/storage"
	"github.com/Gopher0727/ChatHub/internal/utils"
	"github.com/Gopher0727/ChatHub/middleware/jwt"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
	"github.com/Gopher0727/ChatHub/pkg/ws"
	"github.com/Gopher0727/ChatHub/utils/ratelimit"
	"github.com/Gopher0727/ChatHub/utils/snowflake"
)

func main() {
	path := os.Getenv("CHATHUB_CONFIG")
	if path == "" {
		path = "./config.toml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("配置初始化失败: %v", err)
	}

	lg, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer lg.Close()

	// 初始化数据库 (含迁移)
	db, err := storage.OpenDatabase(&cfg.Postgres)
	if err != nil {
		lg.Fatal("database init failed", zap.Error(err))
	}
	store := repositories.NewStore(db)

	// 初始化 Redis，不可用时关闭限流和在线状态镜像
	var (
		limiter ratelimit.Limiter
		mirror  redispkg.PresenceMirror
	)
	if cfg.Redis.Enabled {
		rdb, err := storage.InitRedis(&cfg.Redis)
		if err != nil {
			lg.Fatal("redis init failed", zap.Error(err))
		}
		defer rdb.Close()
		limiter = ratelimit.NewFixedWindowLimiter(rdb, lg.Named("ratelimit").Logger, true)
		mirror = redispkg.NewClient(rdb, time.Duration(cfg.Redis.PresenceTTL)*time.Second)
	} else {
		lg.Warn("redis disabled, rate limiting and presence mirror are off")
	}

	// 协程池，承载 HTTP 请求和事件归档
	pool := utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, lg)
	pool.Start()

	// Kafka 事件归档，失败时降级为不归档
	var (
		journal    services.Journal
		kafkaClose func() error
	)
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(&cfg.Kafka)
		if err != nil {
			lg.Warn("kafka unavailable, event journal disabled", zap.Error(err))
		} else {
			j := kafka.NewJournal(producer, cfg.Kafka.Topic, pool, lg)
			journal = j
			kafkaClose = j.Close
		}
	}

	ids, err := snowflake.NewGenerator(snowflake.Config{NodeID: cfg.Server.NodeID})
	if err != nil {
		lg.Fatal("snowflake init failed", zap.Error(err))
	}
	hasher := utils.NewBcryptHasher(0)

	// 路由表、服务与在线状态
	access := services.NewAccessPolicy(store)
	hub := ws.NewHub(access, lg)
	pub := services.NewPublisher(hub, journal)

	authService := services.NewAuthService(jwt.NewTokenManager(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.RefreshHours), store.Users)
	channelService := services.NewChannelService(store, access, hasher, pub, &cfg.Chat, lg)
	membershipService := services.NewMembershipService(store, hasher, pub, &cfg.Chat, lg)
	messageService := services.NewMessageService(store, access, ids, pub, &cfg.Chat, lg)
	directService := services.NewDirectMessageService(store, ids, pub, &cfg.Chat, lg)
	tracker := presence.NewTracker(store.Users, mirror, hub, lg)

	if _, err := channelService.SeedDefaults(context.Background()); err != nil {
		lg.Error("failed to seed default channels", zap.Error(err))
	}

	gateway := ws.NewGateway(ws.GatewayDeps{
		Hub:      hub,
		Auth:     authService,
		Members:  membershipService,
		Messages: messageService,
		Presence: tracker,
		Limiter:  limiter,
		Rule:     ratelimit.Rule{Limit: cfg.RateLimit.Messages, Window: cfg.RateLimit.WindowDuration()},
	}, &cfg.Websocket, lg)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	routers.SetupRoutes(r, cfg, lg, authService, &routers.Handlers{
		Auth:     handlers.NewAuthHandler(authService, lg),
		Channel:  handlers.NewChannelHandler(channelService, lg),
		Member:   handlers.NewMemberHandler(membershipService, tracker, lg),
		Message:  handlers.NewMessageHandler(messageService, lg),
		Presence: handlers.NewPresenceHandler(tracker),
		Direct:   handlers.NewDirectHandler(directService, lg),
	}, gateway, pool)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: r,
	}
	go func() {
		lg.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	lg.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	// 先关闭所有会话，hijack 后的 WebSocket 连接不受 srv.Shutdown 管理
	hub.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		lg.Error("http shutdown failed", zap.Error(err))
	}
	tracker.Flush(ctx)
	pool.Stop()
	if kafkaClose != nil {
		if err := kafkaClose(); err != nil {
			lg.Error("kafka close failed", zap.Error(err))
		}
	}
}
