package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ghost-im/config"
	"ghost-im/internal/chat"
	"ghost-im/internal/deletion"
	"ghost-im/internal/handler"
	"ghost-im/internal/repository"
	"ghost-im/internal/review"
	"ghost-im/internal/service"
	"ghost-im/internal/session"
	"ghost-im/internal/store"
	dbPkg "ghost-im/pkg/db"
	"ghost-im/pkg/feed"
	"ghost-im/pkg/jwt"
	"ghost-im/pkg/logger"
	"ghost-im/pkg/metrics"
	"ghost-im/pkg/prefs"
	"ghost-im/pkg/redis"
	"ghost-im/pkg/response"
	"ghost-im/pkg/websocket"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// presenceSweepInterval 清理过期在线状态的间隔
const presenceSweepInterval = time.Minute

func main() {
	// 1. 加载配置
	cfg := config.LoadConfig()

	// 2. 初始化日志系统
	log := logger.InitLogger(cfg.Log)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("配置无效", zap.Error(err))
	}

	log.Info("=== Ghost IM 启动 ===")
	log.Info("服务器配置信息",
		zap.String("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database),
		zap.String("redis_host", cfg.Redis.Host),
		zap.Duration("recency_window", cfg.Engine.RecencyWindow),
		zap.String("prefs_path", cfg.Prefs.Path),
		zap.String("log_level", cfg.Log.Level),
	)

	// 3. 初始化数据库连接
	orm, err := dbPkg.InitDB(cfg.Database)
	if err != nil {
		log.Fatal("数据库连接失败", zap.Error(err))
	}
	defer func() {
		if err := dbPkg.CloseDB(); err != nil {
			log.Error("关闭数据库连接失败", zap.Error(err))
		}
	}()
	if err := dbPkg.Migrate(); err != nil {
		log.Fatal("自动迁移失败", zap.Error(err))
	}
	log.Info("数据库连接成功，自动迁移完成")

	// 4. Redis：未读计数、在线状态与变更通道
	if err := redis.InitRedis(cfg.Redis); err != nil {
		log.Fatal("Redis连接失败", zap.Error(err))
	}
	defer func() {
		if err := redis.Close(); err != nil {
			log.Error("关闭Redis连接失败", zap.Error(err))
		}
	}()
	bus := feed.NewBus(redis.GetClient(), cfg.Feed)

	// 5. 本地偏好存储（仅自己删除的记录）
	localPrefs, err := prefs.Open(cfg.Prefs.Path)
	if err != nil {
		log.Fatal("打开本地偏好存储失败", zap.Error(err), zap.String("path", cfg.Prefs.Path))
	}
	defer localPrefs.Close()

	// 6. 初始化业务服务
	jwtSvc := jwt.NewJWTService(cfg.JWT)
	userRepo := repository.NewUserRepository(orm)
	messageRepo := repository.NewMessageRepository(orm)
	messageStore := store.NewFeedStore(messageRepo, bus)
	sessionSvc := session.NewService(userRepo, bus)
	deletionSvc := deletion.NewService(messageStore, localPrefs, bus, cfg.Deletion.RecordInStore)
	reviewSvc := review.NewService(messageStore, sessionSvc, redis.BumpUnreadCount)
	userSvc := service.NewUserService(userRepo, jwtSvc)
	messageSvc := service.NewMessageService(messageStore, messageRepo, userRepo, sessionSvc, deletionSvc, cfg.Engine.InboxLimit)
	chatSvc := chat.NewService(bus, messageStore, messageSvc, deletionSvc, reviewSvc, sessionSvc, cfg.Engine)

	wsManager := websocket.NewManager()
	wsHandler := websocket.NewHandler(jwtSvc, userSvc, chatSvc, wsManager, cfg.WebSocket)

	// 7. 设置Gin模式
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(logger.LoggerMiddleware())      // 自定义日志中间件
	router.Use(logger.ErrorLoggerMiddleware()) // 错误日志中间件

	setupBasicRoutes(router, cfg, wsManager)
	handler.RegisterRoutes(router, jwtSvc, handler.Handlers{
		Users:    handler.NewUserHandler(userSvc),
		Messages: handler.NewMessageHandler(messageSvc, userSvc, deletionSvc),
		Admin:    handler.NewAdminHandler(userSvc, sessionSvc, reviewSvc),
	})

	// WebSocket路由：/ws?peer=<id>[&as=<id>]
	router.GET("/ws", wsHandler.ServeWS)

	// 8. 后台任务：清理过期的在线状态
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepPresence(sweepCtx)

	// 9. 创建HTTP服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP服务器启动", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP服务器启动失败", zap.Error(err))
		}
	}()

	// 10. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 被劫持的 WebSocket 连接不受 Shutdown 管理，需要单独关闭
	wsManager.CloseAll()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP服务器关闭失败", zap.Error(err))
	}

	log.Info("服务器已安全关闭")
}

// sweepPresence 定期清理集合中已过期的在线用户
func sweepPresence(ctx context.Context) {
	ticker := time.NewTicker(presenceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := redis.CleanExpiredPresence()
			if err != nil {
				logger.Warn("清理过期在线状态失败", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("清理过期在线状态", zap.Int("count", n))
			}
		}
	}
}

// setupBasicRoutes 设置基础路由
func setupBasicRoutes(router *gin.Engine, cfg *config.Config, ws *websocket.Manager) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		if err := dbPkg.HealthCheck(); err != nil {
			status = "db-down"
		} else if err := redis.HealthCheck(); err != nil {
			status = "redis-down"
		}
		response.Success(c, gin.H{
			"status":      status,
			"connections": ws.Count(),
			"time":        time.Now().Format(time.RFC3339),
		})
	})

	router.GET("/", func(c *gin.Context) {
		response.Success(c, gin.H{
			"message": "欢迎使用 Ghost IM",
			"version": "2.0.0",
		})
	})

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, metrics.GinHandler())
	}
}
