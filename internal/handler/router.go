package handler

import (
	"ghost-im/pkg/jwt"

	"github.com/gin-gonic/gin"
)

// Handlers 汇总所有 HTTP 处理器
type Handlers struct {
	Users    *UserHandler
	Messages *MessageHandler
	Admin    *AdminHandler
}

// RegisterRoutes 绑定 /api/v1 下的业务路由
func RegisterRoutes(router gin.IRouter, jwtSvc *jwt.JWTService, h Handlers) {
	v1 := router.Group("/api/v1")

	users := v1.Group("/users")
	{
		// 公开接口（无需认证）
		users.POST("/register", h.Users.Register)
		users.POST("/login", h.Users.Login)

		authUsers := users.Group("")
		authUsers.Use(jwtSvc.AuthMiddleware())
		{
			authUsers.GET("/profile", h.Users.GetProfile)
			authUsers.POST("/logout", h.Users.Logout)
			authUsers.GET("/online", h.Users.GetOnlineUsers)
			authUsers.GET("/:user_id/online", h.Users.CheckUserOnline)
		}
	}

	// 以下接口都支持 ?as=<user_id> 以管理员身份代管
	messages := v1.Group("/messages")
	messages.Use(jwtSvc.AuthMiddleware())
	{
		messages.POST("", h.Messages.SendMessage)
		messages.DELETE("/:message_id", h.Messages.DeleteMessage)
		messages.POST("/bulk-delete", h.Messages.BulkDelete)
	}

	conversations := v1.Group("/conversations")
	conversations.Use(jwtSvc.AuthMiddleware())
	{
		conversations.GET("", h.Messages.GetInbox)
		conversations.GET("/:user_id/messages", h.Messages.GetHistory)
		conversations.GET("/:user_id/unread", h.Messages.GetUnreadCount)
		conversations.PUT("/:user_id/read", h.Messages.MarkConversationRead)
	}

	admin := v1.Group("/admin/sessions/:user_id")
	admin.Use(jwtSvc.AuthMiddleware())
	{
		admin.GET("", h.Admin.GetSession)
		admin.POST("/start", h.Admin.StartSession)
		admin.POST("/stop", h.Admin.StopSession)
		admin.GET("/review", h.Admin.GetReviewQueue)
		admin.POST("/review/:message_id/approve", h.Admin.Approve)
		admin.POST("/review/:message_id/reject", h.Admin.Reject)
	}
}
