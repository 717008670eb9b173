package response

import (
	"net/http"
	"time"

	"ghost-im/internal/model"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`            // 状态码：0表示成功，其他表示错误
	Message string      `json:"message"`         // 响应消息
	Data    interface{} `json:"data,omitempty"`  // 响应数据
	Error   string      `json:"error,omitempty"` // 错误详情（仅在开发环境显示）
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithDetails 带错误详情的错误响应
func ErrorWithDetails(c *gin.Context, code int, message string, err error) {
	response := Response{
		Code:    code,
		Message: message,
	}

	// 在开发环境下显示错误详情
	if gin.Mode() == gin.DebugMode && err != nil {
		response.Error = err.Error()
	}

	c.JSON(http.StatusOK, response)
}

// CodeOf 错误分类对应的响应码
func CodeOf(err error) int {
	switch apperror.KindOf(err) {
	case apperror.KindInvalidInput:
		return 400
	case apperror.KindPermissionViolation:
		return 403
	case apperror.KindNotFound, apperror.KindReferentialGap:
		return 404
	case apperror.KindInvalidTransition:
		return 409
	case apperror.KindTransientStore, apperror.KindSubscriptionDrop:
		return 503
	default:
		return 500
	}
}

// FromError 按错误分类返回错误响应，未分类的错误只返回通用信息
func FromError(c *gin.Context, err error) {
	code := CodeOf(err)
	if code == 500 {
		logger.Error("未分类的错误",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		ErrorWithDetails(c, code, "服务器内部错误", err)
		return
	}
	ErrorWithDetails(c, code, apperror.MessageOf(err), err)
}

// BadRequest 400错误
func BadRequest(c *gin.Context, message string) {
	Error(c, 400, message)
}

// Unauthorized 401错误
func Unauthorized(c *gin.Context, message string) {
	Error(c, 401, message)
}

// Forbidden 403错误
func Forbidden(c *gin.Context, message string) {
	Error(c, 403, message)
}

// NotFound 404错误
func NotFound(c *gin.Context, message string) {
	Error(c, 404, message)
}

// InternalError 500错误
func InternalError(c *gin.Context, message string) {
	Error(c, 500, message)
}

// UserInfo 对外返回的用户信息，不含密码哈希
type UserInfo struct {
	ID           uint      `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email,omitempty"`
	Avatar       string    `json:"avatar,omitempty"`
	Status       string    `json:"status"`
	IsAdmin      bool      `json:"is_admin"`
	AdminSession string    `json:"admin_session"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
}

func FilterUserInfo(user *model.User) *UserInfo {
	if user == nil {
		return nil
	}
	return &UserInfo{
		ID:           user.ID,
		Username:     user.Username,
		DisplayName:  user.DisplayName(),
		Email:        user.Email,
		Avatar:       user.Avatar,
		Status:       user.Status,
		IsAdmin:      user.IsAdmin,
		AdminSession: string(user.AdminSession),
		LastSeen:     user.LastSeen,
		CreatedAt:    user.CreatedAt,
	}
}

// LoginResponse 登录响应
type LoginResponse struct {
	User        *UserInfo `json:"user"`
	AccessToken string    `json:"access_token"`
}

// RegisterResponse 注册响应
type RegisterResponse struct {
	User        *UserInfo `json:"user"`
	AccessToken string    `json:"access_token"`
}
