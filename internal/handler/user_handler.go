package handler

import (
	"ghost-im/internal/service"
	"ghost-im/pkg/jwt"
	"ghost-im/pkg/response"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	service *service.UserService
}

func NewUserHandler(s *service.UserService) *UserHandler {
	return &UserHandler{service: s}
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail" binding:"required"`
	Password        string `json:"password" binding:"required"`
}

// Register 用户注册
func (h *UserHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	user, token, err := h.service.Register(req.Username, req.Email, req.Password)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "注册成功", &response.RegisterResponse{
		User:        response.FilterUserInfo(user),
		AccessToken: token,
	})
}

// Login 用户登录，失败统一返回 401，不区分用户不存在与密码错误
func (h *UserHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	user, token, err := h.service.Login(req.UsernameOrEmail, req.Password)
	if err != nil {
		response.Unauthorized(c, "用户名或密码错误")
		return
	}
	response.SuccessWithMessage(c, "登录成功", &response.LoginResponse{
		User:        response.FilterUserInfo(user),
		AccessToken: token,
	})
}

func (h *UserHandler) GetProfile(c *gin.Context) {
	user, err := h.service.Profile(jwt.GetUserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, response.FilterUserInfo(user))
}

// Logout 清除在线状态，token 由客户端丢弃
func (h *UserHandler) Logout(c *gin.Context) {
	if err := h.service.Disconnect(c.Request.Context(), jwt.GetUserID(c)); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "登出成功", nil)
}

// GetOnlineUsers 在线用户列表，代管连接不计入
func (h *UserHandler) GetOnlineUsers(c *gin.Context) {
	list, err := h.service.OnlineUsers()
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"online_count": len(list), "users": list})
}

func (h *UserHandler) CheckUserOnline(c *gin.Context) {
	userID, ok := parseID(c, "user_id")
	if !ok {
		return
	}
	presence, err := h.service.Presence(userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id":  userID,
		"online":   presence != nil,
		"presence": presence,
	})
}
