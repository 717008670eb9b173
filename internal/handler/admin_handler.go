package handler

import (
	"ghost-im/internal/review"
	"ghost-im/internal/service"
	"ghost-im/internal/session"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/jwt"
	"ghost-im/pkg/response"

	"github.com/gin-gonic/gin"
)

// AdminHandler 代管会话与审核接口
type AdminHandler struct {
	users    *service.UserService
	sessions *session.Service
	review   *review.Service
}

// NewAdminHandler 创建AdminHandler实例
func NewAdminHandler(users *service.UserService, sessions *session.Service, rev *review.Service) *AdminHandler {
	return &AdminHandler{users: users, sessions: sessions, review: rev}
}

// operator 解析代管视角，路径中的 user_id 为被代管的用户
func (h *AdminHandler) operator(c *gin.Context) (visibility.Viewer, bool) {
	identity, ok := parseID(c, "user_id")
	if !ok {
		return visibility.Viewer{}, false
	}
	v, err := h.users.Authorize(c.Request.Context(), jwt.GetUserID(c), identity)
	if err != nil {
		response.FromError(c, err)
		return visibility.Viewer{}, false
	}
	if !v.IsOperator() {
		response.FromError(c, apperror.New(apperror.KindPermissionViolation, "不能代管自己"))
		return visibility.Viewer{}, false
	}
	return v, true
}

// GetSession 获取代管会话状态
func (h *AdminHandler) GetSession(c *gin.Context) {
	v, ok := h.operator(c)
	if !ok {
		return
	}
	st, err := h.sessions.State(c.Request.Context(), v.IdentityID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": v.IdentityID, "state": st})
}

// StartSession 手动开启代管会话
func (h *AdminHandler) StartSession(c *gin.Context) {
	v, ok := h.operator(c)
	if !ok {
		return
	}
	st, err := h.sessions.Start(c.Request.Context(), v.IdentityID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "代管会话已开启", gin.H{"user_id": v.IdentityID, "state": st})
}

// StopSession 结束代管会话，并返回待审核的消息
func (h *AdminHandler) StopSession(c *gin.Context) {
	v, ok := h.operator(c)
	if !ok {
		return
	}
	st, err := h.sessions.Stop(c.Request.Context(), v.IdentityID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	queue, err := h.review.Queue(c.Request.Context(), v)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "代管会话已结束", gin.H{"user_id": v.IdentityID, "state": st, "review": queue})
}

// GetReviewQueue 获取待审核消息
func (h *AdminHandler) GetReviewQueue(c *gin.Context) {
	v, ok := h.operator(c)
	if !ok {
		return
	}
	queue, err := h.review.Queue(c.Request.Context(), v)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, queue)
}

// Approve 放行消息
func (h *AdminHandler) Approve(c *gin.Context) {
	v, ok := h.operator(c)
	if !ok {
		return
	}
	row, err := h.review.Approve(c.Request.Context(), v, c.Param("message_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息已放行", row)
}

// Reject 拒绝消息（永久删除）
func (h *AdminHandler) Reject(c *gin.Context) {
	v, ok := h.operator(c)
	if !ok {
		return
	}
	if err := h.review.Reject(c.Request.Context(), v, c.Param("message_id")); err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "消息已拒绝", nil)
}
