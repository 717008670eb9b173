package handler

import (
	"strconv"

	"ghost-im/internal/deletion"
	"ghost-im/internal/model"
	"ghost-im/internal/service"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/jwt"
	"ghost-im/pkg/response"

	"github.com/gin-gonic/gin"
)

// MessageHandler 消息处理器
type MessageHandler struct {
	messages *service.MessageService
	users    *service.UserService
	deletion *deletion.Service
}

// NewMessageHandler 创建MessageHandler实例
func NewMessageHandler(messages *service.MessageService, users *service.UserService, del *deletion.Service) *MessageHandler {
	return &MessageHandler{messages: messages, users: users, deletion: del}
}

// parseID 解析路径中的用户ID
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// resolveViewer 解析请求视角，?as=<id> 表示管理员代管该用户
func resolveViewer(c *gin.Context, users *service.UserService) (visibility.Viewer, bool) {
	var as uint
	if raw := c.Query("as"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			response.BadRequest(c, "invalid as")
			return visibility.Viewer{}, false
		}
		as = uint(id)
	}
	v, err := users.Authorize(c.Request.Context(), jwt.GetUserID(c), as)
	if err != nil {
		response.FromError(c, err)
		return visibility.Viewer{}, false
	}
	return v, true
}

// SendMessage 发送消息
func (h *MessageHandler) SendMessage(c *gin.Context) {
	v, ok := resolveViewer(c, h.users)
	if !ok {
		return
	}

	type req struct {
		RecipientID uint       `json:"recipient_id" binding:"required"`
		Content     string     `json:"content" binding:"required"`
		Kind        model.Kind `json:"kind"`
		ReplyToID   string     `json:"reply_to_id"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	message, err := h.messages.Send(c.Request.Context(), v, service.SendInput{
		RecipientID: r.RecipientID,
		Content:     r.Content,
		Kind:        r.Kind,
		ReplyToID:   r.ReplyToID,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.SuccessWithMessage(c, "消息发送成功", message)
}

// GetHistory 获取与指定用户的会话消息
func (h *MessageHandler) GetHistory(c *gin.Context) {
	v, ok := resolveViewer(c, h.users)
	if !ok {
		return
	}
	peer, ok := parseID(c, "user_id")
	if !ok {
		return
	}

	entries, err := h.messages.History(c.Request.Context(), v, peer)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if _, err := h.messages.MarkConversationRead(c.Request.Context(), v, peer); err != nil {
		response.FromError(c, err)
		return
	}

	response.SuccessWithMessage(c, "获取消息历史成功", entries)
}

// GetInbox 获取会话列表
func (h *MessageHandler) GetInbox(c *gin.Context) {
	v, ok := resolveViewer(c, h.users)
	if !ok {
		return
	}

	items, err := h.messages.Inbox(c.Request.Context(), v)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.SuccessWithMessage(c, "获取会话列表成功", items)
}

// GetUnreadCount 获取与指定用户的未读消息数量
func (h *MessageHandler) GetUnreadCount(c *gin.Context) {
	v, ok := resolveViewer(c, h.users)
	if !ok {
		return
	}
	peer, ok := parseID(c, "user_id")
	if !ok {
		return
	}

	count, err := h.messages.UnreadCount(c.Request.Context(), v.IdentityID, peer)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.SuccessWithMessage(c, "获取未读消息数量成功", gin.H{"unread_count": count})
}

// MarkConversationRead 标记会话为已读
func (h *MessageHandler) MarkConversationRead(c *gin.Context) {
	v, ok := resolveViewer(c, h.users)
	if !ok {
		return
	}
	peer, ok := parseID(c, "user_id")
	if !ok {
		return
	}

	n, err := h.messages.MarkConversationRead(c.Request.Context(), v, peer)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.SuccessWithMessage(c, "会话已标记为已读", gin.H{"marked": n})
}

// DeleteMessage 删除消息，scope=me 仅自己删除，scope=everyone 对所有人删除
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	v, ok := resolveViewer(c, h.users)
	if !ok {
		return
	}
	id := c.Param("message_id")

	var err error
	switch c.DefaultQuery("scope", "me") {
	case "me":
		err = h.deletion.DeleteForMe(c.Request.Context(), v, id, nil)
	case "everyone":
		err = h.deletion.DeleteForEveryone(c.Request.Context(), v, id, nil)
	default:
		response.BadRequest(c, "scope 只能是 me 或 everyone")
		return
	}
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.SuccessWithMessage(c, "消息删除成功", nil)
}

// BulkDelete 批量对所有人删除
func (h *MessageHandler) BulkDelete(c *gin.Context) {
	v, ok := resolveViewer(c, h.users)
	if !ok {
		return
	}

	type req struct {
		IDs []string `json:"ids" binding:"required"`
	}
	var r req
	if err := c.ShouldBindJSON(&r); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.deletion.BulkDelete(c.Request.Context(), v, r.IDs, nil); err != nil {
		response.FromError(c, err)
		return
	}

	response.SuccessWithMessage(c, "批量删除成功", gin.H{"deleted": len(r.IDs)})
}
