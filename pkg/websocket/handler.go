package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"ghost-im/config"
	"ghost-im/internal/chat"
	"ghost-im/internal/model"
	"ghost-im/internal/service"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/jwt"
	"ghost-im/pkg/logger"
	"ghost-im/pkg/redis"
	"ghost-im/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许跨域
	},
}

// 客户端帧类型
const (
	FrameSend         = "send"
	FrameDeleteMe     = "delete_me"
	FrameDeleteAll    = "delete_all"
	FrameBulkDelete   = "bulk_delete"
	FrameApprove      = "approve"
	FrameReject       = "reject"
	FrameStartSession = "start_session"
	FrameStopSession  = "stop_session"
	FrameHeartbeat    = "heartbeat"
)

// 服务端帧类型
const (
	FrameSnapshot = "snapshot"
	FrameResult   = "result"
)

// Inbound 客户端发来的操作
type Inbound struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id,omitempty"`
	ID        string     `json:"id,omitempty"`
	IDs       []string   `json:"ids,omitempty"`
	Content   string     `json:"content,omitempty"`
	Kind      model.Kind `json:"kind,omitempty"`
	ReplyTo   string     `json:"reply_to,omitempty"`
}

// Outbound 推送给客户端的帧；snapshot 携带当前可见列表，result 是对某个操作的应答
type Outbound struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Code      int         `json:"code"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Handler WebSocket 会话入口：/ws?peer=<id>[&as=<id>]
type Handler struct {
	jwt     *jwt.JWTService
	users   *service.UserService
	chats   *chat.Service
	manager *Manager
	cfg     config.WebSocketConfig
}

// NewHandler 创建 WebSocket 处理器
func NewHandler(jwtSvc *jwt.JWTService, users *service.UserService, chats *chat.Service, m *Manager, cfg config.WebSocketConfig) *Handler {
	return &Handler{jwt: jwtSvc, users: users, chats: chats, manager: m, cfg: cfg}
}

func queryID(c *gin.Context, name string) (uint, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, apperror.New(apperror.KindInvalidInput, "invalid "+name)
	}
	return uint(id), nil
}

// ServeWS 鉴权并打开会话后升级连接
func (h *Handler) ServeWS(c *gin.Context) {
	token := jwt.TokenFromRequest(c)
	if token == "" {
		response.Unauthorized(c, "缺少token")
		return
	}
	claims, err := h.jwt.ValidateToken(token)
	if err != nil || claims.UserID() == 0 {
		response.Unauthorized(c, "token无效或已过期")
		return
	}
	userID := claims.UserID()

	peer, err := queryID(c, "peer")
	if err != nil {
		response.FromError(c, err)
		return
	}
	as, err := queryID(c, "as")
	if err != nil {
		response.FromError(c, err)
		return
	}
	viewer, err := h.users.Authorize(c.Request.Context(), userID, as)
	if err != nil {
		response.FromError(c, err)
		return
	}

	// 先打开会话，失败时还能返回普通的 JSON 响应
	conv, err := h.chats.Open(c.Request.Context(), viewer, peer)
	if err != nil {
		response.FromError(c, err)
		return
	}

	// 回显子协议，避免客户端提示 "Server sent no subprotocol"
	respHeader := http.Header{}
	if protocol := c.GetHeader("Sec-WebSocket-Protocol"); protocol != "" {
		respHeader.Set("Sec-WebSocket-Protocol", protocol)
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		_ = conv.Close()
		return
	}

	client := &Client{
		UserID: userID,
		Conn:   conn,
		Conv:   conv,
		Send:   make(chan []byte, 256),
	}
	h.manager.AddClient(client)
	if client.owner() {
		h.setOnline(viewer.IdentityID, claims.Username, true)
	}
	logger.Info("会话连接建立", zap.String("viewer", viewer.Key()), zap.Uint("peer", peer))

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// 写协程退出时关闭连接，使读循环立即返回
		defer conn.Close()
		h.writeLoop(client, done)
	}()

	h.readLoop(client, writerDone)

	close(done)
	<-writerDone
	_ = conv.Close()
	_ = conn.Close()
	if remaining := h.manager.RemoveClient(client); client.owner() && remaining == 0 {
		h.setOnline(viewer.IdentityID, claims.Username, false)
	}
	logger.Info("会话连接关闭", zap.String("viewer", viewer.Key()), zap.Uint("peer", peer))
}

// setOnline 同步数据库与 Redis 的在线状态，只对本人连接调用
func (h *Handler) setOnline(userID uint, username string, online bool) {
	ctx := context.Background()
	var err error
	if online {
		err = h.users.Connect(ctx, userID, username)
	} else {
		err = h.users.Disconnect(ctx, userID)
	}
	if err != nil {
		logger.Warn("更新在线状态失败", zap.Uint("user_id", userID), zap.Bool("online", online), zap.Error(err))
	}
}

// writeLoop 唯一的写协程：推送快照、操作应答和 ping 心跳
func (h *Handler) writeLoop(client *Client, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	write := func(payload []byte) bool {
		_ = client.Conn.SetWriteDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return client.Conn.WriteMessage(websocket.TextMessage, payload) == nil
	}

	if !write(h.snapshot(client.Conv)) {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-client.Conv.Done():
			_ = client.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-client.Conv.Changes():
			if !write(h.snapshot(client.Conv)) {
				return
			}
		case msg := <-client.Send:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			if err := client.Conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) snapshot(conv *chat.Conversation) []byte {
	entries, err := conv.Messages(context.Background())
	if err != nil {
		return encode(Outbound{Type: FrameSnapshot, Code: response.CodeOf(err), Message: apperror.MessageOf(err)})
	}
	return encode(Outbound{Type: FrameSnapshot, Data: entries})
}

// readLoop 读取客户端操作。若超时未收到任何读事件则断开
func (h *Handler) readLoop(client *Client, writerDone <-chan struct{}) {
	conn := client.Conn
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		var in Inbound
		if err := json.Unmarshal(payload, &in); err != nil {
			if !push(client, writerDone, encode(Outbound{Type: FrameResult, Code: 400, Message: "无法解析的消息"})) {
				return
			}
			continue
		}
		data, err := h.dispatch(context.Background(), client, in)
		out := Outbound{Type: FrameResult, RequestID: in.RequestID, Data: data}
		if err != nil {
			out.Code = response.CodeOf(err)
			out.Message = apperror.MessageOf(err)
			if out.Code == 500 {
				logger.Error("会话操作失败", zap.String("type", in.Type), zap.Error(err))
				out.Message = "服务器内部错误"
			}
		}
		if !push(client, writerDone, encode(out)) {
			return
		}
	}
}

// push 交给写协程发送，写协程已退出时返回 false
func push(client *Client, writerDone <-chan struct{}, payload []byte) bool {
	select {
	case client.Send <- payload:
		return true
	case <-writerDone:
		return false
	}
}

// dispatch 执行一个客户端操作
func (h *Handler) dispatch(ctx context.Context, client *Client, in Inbound) (interface{}, error) {
	conv := client.Conv
	switch in.Type {
	case FrameSend:
		return conv.Send(ctx, in.Content, in.Kind, in.ReplyTo)
	case FrameDeleteMe:
		return nil, conv.DeleteForMe(ctx, in.ID)
	case FrameDeleteAll:
		return nil, conv.DeleteForEveryone(ctx, in.ID)
	case FrameBulkDelete:
		return nil, conv.BulkDelete(ctx, in.IDs)
	case FrameApprove:
		return conv.Approve(ctx, in.ID)
	case FrameReject:
		return nil, conv.Reject(ctx, in.ID)
	case FrameStartSession:
		return conv.StartSession(ctx)
	case FrameStopSession:
		return conv.StopSession(ctx)
	case FrameHeartbeat:
		if client.owner() {
			if err := redis.RefreshUserPresence(conv.Viewer().IdentityID); err != nil {
				logger.Debug("刷新在线状态失败", zap.Uint("user_id", conv.Viewer().IdentityID), zap.Error(err))
			}
		}
		return nil, nil
	default:
		return nil, apperror.New(apperror.KindInvalidInput, "未知的操作类型: "+in.Type)
	}
}

func encode(out Outbound) []byte {
	b, err := json.Marshal(out)
	if err != nil {
		logger.Error("编码推送消息失败", zap.String("type", out.Type), zap.Error(err))
		return []byte(`{"type":"result","code":500,"message":"服务器内部错误"}`)
	}
	return b
}
