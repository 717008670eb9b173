package service

import (
	"context"
	"strings"

	"ghost-im/internal/model"
	"ghost-im/internal/repository"
	"ghost-im/internal/session"
	"ghost-im/internal/store"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/logger"
	"ghost-im/pkg/redis"

	"go.uber.org/zap"
)

// SessionGate 发送路径上需要的会话状态操作
type SessionGate interface {
	State(ctx context.Context, identity uint) (session.State, error)
	OnOperatorSend(ctx context.Context, identity uint) (session.State, error)
}

// LocalDeletions 读取视角的本地删除集合
type LocalDeletions interface {
	LocalDeletions(v visibility.Viewer) (visibility.Set, error)
}

// MessageService 消息服务
type MessageService struct {
	store      store.MessageStore
	messages   *repository.MessageRepository
	users      *repository.UserRepository
	sessions   SessionGate
	local      LocalDeletions
	inboxLimit int
}

// NewMessageService 创建MessageService实例
func NewMessageService(st store.MessageStore, messages *repository.MessageRepository, users *repository.UserRepository,
	sessions SessionGate, local LocalDeletions, inboxLimit int) *MessageService {
	if inboxLimit <= 0 {
		inboxLimit = 50
	}
	return &MessageService{
		store:      st,
		messages:   messages,
		users:      users,
		sessions:   sessions,
		local:      local,
		inboxLimit: inboxLimit,
	}
}

// SendInput 发送参数
type SendInput struct {
	RecipientID uint
	Content     string
	Kind        model.Kind
	ReplyToID   string
	// TempID 客户端乐观写入时使用的临时ID，可以为空
	TempID string
}

// Prepare 校验发送参数并根据会话状态生成待写入的消息
// 代管者发送的消息总是对本人隐藏；接收者处于代管会话中时，发给他的消息默认对其隐藏
func (s *MessageService) Prepare(ctx context.Context, v visibility.Viewer, in SendInput) (*model.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apperror.New(apperror.KindInvalidInput, "消息内容不能为空")
	}
	kind := in.Kind
	if kind == "" {
		kind = model.KindText
	}
	if !kind.Valid() {
		return nil, apperror.New(apperror.KindInvalidInput, "不支持的消息类型")
	}
	if in.RecipientID == 0 || in.RecipientID == v.IdentityID {
		return nil, apperror.New(apperror.KindInvalidInput, "接收者无效")
	}
	if _, err := s.users.GetByID(in.RecipientID); err != nil {
		return nil, err
	}

	m := &model.Message{
		ID:          in.TempID,
		SenderID:    v.IdentityID,
		RecipientID: in.RecipientID,
		Content:     content,
		Kind:        kind,
	}
	if m.ID != "" && !model.IsTempID(m.ID) {
		m.ID = ""
	}
	// 引用尚未落库的临时消息时不带引用发送
	if in.ReplyToID != "" && !model.IsTempID(in.ReplyToID) {
		reply := in.ReplyToID
		m.ReplyToID = &reply
	}

	if v.IsOperator() {
		m.IsAdminMessage = true
		m.IsHiddenFromOwner = true
		m.HiddenFromID = v.IdentityID
		return m, nil
	}

	st, err := s.sessions.State(ctx, in.RecipientID)
	if err != nil {
		return nil, err
	}
	if session.HidesByDefault(st) {
		m.IsHiddenFromOwner = true
		m.HiddenFromID = in.RecipientID
	}
	return m, nil
}

// Commit 写入已准备好的消息；存储失败且带有回复引用时，去掉引用重试一次
func (s *MessageService) Commit(ctx context.Context, m *model.Message) (*model.Message, error) {
	row, err := s.store.Insert(ctx, m)
	if err != nil && m.ReplyToID != nil && apperror.Is(err, apperror.KindTransientStore) {
		logger.Warn("带回复引用的消息写入失败，去掉引用重试",
			zap.String("reply_to", *m.ReplyToID), zap.Error(err))
		retry := m.Clone()
		retry.ReplyToID = nil
		row, err = s.store.Insert(ctx, retry)
	}
	if err != nil {
		return nil, err
	}

	// 写入成功后才开启代管会话，失败的发送不改变会话状态
	if row.IsAdminMessage {
		if _, err := s.sessions.OnOperatorSend(ctx, row.SenderID); err != nil {
			logger.Warn("开启代管会话失败", zap.String("id", row.ID), zap.Uint("identity", row.SenderID), zap.Error(err))
		}
	}

	// 接收者能看到时才计入未读
	if visibility.Visible(row, visibility.Owner(row.RecipientID), nil) {
		s.bumpUnread(row.RecipientID, row.SenderID)
	}
	return row, nil
}

// Send 发送消息
func (s *MessageService) Send(ctx context.Context, v visibility.Viewer, in SendInput) (*model.Message, error) {
	m, err := s.Prepare(ctx, v, in)
	if err != nil {
		return nil, err
	}
	return s.Commit(ctx, m)
}

func (s *MessageService) bumpUnread(owner, peer uint) {
	if err := redis.BumpUnreadCount(owner, peer); err != nil {
		logger.Warn("增加未读消息计数失败", zap.Uint("owner", owner), zap.Uint("peer", peer), zap.Error(err))
	}
}

// History 获取会话中当前视角可见的消息（含回复预览）
func (s *MessageService) History(ctx context.Context, v visibility.Viewer, peer uint) ([]visibility.Entry, error) {
	rows, err := s.store.QueryPair(ctx, v.IdentityID, peer)
	if err != nil {
		return nil, err
	}
	local, err := s.local.LocalDeletions(v)
	if err != nil {
		return nil, err
	}
	return visibility.WithReplies(visibility.Filter(rows, v, local)), nil
}

// InboxItem 会话列表项
type InboxItem struct {
	PeerID      uint           `json:"peer_id"`
	PeerName    string         `json:"peer_name"`
	LastMessage *model.Message `json:"last_message"`
	UnreadCount int64          `json:"unread_count"`
}

// Inbox 会话列表：每个对方最近一条可见消息，按时间倒序
func (s *MessageService) Inbox(ctx context.Context, v visibility.Viewer) ([]InboxItem, error) {
	rows, err := s.messages.ListForIdentity(ctx, v.IdentityID, 0)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransientStore, "获取会话列表失败", err)
	}
	local, err := s.local.LocalDeletions(v)
	if err != nil {
		return nil, err
	}

	convs := visibility.Conversations(rows, v, local)
	if len(convs) > s.inboxLimit {
		convs = convs[:s.inboxLimit]
	}

	unread, err := s.unreadByPeer(ctx, v.IdentityID, convs)
	if err != nil {
		return nil, err
	}

	items := make([]InboxItem, 0, len(convs))
	for _, c := range convs {
		item := InboxItem{PeerID: c.PeerID, LastMessage: c.Last, UnreadCount: unread[c.PeerID]}
		if u, err := s.users.GetByID(c.PeerID); err == nil {
			item.PeerName = u.DisplayName()
		}
		items = append(items, item)
	}
	return items, nil
}

// unreadByPeer 优先使用 Redis 缓存，有缺失时从数据库汇总并回填
func (s *MessageService) unreadByPeer(ctx context.Context, owner uint, convs []visibility.Conversation) (map[uint]int64, error) {
	cached, err := redis.GetUnreadCounts(owner)
	if err != nil {
		cached = map[uint]int64{}
	}
	complete := true
	for _, c := range convs {
		if _, ok := cached[c.PeerID]; !ok {
			complete = false
			break
		}
	}
	if complete {
		return cached, nil
	}

	counts, err := s.messages.CountUnreadByPeer(ctx, owner)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransientStore, "统计未读消息失败", err)
	}
	for _, c := range convs {
		if _, ok := cached[c.PeerID]; !ok {
			_ = redis.SetUnreadCount(owner, c.PeerID, counts[c.PeerID])
		}
	}
	return counts, nil
}

// MarkConversationRead 将对方发来的可见消息标记为已读；代管者查看不算已读
func (s *MessageService) MarkConversationRead(ctx context.Context, v visibility.Viewer, peer uint) (int64, error) {
	if v.IsOperator() {
		return 0, nil
	}
	n, err := s.messages.MarkConversationAsRead(ctx, v.IdentityID, peer)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindTransientStore, "标记已读失败", err)
	}
	if err := redis.ResetUnreadCount(v.IdentityID, peer); err != nil {
		logger.Warn("重置未读消息计数失败", zap.Uint("owner", v.IdentityID), zap.Uint("peer", peer), zap.Error(err))
	}
	return n, nil
}

// UnreadCount 获取会话未读数量（优先从Redis获取）
func (s *MessageService) UnreadCount(ctx context.Context, owner, peer uint) (int64, error) {
	if n, err := redis.GetUnreadCount(owner, peer); err == nil && n >= 0 {
		return n, nil
	}

	n, err := s.messages.CountUnread(ctx, owner, peer)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindTransientStore, "获取未读消息数量失败", err)
	}
	_ = redis.SetUnreadCount(owner, peer, n)
	return n, nil
}
