// Package chat 打开中的会话：订阅变更通道，驱动合并引擎，并提供会话内的全部操作。
package chat

import (
	"context"
	"errors"
	"sync"

	"ghost-im/config"
	"ghost-im/internal/deletion"
	"ghost-im/internal/model"
	"ghost-im/internal/reconcile"
	"ghost-im/internal/review"
	"ghost-im/internal/service"
	"ghost-im/internal/session"
	"ghost-im/internal/store"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/feed"
	"ghost-im/pkg/logger"
	"ghost-im/pkg/metrics"
	"ghost-im/pkg/redis"

	"go.uber.org/zap"
)

// Sessions 会话内可执行的代管会话操作
type Sessions interface {
	Start(ctx context.Context, identity uint) (session.State, error)
	Stop(ctx context.Context, identity uint) (session.State, error)
}

// Service 创建会话所需的全部依赖
type Service struct {
	bus      *feed.Bus
	store    store.MessageStore
	messages *service.MessageService
	deletion *deletion.Service
	review   *review.Service
	sessions Sessions
	cfg      config.EngineConfig
}

// NewService 创建会话服务
func NewService(bus *feed.Bus, st store.MessageStore, messages *service.MessageService, del *deletion.Service,
	rev *review.Service, sessions Sessions, cfg config.EngineConfig) *Service {
	return &Service{
		bus:      bus,
		store:    st,
		messages: messages,
		deletion: del,
		review:   rev,
		sessions: sessions,
		cfg:      cfg,
	}
}

// Conversation 一个视角与一个对方之间打开的会话
type Conversation struct {
	svc    *Service
	viewer visibility.Viewer
	peer   uint
	engine *reconcile.Engine
	sub    *feed.Subscription
	log    *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open 打开会话：先订阅再全量拉取，之后的变更由后台协程合并
// 返回的会话必须调用 Close
func (s *Service) Open(ctx context.Context, v visibility.Viewer, peer uint) (*Conversation, error) {
	if peer == 0 || peer == v.IdentityID {
		return nil, apperror.New(apperror.KindInvalidInput, "会话对方无效")
	}
	local, err := s.deletion.LocalDeletions(v)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		svc:    s,
		viewer: v,
		peer:   peer,
		engine: reconcile.New(v, peer, s.cfg, local),
		log:    logger.With(zap.String("viewer", v.Key()), zap.Uint("peer", peer)),
		cancel: cancel,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.engine.Run(runCtx)
	}()

	sub, err := s.bus.Subscribe(ctx,
		s.bus.PairChannel(v.IdentityID, peer),
		s.bus.SignalChannel(v.IdentityID, peer),
		s.bus.IdentityChannel(v.IdentityID),
	)
	if err != nil {
		cancel()
		c.wg.Wait()
		return nil, err
	}
	c.sub = sub

	if err := c.refetch(ctx); err != nil {
		sub.Close()
		cancel()
		c.wg.Wait()
		return nil, err
	}
	if _, err := s.messages.MarkConversationRead(ctx, v, peer); err != nil {
		c.log.Warn("标记会话已读失败", zap.Error(err))
	}

	c.wg.Add(1)
	go c.pump(runCtx)

	metrics.OpenConversations.Inc()
	c.log.Debug("打开会话")
	return c, nil
}

// Viewer 会话视角
func (c *Conversation) Viewer() visibility.Viewer { return c.viewer }

// Peer 会话对方
func (c *Conversation) Peer() uint { return c.peer }

// Changes 可见列表可能发生变化时收到通知
func (c *Conversation) Changes() <-chan struct{} { return c.engine.Changes() }

// Done 会话关闭后关闭
func (c *Conversation) Done() <-chan struct{} { return c.engine.Done() }

// Close 取消订阅并停止合并引擎，可重复调用
func (c *Conversation) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.sub.Close()
		c.cancel()
		c.wg.Wait()
		metrics.OpenConversations.Dec()
	})
	return err
}

func (c *Conversation) refetch(ctx context.Context) error {
	rows, err := c.svc.store.QueryPair(ctx, c.viewer.IdentityID, c.peer)
	if err != nil {
		return err
	}
	return c.engine.Load(ctx, rows)
}

func (c *Conversation) pump(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				return
			}
			c.handle(ctx, ev)
		}
	}
}

// handle 处理一条事件，任何错误只记录日志
func (c *Conversation) handle(ctx context.Context, ev feed.Event) {
	metrics.FeedEvents.WithLabelValues(string(ev.Op)).Inc()

	switch ev.Op {
	case feed.OpResync:
		metrics.Resyncs.Inc()
		c.logRefetch(ctx)
		return
	case feed.OpSession:
		if ev.Identity == c.viewer.IdentityID && ev.State == session.Stopped {
			c.logRefetch(ctx)
		}
		return
	}

	if err := c.engine.Apply(ctx, ev); err != nil {
		if !errors.Is(err, reconcile.ErrStopped) && !errors.Is(err, context.Canceled) {
			c.log.Warn("合并变更事件失败", zap.String("op", string(ev.Op)), zap.Error(err))
		}
		return
	}

	if ev.Op == feed.OpInsert && ev.Row != nil {
		c.markRead(ctx, ev.Row)
	}
}

func (c *Conversation) logRefetch(ctx context.Context) {
	if err := c.refetch(ctx); err != nil && !errors.Is(err, reconcile.ErrStopped) && !errors.Is(err, context.Canceled) {
		c.log.Warn("会话全量同步失败", zap.Error(err))
	}
}

// markRead 本人打开会话时，对方发来的可见消息立即标记为已读；代管者查看不算已读
func (c *Conversation) markRead(ctx context.Context, row *model.Message) {
	if c.viewer.IsOperator() || row.IsRead || row.RecipientID != c.viewer.IdentityID || row.SenderID != c.peer {
		return
	}
	if !visibility.Visible(row, c.viewer, nil) {
		return
	}
	if _, err := c.svc.store.Update(ctx, row.ID, map[string]interface{}{"is_read": true}); err != nil {
		c.log.Warn("标记消息已读失败", zap.String("id", row.ID), zap.Error(err))
		return
	}
	_ = redis.ResetUnreadCount(c.viewer.IdentityID, c.peer)
}

// Messages 当前视角可见的消息（含回复预览）
func (c *Conversation) Messages(ctx context.Context) ([]visibility.Entry, error) {
	msgs, err := c.engine.Visible(ctx)
	if err != nil {
		return nil, err
	}
	return visibility.WithReplies(msgs), nil
}

// Send 乐观发送：先插入临时消息，落库成功后替换，失败则回滚
func (c *Conversation) Send(ctx context.Context, content string, kind model.Kind, replyTo string) (*model.Message, error) {
	m, err := c.svc.messages.Prepare(ctx, c.viewer, service.SendInput{
		RecipientID: c.peer,
		Content:     content,
		Kind:        kind,
		ReplyToID:   replyTo,
		TempID:      model.NewTempID(),
	})
	if err != nil {
		return nil, err
	}
	tempID := m.ID
	if err := c.engine.AddPending(ctx, m.Clone()); err != nil {
		return nil, err
	}

	row, err := c.svc.messages.Commit(ctx, m)
	if err != nil {
		if derr := c.engine.Discard(ctx, tempID); derr != nil {
			c.log.Warn("回滚临时消息失败", zap.String("temp_id", tempID), zap.Error(derr))
		}
		return nil, err
	}
	if err := c.engine.Confirm(ctx, tempID, row); err != nil {
		c.log.Warn("确认临时消息失败", zap.String("temp_id", tempID), zap.Error(err))
	}
	return row, nil
}

// DeleteForMe 仅自己删除
func (c *Conversation) DeleteForMe(ctx context.Context, id string) error {
	return c.svc.deletion.DeleteForMe(ctx, c.viewer, id, c.engine)
}

// DeleteForEveryone 对所有人删除
func (c *Conversation) DeleteForEveryone(ctx context.Context, id string) error {
	return c.svc.deletion.DeleteForEveryone(ctx, c.viewer, id, c.engine)
}

// BulkDelete 批量对所有人删除
func (c *Conversation) BulkDelete(ctx context.Context, ids []string) error {
	return c.svc.deletion.BulkDelete(ctx, c.viewer, ids, c.engine)
}

// Approve 放行被拦截的消息
func (c *Conversation) Approve(ctx context.Context, id string) (*model.Message, error) {
	row, err := c.svc.review.Approve(ctx, c.viewer, id)
	if err != nil {
		return nil, err
	}
	if err := c.engine.Apply(ctx, feed.Event{Op: feed.OpUpdate, Row: row}); err != nil {
		c.log.Warn("合并放行结果失败", zap.String("id", id), zap.Error(err))
	}
	return row, nil
}

// Reject 拒绝被拦截的消息
func (c *Conversation) Reject(ctx context.Context, id string) error {
	if err := c.svc.review.Reject(ctx, c.viewer, id); err != nil {
		return err
	}
	if err := c.engine.Remove(ctx, id); err != nil {
		c.log.Warn("移除被拒绝的消息失败", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// StartSession 手动开启代管会话
func (c *Conversation) StartSession(ctx context.Context) (session.State, error) {
	if !c.viewer.IsOperator() {
		return "", apperror.New(apperror.KindPermissionViolation, "只有代管身份可以开启会话")
	}
	return c.svc.sessions.Start(ctx, c.viewer.IdentityID)
}

// StopSession 结束代管会话，返回待审核的消息
func (c *Conversation) StopSession(ctx context.Context) ([]*model.Message, error) {
	if !c.viewer.IsOperator() {
		return nil, apperror.New(apperror.KindPermissionViolation, "只有代管身份可以结束会话")
	}
	if _, err := c.svc.sessions.Stop(ctx, c.viewer.IdentityID); err != nil {
		return nil, err
	}
	return c.svc.review.Queue(ctx, c.viewer)
}
