// Package review 代管会话结束后的审核流程：通过或拒绝被拦截的消息。
package review

import (
	"context"
	"sync"
	"time"

	"ghost-im/internal/model"
	"ghost-im/internal/session"
	"ghost-im/internal/store"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/logger"
	"ghost-im/pkg/metrics"

	"go.uber.org/zap"
)

// SessionReader 读取代管会话状态
type SessionReader interface {
	State(ctx context.Context, identity uint) (session.State, error)
}

// UnreadFunc 为 owner 增加来自 peer 的未读计数
type UnreadFunc func(owner, peer uint) error

// Service 审核服务
type Service struct {
	store    store.MessageStore
	sessions SessionReader
	unread   UnreadFunc
	now      func() time.Time

	mu sync.Mutex
}

// NewService 创建审核服务，unread 可以为 nil
func NewService(st store.MessageStore, sessions SessionReader, unread UnreadFunc) *Service {
	return &Service{store: st, sessions: sessions, unread: unread, now: time.Now}
}

// WithClock 替换时钟
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

var (
	errNotOperator   = apperror.New(apperror.KindPermissionViolation, "只有代管身份可以审核消息")
	errNotStopped    = apperror.New(apperror.KindPermissionViolation, "会话结束后才能审核消息")
	errForeignTarget = apperror.New(apperror.KindPermissionViolation, "该消息不属于当前代管的用户")
	errNotHidden     = apperror.New(apperror.KindPermissionViolation, "只能拒绝被拦截的消息")
)

// checkAllowed 读取消息之前的权限与会话状态校验
func (s *Service) checkAllowed(ctx context.Context, v visibility.Viewer) error {
	if !v.IsOperator() {
		return errNotOperator
	}
	st, err := s.sessions.State(ctx, v.IdentityID)
	if err != nil {
		return err
	}
	if !session.AllowsReview(st) {
		return errNotStopped
	}
	return nil
}

// ownedBy 消息是否属于 identity，且隐藏对象就是 identity
func ownedBy(m *model.Message, identity uint) bool {
	if m.SenderID != identity && m.RecipientID != identity {
		return false
	}
	return m.HiddenFromID == 0 || m.HiddenFromID == identity
}

// Queue 待审核消息：所有对该用户隐藏的消息
func (s *Service) Queue(ctx context.Context, v visibility.Viewer) ([]*model.Message, error) {
	if !v.IsOperator() {
		return nil, errNotOperator
	}
	return s.store.QueryHidden(ctx, v.IdentityID)
}

// Approve 放行消息：取消隐藏，并把 created_at 改写为放行时间；
// 代管者以本人名义写的消息同时清除 is_admin_message。已可见的消息重复放行是空操作
func (s *Service) Approve(ctx context.Context, v visibility.Viewer, id string) (*model.Message, error) {
	if err := s.checkAllowed(ctx, v); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownedBy(row, v.IdentityID) {
		return nil, errForeignTarget
	}
	if !row.IsHiddenFromOwner {
		return row, nil
	}

	approvedAt := s.now()
	fields := map[string]interface{}{
		"is_hidden_from_owner": false,
		"created_at":           approvedAt,
	}
	// 代管者以本人名义发出的消息放行后归入本人，否则本人永远看不到
	if row.IsAdminMessage && row.SenderID == v.IdentityID {
		fields["is_admin_message"] = false
	}
	updated, err := s.store.Update(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	metrics.ReviewActions.WithLabelValues("approve").Inc()
	logger.Info("放行被拦截的消息",
		zap.String("id", id),
		zap.Uint("identity", v.IdentityID),
		zap.Uint("operator", v.OperatorID),
		zap.Time("approved_at", approvedAt),
	)

	if s.unread != nil && updated.RecipientID == v.IdentityID {
		if err := s.unread(updated.RecipientID, updated.SenderID); err != nil {
			logger.Warn("更新未读计数失败", zap.String("id", id), zap.Error(err))
		}
	}
	return updated, nil
}

// Reject 拒绝消息：物理删除，不可恢复
// 已删除的消息重复拒绝是空操作
func (s *Service) Reject(ctx context.Context, v visibility.Viewer, id string) error {
	if err := s.checkAllowed(ctx, v); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.store.Get(ctx, id)
	if apperror.Is(err, apperror.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ownedBy(row, v.IdentityID) {
		return errForeignTarget
	}
	if !row.IsHiddenFromOwner {
		return errNotHidden
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	metrics.ReviewActions.WithLabelValues("reject").Inc()
	logger.Info("拒绝被拦截的消息",
		zap.String("id", id),
		zap.Uint("identity", v.IdentityID),
		zap.Uint("operator", v.OperatorID),
	)
	return nil
}
