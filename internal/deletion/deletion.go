// Package deletion 三种删除方式：仅自己删除、对所有人删除、批量删除。
package deletion

import (
	"context"

	"ghost-im/internal/model"
	"ghost-im/internal/store"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/logger"
	"ghost-im/pkg/metrics"

	"go.uber.org/zap"
)

// LocalPrefs 本地持久化的删除记录
type LocalPrefs interface {
	AddDeleted(viewerKey string, ids ...string) error
	Deleted(viewerKey string) ([]string, error)
}

// Signaler 删除预通知
type Signaler interface {
	Signal(ctx context.Context, a, b uint, ids []string) error
}

// View 打开中的会话视图（reconcile.Engine）
type View interface {
	Find(ctx context.Context, id string) (*model.Message, error)
	Remove(ctx context.Context, ids ...string) error
	HideLocal(ctx context.Context, ids ...string) error
}

// Service 删除服务
type Service struct {
	store         store.MessageStore
	prefs         LocalPrefs
	signal        Signaler
	recordInStore bool
}

// NewService 创建删除服务
// recordInStore 为 true 时，真实用户的“仅自己删除”同时写入消息的 deleted_by
func NewService(st store.MessageStore, prefs LocalPrefs, signal Signaler, recordInStore bool) *Service {
	return &Service{store: st, prefs: prefs, signal: signal, recordInStore: recordInStore}
}

// LocalDeletions 读取视角的本地删除集合
func (s *Service) LocalDeletions(v visibility.Viewer) (visibility.Set, error) {
	ids, err := s.prefs.Deleted(v.Key())
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransientStore, "读取本地删除记录失败", err)
	}
	return visibility.NewSet(ids...), nil
}

// DeleteForMe 仅对当前视角隐藏，不通知对方
func (s *Service) DeleteForMe(ctx context.Context, v visibility.Viewer, id string, view View) error {
	if id == "" {
		return apperror.New(apperror.KindInvalidInput, "消息ID不能为空")
	}
	if err := s.prefs.AddDeleted(v.Key(), id); err != nil {
		return apperror.Wrap(apperror.KindTransientStore, "保存本地删除记录失败", err)
	}
	if view != nil {
		if err := view.HideLocal(ctx, id); err != nil {
			logger.Warn("本地隐藏消息失败", zap.String("id", id), zap.Error(err))
		}
	}
	metrics.Deletions.WithLabelValues("me").Inc()

	if s.recordInStore && !v.IsOperator() && !model.IsTempID(id) {
		if err := s.store.RecordDeletedBy(ctx, id, v.IdentityID); err != nil {
			logger.Warn("记录 deleted_by 失败", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// resolve 优先从会话视图中查找，找不到再查询存储
func (s *Service) resolve(ctx context.Context, id string, view View) (*model.Message, error) {
	if model.IsTempID(id) {
		return nil, apperror.New(apperror.KindInvalidInput, "消息尚未发送成功，不能删除")
	}
	if view != nil {
		if m, err := view.Find(ctx, id); err == nil && m != nil {
			return m, nil
		}
	}
	return s.store.Get(ctx, id)
}

// checkSender 只有发送者可以对所有人删除；真实用户不能删除管理员以其名义发送的消息
func checkSender(m *model.Message, v visibility.Viewer) error {
	if m.SenderID != v.IdentityID {
		return apperror.New(apperror.KindPermissionViolation, "只能删除自己发送的消息")
	}
	if !v.IsOperator() && m.IsAdminMessage {
		return apperror.New(apperror.KindPermissionViolation, "只能删除自己发送的消息")
	}
	return nil
}

// DeleteForEveryone 先广播删除预通知并从本地移除，再执行持久化删除
// 持久化删除失败时返回错误，但不回滚已经移除的本地状态
func (s *Service) DeleteForEveryone(ctx context.Context, v visibility.Viewer, id string, view View) error {
	m, err := s.resolve(ctx, id, view)
	if err != nil {
		return err
	}
	if err := checkSender(m, v); err != nil {
		return err
	}

	s.broadcast(ctx, m.SenderID, m.RecipientID, []string{id})
	if view != nil {
		if err := view.Remove(ctx, id); err != nil {
			logger.Warn("本地移除消息失败", zap.String("id", id), zap.Error(err))
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return apperror.Wrap(apperror.KindTransientStore, "删除消息失败", err)
	}
	metrics.Deletions.WithLabelValues("everyone").Inc()
	return nil
}

// BulkDelete 批量对所有人删除；任意一条校验失败则整体拒绝
func (s *Service) BulkDelete(ctx context.Context, v visibility.Viewer, ids []string, view View) error {
	ids = unique(ids)
	if len(ids) == 0 {
		return apperror.New(apperror.KindInvalidInput, "消息ID不能为空")
	}

	type pair struct{ lo, hi uint }
	groups := make(map[pair][]string)
	for _, id := range ids {
		m, err := s.resolve(ctx, id, view)
		if err != nil {
			return err
		}
		if err := checkSender(m, v); err != nil {
			return err
		}
		p := pair{m.SenderID, m.RecipientID}
		if p.lo > p.hi {
			p.lo, p.hi = p.hi, p.lo
		}
		groups[p] = append(groups[p], id)
	}

	for p, groupIDs := range groups {
		s.broadcast(ctx, p.lo, p.hi, groupIDs)
	}
	if view != nil {
		if err := view.Remove(ctx, ids...); err != nil {
			logger.Warn("本地移除消息失败", zap.Strings("ids", ids), zap.Error(err))
		}
	}

	if err := s.store.DeleteBatch(ctx, ids); err != nil {
		return apperror.Wrap(apperror.KindTransientStore, "批量删除消息失败", err)
	}
	metrics.Deletions.WithLabelValues("bulk").Inc()
	return nil
}

// broadcast 预通知尽力而为，失败只记录日志
func (s *Service) broadcast(ctx context.Context, a, b uint, ids []string) {
	if s.signal == nil {
		return
	}
	if err := s.signal.Signal(ctx, a, b, ids); err != nil {
		logger.Warn("删除预通知发送失败", zap.Strings("ids", ids), zap.Error(err))
	}
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
