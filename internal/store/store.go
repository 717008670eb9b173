// Package store 消息存储：请求/响应接口，以及提交后向变更通道发布事件的实现。
package store

import (
	"context"
	"errors"

	"ghost-im/internal/model"
	"ghost-im/internal/repository"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/feed"
	"ghost-im/pkg/logger"
	"ghost-im/pkg/metrics"

	"go.uber.org/zap"
)

// MessageStore 消息存储
type MessageStore interface {
	Insert(ctx context.Context, m *model.Message) (*model.Message, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) (*model.Message, error)
	Delete(ctx context.Context, id string) error
	DeleteBatch(ctx context.Context, ids []string) error
	Get(ctx context.Context, id string) (*model.Message, error)
	QueryPair(ctx context.Context, a, b uint) ([]*model.Message, error)
	QueryHidden(ctx context.Context, identity uint) ([]*model.Message, error)
	RecordDeletedBy(ctx context.Context, id string, identity uint) error
}

// Publisher 变更事件发布
type Publisher interface {
	PublishRow(ctx context.Context, op feed.Op, row *model.Message) error
	PublishDeletes(ctx context.Context, a, b uint, ids []string) error
}

// FeedStore 基于数据库仓储的消息存储，每次提交成功后发布变更事件
type FeedStore struct {
	repo *repository.MessageRepository
	pub  Publisher
}

// NewFeedStore 创建存储，pub 为 nil 时不发布事件
func NewFeedStore(repo *repository.MessageRepository, pub Publisher) *FeedStore {
	return &FeedStore{repo: repo, pub: pub}
}

func storeError(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	logger.Error("消息存储操作失败", zap.String("op", op), zap.Error(err))
	return apperror.Wrap(apperror.KindTransientStore, "消息存储暂不可用", err)
}

func (s *FeedStore) publishRow(ctx context.Context, op feed.Op, row *model.Message) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishRow(ctx, op, row); err != nil {
		logger.Warn("发布消息变更失败", zap.String("op", string(op)), zap.String("id", row.ID), zap.Error(err))
	}
}

// Insert 写入消息，临时ID会被替换为持久化ID
func (s *FeedStore) Insert(ctx context.Context, m *model.Message) (*model.Message, error) {
	row := m.Clone()
	if row.ID == "" || row.IsTemp() {
		row.ID = model.NewID()
	}
	if row.Kind == "" {
		row.Kind = model.KindText
	}
	if err := s.repo.Create(ctx, row); err != nil {
		return nil, storeError("insert", err)
	}
	s.publishRow(ctx, feed.OpInsert, row)
	return row.Clone(), nil
}

// Update 更新字段并返回更新后的记录
func (s *FeedStore) Update(ctx context.Context, id string, fields map[string]interface{}) (*model.Message, error) {
	row, err := s.repo.Update(ctx, id, fields)
	if err != nil {
		return nil, storeError("update", err)
	}
	s.publishRow(ctx, feed.OpUpdate, row)
	return row, nil
}

// Delete 物理删除，记录不存在时视为成功
func (s *FeedStore) Delete(ctx context.Context, id string) error {
	row, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return storeError("delete", err)
	}
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return storeError("delete", err)
	}
	if deleted && s.pub != nil {
		if err := s.pub.PublishDeletes(ctx, row.SenderID, row.RecipientID, []string{id}); err != nil {
			logger.Warn("发布删除事件失败", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// DeleteBatch 批量物理删除，按会话分别发布删除事件
func (s *FeedStore) DeleteBatch(ctx context.Context, ids []string) error {
	rows, err := s.repo.ListByIDs(ctx, ids)
	if err != nil {
		return storeError("delete_batch", err)
	}
	if len(rows) == 0 {
		return nil
	}
	existing := make([]string, 0, len(rows))
	for _, r := range rows {
		existing = append(existing, r.ID)
	}
	if _, err := s.repo.DeleteBatch(ctx, existing); err != nil {
		return storeError("delete_batch", err)
	}
	if s.pub == nil {
		return nil
	}

	type pair struct{ lo, hi uint }
	groups := make(map[pair][]string)
	for _, r := range rows {
		p := pair{r.SenderID, r.RecipientID}
		if p.lo > p.hi {
			p.lo, p.hi = p.hi, p.lo
		}
		groups[p] = append(groups[p], r.ID)
	}
	for p, groupIDs := range groups {
		if err := s.pub.PublishDeletes(ctx, p.lo, p.hi, groupIDs); err != nil {
			logger.Warn("发布批量删除事件失败", zap.Strings("ids", groupIDs), zap.Error(err))
		}
	}
	return nil
}

// Get 查询单条消息
func (s *FeedStore) Get(ctx context.Context, id string) (*model.Message, error) {
	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storeError("get", err)
	}
	return row, nil
}

// QueryPair 查询两个用户之间的全部消息
func (s *FeedStore) QueryPair(ctx context.Context, a, b uint) ([]*model.Message, error) {
	rows, err := s.repo.ListPair(ctx, a, b)
	if err != nil {
		return nil, storeError("query", err)
	}
	return rows, nil
}

// QueryHidden 查询对该用户隐藏的消息
func (s *FeedStore) QueryHidden(ctx context.Context, identity uint) ([]*model.Message, error) {
	rows, err := s.repo.ListHiddenFor(ctx, identity)
	if err != nil {
		return nil, storeError("query", err)
	}
	return rows, nil
}

// RecordDeletedBy 在消息的 deleted_by 中记录用户，不发布事件
func (s *FeedStore) RecordDeletedBy(ctx context.Context, id string, identity uint) error {
	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return storeError("update", err)
	}
	if row.IsDeletedBy(identity) {
		return nil
	}
	if _, err := s.repo.SetDeletedBy(ctx, id, append(row.DeletedBy, identity)); err != nil {
		return storeError("update", err)
	}
	return nil
}
