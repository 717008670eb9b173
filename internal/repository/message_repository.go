package repository

import (
	"context"
	"errors"

	"ghost-im/internal/model"
	"ghost-im/pkg/apperror"

	"gorm.io/gorm"
)

// ErrMessageNotFound 消息不存在
var ErrMessageNotFound = apperror.New(apperror.KindNotFound, "消息不存在")

// ownerVisible 对真实用户 ? 可见且未删除的消息条件（占位符依次为 identity, identity）
const ownerVisible = "is_deleted = ? AND NOT (is_hidden_from_owner = ? AND (hidden_from_id = 0 OR hidden_from_id = ?))"

// MessageRepository 消息数据仓储
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建MessageRepository实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create 创建消息
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// GetByID 根据ID获取消息
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	var message model.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// Update 按字段更新消息，返回更新后的完整记录
func (r *MessageRepository) Update(ctx context.Context, id string, fields map[string]interface{}) (*model.Message, error) {
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", id).
		Updates(fields).Error
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// SetDeletedBy 覆盖消息的 deleted_by 列表
func (r *MessageRepository) SetDeletedBy(ctx context.Context, id string, identities []uint) (*model.Message, error) {
	err := r.db.WithContext(ctx).Model(&model.Message{ID: id}).
		Select("DeletedBy").
		Updates(&model.Message{DeletedBy: identities}).Error
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Delete 物理删除消息，返回是否确实删除了记录
func (r *MessageRepository) Delete(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Message{})
	return res.RowsAffected > 0, res.Error
}

// DeleteBatch 批量物理删除
func (r *MessageRepository) DeleteBatch(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Message{})
	return res.RowsAffected, res.Error
}

// ListByIDs 按ID批量查询
func (r *MessageRepository) ListByIDs(ctx context.Context, ids []string) ([]*model.Message, error) {
	var messages []*model.Message
	if len(ids) == 0 {
		return messages, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&messages).Error
	return messages, err
}

// ListPair 获取两个用户之间的全部消息（双向），按时间正序
func (r *MessageRepository) ListPair(ctx context.Context, a, b uint) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.db.WithContext(ctx).Where(
		"(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
		a, b, b, a,
	).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}

// ListForIdentity 获取用户收发的最近消息，按时间倒序（用于会话列表）
func (r *MessageRepository) ListForIdentity(ctx context.Context, identity uint, limit int) ([]*model.Message, error) {
	var messages []*model.Message
	q := r.db.WithContext(ctx).
		Where("sender_id = ? OR recipient_id = ?", identity, identity).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&messages).Error
	return messages, err
}

// ListHiddenFor 获取对该用户隐藏、等待审核的消息，按时间正序
func (r *MessageRepository) ListHiddenFor(ctx context.Context, identity uint) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.db.WithContext(ctx).
		Where("is_hidden_from_owner = ? AND is_deleted = ?", true, false).
		Where("hidden_from_id = ? OR (hidden_from_id = 0 AND (sender_id = ? OR recipient_id = ?))",
			identity, identity, identity).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}

// MarkAsRead 标记消息为已读
func (r *MessageRepository) MarkAsRead(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", id).
		Update("is_read", true).Error
}

// MarkConversationAsRead 将对方发给用户、且用户可见的消息标记为已读
func (r *MessageRepository) MarkConversationAsRead(ctx context.Context, owner, peer uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("recipient_id = ? AND sender_id = ? AND is_read = ?", owner, peer, false).
		Where(ownerVisible, false, true, owner).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// CountUnread 获取对方发给用户、用户可见的未读消息数量
func (r *MessageRepository) CountUnread(ctx context.Context, owner, peer uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("recipient_id = ? AND sender_id = ? AND is_read = ?", owner, peer, false).
		Where(ownerVisible, false, true, owner).
		Count(&count).Error
	return count, err
}

// CountUnreadByPeer 按发送者汇总用户可见的未读消息数量
func (r *MessageRepository) CountUnreadByPeer(ctx context.Context, owner uint) (map[uint]int64, error) {
	var rows []struct {
		SenderID uint
		Total    int64
	}
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Select("sender_id, COUNT(*) AS total").
		Where("recipient_id = ? AND is_read = ?", owner, false).
		Where(ownerVisible, false, true, owner).
		Group("sender_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make(map[uint]int64, len(rows))
	for _, row := range rows {
		result[row.SenderID] = row.Total
	}
	return result, nil
}
