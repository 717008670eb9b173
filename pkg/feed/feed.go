// Package feed 基于 Redis 发布订阅的消息变更通道。
//
// 每对用户有两个频道：
//
//	<prefix>feed:pair:<lo>:<hi>    消息行的 insert/update/delete 事件
//	<prefix>signal:pair:<lo>:<hi>  删除预通知（尽力而为，不保证送达）
//
// 每个用户还有一个身份频道 <prefix>feed:identity:<id>，推送代管会话状态。
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ghost-im/config"
	"ghost-im/internal/model"
	"ghost-im/internal/session"

	"github.com/redis/go-redis/v9"
)

// Op 事件类型
type Op string

const (
	OpInsert  Op = "insert"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpSession Op = "session"
	// OpResync 本地合成：订阅断开后重新订阅成功，期间的事件可能已丢失
	OpResync Op = "resync"
)

// Event 变更事件
type Event struct {
	Op        Op             `json:"op"`
	Row       *model.Message `json:"row,omitempty"`
	IDs       []string       `json:"ids,omitempty"`
	Identity  uint           `json:"identity,omitempty"`
	State     session.State  `json:"state,omitempty"`
	Broadcast bool           `json:"broadcast,omitempty"`
}

// DeletedIDs 事件涉及删除的消息ID
func (e Event) DeletedIDs() []string {
	if len(e.IDs) > 0 {
		return e.IDs
	}
	if e.Row != nil {
		return []string{e.Row.ID}
	}
	return nil
}

// Bus 变更通道
type Bus struct {
	client           *redis.Client
	prefix           string
	broadcastTimeout time.Duration
	readyTimeout     time.Duration
}

// NewBus 创建变更通道
func NewBus(client *redis.Client, cfg config.FeedConfig) *Bus {
	b := &Bus{
		client:           client,
		prefix:           cfg.ChannelPrefix,
		broadcastTimeout: cfg.BroadcastTimeout,
		readyTimeout:     cfg.ReadyTimeout,
	}
	if b.broadcastTimeout <= 0 {
		b.broadcastTimeout = 2 * time.Second
	}
	if b.readyTimeout <= 0 {
		b.readyTimeout = 5 * time.Second
	}
	return b
}

func orderPair(a, b uint) (uint, uint) {
	if a > b {
		return b, a
	}
	return a, b
}

// PairChannel 消息行事件频道
func (b *Bus) PairChannel(a, c uint) string {
	lo, hi := orderPair(a, c)
	return fmt.Sprintf("%sfeed:pair:%d:%d", b.prefix, lo, hi)
}

// SignalChannel 删除预通知频道
func (b *Bus) SignalChannel(a, c uint) string {
	lo, hi := orderPair(a, c)
	return fmt.Sprintf("%ssignal:pair:%d:%d", b.prefix, lo, hi)
}

// IdentityChannel 用户身份频道
func (b *Bus) IdentityChannel(identity uint) string {
	return fmt.Sprintf("%sfeed:identity:%d", b.prefix, identity)
}

// Publish 向频道发布事件
func (b *Bus) Publish(ctx context.Context, channel string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化变更事件失败: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("发布变更事件失败: %w", err)
	}
	return nil
}

// PublishRow 发布消息行事件到该消息所属会话的频道
func (b *Bus) PublishRow(ctx context.Context, op Op, row *model.Message) error {
	return b.Publish(ctx, b.PairChannel(row.SenderID, row.RecipientID), Event{Op: op, Row: row})
}

// PublishDeletes 发布消息行删除事件
func (b *Bus) PublishDeletes(ctx context.Context, a, c uint, ids []string) error {
	return b.Publish(ctx, b.PairChannel(a, c), Event{Op: OpDelete, IDs: ids})
}

// Signal 发布删除预通知，使用较短的超时
func (b *Bus) Signal(ctx context.Context, a, c uint, ids []string) error {
	ctx, cancel := context.WithTimeout(ctx, b.broadcastTimeout)
	defer cancel()
	return b.Publish(ctx, b.SignalChannel(a, c), Event{Op: OpDelete, IDs: ids, Broadcast: true})
}

// PublishSessionState 发布代管会话状态变更
func (b *Bus) PublishSessionState(ctx context.Context, identity uint, state session.State) error {
	return b.Publish(ctx, b.IdentityChannel(identity), Event{Op: OpSession, Identity: identity, State: state})
}
