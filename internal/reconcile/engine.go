// Package reconcile 将全量拉取、本地乐观写入与变更事件合并为一个有序、去重的消息列表。
//
// 每个打开的会话（视角, 对方）对应一个 Engine。列表只由 Run 所在的协程修改，
// 所有操作都以命令的形式排队，按到达顺序依次执行。
package reconcile

import (
	"context"
	"errors"
	"time"

	"ghost-im/config"
	"ghost-im/internal/model"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/feed"
)

// ErrStopped 引擎已停止
var ErrStopped = errors.New("reconcile: engine stopped")

// Engine 单写者会话合并引擎
type Engine struct {
	viewer visibility.Viewer
	peer   uint

	cmds    chan func()
	changes chan struct{}
	done    chan struct{}

	state *list
}

// New 创建引擎，local 为该视角已持久化的本地删除集合
func New(viewer visibility.Viewer, peer uint, cfg config.EngineConfig, local visibility.Set) *Engine {
	return NewWithClock(viewer, peer, cfg, local, time.Now)
}

// NewWithClock 指定时钟创建引擎
func NewWithClock(viewer visibility.Viewer, peer uint, cfg config.EngineConfig, local visibility.Set, now func() time.Time) *Engine {
	window := cfg.RecencyWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	buffer := cfg.CommandBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Engine{
		viewer:  viewer,
		peer:    peer,
		cmds:    make(chan func(), buffer),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
		state:   newList(viewer.IdentityID, peer, window, now, local.Clone()),
	}
}

// Viewer 引擎所属视角
func (e *Engine) Viewer() visibility.Viewer { return e.viewer }

// Peer 会话对方
func (e *Engine) Peer() uint { return e.peer }

// Run 执行命令直到 ctx 取消，只能调用一次
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			cmd()
		}
	}
}

// Done 引擎停止后关闭
func (e *Engine) Done() <-chan struct{} { return e.done }

// Changes 列表发生变化时收到通知，多次变化会合并为一次
func (e *Engine) Changes() <-chan struct{} { return e.changes }

func (e *Engine) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

// exec 排队执行 fn 并等待完成；返回 nil 表示 fn 已执行
func (e *Engine) exec(ctx context.Context, fn func() bool) error {
	finished := make(chan struct{})
	cmd := func() {
		if fn() {
			e.notify()
		}
		close(finished)
	}
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// Load 用全量拉取结果重建列表
func (e *Engine) Load(ctx context.Context, rows []*model.Message) error {
	return e.exec(ctx, func() bool {
		e.state.load(rows)
		return true
	})
}

// Apply 合并一条变更事件
func (e *Engine) Apply(ctx context.Context, ev feed.Event) error {
	return e.exec(ctx, func() bool { return e.state.apply(ev) })
}

// AddPending 追加本地乐观写入的临时消息
func (e *Engine) AddPending(ctx context.Context, m *model.Message) error {
	return e.exec(ctx, func() bool { return e.state.addPending(m) })
}

// Confirm 临时消息落库成功
func (e *Engine) Confirm(ctx context.Context, tempID string, row *model.Message) error {
	return e.exec(ctx, func() bool { return e.state.confirm(tempID, row) })
}

// Discard 临时消息发送失败，回滚
func (e *Engine) Discard(ctx context.Context, tempID string) error {
	return e.exec(ctx, func() bool { return e.state.discard(tempID) })
}

// Remove 乐观移除（对所有人删除），并阻止迟到的事件让它重新出现
func (e *Engine) Remove(ctx context.Context, ids ...string) error {
	return e.exec(ctx, func() bool { return e.state.remove(ids...) })
}

// HideLocal 本地隐藏（仅自己删除）
func (e *Engine) HideLocal(ctx context.Context, ids ...string) error {
	return e.exec(ctx, func() bool { return e.state.hideLocal(ids...) })
}

// Visible 当前视角可见的消息（副本）
func (e *Engine) Visible(ctx context.Context) ([]*model.Message, error) {
	var out []*model.Message
	err := e.exec(ctx, func() bool {
		out = cloneAll(visibility.Filter(e.state.msgs, e.viewer, e.state.local))
		return false
	})
	return out, err
}

// All 合并后的全部消息，未经可见性过滤（副本）
func (e *Engine) All(ctx context.Context) ([]*model.Message, error) {
	var out []*model.Message
	err := e.exec(ctx, func() bool {
		out = cloneAll(e.state.msgs)
		return false
	})
	return out, err
}

// Find 按ID查找，不存在时返回 nil
func (e *Engine) Find(ctx context.Context, id string) (*model.Message, error) {
	var out *model.Message
	err := e.exec(ctx, func() bool {
		if i := e.state.index(id); i >= 0 {
			out = e.state.msgs[i].Clone()
		}
		return false
	})
	return out, err
}
