package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ghost-im/pkg/apperror"
	"ghost-im/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Subscription 一组频道的订阅
// go-redis 在连接断开后会自动重连并重新订阅；重新订阅的确认到达时
// Events 会收到一条 OpResync 事件，提示调用方全量拉取。
type Subscription struct {
	ps       *redis.PubSub
	channels []string
	events   chan Event
	ready    chan struct{}
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	confirmed map[string]bool
	isReady   bool
}

// Subscribe 订阅频道，在全部订阅确认到达（或超时）后返回
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	channels = dedupe(channels)
	if len(channels) == 0 {
		return nil, apperror.New(apperror.KindInvalidInput, "订阅频道不能为空")
	}

	s := &Subscription{
		ps:        b.client.Subscribe(ctx, channels...),
		channels:  channels,
		events:    make(chan Event, 256),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		confirmed: make(map[string]bool, len(channels)),
	}

	msgs := s.ps.ChannelWithSubscriptions(redis.WithChannelSize(256))
	s.wg.Add(1)
	go s.loop(msgs)

	timer := time.NewTimer(b.readyTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return s, nil
	case <-ctx.Done():
		s.Close()
		return nil, apperror.Wrap(apperror.KindSubscriptionDrop, "订阅失败", ctx.Err())
	case <-timer.C:
		s.Close()
		return nil, apperror.New(apperror.KindSubscriptionDrop, fmt.Sprintf("等待订阅确认超时: %v", channels))
	}
}

// Events 事件流，Close 后关闭
func (s *Subscription) Events() <-chan Event { return s.events }

// Channels 订阅的频道
func (s *Subscription) Channels() []string { return s.channels }

// Close 取消订阅并等待后台协程退出
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
		close(s.events)
	})
	return err
}

func (s *Subscription) loop(msgs <-chan interface{}) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			ev, emit := s.handle(raw)
			if !emit {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// handle 将 Redis 推送转换为事件，返回 false 表示不需要向外发送
func (s *Subscription) handle(raw interface{}) (Event, bool) {
	switch m := raw.(type) {
	case *redis.Subscription:
		if m.Kind != "subscribe" {
			return Event{}, false
		}
		if !s.isReady {
			s.confirmed[m.Channel] = true
			if len(s.confirmed) == len(s.channels) {
				s.isReady = true
				close(s.ready)
			}
			return Event{}, false
		}
		// 重连后每个频道都会重新确认一次，只按第一个频道触发一次 resync
		if m.Channel == s.channels[0] {
			logger.Warn("订阅已恢复，触发全量同步", zap.Strings("channels", s.channels))
			return Event{Op: OpResync}, true
		}
		return Event{}, false
	case *redis.Message:
		var ev Event
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
			logger.Warn("丢弃无法解析的变更事件", zap.String("channel", m.Channel), zap.Error(err))
			return Event{}, false
		}
		return ev, true
	}
	return Event{}, false
}

func dedupe(channels []string) []string {
	seen := make(map[string]bool, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
