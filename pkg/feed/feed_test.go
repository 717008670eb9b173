package feed

import (
	"context"
	"testing"
	"time"

	"ghost-im/config"
	"ghost-im/internal/model"
	"ghost-im/internal/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBus(client, config.FeedConfig{ChannelPrefix: "test:"}), mr
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "事件流已关闭")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("等待事件超时")
	}
	return Event{}
}

func TestChannelNamesArePairSymmetric(t *testing.T) {
	bus, _ := newTestBus(t)
	assert.Equal(t, "test:feed:pair:1:2", bus.PairChannel(2, 1))
	assert.Equal(t, bus.PairChannel(1, 2), bus.PairChannel(2, 1))
	assert.Equal(t, "test:signal:pair:3:9", bus.SignalChannel(9, 3))
	assert.Equal(t, "test:feed:identity:4", bus.IdentityChannel(4))
}

func TestPublishAndReceive(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, bus.PairChannel(1, 2), bus.SignalChannel(1, 2), bus.IdentityChannel(1))
	require.NoError(t, err)
	defer sub.Close()

	row := &model.Message{ID: "m1", SenderID: 2, RecipientID: 1, Content: "hello"}
	require.NoError(t, bus.PublishRow(ctx, OpInsert, row))
	ev := next(t, sub)
	assert.Equal(t, OpInsert, ev.Op)
	require.NotNil(t, ev.Row)
	assert.Equal(t, "hello", ev.Row.Content)

	require.NoError(t, bus.Signal(ctx, 1, 2, []string{"m1"}))
	ev = next(t, sub)
	assert.Equal(t, OpDelete, ev.Op)
	assert.True(t, ev.Broadcast)
	assert.Equal(t, []string{"m1"}, ev.DeletedIDs())

	require.NoError(t, bus.PublishSessionState(ctx, 1, session.Stopped))
	ev = next(t, sub)
	assert.Equal(t, OpSession, ev.Op)
	assert.Equal(t, session.Stopped, ev.State)
	assert.Equal(t, uint(1), ev.Identity)
}

func TestOtherPairsAreNotDelivered(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, bus.PairChannel(1, 2))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.PublishRow(ctx, OpInsert, &model.Message{ID: "x", SenderID: 1, RecipientID: 3}))
	require.NoError(t, bus.PublishDeletes(ctx, 2, 1, []string{"y"}))

	ev := next(t, sub)
	assert.Equal(t, OpDelete, ev.Op)
	assert.Equal(t, []string{"y"}, ev.IDs)
}

func TestCloseClosesEvents(t *testing.T) {
	bus, _ := newTestBus(t)
	sub, err := bus.Subscribe(context.Background(), bus.PairChannel(1, 2), bus.PairChannel(1, 2))
	require.NoError(t, err)
	assert.Len(t, sub.Channels(), 1)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestResyncAfterReconnect(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, bus.PairChannel(1, 2), bus.IdentityChannel(1))
	require.NoError(t, err)
	defer sub.Close()

	mr.Close()
	require.NoError(t, mr.Restart())

	ev := next(t, sub)
	assert.Equal(t, OpResync, ev.Op)

	// 重新订阅后继续收到事件
	require.NoError(t, bus.PublishDeletes(ctx, 1, 2, []string{"z"}))
	ev = next(t, sub)
	assert.Equal(t, OpDelete, ev.Op)
}

func TestHandleResyncOnlyOncePerReconnect(t *testing.T) {
	s := &Subscription{
		channels:  []string{"a", "b"},
		ready:     make(chan struct{}),
		confirmed: map[string]bool{},
	}

	_, emit := s.handle(&redis.Subscription{Kind: "subscribe", Channel: "a", Count: 1})
	assert.False(t, emit)
	_, emit = s.handle(&redis.Subscription{Kind: "subscribe", Channel: "b", Count: 2})
	assert.False(t, emit)
	assert.True(t, s.isReady)

	ev, emit := s.handle(&redis.Subscription{Kind: "subscribe", Channel: "a", Count: 1})
	assert.True(t, emit)
	assert.Equal(t, OpResync, ev.Op)
	_, emit = s.handle(&redis.Subscription{Kind: "subscribe", Channel: "b", Count: 2})
	assert.False(t, emit)

	_, emit = s.handle(&redis.Message{Channel: "a", Payload: "not json"})
	assert.False(t, emit)
}
