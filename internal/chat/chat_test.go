package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ghost-im/config"
	"ghost-im/internal/deletion"
	"ghost-im/internal/model"
	"ghost-im/internal/repository"
	"ghost-im/internal/review"
	"ghost-im/internal/service"
	"ghost-im/internal/session"
	"ghost-im/internal/store"
	"ghost-im/internal/testutil"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/prefs"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	svc   *Service
	store *store.FeedStore
	mr    *miniredis.Miniredis

	alice, bob, admin uint
}

func newEnv(t *testing.T) *env {
	t.Helper()
	orm := testutil.NewDB(t)
	bus, mr := testutil.NewBus(t)
	p, err := prefs.Open(filepath.Join(t.TempDir(), "prefs"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	msgRepo := repository.NewMessageRepository(orm)
	userRepo := repository.NewUserRepository(orm)
	st := store.NewFeedStore(msgRepo, bus)
	sessions := session.NewService(userRepo, bus)
	del := deletion.NewService(st, p, bus, false)
	rev := review.NewService(st, sessions, nil)
	msgs := service.NewMessageService(st, msgRepo, userRepo, sessions, del, 50)

	return &env{
		svc:   NewService(bus, st, msgs, del, rev, sessions, config.EngineConfig{RecencyWindow: 30 * time.Second}),
		store: st,
		mr:    mr,
		alice: testutil.CreateUser(t, orm, "alice", false).ID,
		bob:   testutil.CreateUser(t, orm, "bob", false).ID,
		admin: testutil.CreateUser(t, orm, "admin", true).ID,
	}
}

func (e *env) open(t *testing.T, v visibility.Viewer, peer uint) *Conversation {
	t.Helper()
	c, err := e.svc.Open(context.Background(), v, peer)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func contents(t *testing.T, c *Conversation) []string {
	t.Helper()
	entries, err := c.Messages(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Content)
	}
	return out
}

func eventually(t *testing.T, c *Conversation, want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, contents(t, c))
	}, 5*time.Second, 20*time.Millisecond, "期望 %v", want)
}

func TestSendReachesBothSides(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceChat := e.open(t, visibility.Owner(e.alice), e.bob)
	bobChat := e.open(t, visibility.Owner(e.bob), e.alice)

	row, err := aliceChat.Send(ctx, "hi bob", "", "")
	require.NoError(t, err)
	assert.False(t, row.IsTemp())

	// 发送者本地立即可见，不会重复
	assert.Equal(t, []string{"hi bob"}, contents(t, aliceChat))
	eventually(t, bobChat, []string{"hi bob"})
	eventually(t, aliceChat, []string{"hi bob"})

	// 对方打开会话时收到的消息会被标记为已读
	require.Eventually(t, func() bool {
		got, err := e.store.Get(ctx, row.ID)
		return err == nil && got.IsRead
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReplyToTempIsDropped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.open(t, visibility.Owner(e.alice), e.bob)

	row, err := c.Send(ctx, "reply", model.KindText, model.NewTempID())
	require.NoError(t, err)
	assert.Nil(t, row.ReplyToID)

	parent, err := c.Send(ctx, "parent", "", "")
	require.NoError(t, err)
	reply, err := c.Send(ctx, "child", "", parent.ID)
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyToID)

	entries, err := c.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NotNil(t, entries[2].Reply)
	assert.True(t, entries[2].Reply.Available)
	assert.Equal(t, "parent", entries[2].Reply.Content)

	_, err = c.Send(ctx, "   ", "", "")
	assert.True(t, apperror.Is(err, apperror.KindInvalidInput))
}

func TestGhostSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	op := visibility.Operator(e.admin, e.alice)

	opChat := e.open(t, op, e.bob)
	aliceChat := e.open(t, visibility.Owner(e.alice), e.bob)
	bobChat := e.open(t, visibility.Owner(e.bob), e.alice)

	// 代管者首次发送自动开启会话
	ghost, err := opChat.Send(ctx, "from admin", "", "")
	require.NoError(t, err)
	assert.True(t, ghost.IsAdminMessage)
	eventually(t, bobChat, []string{"from admin"})

	// 会话中对方的回复对本人隐藏
	_, err = bobChat.Send(ctx, "bob reply", "", "")
	require.NoError(t, err)
	eventually(t, opChat, []string{"from admin", "bob reply"})
	eventually(t, aliceChat, []string{})

	// 会话进行中不能审核
	_, err = opChat.Approve(ctx, ghost.ID)
	assert.True(t, apperror.Is(err, apperror.KindPermissionViolation))

	queue, err := opChat.StopSession(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)

	// 会话结束后的新消息不再隐藏
	_, err = bobChat.Send(ctx, "after stop", "", "")
	require.NoError(t, err)
	eventually(t, aliceChat, []string{"after stop"})

	var reply *model.Message
	for _, m := range queue {
		if m.Content == "bob reply" {
			reply = m
		}
	}
	require.NotNil(t, reply)

	approved, err := opChat.Approve(ctx, reply.ID)
	require.NoError(t, err)
	assert.False(t, approved.IsHiddenFromOwner)
	// 放行时间改写为当前时间，排在会话结束后的消息之后
	eventually(t, aliceChat, []string{"after stop", "bob reply"})

	require.NoError(t, opChat.Reject(ctx, ghost.ID))
	eventually(t, bobChat, []string{"after stop", "bob reply"})
	eventually(t, opChat, []string{"after stop", "bob reply"})

	// 本人不能结束会话
	_, err = aliceChat.StopSession(ctx)
	assert.True(t, apperror.Is(err, apperror.KindPermissionViolation))
}

func TestApprovedGhostMessageReachesOwner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	op := visibility.Operator(e.admin, e.alice)

	opChat := e.open(t, op, e.bob)
	aliceChat := e.open(t, visibility.Owner(e.alice), e.bob)

	hi, err := opChat.Send(ctx, "hi", "", "")
	require.NoError(t, err)
	assert.True(t, hi.IsHiddenFromOwner)
	eventually(t, opChat, []string{"hi"})
	eventually(t, aliceChat, []string{})

	queue, err := opChat.StopSession(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	bobChat := e.open(t, visibility.Owner(e.bob), e.alice)
	_, err = bobChat.Send(ctx, "later", "", "")
	require.NoError(t, err)
	eventually(t, aliceChat, []string{"later"})

	approved, err := opChat.Approve(ctx, hi.ID)
	require.NoError(t, err)
	assert.False(t, approved.IsAdminMessage)
	// 放行后按放行时间排在后面
	eventually(t, aliceChat, []string{"later", "hi"})
}

func TestDeleteForEveryonePropagates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceChat := e.open(t, visibility.Owner(e.alice), e.bob)
	bobChat := e.open(t, visibility.Owner(e.bob), e.alice)

	x, err := aliceChat.Send(ctx, "x", "", "")
	require.NoError(t, err)
	_, err = aliceChat.Send(ctx, "y", "", "")
	require.NoError(t, err)
	eventually(t, bobChat, []string{"x", "y"})

	err = bobChat.DeleteForEveryone(ctx, x.ID)
	assert.True(t, apperror.Is(err, apperror.KindPermissionViolation))

	require.NoError(t, aliceChat.DeleteForEveryone(ctx, x.ID))
	assert.Equal(t, []string{"y"}, contents(t, aliceChat))
	eventually(t, bobChat, []string{"y"})
}

func TestDeleteForMeSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceChat := e.open(t, visibility.Owner(e.alice), e.bob)
	bobChat := e.open(t, visibility.Owner(e.bob), e.alice)

	row, err := bobChat.Send(ctx, "keep for bob", "", "")
	require.NoError(t, err)
	eventually(t, aliceChat, []string{"keep for bob"})

	require.NoError(t, aliceChat.DeleteForMe(ctx, row.ID))
	assert.Empty(t, contents(t, aliceChat))
	require.NoError(t, aliceChat.Close())

	reopened := e.open(t, visibility.Owner(e.alice), e.bob)
	assert.Empty(t, contents(t, reopened))
	assert.Equal(t, []string{"keep for bob"}, contents(t, bobChat))
}

func TestResyncAfterFeedDrop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceChat := e.open(t, visibility.Owner(e.alice), e.bob)

	e.mr.Close()
	// 断开期间写入的消息不会通过变更通道送达
	_, err := e.store.Insert(ctx, &model.Message{SenderID: e.bob, RecipientID: e.alice, Content: "while down"})
	require.NoError(t, err)
	require.NoError(t, e.mr.Restart())

	eventually(t, aliceChat, []string{"while down"})
}

func TestOpenRejectsSelf(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Open(context.Background(), visibility.Owner(e.alice), e.alice)
	assert.True(t, apperror.Is(err, apperror.KindInvalidInput))
}

func TestCloseStopsConversation(t *testing.T) {
	e := newEnv(t)
	c := e.open(t, visibility.Owner(e.alice), e.bob)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("会话未停止")
	}
	_, err := c.Messages(context.Background())
	assert.Error(t, err)
}
