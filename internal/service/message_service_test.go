package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"ghost-im/internal/deletion"
	"ghost-im/internal/model"
	"ghost-im/internal/repository"
	"ghost-im/internal/session"
	"ghost-im/internal/store"
	"ghost-im/internal/testutil"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/apperror"
	"ghost-im/pkg/prefs"
	"ghost-im/pkg/redis"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// replyFailingStore 带回复引用的写入总是失败
type replyFailingStore struct {
	store.MessageStore
	attempts int
}

func (s *replyFailingStore) Insert(ctx context.Context, m *model.Message) (*model.Message, error) {
	s.attempts++
	if m.ReplyToID != nil {
		return nil, apperror.Wrap(apperror.KindTransientStore, "消息存储暂不可用", errors.New("fk violation"))
	}
	return s.MessageStore.Insert(ctx, m)
}

// downStore 写入总是失败
type downStore struct {
	store.MessageStore
}

func (downStore) Insert(context.Context, *model.Message) (*model.Message, error) {
	return nil, apperror.Wrap(apperror.KindTransientStore, "消息存储暂不可用", errors.New("connection refused"))
}

type fixture struct {
	svc      *MessageService
	st       store.MessageStore
	sessions *session.Service
	del      *deletion.Service
	orm      *gorm.DB

	alice, bob, carol uint
}

func setup(t *testing.T, wrap func(store.MessageStore) store.MessageStore) *fixture {
	t.Helper()
	orm := testutil.NewDB(t)
	client, _ := testutil.NewRedis(t)
	redis.SetClient(client)
	t.Cleanup(func() { redis.SetClient(nil) })

	p, err := prefs.Open(filepath.Join(t.TempDir(), "prefs"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	msgRepo := repository.NewMessageRepository(orm)
	userRepo := repository.NewUserRepository(orm)
	var st store.MessageStore = store.NewFeedStore(msgRepo, nil)
	if wrap != nil {
		st = wrap(st)
	}
	sessions := session.NewService(userRepo, nil)
	del := deletion.NewService(st, p, nil, false)

	return &fixture{
		svc:      NewMessageService(st, msgRepo, userRepo, sessions, del, 2),
		st:       st,
		sessions: sessions,
		del:      del,
		orm:      orm,
		alice:    testutil.CreateUser(t, orm, "alice", false).ID,
		bob:      testutil.CreateUser(t, orm, "bob", false).ID,
		carol:    testutil.CreateUser(t, orm, "carol", false).ID,
	}
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	me := visibility.Owner(f.alice)

	cases := []struct {
		name string
		in   SendInput
		kind apperror.Kind
	}{
		{"空内容", SendInput{RecipientID: f.bob, Content: "  "}, apperror.KindInvalidInput},
		{"发给自己", SendInput{RecipientID: f.alice, Content: "hi"}, apperror.KindInvalidInput},
		{"类型无效", SendInput{RecipientID: f.bob, Content: "hi", Kind: "video"}, apperror.KindInvalidInput},
		{"接收者不存在", SendInput{RecipientID: 999, Content: "hi"}, apperror.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, me, tc.in)
			assert.True(t, apperror.Is(err, tc.kind), "got %v", err)
		})
	}
}

func TestOperatorSendActivatesSession(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	op := visibility.Operator(100, f.alice)

	row, err := f.svc.Send(ctx, op, SendInput{RecipientID: f.bob, Content: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, f.alice, row.SenderID)
	assert.True(t, row.IsAdminMessage)
	assert.True(t, row.IsHiddenFromOwner)
	assert.Equal(t, f.alice, row.HiddenFromID)

	st, err := f.sessions.State(ctx, f.alice)
	require.NoError(t, err)
	assert.Equal(t, session.Active, st)

	// 会话中发给 alice 的消息对 alice 隐藏，发给别人的不受影响
	in, err := f.svc.Send(ctx, visibility.Owner(f.bob), SendInput{RecipientID: f.alice, Content: "incoming"})
	require.NoError(t, err)
	assert.True(t, in.IsHiddenFromOwner)
	assert.Equal(t, f.alice, in.HiddenFromID)

	other, err := f.svc.Send(ctx, visibility.Owner(f.bob), SendInput{RecipientID: f.carol, Content: "other"})
	require.NoError(t, err)
	assert.False(t, other.IsHiddenFromOwner)

	_, err = f.sessions.Stop(ctx, f.alice)
	require.NoError(t, err)
	after, err := f.svc.Send(ctx, visibility.Owner(f.bob), SendInput{RecipientID: f.alice, Content: "after"})
	require.NoError(t, err)
	assert.False(t, after.IsHiddenFromOwner)
}

func TestSendRetriesWithoutReply(t *testing.T) {
	ctx := context.Background()
	var failing *replyFailingStore
	f := setup(t, func(st store.MessageStore) store.MessageStore {
		failing = &replyFailingStore{MessageStore: st}
		return failing
	})

	row, err := f.svc.Send(ctx, visibility.Owner(f.alice), SendInput{RecipientID: f.bob, Content: "re", ReplyToID: "gone"})
	require.NoError(t, err)
	assert.Nil(t, row.ReplyToID)
	assert.Equal(t, 2, failing.attempts)

	// 引用临时消息时直接不带引用
	failing.attempts = 0
	row, err = f.svc.Send(ctx, visibility.Owner(f.alice), SendInput{RecipientID: f.bob, Content: "re", ReplyToID: model.NewTempID()})
	require.NoError(t, err)
	assert.Nil(t, row.ReplyToID)
	assert.Equal(t, 1, failing.attempts)
}

func TestHistoryAppliesVisibility(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	me := visibility.Owner(f.alice)

	a, err := f.svc.Send(ctx, visibility.Owner(f.bob), SendInput{RecipientID: f.alice, Content: "a"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, me, SendInput{RecipientID: f.bob, Content: "b", ReplyToID: a.ID})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, visibility.Operator(100, f.alice), SendInput{RecipientID: f.bob, Content: "ghost"})
	require.NoError(t, err)

	entries, err := f.svc.History(ctx, me, f.bob)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[1].Content)
	require.NotNil(t, entries[1].Reply)
	assert.True(t, entries[1].Reply.Available)

	require.NoError(t, f.del.DeleteForMe(ctx, me, a.ID, nil))
	entries, err = f.svc.History(ctx, me, f.bob)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Reply.Available, "被删除的引用显示为不可用")

	opEntries, err := f.svc.History(ctx, visibility.Operator(100, f.alice), f.bob)
	require.NoError(t, err)
	assert.Len(t, opEntries, 3)
}

func TestInboxAndUnread(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	me := visibility.Owner(f.alice)

	for _, content := range []string{"b1", "b2"} {
		_, err := f.svc.Send(ctx, visibility.Owner(f.bob), SendInput{RecipientID: f.alice, Content: content})
		require.NoError(t, err)
	}
	_, err := f.svc.Send(ctx, visibility.Owner(f.carol), SendInput{RecipientID: f.alice, Content: "c1"})
	require.NoError(t, err)

	n, err := f.svc.UnreadCount(ctx, f.alice, f.bob)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// 计数已缓存后，新消息在缓存上递增
	_, err = f.svc.Send(ctx, visibility.Owner(f.bob), SendInput{RecipientID: f.alice, Content: "b3"})
	require.NoError(t, err)
	cached, err := redis.GetUnreadCount(f.alice, f.bob)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cached)

	items, err := f.svc.Inbox(ctx, me)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, f.bob, items[0].PeerID)
	assert.Equal(t, "bob", items[0].PeerName)
	assert.Equal(t, "b3", items[0].LastMessage.Content)
	assert.Equal(t, int64(3), items[0].UnreadCount)
	assert.Equal(t, int64(1), items[1].UnreadCount)

	// 代管者查看不会标记已读
	marked, err := f.svc.MarkConversationRead(ctx, visibility.Operator(100, f.alice), f.bob)
	require.NoError(t, err)
	assert.Zero(t, marked)

	marked, err = f.svc.MarkConversationRead(ctx, me, f.bob)
	require.NoError(t, err)
	assert.Equal(t, int64(3), marked)
	n, err = f.svc.UnreadCount(ctx, f.alice, f.bob)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInboxRespectsLimit(t *testing.T) {
	ctx := context.Background()
	f := setup(t, nil)
	dave := testutil.CreateUser(t, f.orm, "dave", false).ID

	for _, peer := range []uint{f.bob, f.carol, dave} {
		_, err := f.svc.Send(ctx, visibility.Owner(f.alice), SendInput{RecipientID: peer, Content: "hi"})
		require.NoError(t, err)
	}

	items, err := f.svc.Inbox(ctx, visibility.Owner(f.alice))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, dave, items[0].PeerID)
	assert.Equal(t, f.carol, items[1].PeerID)
}

func TestFailedOperatorSendLeavesSessionIdle(t *testing.T) {
	ctx := context.Background()
	f := setup(t, func(st store.MessageStore) store.MessageStore { return downStore{st} })

	_, err := f.svc.Send(ctx, visibility.Operator(100, f.alice), SendInput{RecipientID: f.bob, Content: "ghost"})
	assert.True(t, apperror.Is(err, apperror.KindTransientStore), "got %v", err)

	st, err := f.sessions.State(ctx, f.alice)
	require.NoError(t, err)
	assert.Equal(t, session.Idle, st)
}
