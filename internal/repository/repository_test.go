package repository

import (
	"context"
	"testing"
	"time"

	"ghost-im/internal/model"
	"ghost-im/internal/session"
	"ghost-im/internal/testutil"
	"ghost-im/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, repo *MessageRepository, msgs ...*model.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, repo.Create(context.Background(), m))
	}
}

func TestMessageCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(testutil.NewDB(t))

	reply := "parent"
	m := &model.Message{ID: model.NewID(), SenderID: 1, RecipientID: 2, Content: "hi", ReplyToID: &reply}
	require.NoError(t, repo.Create(ctx, m))

	got, err := repo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, model.KindText, got.Kind)
	require.NotNil(t, got.ReplyToID)
	assert.Equal(t, "parent", *got.ReplyToID)

	got, err = repo.Update(ctx, m.ID, map[string]interface{}{"is_hidden_from_owner": true, "hidden_from_id": 1})
	require.NoError(t, err)
	assert.True(t, got.IsHiddenFromOwner)
	assert.Equal(t, uint(1), got.HiddenFromID)

	got, err = repo.SetDeletedBy(ctx, m.ID, []uint{2})
	require.NoError(t, err)
	assert.Equal(t, []uint{2}, got.DeletedBy)

	ok, err := repo.Delete(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Delete(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.GetByID(ctx, m.ID)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	_, err = repo.Update(ctx, m.ID, map[string]interface{}{"is_read": true})
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestListPairOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(testutil.NewDB(t))
	base := time.Now().Add(-time.Hour)

	seed(t, repo,
		&model.Message{ID: "c", SenderID: 2, RecipientID: 1, Content: "3", CreatedAt: base.Add(2 * time.Second)},
		&model.Message{ID: "a", SenderID: 1, RecipientID: 2, Content: "1", CreatedAt: base},
		&model.Message{ID: "b", SenderID: 1, RecipientID: 2, Content: "2", CreatedAt: base.Add(time.Second)},
		&model.Message{ID: "x", SenderID: 1, RecipientID: 3, Content: "other", CreatedAt: base},
	)

	msgs, err := repo.ListPair(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	recent, err := repo.ListForIdentity(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)

	byIDs, err := repo.ListByIDs(ctx, []string{"a", "x", "missing"})
	require.NoError(t, err)
	assert.Len(t, byIDs, 2)

	n, err := repo.DeleteBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestHiddenAndUnread(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository(testutil.NewDB(t))
	base := time.Now().Add(-time.Hour)

	seed(t, repo,
		// 对方发来、可见、未读
		&model.Message{ID: "v1", SenderID: 2, RecipientID: 1, Content: "a", CreatedAt: base},
		&model.Message{ID: "v2", SenderID: 2, RecipientID: 1, Content: "b", CreatedAt: base.Add(time.Second)},
		// 对方发来、被拦截
		&model.Message{ID: "h1", SenderID: 2, RecipientID: 1, Content: "c", IsHiddenFromOwner: true, HiddenFromID: 1, CreatedAt: base.Add(2 * time.Second)},
		// 管理员代用户 1 发出、被拦截
		&model.Message{ID: "h2", SenderID: 1, RecipientID: 3, Content: "d", IsAdminMessage: true, IsHiddenFromOwner: true, HiddenFromID: 1, CreatedAt: base.Add(3 * time.Second)},
		// 隐藏的是对方
		&model.Message{ID: "h3", SenderID: 1, RecipientID: 2, Content: "e", IsHiddenFromOwner: true, HiddenFromID: 2, CreatedAt: base.Add(4 * time.Second)},
		&model.Message{ID: "v3", SenderID: 3, RecipientID: 1, Content: "f", CreatedAt: base.Add(5 * time.Second)},
	)

	hidden, err := repo.ListHiddenFor(ctx, 1)
	require.NoError(t, err)
	require.Len(t, hidden, 2)
	assert.Equal(t, "h1", hidden[0].ID)
	assert.Equal(t, "h2", hidden[1].ID)

	n, err := repo.CountUnread(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	byPeer, err := repo.CountUnreadByPeer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[uint]int64{2: 2, 3: 1}, byPeer)

	marked, err := repo.MarkConversationAsRead(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	h1, err := repo.GetByID(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, h1.IsRead, "拦截中的消息不能被标记为已读")

	require.NoError(t, repo.MarkAsRead(ctx, "v3"))
	n, err = repo.CountUnread(ctx, 1, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionStateStorage(t *testing.T) {
	ctx := context.Background()
	orm := testutil.NewDB(t)
	users := NewUserRepository(orm)
	u := testutil.CreateUser(t, orm, "alice", false)

	st, err := users.GetSessionState(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Idle, st)

	require.NoError(t, users.SetSessionState(ctx, u.ID, session.Active))
	st, err = users.GetSessionState(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Active, st)

	_, err = users.GetSessionState(ctx, 999)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	isAdmin, err := users.IsAdmin(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, isAdmin)
	require.NoError(t, users.SetAdmin(ctx, u.ID, true))
	isAdmin, err = users.IsAdmin(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, isAdmin)
	assert.True(t, apperror.Is(users.SetAdmin(ctx, 999, true), apperror.KindNotFound))

	require.NoError(t, users.UpdateStatus(ctx, u.ID, "online"))
	got, err := users.GetByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, "online", got.Status)
}
