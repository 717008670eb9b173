package visibility

import (
	"fmt"
	"testing"
	"time"

	"ghost-im/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner uint = 1
	peer  uint = 2
	admin uint = 99
)

func TestVisibleExhaustive(t *testing.T) {
	for mask := 0; mask < 32; mask++ {
		hidden := mask&1 != 0
		isAdmin := mask&2 != 0
		deleted := mask&4 != 0
		senderMatch := mask&8 != 0
		operator := mask&16 != 0

		m := &model.Message{
			ID:                fmt.Sprintf("m%d", mask),
			SenderID:          peer,
			RecipientID:       owner,
			IsHiddenFromOwner: hidden,
			IsAdminMessage:    isAdmin,
			IsDeleted:         deleted,
		}
		if senderMatch {
			m.SenderID, m.RecipientID = owner, peer
		}
		v := Owner(owner)
		if operator {
			v = Operator(admin, owner)
		}

		want := !deleted && (operator || (!hidden && !(senderMatch && isAdmin)))
		name := fmt.Sprintf("hidden=%t/admin=%t/deleted=%t/sender=%t/operator=%t",
			hidden, isAdmin, deleted, senderMatch, operator)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, Visible(m, v, nil))
			// 纯函数：重复调用结果一致，且不修改输入
			before := *m
			assert.Equal(t, want, Visible(m, v, nil))
			assert.Equal(t, before, *m)
		})
	}
}

func TestLocalDeletionWins(t *testing.T) {
	m := &model.Message{ID: "x", SenderID: peer, RecipientID: owner}
	assert.False(t, Visible(m, Owner(owner), NewSet("x")))
	assert.False(t, Visible(m, Operator(admin, owner), NewSet("x")))
	assert.True(t, Visible(m, Owner(peer), NewSet()))
}

func TestDeletedByIsPerViewer(t *testing.T) {
	m := &model.Message{ID: "y", SenderID: peer, RecipientID: owner, DeletedBy: []uint{owner}}
	assert.False(t, Visible(m, Owner(owner), nil))
	assert.True(t, Visible(m, Owner(peer), nil))
	assert.True(t, Visible(m, Operator(admin, owner), nil))
}

func TestHiddenFromIsScoped(t *testing.T) {
	m := &model.Message{ID: "z", SenderID: owner, RecipientID: peer, IsAdminMessage: true,
		IsHiddenFromOwner: true, HiddenFromID: owner}

	assert.False(t, Visible(m, Owner(owner), nil))
	assert.True(t, Visible(m, Owner(peer), nil))
	assert.True(t, Visible(m, Operator(admin, owner), nil))

	m.HiddenFromID = 0
	assert.False(t, Visible(m, Owner(peer), nil))
}

func TestViewerKey(t *testing.T) {
	assert.Equal(t, "u:1", Owner(1).Key())
	assert.Equal(t, "op:99:as:1", Operator(99, 1).Key())
	assert.False(t, Owner(1).IsOperator())
	assert.True(t, Operator(99, 1).IsOperator())
}

func TestFilterKeepsOrder(t *testing.T) {
	msgs := []*model.Message{
		{ID: "a", SenderID: peer, RecipientID: owner},
		{ID: "b", SenderID: peer, RecipientID: owner, IsHiddenFromOwner: true},
		{ID: "c", SenderID: owner, RecipientID: peer},
	}
	got := Filter(msgs, Owner(owner), nil)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
	assert.Len(t, Filter(msgs, Operator(admin, owner), nil), 3)
}

func TestConversations(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := []*model.Message{
		{ID: "1", SenderID: 2, RecipientID: owner, CreatedAt: base},
		{ID: "2", SenderID: owner, RecipientID: 2, CreatedAt: base.Add(time.Minute)},
		{ID: "3", SenderID: 3, RecipientID: owner, CreatedAt: base.Add(2 * time.Minute)},
		// 对用户隐藏，不能成为会话的最新消息
		{ID: "4", SenderID: 2, RecipientID: owner, CreatedAt: base.Add(3 * time.Minute), IsHiddenFromOwner: true},
		// 与当前用户无关
		{ID: "5", SenderID: 4, RecipientID: 5, CreatedAt: base.Add(4 * time.Minute)},
	}

	convs := Conversations(msgs, Owner(owner), nil)
	require.Len(t, convs, 2)
	assert.Equal(t, uint(3), convs[0].PeerID)
	assert.Equal(t, "3", convs[0].Last.ID)
	assert.Equal(t, uint(2), convs[1].PeerID)
	assert.Equal(t, "2", convs[1].Last.ID)

	convs = Conversations(msgs, Operator(admin, owner), nil)
	require.Len(t, convs, 2)
	assert.Equal(t, "4", convs[0].Last.ID)
}

func TestResolveReply(t *testing.T) {
	target := &model.Message{ID: "t", SenderID: peer, Content: "original", Kind: model.KindText}
	idx := Index([]*model.Message{target})

	ref := "t"
	p := ResolveReply(&model.Message{ReplyToID: &ref}, idx)
	require.NotNil(t, p)
	assert.True(t, p.Available)
	assert.Equal(t, "original", p.Content)

	gone := "deleted"
	p = ResolveReply(&model.Message{ReplyToID: &gone}, idx)
	require.NotNil(t, p)
	assert.False(t, p.Available)
	assert.Equal(t, "deleted", p.ID)

	assert.Nil(t, ResolveReply(&model.Message{}, idx))
}

func TestWithReplies(t *testing.T) {
	parent := "p"
	hidden := "h"
	msgs := []*model.Message{
		{ID: "p", SenderID: peer, RecipientID: owner, Content: "question"},
		{ID: "r1", SenderID: owner, RecipientID: peer, Content: "answer", ReplyToID: &parent},
		{ID: "r2", SenderID: owner, RecipientID: peer, Content: "ghost reply", ReplyToID: &hidden},
	}

	entries := WithReplies(msgs)
	require.Len(t, entries, 3)
	assert.Nil(t, entries[0].Reply)
	require.NotNil(t, entries[1].Reply)
	assert.True(t, entries[1].Reply.Available)
	assert.Equal(t, "question", entries[1].Reply.Content)
	require.NotNil(t, entries[2].Reply)
	assert.False(t, entries[2].Reply.Available)
	assert.Equal(t, "r2", entries[2].ID)
}
