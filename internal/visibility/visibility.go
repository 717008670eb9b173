// Package visibility 决定某条消息对某个视角是否可见。
// 所有函数均为纯函数，不修改传入的消息。
package visibility

import (
	"fmt"
	"sort"

	"ghost-im/internal/model"
)

// Viewer 观察者视角
// OperatorID 非 0 表示管理员正在以 IdentityID 的身份操作
type Viewer struct {
	IdentityID uint
	OperatorID uint
}

// Owner 真实用户视角
func Owner(identity uint) Viewer { return Viewer{IdentityID: identity} }

// Operator 管理员代管视角
func Operator(operator, identity uint) Viewer {
	return Viewer{IdentityID: identity, OperatorID: operator}
}

// IsOperator 是否为代管视角
func (v Viewer) IsOperator() bool { return v.OperatorID != 0 }

// Key 本地偏好存储的命名空间，真实用户与代管者互不影响
func (v Viewer) Key() string {
	if v.IsOperator() {
		return fmt.Sprintf("op:%d:as:%d", v.OperatorID, v.IdentityID)
	}
	return fmt.Sprintf("u:%d", v.IdentityID)
}

func (v Viewer) String() string { return v.Key() }

// Set 本地删除的消息ID集合
type Set map[string]struct{}

// NewSet 创建集合
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	s.Add(ids...)
	return s
}

// Add 加入ID
func (s Set) Add(ids ...string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Has 是否包含ID，nil 集合视为空
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Clone 复制集合
func (s Set) Clone() Set {
	c := make(Set, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Visible 判断消息对视角是否可见，按以下优先级：
//  1. 本地删除（或真实用户的 deleted_by）一律不可见
//  2. 已对所有人删除不可见
//  3. 代管视角其余全部可见
//  4. 真实用户看不到对自己隐藏的消息，也看不到管理员以自己名义发送的消息
//  5. 其余可见
func Visible(m *model.Message, v Viewer, local Set) bool {
	if m == nil {
		return false
	}
	if local.Has(m.ID) {
		return false
	}
	if !v.IsOperator() && m.IsDeletedBy(v.IdentityID) {
		return false
	}
	if m.IsDeleted {
		return false
	}
	if v.IsOperator() {
		return true
	}
	if m.IsHiddenFromOwner && (m.HiddenFromID == 0 || m.HiddenFromID == v.IdentityID) {
		return false
	}
	if m.SenderID == v.IdentityID && m.IsAdminMessage {
		return false
	}
	return true
}

// Filter 返回可见消息，保持原有顺序
func Filter(msgs []*model.Message, v Viewer, local Set) []*model.Message {
	out := make([]*model.Message, 0, len(msgs))
	for _, m := range msgs {
		if Visible(m, v, local) {
			out = append(out, m)
		}
	}
	return out
}

// Conversation 会话列表中的一项：对方ID及最近一条可见消息
type Conversation struct {
	PeerID uint           `json:"peer_id"`
	Last   *model.Message `json:"last_message"`
}

// Conversations 由消息推导会话列表，每个对方只保留最近一条可见消息，按时间倒序
func Conversations(msgs []*model.Message, v Viewer, local Set) []Conversation {
	latest := make(map[uint]*model.Message)
	for _, m := range msgs {
		if m.SenderID != v.IdentityID && m.RecipientID != v.IdentityID {
			continue
		}
		if !Visible(m, v, local) {
			continue
		}
		peer := m.PeerOf(v.IdentityID)
		if cur, ok := latest[peer]; !ok || newer(m, cur) {
			latest[peer] = m
		}
	}

	out := make([]Conversation, 0, len(latest))
	for peer, m := range latest {
		out = append(out, Conversation{PeerID: peer, Last: m})
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i].Last, out[j].Last) })
	return out
}

func newer(a, b *model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// ReplyPreview 回复引用的展示信息
// Available 为 false 时按“消息不可用”展示
type ReplyPreview struct {
	ID        string     `json:"id"`
	Available bool       `json:"available"`
	SenderID  uint       `json:"sender_id,omitempty"`
	Content   string     `json:"content,omitempty"`
	Kind      model.Kind `json:"kind,omitempty"`
}

// Index 按ID建立索引
func Index(msgs []*model.Message) map[string]*model.Message {
	idx := make(map[string]*model.Message, len(msgs))
	for _, m := range msgs {
		idx[m.ID] = m
	}
	return idx
}

// ResolveReply 解析回复引用，visible 为当前视角可见消息的索引
// 引用已删除或从未可见时返回不可用标记，没有引用时返回 nil
func ResolveReply(m *model.Message, visible map[string]*model.Message) *ReplyPreview {
	if m == nil || m.ReplyToID == nil || *m.ReplyToID == "" {
		return nil
	}
	id := *m.ReplyToID
	target, ok := visible[id]
	if !ok {
		return &ReplyPreview{ID: id}
	}
	return &ReplyPreview{
		ID:        id,
		Available: true,
		SenderID:  target.SenderID,
		Content:   target.Content,
		Kind:      target.Kind,
	}
}

// Entry 带回复预览的可见消息
type Entry struct {
	*model.Message
	Reply *ReplyPreview `json:"reply_to,omitempty"`
}

// WithReplies 为已过滤的可见消息解析回复引用
func WithReplies(visible []*model.Message) []Entry {
	idx := Index(visible)
	out := make([]Entry, 0, len(visible))
	for _, m := range visible {
		out = append(out, Entry{Message: m, Reply: ResolveReply(m, idx)})
	}
	return out
}
