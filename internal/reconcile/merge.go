package reconcile

import (
	"sort"
	"time"

	"ghost-im/internal/model"
	"ghost-im/internal/visibility"
	"ghost-im/pkg/feed"
	"ghost-im/pkg/metrics"
)

// list 一个会话的合并状态，只能由引擎协程访问
type list struct {
	identity uint
	peer     uint
	window   time.Duration
	now      func() time.Time

	msgs       []*model.Message
	tombstones map[string]struct{}
	local      visibility.Set
}

func newList(identity, peer uint, window time.Duration, now func() time.Time, local visibility.Set) *list {
	if local == nil {
		local = visibility.NewSet()
	}
	return &list{
		identity:   identity,
		peer:       peer,
		window:     window,
		now:        now,
		tombstones: make(map[string]struct{}),
		local:      local,
	}
}

func less(a, b *model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (l *list) index(id string) int {
	for i, m := range l.msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (l *list) tombstoned(id string) bool {
	_, ok := l.tombstones[id]
	return ok
}

func (l *list) insertSorted(m *model.Message) {
	i := sort.Search(len(l.msgs), func(i int) bool { return less(m, l.msgs[i]) })
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
}

func (l *list) removeAt(i int) {
	l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
}

// replaceAt 覆盖字段；时间戳变化时重新排序（审核通过走这条路径）
func (l *list) replaceAt(i int, m *model.Message) {
	if l.msgs[i].CreatedAt.Equal(m.CreatedAt) {
		l.msgs[i] = m
		return
	}
	l.removeAt(i)
	l.insertSorted(m)
}

// load 用全量拉取结果替换列表，保留尚未确认的临时消息
// 墓碑在引擎生命周期内一直有效，晚到的快照不会让已删除的消息重新出现
func (l *list) load(rows []*model.Message) {
	next := make([]*model.Message, 0, len(rows))
	fetched := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		if !l.accepts(r) {
			continue
		}
		if _, dup := fetched[r.ID]; dup {
			continue
		}
		fetched[r.ID] = struct{}{}
		next = append(next, r.Clone())
	}
	for _, m := range l.msgs {
		if m.IsTemp() {
			next = append(next, m)
		}
	}
	sort.SliceStable(next, func(i, j int) bool { return less(next[i], next[j]) })
	l.msgs = next
}

// matchTemp 查找内容相同、仍在时间窗口内的最早一条临时消息
func (l *list) matchTemp(row *model.Message) int {
	cutoff := l.now().Add(-l.window)
	for i, m := range l.msgs {
		if !m.IsTemp() || m.Content != row.Content || m.RecipientID != row.RecipientID {
			continue
		}
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		return i
	}
	return -1
}

// apply 合并一条变更事件，返回列表是否发生变化
func (l *list) apply(ev feed.Event) bool {
	switch ev.Op {
	case feed.OpInsert:
		return l.applyInsert(ev.Row)
	case feed.OpUpdate:
		return l.applyUpdate(ev.Row)
	case feed.OpDelete:
		return l.remove(ev.DeletedIDs()...)
	}
	return false
}

func (l *list) accepts(row *model.Message) bool {
	return row != nil && row.ID != "" && !row.IsTemp() &&
		row.InPair(l.identity, l.peer) && !l.tombstoned(row.ID)
}

func (l *list) applyInsert(row *model.Message) bool {
	if !l.accepts(row) {
		return false
	}
	row = row.Clone()
	if i := l.index(row.ID); i >= 0 {
		l.replaceAt(i, row)
		return true
	}
	if row.SenderID == l.identity {
		if i := l.matchTemp(row); i >= 0 {
			// 原位替换，保持列表位置
			l.msgs[i] = row
			metrics.OptimisticReplacements.Inc()
			return true
		}
	}
	l.insertSorted(row)
	return true
}

func (l *list) applyUpdate(row *model.Message) bool {
	if !l.accepts(row) {
		return false
	}
	row = row.Clone()
	if i := l.index(row.ID); i >= 0 {
		l.replaceAt(i, row)
		return true
	}
	// 之前被过滤掉（例如对用户隐藏）的消息变为可见，按插入处理
	l.insertSorted(row)
	return true
}

// remove 无条件按ID移除并记录墓碑
func (l *list) remove(ids ...string) bool {
	changed := false
	for _, id := range ids {
		if id == "" {
			continue
		}
		if !model.IsTempID(id) {
			l.tombstones[id] = struct{}{}
		}
		if i := l.index(id); i >= 0 {
			l.removeAt(i)
			changed = true
		}
	}
	return changed
}

// addPending 追加临时消息；未带时间戳时使用本地时间，保证排在末尾且能在时间窗口内被匹配
func (l *list) addPending(m *model.Message) bool {
	if m == nil || !m.IsTemp() || l.index(m.ID) >= 0 {
		return false
	}
	m = m.Clone()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = l.now()
	}
	l.insertSorted(m)
	return true
}

// confirm 用落库后的记录替换临时消息
func (l *list) confirm(tempID string, row *model.Message) bool {
	ti := l.index(tempID)
	if !l.accepts(row) {
		if ti >= 0 {
			l.removeAt(ti)
			return true
		}
		return false
	}
	row = row.Clone()
	if i := l.index(row.ID); i >= 0 {
		// 变更事件先到，临时消息已多余
		l.replaceAt(i, row)
		if ti = l.index(tempID); ti >= 0 {
			l.removeAt(ti)
		}
		return true
	}
	if ti >= 0 {
		l.msgs[ti] = row
		metrics.OptimisticReplacements.Inc()
		return true
	}
	l.insertSorted(row)
	return true
}

func (l *list) discard(tempID string) bool {
	if i := l.index(tempID); i >= 0 {
		l.removeAt(i)
		return true
	}
	return false
}

func (l *list) hideLocal(ids ...string) bool {
	changed := false
	for _, id := range ids {
		if !l.local.Has(id) {
			l.local.Add(id)
			changed = true
		}
	}
	return changed
}

func cloneAll(msgs []*model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
