package websocket

import (
	"sync"
	"time"

	"ghost-im/internal/chat"

	"github.com/gorilla/websocket"
)

// Client 代表一个打开的会话连接
// 同一用户可以同时打开多个会话（不同对方或多个标签页），代管者的连接单独计数
type Client struct {
	UserID uint
	Conn   *websocket.Conn
	Conv   *chat.Conversation
	Send   chan []byte
}

// owner 是否是本人连接
func (c *Client) owner() bool { return !c.Conv.Viewer().IsOperator() }

// Manager 管理所有在线连接
type Manager struct {
	clients map[uint]map[*Client]struct{} // 按身份分组
	lock    sync.RWMutex
}

// NewManager 创建连接管理器
func NewManager() *Manager {
	return &Manager{clients: make(map[uint]map[*Client]struct{})}
}

// AddClient 添加新连接
func (m *Manager) AddClient(client *Client) {
	identity := client.Conv.Viewer().IdentityID
	m.lock.Lock()
	defer m.lock.Unlock()
	set, ok := m.clients[identity]
	if !ok {
		set = make(map[*Client]struct{})
		m.clients[identity] = set
	}
	set[client] = struct{}{}
}

// RemoveClient 移除连接，返回该身份剩余的本人连接数
func (m *Manager) RemoveClient(client *Client) int {
	identity := client.Conv.Viewer().IdentityID
	m.lock.Lock()
	defer m.lock.Unlock()
	set := m.clients[identity]
	delete(set, client)
	if len(set) == 0 {
		delete(m.clients, identity)
	}
	return countOwners(set)
}

// IsOnline 判断用户本人是否有连接
func (m *Manager) IsOnline(userID uint) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return countOwners(m.clients[userID]) > 0
}

// Count 当前连接数
func (m *Manager) Count() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	n := 0
	for _, set := range m.clients {
		n += len(set)
	}
	return n
}

// CloseAll 关闭所有连接，用于服务退出
func (m *Manager) CloseAll() {
	m.lock.RLock()
	var all []*Client
	for _, set := range m.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	m.lock.RUnlock()

	for _, c := range all {
		_ = c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		_ = c.Conn.Close()
	}
}

func countOwners(set map[*Client]struct{}) int {
	n := 0
	for c := range set {
		if c.owner() {
			n++
		}
	}
	return n
}
