package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind 消息类型
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Valid 是否为支持的消息类型
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio:
		return true
	}
	return false
}

// TempIDPrefix 本地未落库消息的ID前缀
const TempIDPrefix = "temp-"

// Message 消息模型
// 只属于一对用户（SenderID, RecipientID），不支持群聊
// IsHiddenFromOwner 为 true 时对 HiddenFromID 对应的真实用户不可见（0 表示对所有非管理员视角不可见）
// DeletedBy 记录选择“仅自己删除”的用户
// CreatedAt 在审核通过时会被改写为通过时间
type Message struct {
	ID                string    `gorm:"primaryKey;type:varchar(64);comment:消息ID" json:"id"`
	SenderID          uint      `gorm:"not null;index;comment:发送者ID" json:"sender_id"`
	RecipientID       uint      `gorm:"not null;index;comment:接收者ID" json:"recipient_id"`
	Content           string    `gorm:"type:text;not null;comment:消息内容" json:"content"`
	Kind              Kind      `gorm:"type:varchar(16);default:'text';comment:消息类型" json:"kind"`
	ReplyToID         *string   `gorm:"type:varchar(64);index;comment:回复的消息ID" json:"reply_to_id,omitempty"`
	IsAdminMessage    bool      `gorm:"default:false;comment:是否由管理员代发" json:"is_admin_message"`
	IsHiddenFromOwner bool      `gorm:"default:false;index;comment:是否对用户隐藏" json:"is_hidden_from_owner"`
	HiddenFromID      uint      `gorm:"default:0;index;comment:被隐藏的用户ID" json:"hidden_from_id"`
	IsDeleted         bool      `gorm:"default:false;comment:是否已对所有人删除" json:"is_deleted"`
	DeletedBy         []uint    `gorm:"serializer:json;type:text;comment:仅自己删除的用户ID" json:"deleted_by"`
	IsRead            bool      `gorm:"default:false;comment:是否已读" json:"is_read"`
	CreatedAt         time.Time `gorm:"index;comment:创建时间" json:"created_at"`
	UpdatedAt         time.Time `gorm:"comment:更新时间" json:"updated_at"`
}

func (Message) TableName() string { return "message" }

// NewID 生成持久化消息ID
func NewID() string { return uuid.NewString() }

// NewTempID 生成本地临时消息ID
func NewTempID() string { return TempIDPrefix + uuid.NewString() }

// IsTempID 是否为本地临时ID
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// IsTemp 消息是否尚未落库
func (m *Message) IsTemp() bool { return IsTempID(m.ID) }

// InPair 消息是否属于 a 与 b 之间的会话（不区分方向）
func (m *Message) InPair(a, b uint) bool {
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}

// PeerOf 站在 identity 的角度，返回对方ID
func (m *Message) PeerOf(identity uint) uint {
	if m.SenderID == identity {
		return m.RecipientID
	}
	return m.SenderID
}

// IsDeletedBy identity 是否对该消息执行过“仅自己删除”
func (m *Message) IsDeletedBy(identity uint) bool {
	for _, id := range m.DeletedBy {
		if id == identity {
			return true
		}
	}
	return false
}

// Clone 深拷贝，引擎内部保存的副本不与调用方共享切片和指针
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.ReplyToID != nil {
		r := *m.ReplyToID
		c.ReplyToID = &r
	}
	if m.DeletedBy != nil {
		c.DeletedBy = append([]uint(nil), m.DeletedBy...)
	}
	return &c
}
