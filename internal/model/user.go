package model

import (
	"time"

	"ghost-im/internal/session"

	"gorm.io/gorm"
)

// 用户状态，由本人的连接维护，代管连接不修改
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// User 账号。IsAdmin 为 true 的用户可以代管其他账号收发消息，
// AdminSession 记录该账号被代管时的拦截会话状态
type User struct {
	ID           uint           `gorm:"primaryKey"`
	Username     string         `gorm:"type:varchar(64);not null;uniqueIndex;comment:用户名"`
	Email        string         `gorm:"type:varchar(128);uniqueIndex;comment:邮箱"`
	PasswordHash string         `gorm:"type:varchar(255);not null;comment:密码哈希"`
	Nickname     string         `gorm:"type:varchar(64);comment:昵称"`
	Avatar       string         `gorm:"type:varchar(255);comment:头像URL"`
	Status       string         `gorm:"type:varchar(32);default:'offline';comment:在线状态"`
	IsAdmin      bool           `gorm:"default:false;comment:是否可代管其他用户"`
	AdminSession session.State  `gorm:"type:varchar(16);default:'idle';comment:被代管时的拦截会话状态"`
	LastSeen     time.Time      `gorm:"comment:最近在线时间"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

func (User) TableName() string { return "user" }

// DisplayName 优先使用昵称
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// Online 数据库中记录的在线状态，实时状态以 Redis 为准
func (u *User) Online() bool { return u.Status == StatusOnline }
