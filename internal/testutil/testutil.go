// Package testutil 测试用的数据库与 Redis 环境
package testutil

import (
	"strings"
	"testing"

	"ghost-im/config"
	"ghost-im/internal/model"
	"ghost-im/pkg/feed"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// NewDB 创建独立的内存 SQLite 数据库并完成迁移
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(uuid.NewString(), "-", "") + "?mode=memory&cache=shared"
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := orm.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// 内存库在共享缓存模式下并发写会返回 SQLITE_LOCKED，测试中串行化
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := orm.AutoMigrate(&model.User{}, &model.Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return orm
}

// NewRedis 启动 miniredis 并返回客户端
func NewRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// NewBus 基于 miniredis 的变更通道
func NewBus(t *testing.T) (*feed.Bus, *miniredis.Miniredis) {
	t.Helper()
	client, mr := NewRedis(t)
	return feed.NewBus(client, config.FeedConfig{ChannelPrefix: "test:"}), mr
}

// CreateUser 创建用户
func CreateUser(t *testing.T, orm *gorm.DB, username string, isAdmin bool) *model.User {
	t.Helper()
	u := &model.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		IsAdmin:      isAdmin,
	}
	if err := orm.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}
