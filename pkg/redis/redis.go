package redis

import (
	"context"
	"fmt"
	"time"

	"ghost-im/config"

	"github.com/redis/go-redis/v9"
)

// dialTimeout 启动与健康检查时的 PING 超时
const dialTimeout = 5 * time.Second

var (
	client *redis.Client
	ctx    = context.Background()
)

// Options 根据配置生成客户端参数
// 每个打开的会话额外持有一个订阅连接，连接池大小由配置决定
func Options(cfg config.RedisConfig) *redis.Options {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: poolSize / 4,
		MaxRetries:   3,
		DialTimeout:  dialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// InitRedis 连接 Redis 并替换全局客户端
func InitRedis(cfg config.RedisConfig) error {
	c := redis.NewClient(Options(cfg))
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		c.Close()
		return fmt.Errorf("redis连接失败: %w", err)
	}
	client = c
	return nil
}

// SetClient 使用已有的客户端（测试中注入 miniredis）
func SetClient(c *redis.Client) {
	client = c
}

// GetClient 返回全局客户端，变更通道与计数共用同一个连接池
func GetClient() *redis.Client {
	return client
}

// Close 关闭Redis连接
func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}

// HealthCheck 检查Redis健康状态
func HealthCheck() error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis连接异常: %w", err)
	}
	return nil
}
