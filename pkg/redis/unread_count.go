package redis

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// 未读消息计数相关常量
const (
	UnreadCountKeyPrefix = "im:unread:" // 未读消息计数key前缀，im:unread:<owner>:<peer>
	UnreadCountTTL       = 24 * time.Hour
)

func unreadKey(ownerID, peerID uint) string {
	return fmt.Sprintf("%s%d:%d", UnreadCountKeyPrefix, ownerID, peerID)
}

// incrIfCached 仅在 key 存在时递增并续期
var incrIfCached = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("INCR", KEYS[1])
	redis.call("EXPIRE", KEYS[1], ARGV[1])
	return 1
end
return 0`)

// BumpUnreadCount 计数已缓存时加一，未缓存时保持缺失，下次读取从数据库回填
func BumpUnreadCount(ownerID, peerID uint) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}
	ttl := int64(UnreadCountTTL / time.Second)
	if err := incrIfCached.Run(ctx, client, []string{unreadKey(ownerID, peerID)}, ttl).Err(); err != nil {
		return fmt.Errorf("增加未读消息计数失败: %w", err)
	}
	return nil
}

// GetUnreadCount 获取会话未读计数，key 不存在时返回 -1 表示需要从数据库获取
func GetUnreadCount(ownerID, peerID uint) (int64, error) {
	if client == nil {
		return 0, fmt.Errorf("redis客户端未初始化")
	}

	count, err := client.Get(ctx, unreadKey(ownerID, peerID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return -1, nil
		}
		return 0, fmt.Errorf("获取未读消息计数失败: %w", err)
	}

	return count, nil
}

// SetUnreadCount 设置会话未读计数（用于从数据库回填）
func SetUnreadCount(ownerID, peerID uint, count int64) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	if err := client.Set(ctx, unreadKey(ownerID, peerID), count, UnreadCountTTL).Err(); err != nil {
		return fmt.Errorf("设置未读消息计数失败: %w", err)
	}

	return nil
}

// ResetUnreadCount 重置会话未读计数
func ResetUnreadCount(ownerID, peerID uint) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	if err := client.Del(ctx, unreadKey(ownerID, peerID)).Err(); err != nil {
		return fmt.Errorf("重置未读消息计数失败: %w", err)
	}

	return nil
}

// GetUnreadCounts 获取用户所有会话的未读计数
func GetUnreadCounts(ownerID uint) (map[uint]int64, error) {
	if client == nil {
		return nil, fmt.Errorf("redis客户端未初始化")
	}

	// 使用 SCAN 非阻塞地遍历
	prefix := fmt.Sprintf("%s%d:", UnreadCountKeyPrefix, ownerID)
	var keys []string
	var cursor uint64
	for {
		ks, c, err := client.Scan(ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("获取未读计数key失败: %w", err)
		}
		keys = append(keys, ks...)
		cursor = c
		if cursor == 0 {
			break
		}
	}

	result := make(map[uint]int64)
	if len(keys) == 0 {
		return result, nil
	}

	// 批量获取所有计数
	pipe := client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("批量获取未读计数失败: %w", err)
	}

	for key, cmd := range cmds {
		count, err := cmd.Int64()
		if err != nil {
			continue
		}
		peerID, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 32)
		if err != nil {
			continue
		}
		result[uint(peerID)] = count
	}

	return result, nil
}
