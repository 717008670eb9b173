package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 在线状态
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceData 在线状态数据，只记录用户本人的连接，代管者的连接不计入
type PresenceData struct {
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	Connected bool      `json:"connected"`
}

// 在线状态相关常量
const (
	PresenceKeyPrefix = "im:presence:user:" // 用户在线状态key前缀
	OnlineUsersKey    = "im:online:users"   // 在线用户集合key
	PresenceTTL       = 2 * time.Minute     // 在线状态TTL（2倍心跳周期）
)

func presenceKey(userID uint) string {
	return fmt.Sprintf("%s%d", PresenceKeyPrefix, userID)
}

// SetUserPresence 设置用户在线状态
func SetUserPresence(userID uint, username string, status string) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	data, err := json.Marshal(PresenceData{
		UserID:    userID,
		Username:  username,
		Status:    status,
		LastSeen:  time.Now(),
		Connected: status == StatusOnline,
	})
	if err != nil {
		return fmt.Errorf("序列化在线状态失败: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, presenceKey(userID), data, PresenceTTL)
	if status == StatusOnline {
		pipe.SAdd(ctx, OnlineUsersKey, userID)
	} else {
		pipe.SRem(ctx, OnlineUsersKey, userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("设置用户在线状态失败: %w", err)
	}

	return nil
}

// GetUserPresence 获取用户在线状态，不在线时返回 nil
func GetUserPresence(userID uint) (*PresenceData, error) {
	if client == nil {
		return nil, fmt.Errorf("redis客户端未初始化")
	}

	data, err := client.Get(ctx, presenceKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("获取用户在线状态失败: %w", err)
	}

	var presence PresenceData
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("反序列化在线状态失败: %w", err)
	}

	return &presence, nil
}

// IsUserOnline 检查用户是否在线
func IsUserOnline(userID uint) (bool, error) {
	if client == nil {
		return false, fmt.Errorf("redis客户端未初始化")
	}

	exists, err := client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("检查用户在线状态失败: %w", err)
	}

	return exists > 0, nil
}

// GetOnlineUsers 获取所有在线用户ID列表
func GetOnlineUsers() ([]uint, error) {
	if client == nil {
		return nil, fmt.Errorf("redis客户端未初始化")
	}

	members, err := client.SMembers(ctx, OnlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("获取在线用户列表失败: %w", err)
	}

	userIDs := make([]uint, 0, len(members))
	for _, member := range members {
		if id, err := strconv.ParseUint(member, 10, 32); err == nil {
			userIDs = append(userIDs, uint(id))
		}
	}

	return userIDs, nil
}

// GetOnlineUsersWithDetails 获取在线用户详细信息
func GetOnlineUsersWithDetails() ([]PresenceData, error) {
	userIDs, err := GetOnlineUsers()
	if err != nil {
		return nil, err
	}

	presences := make([]PresenceData, 0, len(userIDs))
	for _, userID := range userIDs {
		presence, err := GetUserPresence(userID)
		if err != nil {
			continue
		}
		if presence == nil {
			// TTL 已过期，从集合中移除
			client.SRem(ctx, OnlineUsersKey, userID)
			continue
		}
		presences = append(presences, *presence)
	}

	return presences, nil
}

// RefreshUserPresence 刷新用户在线状态（延长TTL）
func RefreshUserPresence(userID uint) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	ok, err := client.Expire(ctx, presenceKey(userID), PresenceTTL).Result()
	if err != nil {
		return fmt.Errorf("刷新用户在线状态失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("用户不在线")
	}

	return nil
}

// RemoveUserPresence 移除用户在线状态
func RemoveUserPresence(userID uint) error {
	if client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	pipe := client.TxPipeline()
	pipe.Del(ctx, presenceKey(userID))
	pipe.SRem(ctx, OnlineUsersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("删除用户在线状态失败: %w", err)
	}

	return nil
}

// CleanExpiredPresence 清理过期的在线状态（定期任务），返回清理数量
func CleanExpiredPresence() (int, error) {
	userIDs, err := GetOnlineUsers()
	if err != nil || len(userIDs) == 0 {
		return 0, err
	}

	pipe := client.Pipeline()
	checks := make([]*redis.IntCmd, len(userIDs))
	for i, userID := range userIDs {
		checks[i] = pipe.Exists(ctx, presenceKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("检查在线状态失败: %w", err)
	}

	var expired []interface{}
	for i, cmd := range checks {
		if cmd.Val() == 0 {
			expired = append(expired, userIDs[i])
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := client.SRem(ctx, OnlineUsersKey, expired...).Err(); err != nil {
		return 0, fmt.Errorf("清理在线用户集合失败: %w", err)
	}
	return len(expired), nil
}
