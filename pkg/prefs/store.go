// Package prefs 本地持久化偏好存储（pebble），保存“仅自己删除”的消息，
// 进程重启后仍然有效。
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"
)

const deletedPrefix = "deleted:"

// Store 偏好存储
type Store struct {
	db *pebble.DB
}

// Open 打开（或创建）存储目录
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("创建偏好存储目录失败: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("打开偏好存储失败: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭存储
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func deletedKeyPrefix(viewerKey string) []byte {
	return []byte(deletedPrefix + viewerKey + ":")
}

// upperBound 返回前缀扫描的上界（最后一个字节加一）
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// AddDeleted 记录 viewerKey 视角下本地删除的消息
func (s *Store) AddDeleted(viewerKey string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	prefix := deletedKeyPrefix(viewerKey)
	b := s.db.NewBatch()
	defer b.Close()
	for _, id := range ids {
		key := append(append([]byte{}, prefix...), id...)
		if err := b.Set(key, nil, nil); err != nil {
			return fmt.Errorf("写入本地删除记录失败: %w", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("提交本地删除记录失败: %w", err)
	}
	return nil
}

// IsDeleted 消息是否已被 viewerKey 本地删除
func (s *Store) IsDeleted(viewerKey, id string) (bool, error) {
	key := append(deletedKeyPrefix(viewerKey), id...)
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Deleted 返回 viewerKey 视角下全部本地删除的消息ID
func (s *Store) Deleted(viewerKey string) ([]string, error) {
	prefix := deletedKeyPrefix(viewerKey)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("读取本地删除记录失败: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return ids, nil
}
