package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"ghost-im/config"
	dbPkg "ghost-im/pkg/db"
	"ghost-im/pkg/redis"

	_ "github.com/go-sql-driver/mysql"
)

func main() {
	cfg := config.LoadConfig()

	db, err := sql.Open("mysql", dbPkg.DSN(cfg.Database))
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Database connection test failed: %v", err)
	}

	fmt.Println("Database connected successfully")
	fmt.Printf("Database: %s\n", cfg.Database.Database)

	fmt.Print("\nWARNING: This operation will CLEAR ALL DATA in tables [message, user],\n")
	fmt.Printf("the Redis unread/presence keys and the local prefs at %s!\n", cfg.Prefs.Path)
	fmt.Print("Type 'YES' to confirm: ")
	var confirm string
	fmt.Scanln(&confirm)
	if confirm != "YES" {
		fmt.Println("Operation cancelled")
		return
	}

	// message.reply_to_id 指向 message 自身，先关闭外键检查
	_, _ = db.Exec("SET FOREIGN_KEY_CHECKS=0")

	// message 使用字符串主键，只有 user 需要重置自增ID
	for _, table := range []string{"message", "user"} {
		fmt.Printf("Clearing table %s... ", table)
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM `%s`", table)); err != nil {
			fmt.Printf("Failed: %v\n", err)
		} else {
			fmt.Println("Success")
		}
	}
	fmt.Print("Resetting user auto-increment... ")
	if _, err := db.Exec("ALTER TABLE `user` AUTO_INCREMENT = 1"); err != nil {
		fmt.Printf("Failed: %v\n", err)
	} else {
		fmt.Println("Success")
	}

	_, _ = db.Exec("SET FOREIGN_KEY_CHECKS=1")

	clearRedis(cfg.Redis)

	fmt.Printf("Removing local prefs %s... ", cfg.Prefs.Path)
	if err := os.RemoveAll(cfg.Prefs.Path); err != nil {
		fmt.Printf("Failed: %v\n", err)
	} else {
		fmt.Println("Success")
	}

	fmt.Println("\nReset completed!")
}

// clearRedis 删除未读计数与在线状态相关的key
func clearRedis(cfg config.RedisConfig) {
	if err := redis.InitRedis(cfg); err != nil {
		fmt.Printf("Redis unavailable, skipped: %v\n", err)
		return
	}
	defer redis.Close()

	ctx := context.Background()
	client := redis.GetClient()
	patterns := []string{redis.UnreadCountKeyPrefix + "*", redis.PresenceKeyPrefix + "*", redis.OnlineUsersKey}
	for _, pattern := range patterns {
		fmt.Printf("Clearing Redis keys %s... ", pattern)
		removed := 0
		iter := client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := client.Del(ctx, iter.Val()).Err(); err == nil {
				removed++
			}
		}
		if err := iter.Err(); err != nil {
			fmt.Printf("Failed: %v\n", err)
			continue
		}
		fmt.Printf("Success (%d)\n", removed)
	}
}
