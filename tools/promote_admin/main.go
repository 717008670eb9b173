package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"ghost-im/config"
	"ghost-im/internal/repository"
	dbPkg "ghost-im/pkg/db"
)

// 授予或撤销管理员身份：go run ./tools/promote_admin -user alice [-revoke]
func main() {
	username := flag.String("user", "", "username or email")
	revoke := flag.Bool("revoke", false, "revoke admin instead of granting it")
	flag.Parse()
	if *username == "" {
		flag.Usage()
		return
	}

	cfg := config.LoadConfig()
	orm, err := dbPkg.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer dbPkg.CloseDB()

	users := repository.NewUserRepository(orm)
	user, err := users.GetByUsernameOrEmail(*username)
	if err != nil {
		log.Fatalf("User %q not found: %v", *username, err)
	}
	if err := users.SetAdmin(context.Background(), user.ID, !*revoke); err != nil {
		log.Fatalf("Update failed: %v", err)
	}

	if *revoke {
		fmt.Printf("User %s (id=%d) is no longer an admin\n", user.Username, user.ID)
	} else {
		fmt.Printf("User %s (id=%d) is now an admin\n", user.Username, user.ID)
	}
}
