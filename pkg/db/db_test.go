package db

import (
	"testing"

	"ghost-im/config"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host:     "db.local",
		Port:     3307,
		Username: "ghost",
		Password: "p@ss:word",
		Database: "ghost_im",
		Charset:  "utf8mb4",
	})

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "ghost", parsed.User)
	assert.Equal(t, "p@ss:word", parsed.Passwd)
	assert.Equal(t, "db.local:3307", parsed.Addr)
	assert.Equal(t, "ghost_im", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, "utf8mb4", parsed.Params["charset"])
}

func TestUninitialized(t *testing.T) {
	DB = nil
	assert.Error(t, HealthCheck())
	assert.Error(t, Migrate())
	assert.NoError(t, CloseDB())
}
