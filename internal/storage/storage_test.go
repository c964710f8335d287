package storage

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/models"
)

func TestBuildDSN(t *testing.T) {
	dsn := BuildDSN("db", "5432", "chat", "secret", "chathub")
	assert.Equal(t, "host=db port=5432 user=chat password=secret dbname=chathub sslmode=disable", dsn)
}

func TestOpenDatabaseSQLite(t *testing.T) {
	cfg := config.Default().Postgres
	cfg.Driver = config.DriverSQLite
	cfg.SQLitePath = "file:storage_open?mode=memory&cache=shared"

	db, err := OpenDatabase(&cfg)
	require.NoError(t, err)
	defer func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	}()

	for _, m := range []any{&models.User{}, &models.UserProfile{}, &models.Channel{}, &models.ChannelMember{}, &models.Message{}} {
		assert.True(t, db.Migrator().HasTable(m))
	}
}

func TestInitRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Default().Redis
	cfg.Host = mr.Host()
	cfg.Port = mr.Port()

	client, err := InitRedis(&cfg)
	require.NoError(t, err)
	defer client.Close()

	cfg.Port = "1"
	_, err = InitRedis(&cfg)
	assert.Error(t, err)
}

func TestParseGormLogLevel(t *testing.T) {
	assert.NotEqual(t, parseGormLogLevel("silent"), parseGormLogLevel("info"))
	assert.Equal(t, parseGormLogLevel("warn"), parseGormLogLevel("unknown"))
}
