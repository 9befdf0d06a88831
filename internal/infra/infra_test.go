package infra

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"operative/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type uniqueRow struct {
	ID   uint   `gorm:"primaryKey"`
	Code string `gorm:"uniqueIndex"`
}

type migratorFunc func() error

func (f migratorFunc) AutoMigrate() error { return f() }

func TestOpenDatabase_SQLiteTranslatesDuplicateKey(t *testing.T) {
	cfg := &config.DatabaseConfig{Driver: "sqlite", Path: "file:infra_dup?mode=memory&cache=shared"}
	db, err := OpenDatabase(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer CloseDatabase(db)

	require.NoError(t, db.AutoMigrate(&uniqueRow{}))
	require.NoError(t, db.Create(&uniqueRow{Code: "a"}).Error)
	err = db.Create(&uniqueRow{Code: "a"}).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	assert.NoError(t, PingDatabase(db))
}

func TestOpenDatabase_UnknownDriver(t *testing.T) {
	_, err := OpenDatabase(&config.DatabaseConfig{Driver: "oracle"}, nil)
	assert.Error(t, err)
}

func TestAutoMigrate_StopsOnError(t *testing.T) {
	calls := 0
	ok := migratorFunc(func() error { calls++; return nil })
	bad := migratorFunc(func() error { calls++; return errors.New("boom") })

	err := AutoMigrate(zaptest.NewLogger(t), ok, bad, ok)
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestOpenRedis(t *testing.T) {
	rdb, err := OpenRedis(context.Background(), &config.RedisConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, rdb, "redis disabled without host")

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg := &config.RedisConfig{Host: mr.Host(), Port: port}
	rdb, err = OpenRedis(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rdb.Close()
	assert.NoError(t, PingRedis(context.Background(), rdb))
}
