package repository

import (
	"testing"

	"github.com/fleetillo/dispatch-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens an in-memory sqlite database with every table this module touches.
// A single connection is kept open, since each sqlite :memory: connection is its own database.
func NewTestDB(t testing.TB) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&DispatchEntity{},
		&ChannelDispatchEntity{},
		&RouteEntity{},
		&DriverEntity{},
		&VehicleEntity{},
		&BookingEntity{},
	)
	require.NoError(t, err)

	return pg.New(db, db)
}
