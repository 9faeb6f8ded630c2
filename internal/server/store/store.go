// Package store is the control plane's desired-state database.
package store

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open initializes the sqlite database and runs migrations.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&Node{},
		&JoinCode{},
		&Workload{},
		&WorkloadOverride{},
		&PortAllocation{},
		&Job{},
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// OpenTest returns an in-memory database for tests.
func OpenTest() (*gorm.DB, error) {
	return Open(":memory:")
}
