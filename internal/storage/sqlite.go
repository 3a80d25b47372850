// Package storage opens the two SQLite databases the scheduler shares
// across every master and worker process: the work database (queue,
// processing, complete, waiting) and the heartbeat database. Both are
// plain gorm.DB handles; concurrency safety comes entirely from the
// lock package, not from SQLite's own locking.
package storage

import (
	"time"

	gormlogger "gorm.io/gorm/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pairfarm/seqfarm/internal/logger"
)

// Open returns a gorm.DB for the sqlite file at path, creating it if
// absent, and migrates it against models. Busy-timeout is set high
// since writers are already serialized by an external ExclusiveLock,
// but SQLite's own page lock can still momentarily contend with a
// concurrent reader in the same process.
func Open(log *logger.Logger, path string, models ...interface{}) (*gorm.DB, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, err
		}
	}

	if log != nil {
		log.Debug("opened sqlite database", "path", path, "opened_at", time.Now().UTC())
	}
	return db, nil
}
