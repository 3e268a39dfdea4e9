package kvstore

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is the single-table schema backing the SQL-backed store,
// mirroring the explicit-model-and-ensureSchema idiom of
// automation-service/internal/store/repo.go. Value is stored as JSON
// (spec.md §6 "Key-value store. String key → JSON value") via
// datatypes.JSON rather than a plain blob column, so a string key that
// happens to hold structured JSON stays queryable from outside this
// process on the Postgres backend.
type Entry struct {
	Key       string `gorm:"primaryKey"`
	Value     datatypes.JSON
	UpdatedAt time.Time
}

func (Entry) TableName() string { return "kv_entries" }

// GormStore is the SQL-backed store, targeting either the file-backed
// "sqlite:/path" grammar or a "postgres:<dsn>" deployment.
type GormStore struct {
	db *gorm.DB
}

func OpenSQLite(path string) (*GormStore, error) {
	gormLogger := logger.Default.LogMode(logger.Warn)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open sqlite kv store: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// OpenPostgres opens the Postgres-backed variant of the same schema,
// for a deployment that wants the value store to survive outside this
// process's local filesystem (SPEC_FULL.md domain stack: kvstore may
// target a Postgres-backed deployment the same way
// automation-service/internal/store does).
func OpenPostgres(dsn string) (*GormStore, error) {
	gormLogger := logger.Default.LogMode(logger.Warn)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open postgres kv store: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()
	if !m.HasTable(&Entry{}) {
		if err := m.CreateTable(&Entry{}); err != nil {
			return fmt.Errorf("create table kv_entries: %w", err)
		}
	}
	return nil
}

func (s *GormStore) Set(key string, value []byte) error {
	e := Entry{Key: key, Value: datatypes.JSON(value), UpdatedAt: time.Now()}
	return s.db.Save(&e).Error
}

func (s *GormStore) Get(key string) ([]byte, bool, error) {
	var e Entry
	err := s.db.First(&e, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(e.Value), true, nil
}

func (s *GormStore) Delete(key string) error {
	return s.db.Delete(&Entry{}, "key = ?", key).Error
}
