package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheName is the name responses are cached under for one deployment.
// A new build date or version yields a new name, and opening it drops
// everything stored under other names.
func CacheName(buildDate, version string) string {
	return fmt.Sprintf("littlebook-%s-%s", buildDate, version)
}

// Stored is a cached response.
type Stored struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

type entry struct {
	ID       uint   `gorm:"primaryKey"`
	Cache    string `gorm:"uniqueIndex:idx_cache_key;not null"`
	Key      string `gorm:"column:request_key;uniqueIndex:idx_cache_key;not null"`
	Status   int
	Headers  []byte
	Body     []byte
	StoredAt time.Time
}

func (entry) TableName() string { return "relay_cache" }

// Cache keeps responses in a sqlite database.
type Cache struct {
	db  *gorm.DB
	log *slog.Logger

	mu   sync.RWMutex
	name string
}

// OpenCache opens the database at dsn and switches it to name. Use
// ":memory:" for a cache that lives as long as the process.
func OpenCache(dsn, name string, log *slog.Logger) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: NewGormLogger(log)})
	if err != nil {
		return nil, fmt.Errorf("relay cache: open %s: %w", dsn, err)
	}
	if dsn == ":memory:" {
		// every pooled connection would get its own empty database
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("relay cache: migrate: %w", err)
	}
	c := &Cache{db: db, log: log}
	if err := c.Use(context.Background(), name); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the current cache name.
func (c *Cache) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Use switches to the cache called name and deletes entries stored under
// any other name.
func (c *Cache) Use(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.db.WithContext(ctx).Where("cache <> ?", name).Delete(&entry{})
	if res.Error != nil {
		return fmt.Errorf("relay cache: purge: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		c.log.Info("dropped stale cache entries", "cache", name, "entries", res.RowsAffected)
	}
	c.name = name
	return nil
}

// Put stores s under key, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key string, s Stored) error {
	headers, err := cbor.Marshal(s.Headers)
	if err != nil {
		return err
	}
	e := entry{
		Cache:    c.Name(),
		Key:      key,
		Status:   s.Status,
		Headers:  headers,
		Body:     s.Body,
		StoredAt: time.Now(),
	}
	err = c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache"}, {Name: "request_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "headers", "body", "stored_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("relay cache: put %s: %w", key, err)
	}
	return nil
}

// Match returns the entry stored under key.
func (c *Cache) Match(ctx context.Context, key string) (Stored, bool, error) {
	var e entry
	err := c.db.WithContext(ctx).Where("cache = ? AND request_key = ?", c.Name(), key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Stored{}, false, nil
	}
	if err != nil {
		return Stored{}, false, fmt.Errorf("relay cache: match %s: %w", key, err)
	}
	s := Stored{Status: e.Status, Body: e.Body}
	if len(e.Headers) > 0 {
		if err := cbor.Unmarshal(e.Headers, &s.Headers); err != nil {
			return Stored{}, false, fmt.Errorf("relay cache: headers of %s: %w", key, err)
		}
	}
	return s, true, nil
}

// Len counts entries under the current name.
func (c *Cache) Len(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&entry{}).Where("cache = ?", c.Name()).Count(&n).Error
	return n, err
}

func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
