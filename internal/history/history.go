// Package history persists channel readings and confirmed settings writes
// to SQLite. Writes are queued and flushed by a background goroutine so the
// producers never block on the database.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wlmd/internal/model"
	"wlmd/internal/utils"
)

// ErrQueueFull is returned by Handle when the write queue is saturated.
// The record is dropped; history is best effort.
var ErrQueueFull = errors.New("history queue full")

type record struct {
	reading *model.Reading
	audit   *model.WriteAudit
}

// Store owns the SQLite connection and the async write queue.
type Store struct {
	orm    *gorm.DB
	q      chan record
	closed chan struct{}
	dedupe *utils.ValueCache
}

// Open opens (creating if needed) the database at path, migrates the
// schema, and starts the background writer.
func Open(path string, queueSize int, cacheTTL time.Duration) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	orm, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := orm.AutoMigrate(&model.Reading{}, &model.WriteAudit{}); err != nil {
		closeORM(orm)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if queueSize <= 0 {
		queueSize = 1000
	}
	s := &Store{
		orm:    orm,
		q:      make(chan record, queueSize),
		closed: make(chan struct{}),
		dedupe: utils.NewValueCache(cacheTTL),
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	for r := range s.q {
		var err error
		switch {
		case r.reading != nil:
			err = s.orm.Create(r.reading).Error
		case r.audit != nil:
			err = s.orm.Create(r.audit).Error
		}
		if err != nil {
			log.Printf("history: insert failed: %v", err)
		}
	}
	close(s.closed)
}

// Handle queues one reading for persistence. Repeats of an unchanged value
// within the dedupe TTL are silently skipped.
func (s *Store) Handle(channel int, quantity string, value float64, at time.Time) error {
	key := utils.Key{Channel: channel, Quantity: quantity}
	if prev, ok := s.dedupe.Get(key); ok && prev == value {
		return nil
	}
	r := record{reading: &model.Reading{
		Channel:   channel,
		Quantity:  quantity,
		Value:     value,
		Timestamp: at,
	}}
	select {
	case s.q <- r:
		s.dedupe.Set(key, value)
		return nil
	default:
		return ErrQueueFull
	}
}

// Audit queues one confirmed settings write.
func (s *Store) Audit(channel int, quantity string, value float64, origin string, at time.Time) error {
	r := record{audit: &model.WriteAudit{
		Channel:   channel,
		Quantity:  quantity,
		Value:     value,
		Origin:    origin,
		Timestamp: at,
	}}
	select {
	case s.q <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// Latest returns the most recent reading for a channel quantity.
func (s *Store) Latest(ctx context.Context, channel int, quantity string) (model.Reading, error) {
	var r model.Reading
	err := s.orm.WithContext(ctx).
		Where("channel = ? AND quantity = ?", channel, quantity).
		Order("timestamp DESC").
		First(&r).Error
	return r, err
}

// Recent returns up to limit readings for a channel quantity, newest first.
func (s *Store) Recent(ctx context.Context, channel int, quantity string, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.Reading
	err := s.orm.WithContext(ctx).
		Where("channel = ? AND quantity = ?", channel, quantity).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Close drains the queue and closes the database.
func (s *Store) Close() error {
	close(s.q)
	<-s.closed
	return closeORM(s.orm)
}

func closeORM(orm *gorm.DB) error {
	sqlDB, err := orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
