package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/grantflow/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// cacheRecord entity_cache 表的一行
type cacheRecord struct {
	EntityType string     `gorm:"primaryKey;size:64"`
	EntityID   string     `gorm:"primaryKey;size:191"`
	Namespace  string     `gorm:"primaryKey;size:128"`
	Payload    []byte     `gorm:"not null"`
	Compressed bool       `gorm:"not null"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime:false"`
	ExpiresAt  *time.Time `gorm:"index"`
	Size       int        `gorm:"not null"`
}

func (cacheRecord) TableName() string { return "entity_cache" }

func recordFromEntry(e *Entry) *cacheRecord {
	rec := &cacheRecord{
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Namespace:  e.Namespace,
		Payload:    e.Payload,
		Compressed: e.Compressed,
		CreatedAt:  e.CreatedAt.UTC(),
		Size:       e.Size,
	}
	if e.ExpiresAt != nil {
		exp := e.ExpiresAt.UTC()
		rec.ExpiresAt = &exp
	}
	return rec
}

func (r *cacheRecord) entry() *Entry {
	return &Entry{
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Namespace:  r.Namespace,
		Payload:    r.Payload,
		Compressed: r.Compressed,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		Size:       r.Size,
	}
}

// SQLStore 基于 GORM 的冷层（sqlite / postgres / mysql）
type SQLStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewSQLStore 创建 SQL 存储并迁移 entity_cache 表
func NewSQLStore(pool *database.PoolManager, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&cacheRecord{}); err != nil {
		return nil, fmt.Errorf("cache: migrate entity_cache: %w", err)
	}
	return &SQLStore{
		pool:   pool,
		logger: logger.With(zap.String("component", "cache_sql_store")),
	}, nil
}

func (s *SQLStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

func (s *SQLStore) Get(ctx context.Context, key Key) (*Entry, error) {
	var rec cacheRecord
	err := s.db(ctx).
		Where("entity_type = ? AND entity_id = ? AND namespace = ?", key.EntityType, key.EntityID, key.Namespace).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: sql get %s: %w", key, err)
	}
	return rec.entry(), nil
}

func (s *SQLStore) Put(ctx context.Context, entry *Entry) error {
	rec := recordFromEntry(entry)
	err := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
	})
	if err != nil {
		return fmt.Errorf("cache: sql put %s: %w", entry.Key(), err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	err := s.db(ctx).
		Where("entity_type = ? AND entity_id = ? AND namespace = ?", key.EntityType, key.EntityID, key.Namespace).
		Delete(&cacheRecord{}).Error
	if err != nil {
		return fmt.Errorf("cache: sql delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	err := s.db(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Delete(&cacheRecord{}).Error
	if err != nil {
		return fmt.Errorf("cache: sql delete entity %s:%s: %w", entityType, entityID, err)
	}
	return nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res := s.db(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Delete(&cacheRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("cache: sql sweep: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Debug("expired entries removed", zap.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}

// PoolStats 冷层连接池快照
func (s *SQLStore) PoolStats() database.PoolStats {
	return s.pool.Stats()
}

// PoolReporter 由基于连接池的冷层实现
type PoolReporter interface {
	PoolStats() database.PoolStats
}

// StorePool 返回冷层连接池快照；冷层不是连接池存储时 ok 为 false
func (c *Cache) StorePool() (database.PoolStats, bool) {
	r, ok := c.store.(PoolReporter)
	if !ok {
		return database.PoolStats{}, false
	}
	return r.PoolStats(), true
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}
