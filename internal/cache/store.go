package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/database"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 🗄️ 冷层存储接口
// =============================================================================

// ErrNotFound 条目不存在或已过期
var ErrNotFound = errors.New("cache: not found")

// Store 冷层持久化存储。实现需并发安全，并完整保存命名空间与 TTL 元数据。
type Store interface {
	// Get 读取条目；不存在时返回 ErrNotFound。过期判断由调用方完成。
	Get(ctx context.Context, key Key) (*Entry, error)
	// Put 写入或替换条目
	Put(ctx context.Context, entry *Entry) error
	// Delete 删除单个键，不存在不报错
	Delete(ctx context.Context, key Key) error
	// DeleteEntity 删除实体的所有命名空间
	DeleteEntity(ctx context.Context, entityType, entityID string) error
	// DeleteExpired 回收 now 时刻已过期的条目，返回删除数量
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewStore 按配置创建冷层存储
func NewStore(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Dir)
	case "sql", "":
		pm, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStore(pm, logger)
		if err != nil {
			_ = pm.Close()
			return nil, err
		}
		return store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		return NewRedisStore(client, cfg.Redis.KeyPrefix, logger), nil
	default:
		return nil, fmt.Errorf("cache: unknown store type %q", cfg.Type)
	}
}
