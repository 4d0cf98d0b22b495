package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore Redis 冷层。条目过期交给 Redis 原生 TTL，
// 每个实体额外维护一个命名空间索引集合用于整实体失效。
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "cache_redis_store")),
		now:    time.Now,
	}
}

func (s *RedisStore) entityPart(entityType, entityID string) string {
	return url.QueryEscape(entityType) + ":" + url.QueryEscape(entityID)
}

func (s *RedisStore) entryKey(k Key) string {
	return s.prefix + "e:" + s.entityPart(k.EntityType, k.EntityID) + ":" + url.QueryEscape(k.Namespace)
}

func (s *RedisStore) indexKey(entityType, entityID string) string {
	return s.prefix + "idx:" + s.entityPart(entityType, entityID)
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get %s: %w", key, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cache: redis decode %s: %w", key, err)
	}
	return &e, nil
}

func (s *RedisStore) Put(ctx context.Context, entry *Entry) error {
	k := entry.Key()

	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = entry.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			// 已过期的写入等价于删除旧值
			return s.Delete(ctx, k)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis encode %s: %w", k, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(k), data, ttl)
		pipe.SAdd(ctx, s.indexKey(k.EntityType, k.EntityID), k.Namespace)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: redis put %s: %w", k, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(key))
		pipe.SRem(ctx, s.indexKey(key.EntityType, key.EntityID), key.Namespace)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: redis delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	idx := s.indexKey(entityType, entityID)
	namespaces, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("cache: redis list namespaces %s:%s: %w", entityType, entityID, err)
	}

	keys := make([]string, 0, len(namespaces)+1)
	for _, ns := range namespaces {
		keys = append(keys, s.entryKey(Key{EntityType: entityType, EntityID: entityID, Namespace: ns}))
	}
	keys = append(keys, idx)

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: redis delete entity %s:%s: %w", entityType, entityID, err)
	}
	return nil
}

// DeleteExpired 条目本身由 Redis 过期；这里只清理索引中指向已过期键的成员
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	pattern := s.prefix + "idx:*"
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	pruned := 0

	for iter.Next(ctx) {
		idx := iter.Val()
		entity := strings.TrimPrefix(idx, s.prefix+"idx:")
		namespaces, err := s.client.SMembers(ctx, idx).Result()
		if err != nil {
			return pruned, fmt.Errorf("cache: redis sweep %s: %w", idx, err)
		}
		for _, ns := range namespaces {
			n, err := s.client.Exists(ctx, s.prefix+"e:"+entity+":"+url.QueryEscape(ns)).Result()
			if err != nil {
				return pruned, fmt.Errorf("cache: redis sweep %s: %w", idx, err)
			}
			if n == 0 {
				s.client.SRem(ctx, idx, ns)
				pruned++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, fmt.Errorf("cache: redis scan: %w", err)
	}
	if pruned > 0 {
		s.logger.Debug("pruned stale index members", zap.Int("count", pruned))
	}
	return pruned, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
