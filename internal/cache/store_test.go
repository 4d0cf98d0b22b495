package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/database"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 冷层存储一致性测试
// =============================================================================

type storeFactory func(t *testing.T) Store

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisStore(client, "test:", zap.NewNop())
}

func setupTestSQL(t *testing.T) *SQLStore {
	t.Helper()
	pm, err := database.Open(config.DatabaseConfig{
		Driver:       "sqlite",
		Name:         filepath.Join(t.TempDir(), "cache.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)

	store, err := NewSQLStore(pm, zap.NewNop())
	require.NoError(t, err)
	return store
}

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"sql": func(t *testing.T) Store { return setupTestSQL(t) },
		"redis": func(t *testing.T) Store {
			_, s := setupTestRedis(t)
			return s
		},
	}
}

func testEntry(typ, id, ns, payload string, expiresAt *time.Time) *Entry {
	e := newEntry(Key{EntityType: typ, EntityID: id, Namespace: ns}, []byte(payload),
		time.Now().UTC().Truncate(time.Millisecond), 0)
	e.ExpiresAt = expiresAt
	return e
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				_, err := s.Get(ctx, Key{EntityType: "org", EntityID: "1", Namespace: "fetch"})
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("put replaces", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				require.NoError(t, s.Ping(ctx))

				exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
				require.NoError(t, s.Put(ctx, testEntry("org", "1", "fetch", `{"v":1}`, nil)))
				require.NoError(t, s.Put(ctx, testEntry("org", "1", "fetch", `{"v":2}`, &exp)))

				got, err := s.Get(ctx, Key{EntityType: "org", EntityID: "1", Namespace: "fetch"})
				require.NoError(t, err)
				assert.JSONEq(t, `{"v":2}`, string(got.Payload))
				assert.Equal(t, "fetch", got.Namespace)
				require.NotNil(t, got.ExpiresAt)
				assert.True(t, exp.Equal(*got.ExpiresAt))
			})

			t.Run("compressed flag survives", func(t *testing.T) {
				s := factory(t)
				defer s.Close()

				stored := toStored(testEntry("org", "9", "filings", `{"big":"xxxxxxxxxxxxxxxxxxxx"}`, nil), true)
				require.NoError(t, s.Put(ctx, stored))

				got, err := s.Get(ctx, stored.Key())
				require.NoError(t, err)
				assert.True(t, got.Compressed)
				plain, err := fromStored(got)
				require.NoError(t, err)
				assert.JSONEq(t, `{"big":"xxxxxxxxxxxxxxxxxxxx"}`, string(plain.Payload))
			})

			t.Run("delete and delete entity", func(t *testing.T) {
				s := factory(t)
				defer s.Close()

				for _, ns := range []string{"a", "b", "c"} {
					require.NoError(t, s.Put(ctx, testEntry("org", "1", ns, `1`, nil)))
				}
				require.NoError(t, s.Put(ctx, testEntry("org", "2", "a", `2`, nil)))

				require.NoError(t, s.Delete(ctx, Key{EntityType: "org", EntityID: "1", Namespace: "a"}))
				_, err := s.Get(ctx, Key{EntityType: "org", EntityID: "1", Namespace: "a"})
				assert.ErrorIs(t, err, ErrNotFound)
				// 删除不存在的键不报错
				require.NoError(t, s.Delete(ctx, Key{EntityType: "org", EntityID: "1", Namespace: "zzz"}))

				require.NoError(t, s.DeleteEntity(ctx, "org", "1"))
				for _, ns := range []string{"b", "c"} {
					_, err := s.Get(ctx, Key{EntityType: "org", EntityID: "1", Namespace: ns})
					assert.ErrorIs(t, err, ErrNotFound)
				}

				got, err := s.Get(ctx, Key{EntityType: "org", EntityID: "2", Namespace: "a"})
				require.NoError(t, err)
				assert.Equal(t, "2", string(got.Payload))
			})

			t.Run("awkward identifiers", func(t *testing.T) {
				s := factory(t)
				defer s.Close()

				e := testEntry("org", "../a:b/c", ".hidden", `"x"`, nil)
				require.NoError(t, s.Put(ctx, e))
				got, err := s.Get(ctx, e.Key())
				require.NoError(t, err)
				assert.Equal(t, "../a:b/c", got.EntityID)
			})
		})
	}
}

func TestStoreDeleteExpired(t *testing.T) {
	// redis 依赖原生 TTL，单独测试
	for _, name := range []string{"memory", "file", "sql"} {
		factory := storeFactories()[name]
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			defer s.Close()

			now := time.Now().UTC()
			past := now.Add(-time.Minute)
			future := now.Add(time.Hour)
			require.NoError(t, s.Put(ctx, testEntry("org", "1", "old", `1`, &past)))
			require.NoError(t, s.Put(ctx, testEntry("org", "1", "new", `2`, &future)))
			require.NoError(t, s.Put(ctx, testEntry("org", "1", "forever", `3`, nil)))

			n, err := s.DeleteExpired(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = s.Get(ctx, Key{EntityType: "org", EntityID: "1", Namespace: "old"})
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(ctx, Key{EntityType: "org", EntityID: "1", Namespace: "new"})
			assert.NoError(t, err)
			_, err = s.Get(ctx, Key{EntityType: "org", EntityID: "1", Namespace: "forever"})
			assert.NoError(t, err)
		})
	}
}

func TestRedisStore_NativeTTL(t *testing.T) {
	ctx := context.Background()
	mr, s := setupTestRedis(t)
	defer s.Close()

	exp := time.Now().Add(10 * time.Second)
	e := testEntry("org", "1", "fetch", `1`, &exp)
	require.NoError(t, s.Put(ctx, e))
	assert.True(t, mr.Exists("test:e:org:1:fetch"))

	mr.FastForward(11 * time.Second)
	_, err := s.Get(ctx, e.Key())
	assert.ErrorIs(t, err, ErrNotFound)

	// 索引中残留的命名空间由 DeleteExpired 清理
	members, err := mr.SMembers("test:idx:org:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch"}, members)

	n, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists("test:idx:org:1"))
}

func TestRedisStore_ExpiredPutDeletes(t *testing.T) {
	ctx := context.Background()
	mr, s := setupTestRedis(t)
	defer s.Close()

	require.NoError(t, s.Put(ctx, testEntry("org", "1", "fetch", `1`, nil)))
	past := time.Now().Add(-time.Second)
	require.NoError(t, s.Put(ctx, testEntry("org", "1", "fetch", `2`, &past)))

	assert.False(t, mr.Exists("test:e:org:1:fetch"))
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "test:", nil)
	defer s.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, s.Ping(ctx))
	_, err = s.Get(ctx, Key{EntityType: "org", EntityID: "1", Namespace: "x"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestFileStore_Restart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewFileStore(dir)
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s1.Put(ctx, testEntry("org", "123", "fetch", `{"name":"Acme"}`, &exp)))

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := s2.Get(ctx, Key{EntityType: "org", EntityID: "123", Namespace: "fetch"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Acme"}`, string(got.Payload))
	assert.True(t, exp.Equal(*got.ExpiresAt))
}

func TestNewStore(t *testing.T) {
	cfg := config.DefaultStoreConfig()

	cfg.Type = "memory"
	s, err := NewStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	cfg.Type = "file"
	cfg.Dir = t.TempDir()
	s, err = NewStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	cfg.Type = "sql"
	cfg.Database.Name = filepath.Join(t.TempDir(), "gf.db")
	s, err = NewStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	cfg.Type = "tape"
	_, err = NewStore(cfg, nil)
	assert.Error(t, err)
}

func TestCache_StorePool(t *testing.T) {
	sqlStore := setupTestSQL(t)
	c := New(sqlStore, testConfig(), zap.NewNop())
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	ps, ok := c.StorePool()
	require.True(t, ok)
	assert.Equal(t, 1, ps.MaxOpenConnections)
	assert.True(t, ps.Healthy)

	_, ok = NewInMemory(testConfig(), zap.NewNop()).StorePool()
	assert.False(t, ok)
}
