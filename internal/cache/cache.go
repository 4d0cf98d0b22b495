package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/grantflow/types"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// =============================================================================
// 🧊 两级实体缓存
// =============================================================================

// ErrClosed 缓存已关闭
var ErrClosed = errors.New("cache: closed")

// 命中层级
const (
	TierHot    = "hot"
	TierBuffer = "buffer"
	TierCold   = "cold"
)

// Observer 缓存事件观察者（指标采集）
type Observer interface {
	CacheHit(tier, namespace string)
	CacheMiss(namespace string)
	CacheEviction()
	CacheStoreError(op string)
}

// Option 缓存构造选项
type Option func(*Cache)

// WithClock 注入时钟，测试中用于推进 TTL
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver 注入事件观察者
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observer = o }
}

// Stats 缓存运行统计
type Stats struct {
	HotHits     uint64 `json:"hot_hits"`
	BufferHits  uint64 `json:"buffer_hits"`
	ColdHits    uint64 `json:"cold_hits"`
	Misses      uint64 `json:"misses"`
	Puts        uint64 `json:"puts"`
	Evictions   uint64 `json:"evictions"`
	StoreErrors uint64 `json:"store_errors"`
	HotItems    int    `json:"hot_items"`
	HotBytes    int64  `json:"hot_bytes"`
	Pending     int    `json:"pending"`
}

// Cache 按实体分片的两级缓存：热层为进程内 LRU，冷层为 Store。
//
// 延迟写入先进入分片的 write-behind 缓冲，由 Flush、后台 flusher 或 Close 落冷层；
// 读取顺序为 热层 → 缓冲 → 冷层，冷层命中回填热层。
type Cache struct {
	store    Store
	cfg      Config
	shards   []*shard
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	hotHits     atomic.Uint64
	bufferHits  atomic.Uint64
	coldHits    atomic.Uint64
	misses      atomic.Uint64
	puts        atomic.Uint64
	storeErrors atomic.Uint64

	lifecycle sync.Mutex
	opened    bool
	closed    atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New 创建缓存，不做任何 I/O；使用前调用 Open
func New(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.normalize()

	c := &Cache{
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "entity_cache")),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// 各分片配额之和恰好等于全局上限
	c.shards = make([]*shard, cfg.Shards)
	for i := range c.shards {
		c.shards[i] = newShard(
			int(splitBudget(int64(cfg.HotMaxItems), cfg.Shards, i)),
			splitBudget(cfg.HotMaxBytes, cfg.Shards, i),
			c.evicted)
	}
	return c
}

// splitBudget 把 total 均分给 n 个分片，余数分给前面的分片；total <= 0 表示不限
func splitBudget(total int64, n, i int) int64 {
	if total <= 0 {
		return 0
	}
	share := total / int64(n)
	if int64(i) < total%int64(n) {
		share++
	}
	return share
}

// NewInMemory 创建使用内存冷层的缓存，便于测试
func NewInMemory(cfg Config, logger *zap.Logger, opts ...Option) *Cache {
	return New(NewMemoryStore(), cfg, logger, opts...)
}

func (c *Cache) evicted(Key) {
	if c.observer != nil {
		c.observer.CacheEviction()
	}
}

// shardFor 按实体选择分片，同一实体的所有命名空间落在同一分片
func (c *Cache) shardFor(entityType, entityID string) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(entityType)
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(entityID)
	return c.shards[h.Sum64()%uint64(len(c.shards))]
}

// =============================================================================
// 🔄 生命周期
// =============================================================================

// Open 检查冷层可用并启动后台 flusher 与 janitor，可重复调用
func (c *Cache) Open(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if c.opened {
		return nil
	}
	if err := c.store.Ping(ctx); err != nil {
		return types.NewError(types.ErrCacheIO, "cold store unavailable").WithCause(err)
	}

	if c.cfg.FlushInterval > 0 {
		c.wg.Add(1)
		go c.loop(c.cfg.FlushInterval, "flush", func(ctx context.Context) error { return c.Flush(ctx) })
	}
	if c.cfg.SweepInterval > 0 {
		c.wg.Add(1)
		go c.loop(c.cfg.SweepInterval, "sweep", func(ctx context.Context) error {
			_, err := c.Sweep(ctx)
			return err
		})
	}

	c.opened = true
	c.logger.Info("entity cache opened",
		zap.Int("shards", len(c.shards)),
		zap.Int("hot_max_items", c.cfg.HotMaxItems),
		zap.Int64("hot_max_bytes", c.cfg.HotMaxBytes),
	)
	return nil
}

// Close 停止后台任务，落盘缓冲后关闭冷层。调用前应停止写入。
func (c *Cache) Close(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.closed.Load() {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()

	flushErr := c.Flush(ctx)
	c.closed.Store(true)
	closeErr := c.store.Close()

	c.logger.Info("entity cache closed", zap.Error(flushErr))
	return errors.Join(flushErr, closeErr)
}

func (c *Cache) loop(interval time.Duration, name string, fn func(ctx context.Context) error) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := fn(ctx); err != nil {
				c.logger.Warn("background cache task failed", zap.String("task", name), zap.Error(err))
			}
			cancel()
		}
	}
}

// =============================================================================
// 🎯 读写
// =============================================================================

// Get 读取条目，未命中或已过期返回 ErrNotFound。
// 冷层故障返回 CACHE_IO 错误，调用方应按未命中降级处理。
func (c *Cache) Get(ctx context.Context, ref types.EntityRef, namespace string) (*Entry, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	k := NewKey(ref, namespace)
	s := c.shardFor(k.EntityType, k.EntityID)
	policy := c.cfg.policy(namespace)
	now := c.now()

	s.mu.Lock()
	if e, ok := s.hot.Get(k); ok {
		if e.Expired(now) {
			s.removeHot(k)
			s.mu.Unlock()
			return nil, c.miss(namespace)
		}
		s.mu.Unlock()
		c.hit(TierHot, namespace)
		return e.Clone(), nil
	}
	if e, ok := s.pending[k]; ok {
		// 缓冲中的条目至少与冷层一样新，过期即视为不存在
		if e.Expired(now) {
			s.mu.Unlock()
			return nil, c.miss(namespace)
		}
		if !policy.SkipHot {
			s.addHot(k, e)
		}
		s.mu.Unlock()
		c.hit(TierBuffer, namespace)
		return e.Clone(), nil
	}
	seq := s.writeSeq
	s.mu.Unlock()

	stored, err := c.store.Get(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return nil, c.miss(namespace)
	}
	if err != nil {
		c.storeError("get", err)
		return nil, types.NewError(types.ErrCacheIO, "cold store read failed").
			WithEntity(ref.Key()).WithCause(err)
	}
	if stored.Expired(now) {
		return nil, c.miss(namespace)
	}
	e, err := fromStored(stored)
	if err != nil {
		c.storeError("decode", err)
		return nil, types.NewError(types.ErrCacheIO, "cold entry corrupt").
			WithEntity(ref.Key()).WithCause(err)
	}

	if !policy.SkipHot {
		s.mu.Lock()
		// 读冷层期间发生过写入或失效时不回填，避免旧值覆盖新值
		if s.writeSeq == seq {
			s.addHot(k, e)
		}
		s.mu.Unlock()
	}
	c.hit(TierCold, namespace)
	return e.Clone(), nil
}

// GetJSON 读取并解码到 dest
func (c *Cache) GetJSON(ctx context.Context, ref types.EntityRef, namespace string, dest any) error {
	e, err := c.Get(ctx, ref, namespace)
	if err != nil {
		return err
	}
	if err := e.Decode(dest); err != nil {
		return fmt.Errorf("cache: decode %s: %w", e.Key(), err)
	}
	return nil
}

// Put 写入条目：热层立即可见；冷层按策略同步写入或进入缓冲。
// 同步写失败返回 CACHE_IO 错误，热层与缓冲仍保留新值，待下次 Flush 重试。
func (c *Cache) Put(ctx context.Context, ref types.EntityRef, namespace string, payload any, opts ...PutOption) error {
	if c.closed.Load() {
		return ErrClosed
	}

	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("cache: encode payload for %s/%s: %w", ref.Key(), namespace, err)
	}

	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}

	policy := c.cfg.policy(namespace)
	ttl := policy.TTL
	if o.ttlSet {
		ttl = o.ttl
	}

	k := NewKey(ref, namespace)
	e := newEntry(k, data, c.now(), ttl)
	s := c.shardFor(k.EntityType, k.EntityID)

	s.mu.Lock()
	s.writeSeq++
	if policy.SkipHot {
		s.removeHot(k)
	} else {
		s.addHot(k, e)
	}
	s.pending[k] = e
	s.mu.Unlock()
	c.puts.Add(1)

	syncWrite := o.sync || policy.Persist == PersistSync ||
		(c.cfg.SyncWriteBytes > 0 && len(data) >= c.cfg.SyncWriteBytes)
	if !syncWrite {
		return nil
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return c.persistLocked(ctx, s, k)
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid raw JSON payload")
		}
		return append([]byte(nil), v...), nil
	default:
		return json.Marshal(v)
	}
}

// persistLocked 将缓冲中 k 的当前值写入冷层；调用方持有 s.ioMu
func (c *Cache) persistLocked(ctx context.Context, s *shard, k Key) error {
	s.mu.Lock()
	e, ok := s.pending[k]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if e.Expired(c.now()) {
		// 过期条目不落盘；同时删除冷层中更旧的值，避免它重新可见
		if err := c.store.Delete(ctx, k); err != nil {
			c.storeError("delete", err)
			return types.NewError(types.ErrCacheIO, "cold store delete failed").
				WithEntity(k.Entity().Key()).WithCause(err)
		}
		s.mu.Lock()
		if cur, ok := s.pending[k]; ok && cur == e {
			delete(s.pending, k)
		}
		s.mu.Unlock()
		return nil
	}

	policy := c.cfg.policy(k.Namespace)
	if err := c.store.Put(ctx, toStored(e, policy.Compress)); err != nil {
		c.storeError("put", err)
		return types.NewError(types.ErrCacheIO, "cold store write failed").
			WithEntity(k.Entity().Key()).WithCause(err)
	}

	s.mu.Lock()
	if cur, ok := s.pending[k]; ok && cur == e {
		delete(s.pending, k)
	}
	s.mu.Unlock()
	return nil
}

// Invalidate 从两级删除实体的指定命名空间；未指定命名空间时删除全部
func (c *Cache) Invalidate(ctx context.Context, ref types.EntityRef, namespaces ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	s := c.shardFor(ref.Type, ref.ID)
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	s.writeSeq++
	if len(namespaces) == 0 {
		s.removeEntity(ref.Type, ref.ID)
	} else {
		for _, ns := range namespaces {
			k := NewKey(ref, ns)
			s.removeHot(k)
			delete(s.pending, k)
		}
	}
	s.mu.Unlock()

	var err error
	if len(namespaces) == 0 {
		err = c.store.DeleteEntity(ctx, ref.Type, ref.ID)
	} else {
		for _, ns := range namespaces {
			if err = c.store.Delete(ctx, NewKey(ref, ns)); err != nil {
				break
			}
		}
	}

	// 与删除并发的冷层读取不得回填
	s.mu.Lock()
	s.writeSeq++
	s.mu.Unlock()

	if err != nil {
		c.storeError("delete", err)
		return types.NewError(types.ErrCacheIO, "cold store delete failed").
			WithEntity(ref.Key()).WithCause(err)
	}
	return nil
}

// Flush 将所有缓冲条目写入冷层。失败的条目保留在缓冲中，错误合并返回。
func (c *Cache) Flush(ctx context.Context) error {
	var errs []error
	flushed := 0

	for _, s := range c.shards {
		s.ioMu.Lock()
		for _, k := range s.pendingKeys() {
			if err := ctx.Err(); err != nil {
				s.ioMu.Unlock()
				return errors.Join(append(errs, err)...)
			}
			if err := c.persistLocked(ctx, s, k); err != nil {
				errs = append(errs, err)
				continue
			}
			flushed++
		}
		s.ioMu.Unlock()
	}

	if flushed > 0 {
		c.logger.Debug("write-behind buffer flushed", zap.Int("entries", flushed), zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}

// Sweep 回收热层与 write-behind 缓冲中已过期的条目并清理冷层过期数据，返回冷层删除数量。
// 读取时总会检查过期，Sweep 只影响空间占用。
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	now := c.now()
	reclaimed, dropped := 0, 0
	var errs []error
	for _, s := range c.shards {
		s.mu.Lock()
		for _, k := range s.hot.Keys() {
			if e, ok := s.hot.Peek(k); ok && e.Expired(now) {
				s.removeHot(k)
				reclaimed++
			}
		}
		var expired []Key
		for k, e := range s.pending {
			if e.Expired(now) {
				expired = append(expired, k)
			}
		}
		s.mu.Unlock()

		if len(expired) == 0 {
			continue
		}
		s.ioMu.Lock()
		for _, k := range expired {
			if err := c.persistLocked(ctx, s, k); err != nil {
				errs = append(errs, err)
				continue
			}
			dropped++
		}
		s.ioMu.Unlock()
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}

	n, err := c.store.DeleteExpired(ctx, now)
	if err != nil {
		c.storeError("sweep", err)
		return n, types.NewError(types.ErrCacheIO, "cold store sweep failed").WithCause(err)
	}
	if reclaimed > 0 || dropped > 0 || n > 0 {
		c.logger.Debug("expired entries swept",
			zap.Int("hot", reclaimed), zap.Int("buffer", dropped), zap.Int("cold", n))
	}
	return n, nil
}

// Stats 返回统计快照
func (c *Cache) Stats() Stats {
	st := Stats{
		HotHits:     c.hotHits.Load(),
		BufferHits:  c.bufferHits.Load(),
		ColdHits:    c.coldHits.Load(),
		Misses:      c.misses.Load(),
		Puts:        c.puts.Load(),
		StoreErrors: c.storeErrors.Load(),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Evictions += s.evictions
		st.HotItems += s.hot.Len()
		st.HotBytes += s.bytes
		st.Pending += len(s.pending)
		s.mu.Unlock()
	}
	return st
}

func (c *Cache) hit(tier, namespace string) {
	switch tier {
	case TierHot:
		c.hotHits.Add(1)
	case TierBuffer:
		c.bufferHits.Add(1)
	case TierCold:
		c.coldHits.Add(1)
	}
	if c.observer != nil {
		c.observer.CacheHit(tier, namespace)
	}
}

func (c *Cache) miss(namespace string) error {
	c.misses.Add(1)
	if c.observer != nil {
		c.observer.CacheMiss(namespace)
	}
	return ErrNotFound
}

func (c *Cache) storeError(op string, err error) {
	c.storeErrors.Add(1)
	if c.observer != nil {
		c.observer.CacheStoreError(op)
	}
	c.logger.Warn("cold store operation failed", zap.String("op", op), zap.Error(err))
}
