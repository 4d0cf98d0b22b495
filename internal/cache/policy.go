package cache

import (
	"time"

	"github.com/BaSui01/grantflow/config"
)

// PersistMode 冷层写入时机
type PersistMode string

const (
	// PersistDeferred 写入 write-behind 缓冲，由 Flush 落盘
	PersistDeferred PersistMode = "deferred"
	// PersistSync Put 返回前同步写冷层
	PersistSync PersistMode = "sync"
)

// NamespacePolicy 单个命名空间的缓存策略
type NamespacePolicy struct {
	// TTL 为 0 时使用 Config.DefaultTTL；负数表示永不过期
	TTL      time.Duration
	Compress bool
	SkipHot  bool
	Persist  PersistMode
}

// Config 实体缓存配置
type Config struct {
	HotMaxItems    int
	HotMaxBytes    int64
	Shards         int
	DefaultTTL     time.Duration
	SyncWriteBytes int
	FlushInterval  time.Duration
	SweepInterval  time.Duration
	Namespaces     map[string]NamespacePolicy
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultCacheConfig())
}

// ConfigFrom 由全局配置转换
func ConfigFrom(c config.CacheConfig) Config {
	cfg := Config{
		HotMaxItems:    c.HotMaxItems,
		HotMaxBytes:    c.HotMaxBytes,
		Shards:         c.Shards,
		DefaultTTL:     c.DefaultTTL,
		SyncWriteBytes: c.SyncWriteBytes,
		FlushInterval:  c.FlushInterval,
		SweepInterval:  c.SweepInterval,
		Namespaces:     make(map[string]NamespacePolicy, len(c.Namespaces)),
	}
	for name, ns := range c.Namespaces {
		mode := PersistMode(ns.Persist)
		if mode == "" {
			mode = PersistDeferred
		}
		cfg.Namespaces[name] = NamespacePolicy{
			TTL:      ns.TTL,
			Compress: ns.Compress,
			SkipHot:  ns.SkipHot,
			Persist:  mode,
		}
	}
	return cfg
}

// policy 返回命名空间的生效策略
func (c *Config) policy(namespace string) NamespacePolicy {
	p, ok := c.Namespaces[namespace]
	if !ok {
		p = NamespacePolicy{Persist: PersistDeferred}
	}
	if p.TTL == 0 {
		p.TTL = c.DefaultTTL
	}
	if p.Persist == "" {
		p.Persist = PersistDeferred
	}
	return p
}

func (c *Config) normalize() {
	if c.Shards <= 0 {
		c.Shards = 16
	}
	// 每个分片至少要能容纳一个条目
	if c.HotMaxItems > 0 && c.Shards > c.HotMaxItems {
		c.Shards = c.HotMaxItems
	}
	if c.HotMaxBytes > 0 && int64(c.Shards) > c.HotMaxBytes {
		c.Shards = int(c.HotMaxBytes)
	}
	if c.Namespaces == nil {
		c.Namespaces = map[string]NamespacePolicy{}
	}
}

// PutOption Put 的可选参数
type PutOption func(*putOptions)

type putOptions struct {
	ttl    time.Duration
	ttlSet bool
	sync   bool
}

// WithTTL 覆盖命名空间 TTL；d <= 0 表示永不过期
func WithTTL(d time.Duration) PutOption {
	return func(o *putOptions) {
		o.ttl = d
		o.ttlSet = true
	}
}

// WithSyncPersist 强制本次写入同步落冷层
func WithSyncPersist() PutOption {
	return func(o *putOptions) {
		o.sync = true
	}
}
