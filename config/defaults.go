// =============================================================================
// 📦 GrantFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:       DefaultLogConfig(),
		Cache:     DefaultCacheConfig(),
		Engine:    DefaultEngineConfig(),
		Server:    DefaultServerConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		HotMaxItems:    10000,
		HotMaxBytes:    64 << 20,
		Shards:         16,
		DefaultTTL:     24 * time.Hour,
		SyncWriteBytes: 1 << 20,
		FlushInterval:  2 * time.Second,
		SweepInterval:  10 * time.Minute,
		Store:          DefaultStoreConfig(),
		Namespaces:     map[string]NamespaceConfig{},
	}
}

// DefaultStoreConfig 返回默认冷层存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: "sql",
		Dir:  "./data/cache",
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			KeyPrefix:    "grantflow:cache:",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Name:            "./data/grantflow.db",
			SSLMode:         "disable",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
		},
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrency:    4,
		IOWorkers:         16,
		CPUWorkers:        2,
		ProcessorTimeout:  2 * time.Minute,
		WorkflowDeadline:  0,
		MaxRetries:        3,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
		HistorySize:       100,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          false,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
	}
}

// DefaultServerConfig 返回默认 HTTP 服务配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "grantflow",
		Addr:      "",
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "grantflow",
		SampleRate:   0.1,
	}
}
