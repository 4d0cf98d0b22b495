// =============================================================================
// 📦 GrantFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("grantflow.yaml").
//	    WithEnvPrefix("GRANTFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 GrantFlow 的完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Cache 实体缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Engine 工作流引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Server serve 命令的 HTTP 配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Workflows 工作流定义
	Workflows []WorkflowConfig `yaml:"workflows" env:"-"`

	// Processors 声明式处理器
	Processors []ProcessorConfig `yaml:"processors" env:"-"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// CacheConfig 两级实体缓存配置
type CacheConfig struct {
	// 热层最大条目数（0 表示不按条目数限制）
	HotMaxItems int `yaml:"hot_max_items" env:"HOT_MAX_ITEMS"`
	// 热层最大总字节数（0 表示不按大小限制）
	HotMaxBytes int64 `yaml:"hot_max_bytes" env:"HOT_MAX_BYTES"`
	// 分片数量
	Shards int `yaml:"shards" env:"SHARDS"`
	// 默认 TTL（0 表示不过期）
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	// 负载超过该字节数时同步写冷层
	SyncWriteBytes int `yaml:"sync_write_bytes" env:"SYNC_WRITE_BYTES"`
	// 后台刷写间隔（0 表示只在 Flush 时刷写）
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	// 过期清理间隔（0 表示关闭后台清理）
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 冷层存储
	Store StoreConfig `yaml:"store" env:"STORE"`
	// 命名空间策略
	Namespaces map[string]NamespaceConfig `yaml:"namespaces" env:"-"`
}

// NamespaceConfig 单个命名空间的缓存策略
type NamespaceConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Compress bool          `yaml:"compress"`
	SkipHot  bool          `yaml:"skip_hot"`
	// Persist: deferred | sync
	Persist string `yaml:"persist"`
}

// StoreConfig 冷层存储配置
type StoreConfig struct {
	// 类型: memory, file, sql, redis
	Type string `yaml:"type" env:"TYPE"`
	// file 存储目录
	Dir string `yaml:"dir" env:"DIR"`
	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// Database SQL 配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// EngineConfig 工作流引擎配置
type EngineConfig struct {
	// 同一阶段内并发运行的处理器上限
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// I/O 型处理器工作池大小
	IOWorkers int `yaml:"io_workers" env:"IO_WORKERS"`
	// CPU 型处理器工作池大小
	CPUWorkers int `yaml:"cpu_workers" env:"CPU_WORKERS"`
	// 单次处理器调用超时
	ProcessorTimeout time.Duration `yaml:"processor_timeout" env:"PROCESSOR_TIMEOUT"`
	// 整个工作流截止时间（0 表示不限制）
	WorkflowDeadline time.Duration `yaml:"workflow_deadline" env:"WORKFLOW_DEADLINE"`
	// 瞬时错误最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始退避
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	// 最大退避
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 保留的历史运行数
	HistorySize int `yaml:"history_size" env:"HISTORY_SIZE"`
	// 熔断器
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`
}

// CircuitBreakerConfig 处理器熔断配置
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// /metrics 监听地址（空表示不暴露）
	Addr string `yaml:"addr" env:"ADDR"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// WorkflowConfig 工作流定义
type WorkflowConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Processors  []string `yaml:"processors"`
}

// ProcessorConfig 声明式处理器定义
type ProcessorConfig struct {
	// 唯一名称
	Name string `yaml:"name"`
	// 实现类型: http_fetch
	Kind string `yaml:"kind"`
	// 依赖的处理器
	Dependencies []string `yaml:"dependencies"`
	// 备用处理器触发条件
	Fallback *FallbackConfig `yaml:"fallback"`
	// 工作池: io, cpu
	Pool string `yaml:"pool"`
	// 单次调用超时（覆盖 engine.processor_timeout）
	Timeout time.Duration `yaml:"timeout"`
	// 最大重试次数（未设置时使用 engine.max_retries）
	MaxRetries *int `yaml:"max_retries"`
	// 每秒调用上限（0 表示不限）
	RateLimit float64 `yaml:"rate_limit"`
	// 令牌桶容量
	Burst int `yaml:"burst"`
	// 失败不影响整体 SUCCESS 判定
	Optional bool `yaml:"optional"`
	// http_fetch 参数
	HTTP HTTPProcessorConfig `yaml:"http"`
}

// FallbackConfig 备用处理器触发配置
type FallbackConfig struct {
	// 触发处理器
	Trigger string `yaml:"trigger"`
	// 谓词: missing_output, missing_attribute
	Predicate string `yaml:"predicate"`
	// missing_attribute 检查的命名空间
	Namespace string `yaml:"namespace"`
}

// HTTPProcessorConfig http_fetch 处理器参数
type HTTPProcessorConfig struct {
	// URL 模板，支持 {type} 与 {id}
	URL string `yaml:"url"`
	// 写入的缓存命名空间（默认为处理器名称）
	Namespace string `yaml:"namespace"`
	// 请求头
	Headers map[string]string `yaml:"headers"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout"`
	// 404 视为 SKIPPED 而不是 FAILED
	NotFoundAsSkip bool `yaml:"not_found_as_skip"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "GRANTFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	switch c.Cache.Store.Type {
	case "memory", "file", "sql", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown cache store type %q", c.Cache.Store.Type))
	}
	if c.Cache.Store.Type == "file" && c.Cache.Store.Dir == "" {
		errs = append(errs, "cache.store.dir is required for file store")
	}
	if c.Cache.HotMaxItems < 0 || c.Cache.HotMaxBytes < 0 {
		errs = append(errs, "cache hot tier limits must not be negative")
	}
	for name, ns := range c.Cache.Namespaces {
		if ns.Persist != "" && ns.Persist != "deferred" && ns.Persist != "sync" {
			errs = append(errs, fmt.Sprintf("namespace %s: persist must be deferred or sync", name))
		}
	}

	if c.Engine.MaxConcurrency <= 0 {
		errs = append(errs, "engine.max_concurrency must be positive")
	}
	if c.Engine.IOWorkers <= 0 || c.Engine.CPUWorkers <= 0 {
		errs = append(errs, "engine worker pools must be positive")
	}
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, "engine.max_retries must not be negative")
	}

	seen := make(map[string]bool, len(c.Processors))
	for _, p := range c.Processors {
		if p.Name == "" {
			errs = append(errs, "processor without name")
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("duplicate processor %s", p.Name))
		}
		seen[p.Name] = true
		if p.Kind != "" && p.Kind != "http_fetch" {
			errs = append(errs, fmt.Sprintf("processor %s: unknown kind %q", p.Name, p.Kind))
		}
		if p.Fallback != nil && p.Fallback.Trigger == "" {
			errs = append(errs, fmt.Sprintf("processor %s: fallback requires trigger", p.Name))
		}
	}
	for _, w := range c.Workflows {
		if w.Name == "" || len(w.Processors) == 0 {
			errs = append(errs, "workflow requires name and processors")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Workflow 按名称查找工作流定义
func (c *Config) Workflow(name string) (WorkflowConfig, bool) {
	for _, w := range c.Workflows {
		if w.Name == name {
			return w, true
		}
	}
	return WorkflowConfig{}, false
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "":
		return d.Name
	default:
		return ""
	}
}
