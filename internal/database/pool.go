package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ 冷层数据库连接池管理器
// =============================================================================

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database: pool is closed")

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// HealthCheckInterval 后台 ping 间隔，0 表示不启动
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 冷层只做按键读写，连接数不需要很大
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        2,
		MaxOpenConns:        10,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate 校验连接数配置
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxOpenConns <= 0:
		return fmt.Errorf("max_open_conns must be positive, got %d", c.MaxOpenConns)
	case c.MaxIdleConns <= 0:
		return fmt.Errorf("max_idle_conns must be positive, got %d", c.MaxIdleConns)
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

// PoolStats 连接池快照，/healthz 直接序列化
type PoolStats struct {
	MaxOpenConnections int    `json:"max_open_connections"`
	OpenConnections    int    `json:"open_connections"`
	InUse              int    `json:"in_use"`
	Idle               int    `json:"idle"`
	WaitCount          int64  `json:"wait_count"`
	WaitMillis         int64  `json:"wait_ms"`
	Healthy            bool   `json:"healthy"`
	LastCheckError     string `json:"last_check_error,omitempty"`
}

// PoolManager 持有 GORM 实例与底层 sql.DB，负责连接池参数、健康检查与关闭
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	mu        sync.RWMutex
	closed    bool
	checkErr  error
	stopCheck context.CancelFunc
}

// NewPoolManager 应用连接池参数；HealthCheckInterval > 0 时启动后台 ping
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("database: nil gorm db")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
	}
	if config.HealthCheckInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		pm.stopCheck = cancel
		go pm.checkLoop(ctx)
	}

	pm.logger.Debug("database pool configured",
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Duration("conn_max_lifetime", config.ConnMaxLifetime))
	return pm, nil
}

// DB 返回 GORM 实例
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Ping 检查连接；关闭后返回 ErrPoolClosed
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回连接池快照与最近一次健康检查结果
func (pm *PoolManager) Stats() PoolStats {
	st := pm.sqlDB.Stats()

	pm.mu.RLock()
	closed, checkErr := pm.closed, pm.checkErr
	pm.mu.RUnlock()

	out := PoolStats{
		MaxOpenConnections: st.MaxOpenConnections,
		OpenConnections:    st.OpenConnections,
		InUse:              st.InUse,
		Idle:               st.Idle,
		WaitCount:          st.WaitCount,
		WaitMillis:         st.WaitDuration.Milliseconds(),
		Healthy:            !closed && checkErr == nil,
	}
	if checkErr != nil {
		out.LastCheckError = checkErr.Error()
	}
	return out
}

// Close 停止健康检查并关闭连接，可重复调用
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true
	if pm.stopCheck != nil {
		pm.stopCheck()
	}
	return pm.sqlDB.Close()
}

// check 执行一次 ping 并记录结果，状态变化时打日志
func (pm *PoolManager) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := pm.Ping(ctx)
	if errors.Is(err, ErrPoolClosed) {
		return
	}

	pm.mu.Lock()
	was := pm.checkErr
	pm.checkErr = err
	pm.mu.Unlock()

	switch {
	case err != nil && was == nil:
		pm.logger.Error("database health check failed", zap.Error(err))
	case err == nil && was != nil:
		pm.logger.Info("database health check recovered")
	}
}

func (pm *PoolManager) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.check(ctx)
		}
	}
}

// =============================================================================
// 🔄 事务
// =============================================================================

// TransactionFunc 事务体
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在单个事务中执行 fn，fn 返回错误时回滚
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return pm.db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 最多执行 attempts 次事务，只有 IsRetryableError 的错误会重试
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, attempts int, fn TransactionFunc) error {
	if attempts < 1 {
		attempts = 1
	}
	b := goretry.WithMaxRetries(uint64(attempts-1), goretry.NewExponential(50*time.Millisecond))

	tries := 0
	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		tries++
		err := pm.WithTransaction(ctx, fn)
		if err == nil || !IsRetryableError(err) {
			return err
		}
		if tries < attempts {
			pm.logger.Warn("transaction conflict, retrying",
				zap.Int("attempt", tries), zap.Int("attempts", attempts), zap.Error(err))
		}
		return goretry.RetryableError(err)
	})
	if err != nil && tries >= attempts && IsRetryableError(err) {
		return fmt.Errorf("database: transaction failed after %d attempts: %w", tries, err)
	}
	return err
}

// IsRetryableError 按驱动错误文本识别锁冲突与瞬时连接错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var retryableMarkers = []string{
	// postgres / mysql
	"deadlock",
	"serialization failure",
	"40001",
	"lock wait timeout",
	"lock timeout",
	// 连接层
	"bad connection",
	"broken pipe",
	"connection refused",
	"connection reset",
	// sqlite
	"database is locked",
	"sqlite_busy",
}
