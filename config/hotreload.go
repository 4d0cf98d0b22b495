// =============================================================================
// 🔄 配置热重载
// =============================================================================
// 监听配置文件，重新加载并校验后通知回调。
//
// 只有 workflows 与 log 段落可以在运行时生效；其余段落的变更会被记录，
// 但需要重启进程。校验或回调失败时保留旧配置。
// =============================================================================
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 新配置生效时调用；返回错误会触发回滚
type ReloadCallback func(oldConfig, newConfig *Config) error

// ValidateFunc 应用前的额外校验
type ValidateFunc func(newConfig *Config) error

// ConfigSnapshot 历史配置快照
type ConfigSnapshot struct {
	Config    *Config   `json:"-"`
	Version   int       `json:"version"`
	Source    string    `json:"source"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
	// RequiresRestart 相对上一版本变化但不能热生效的段落
	RequiresRestart []string `json:"requires_restart,omitempty"`
}

// hotReloadable 运行时可以生效的段落
var hotReloadable = map[string]bool{
	"Workflows": true,
	"Log":       true,
}

// HotReloadManager 配置热重载管理器
type HotReloadManager struct {
	mu sync.RWMutex

	config         *Config
	configPath     string
	history        []ConfigSnapshot
	maxHistorySize int
	debounce       time.Duration
	pollInterval   time.Duration
	validateFunc   ValidateFunc
	callbacks      []ReloadCallback

	watcher *FileWatcher
	cancel  context.CancelFunc
	running bool

	logger *zap.Logger
}

// HotReloadOption 热重载选项
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置日志
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConfigPath 设置要监听的配置文件
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) { m.configPath = path }
}

// WithMaxHistorySize 设置保留的快照数
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistorySize = size
		}
	}
}

// WithValidateFunc 设置额外校验
func WithValidateFunc(fn ValidateFunc) HotReloadOption {
	return func(m *HotReloadManager) { m.validateFunc = fn }
}

// WithReloadDebounce 设置文件事件防抖
func WithReloadDebounce(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) { m.debounce = d }
}

// WithReloadPollInterval 设置文件轮询间隔
func WithReloadPollInterval(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) { m.pollInterval = d }
}

// NewHotReloadManager 创建热重载管理器，初始配置记为版本 1
func NewHotReloadManager(cfg *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:         cfg,
		maxHistorySize: 10,
		debounce:       500 * time.Millisecond,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	m.pushHistory(cfg, "init", nil)
	return m
}

func (m *HotReloadManager) pushHistory(cfg *Config, source string, restart []string) {
	version := 1
	if n := len(m.history); n > 0 {
		version = m.history[n-1].Version + 1
	}
	m.history = append(m.history, ConfigSnapshot{
		Config:          cfg,
		Version:         version,
		Source:          source,
		Checksum:        computeConfigChecksum(cfg),
		Timestamp:       time.Now(),
		RequiresRestart: restart,
	})
	if len(m.history) > m.maxHistorySize {
		m.history = m.history[len(m.history)-m.maxHistorySize:]
	}
}

// computeConfigChecksum 配置内容的 SHA-256
func computeConfigChecksum(cfg *Config) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// OnReload 注册回调
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start 开始监听配置文件；未设置路径时只支持 ApplyConfig
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hot reload manager already running")
	}
	if m.configPath != "" {
		w, err := NewFileWatcher([]string{m.configPath},
			WithWatcherLogger(m.logger),
			WithDebounceDelay(m.debounce),
			WithPollInterval(m.pollInterval))
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		w.OnChange(m.handleFileChange)

		wctx, cancel := context.WithCancel(ctx)
		if err := w.Start(wctx); err != nil {
			cancel()
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		m.watcher = w
		m.cancel = cancel
	}
	m.running = true
	m.logger.Info("hot reload started", zap.String("config_path", m.configPath))
	return nil
}

// Stop 停止监听
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			m.logger.Error("failed to stop file watcher", zap.Error(err))
		}
	}
	m.running = false
	return nil
}

func (m *HotReloadManager) handleFileChange(event FileEvent) {
	if event.Op != FileOpWrite && event.Op != FileOpCreate {
		return
	}
	if err := m.ReloadFromFile(); err != nil {
		m.logger.Error("config reload failed, keeping current config",
			zap.String("path", event.Path),
			zap.Error(err))
	}
}

// ReloadFromFile 重新加载配置文件并应用
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}
	next, err := NewLoader().WithConfigPath(m.configPath).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return m.ApplyConfig(next, "file")
}

// ApplyConfig 校验并应用新配置。内容未变化时不通知回调。
func (m *HotReloadManager) ApplyConfig(next *Config, source string) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if m.validateFunc != nil {
		if err := m.validateFunc(next); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	m.mu.Lock()
	old := m.config
	if computeConfigChecksum(old) == computeConfigChecksum(next) {
		m.mu.Unlock()
		return nil
	}
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.Unlock()

	if done, err := notifySafe(callbacks, old, next); err != nil {
		m.logger.Error("reload callback failed, keeping current config",
			zap.String("source", source),
			zap.Error(err))
		// 已经成功的回调用旧配置再通知一次
		if _, rbErr := notifySafe(callbacks[:done], next, old); rbErr != nil {
			m.logger.Error("rollback callback failed", zap.Error(rbErr))
		}
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	restart := RequiresRestart(old, next)
	m.mu.Lock()
	m.config = next
	m.pushHistory(next, source, restart)
	m.mu.Unlock()

	if len(restart) > 0 {
		m.logger.Warn("some configuration changes require restart",
			zap.Strings("sections", restart))
	}
	m.logger.Info("configuration reloaded", zap.String("source", source))
	return nil
}

// notifySafe 依次调用回调，返回成功的数量
func notifySafe(callbacks []ReloadCallback, old, next *Config) (done int, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range callbacks {
		if err := cb(old, next); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// RequiresRestart 返回 old 与 next 之间变化、但不能热生效的顶层段落
func RequiresRestart(old, next *Config) []string {
	var out []string
	ov, nv := reflect.ValueOf(old).Elem(), reflect.ValueOf(next).Elem()
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		if hotReloadable[name] {
			continue
		}
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			out = append(out, name)
		}
	}
	return out
}

// GetConfig 当前生效的配置
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetCurrentVersion 当前版本号
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return 0
	}
	return m.history[len(m.history)-1].Version
}

// GetConfigHistory 历史快照，从旧到新
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSnapshot(nil), m.history...)
}
