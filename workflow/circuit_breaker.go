package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/grantflow/config"
	"go.uber.org/zap"
)

// ErrCircuitOpen 熔断器拒绝调用
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许调用
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝调用
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许探测调用
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器参数
type BreakerConfig struct {
	// FailureThreshold 连续硬失败次数阈值
	FailureThreshold int
	// RecoveryTimeout 熔断后进入半开前的等待时间
	RecoveryTimeout time.Duration
	// HalfOpenMaxProbes 半开状态允许的探测调用数
	HalfOpenMaxProbes int
	// SuccessThreshold 半开状态下连续成功多少次后恢复
	SuccessThreshold int
}

// BreakerConfigFrom 从引擎配置转换，未设置的字段取默认值
func BreakerConfigFrom(c config.CircuitBreakerConfig) BreakerConfig {
	bc := BreakerConfig{
		FailureThreshold:  c.FailureThreshold,
		RecoveryTimeout:   c.RecoveryTimeout,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
	if bc.FailureThreshold <= 0 {
		bc.FailureThreshold = 5
	}
	if bc.RecoveryTimeout <= 0 {
		bc.RecoveryTimeout = 30 * time.Second
	}
	return bc
}

// BreakerEvent 状态变更事件
type BreakerEvent struct {
	Processor string       `json:"processor"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// BreakerEventHandler 状态变更回调，在锁外同步调用
type BreakerEventHandler func(event BreakerEvent)

// CircuitBreaker 单个处理器的熔断器
type CircuitBreaker struct {
	processor       string
	config          BreakerConfig
	state           CircuitState
	failures        int // 连续失败次数
	successes       int // 半开状态下连续成功次数
	lastFailureTime time.Time
	probeCount      int
	onChange        BreakerEventHandler
	now             func() time.Time
	logger          *zap.Logger
	mu              sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(processor string, cfg BreakerConfig, onChange BreakerEventHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		processor: processor,
		config:    cfg,
		state:     CircuitClosed,
		onChange:  onChange,
		now:       time.Now,
		logger:    logger.With(zap.String("processor", processor)),
	}
}

// Allow 检查是否允许调用，拒绝时返回包装 ErrCircuitOpen 的错误
func (cb *CircuitBreaker) Allow() error {
	var event *BreakerEvent
	defer func() { cb.emit(event) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		waited := cb.now().Sub(cb.lastFailureTime)
		if waited >= cb.config.RecoveryTimeout {
			event = cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		return fmt.Errorf("%w for processor %s: %d consecutive failures, retry after %v",
			ErrCircuitOpen, cb.processor, cb.failures, cb.config.RecoveryTimeout-waited)

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return fmt.Errorf("%w for processor %s: half-open probe in flight", ErrCircuitOpen, cb.processor)

	default:
		return fmt.Errorf("unknown circuit breaker state: %d", cb.state)
	}
}

// RecordSuccess 记录一次未整体失败的调用
func (cb *CircuitBreaker) RecordSuccess() {
	var event *BreakerEvent
	defer func() { cb.emit(event) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			event = cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
			cb.probeCount = 0
		}
	}
}

// RecordFailure 记录一次硬失败（调用出错或所有实体失败）
func (cb *CircuitBreaker) RecordFailure() {
	var event *BreakerEvent
	defer func() { cb.emit(event) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			event = cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.successes = 0
		event = cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures 当前连续失败次数
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset 手动恢复
func (cb *CircuitBreaker) Reset() {
	var event *BreakerEvent
	defer func() { cb.emit(event) }()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		event = cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
}

// transitionTo 状态转换（必须在锁内调用），返回待发送的事件
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) *BreakerEvent {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	return &BreakerEvent{
		Processor: cb.processor,
		OldState:  oldState,
		NewState:  newState,
		Timestamp: cb.now(),
		Reason:    reason,
		Failures:  cb.failures,
	}
}

func (cb *CircuitBreaker) emit(event *BreakerEvent) {
	if event != nil && cb.onChange != nil {
		cb.onChange(*event)
	}
}

// BreakerRegistry 按处理器名称管理熔断器，跨运行共享
type BreakerRegistry struct {
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	onChange BreakerEventHandler
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewBreakerRegistry 创建熔断器注册表
func NewBreakerRegistry(cfg BreakerConfig, onChange BreakerEventHandler, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg,
		onChange: onChange,
		logger:   logger,
	}
}

// Get 获取或创建处理器的熔断器
func (r *BreakerRegistry) Get(processor string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[processor]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[processor]; ok {
		return cb
	}
	cb := NewCircuitBreaker(processor, r.config, r.onChange, r.logger)
	r.breakers[processor] = cb
	return cb
}

// States 全部熔断器状态
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}

// ResetAll 重置全部熔断器
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
