package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/types"
	"go.uber.org/zap"
)

// ErrNoOutput 处理器对该实体没有成功产出
var ErrNoOutput = errors.New("workflow: no output")

// ExecutionContext 单次运行的可变状态，只属于一个运行。
// 处理器通过它读取上游产出和共享的实体缓存。
type ExecutionContext struct {
	runID    string
	workflow string
	entities []types.EntityRef
	params   map[string]any
	cache    *cache.Cache
	logger   *zap.Logger

	mu       sync.RWMutex
	outcomes map[string]map[string]Outcome
	outputs  map[string]map[string]json.RawMessage
	timings  map[string]time.Duration
	result   *Result
	done     chan struct{}
}

func newExecutionContext(runID, workflow string, entities []types.EntityRef, params map[string]any,
	c *cache.Cache, logger *zap.Logger) *ExecutionContext {
	return &ExecutionContext{
		runID:    runID,
		workflow: workflow,
		entities: entities,
		params:   params,
		cache:    c,
		logger:   logger.With(zap.String("run_id", runID), zap.String("workflow", workflow)),
		outcomes: make(map[string]map[string]Outcome),
		outputs:  make(map[string]map[string]json.RawMessage),
		timings:  make(map[string]time.Duration),
		result:   newResult(runID, workflow, entities),
		done:     make(chan struct{}),
	}
}

// RunID 运行 ID
func (ec *ExecutionContext) RunID() string { return ec.runID }

// Workflow 工作流名称
func (ec *ExecutionContext) Workflow() string { return ec.workflow }

// Entities 目标实体集合的副本
func (ec *ExecutionContext) Entities() []types.EntityRef { return slices.Clone(ec.entities) }

// Cache 共享实体缓存
func (ec *ExecutionContext) Cache() *cache.Cache { return ec.cache }

// Logger 带 run_id 的日志器
func (ec *ExecutionContext) Logger() *zap.Logger { return ec.logger }

// Param 调用方传入的运行参数
func (ec *ExecutionContext) Param(key string) (any, bool) {
	v, ok := ec.params[key]
	return v, ok
}

// Output 读取上游处理器对实体的产出
func (ec *ExecutionContext) Output(processor string, ref types.EntityRef) (json.RawMessage, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	raw, ok := ec.outputs[processor][ref.Key()]
	if !ok {
		return nil, false
	}
	return slices.Clone(raw), true
}

// OutputJSON 读取并解码上游产出
func (ec *ExecutionContext) OutputJSON(processor string, ref types.EntityRef, dest any) error {
	raw, ok := ec.Output(processor, ref)
	if !ok {
		return fmt.Errorf("%s for %s: %w", processor, ref.Key(), ErrNoOutput)
	}
	return json.Unmarshal(raw, dest)
}

// Status 处理器对实体的执行状态
func (ec *ExecutionContext) Status(processor string, ref types.EntityRef) (Status, bool) {
	o, ok := ec.outcome(processor, ref)
	return o.Status, ok
}

// Succeeded reports whether processor produced output for ref.
func (ec *ExecutionContext) Succeeded(processor string, ref types.EntityRef) bool {
	s, ok := ec.Status(processor, ref)
	return ok && s == StatusSuccess
}

// Timing 处理器累计耗时
func (ec *ExecutionContext) Timing(processor string) time.Duration {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.timings[processor]
}

// Snapshot 当前结果的深拷贝，运行中也可调用
func (ec *ExecutionContext) Snapshot() *Result {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.result.Clone()
}

// Done 运行结束时关闭
func (ec *ExecutionContext) Done() <-chan struct{} { return ec.done }

// =============================================================================
// 引擎内部记录
// =============================================================================

func (ec *ExecutionContext) outcome(processor string, ref types.EntityRef) (Outcome, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	o, ok := ec.outcomes[processor][ref.Key()]
	return o, ok
}

func (ec *ExecutionContext) entityReport(ref types.EntityRef) *EntityReport {
	er, ok := ec.result.Entities[ref.Key()]
	if !ok {
		er = &EntityReport{
			Ref:        ref,
			Statuses:   make(map[string]Status),
			Attributes: make(map[string]json.RawMessage),
		}
		ec.result.Entities[ref.Key()] = er
	}
	return er
}

// record 写入最终结果；SUCCESS 时 raw 为序列化后的产出
func (ec *ExecutionContext) record(processor string, ref types.EntityRef, o Outcome, raw json.RawMessage) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.outcomes[processor] == nil {
		ec.outcomes[processor] = make(map[string]Outcome)
		ec.outputs[processor] = make(map[string]json.RawMessage)
	}
	ec.outcomes[processor][ref.Key()] = o

	er := ec.entityReport(ref)
	er.Statuses[processor] = o.Status
	switch o.Status {
	case StatusSuccess:
		ec.outputs[processor][ref.Key()] = raw
		er.Attributes[processor] = slices.Clone(raw)
	case StatusSkipped:
		if er.SkipReasons == nil {
			er.SkipReasons = make(map[string]string)
		}
		reason := "skipped by processor"
		if o.Err != nil {
			reason = o.Err.Error()
		}
		er.SkipReasons[processor] = reason
	default:
		if o.Err != nil {
			er.Errors = append(er.Errors, errorDetail(processor, ref.Key(), o.Err))
		}
	}
}

func (ec *ExecutionContext) setReport(rep ProcessorReport) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.result.Processors[rep.Name] = rep
	ec.timings[rep.Name] = rep.Duration
}

func (ec *ExecutionContext) report(name string) (ProcessorReport, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	rep, ok := ec.result.Processors[name]
	return rep, ok
}

func (ec *ExecutionContext) addError(d ErrorDetail) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.result.Errors = append(ec.result.Errors, d)
}

func (ec *ExecutionContext) runErrors() []ErrorDetail {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return slices.Clone(ec.result.Errors)
}

func (ec *ExecutionContext) start(now time.Time) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.result.State = RunRunning
	ec.result.StartedAt = now
}

// finish 固定终态并关闭 done，返回最终结果的副本
func (ec *ExecutionContext) finish(state RunState, status Status, now time.Time) *Result {
	ec.mu.Lock()
	ec.result.State = state
	ec.result.Status = status
	ec.result.FinishedAt = now
	if !ec.result.StartedAt.IsZero() {
		ec.result.Elapsed = now.Sub(ec.result.StartedAt)
	}
	final := ec.result.Clone()
	ec.mu.Unlock()

	close(ec.done)
	return final
}
