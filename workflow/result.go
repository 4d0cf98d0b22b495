package workflow

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/BaSui01/grantflow/internal/pool"
	"github.com/BaSui01/grantflow/types"
)

// RunState 运行生命周期状态
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// Done reports whether the run reached a terminal state.
func (s RunState) Done() bool {
	return s == RunCompleted || s == RunFailed
}

// ErrorDetail 附在结果中的错误描述，只包含可展示的字段
type ErrorDetail struct {
	Processor string          `json:"processor,omitempty"`
	Entity    string          `json:"entity,omitempty"`
	Code      types.ErrorCode `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

// ProcessorReport 单个处理器的汇总
type ProcessorReport struct {
	Name      string        `json:"name"`
	Fallback  bool          `json:"fallback"`
	Triggered bool          `json:"triggered"`
	Status    Status        `json:"status"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	TimedOut  int           `json:"timed_out"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

// EntityReport 单个实体在各处理器上的结果
type EntityReport struct {
	Ref        types.EntityRef            `json:"ref"`
	Statuses   map[string]Status          `json:"statuses"`
	Attributes map[string]json.RawMessage `json:"attributes"`
	// SkipReasons 被跳过的处理器及原因
	SkipReasons map[string]string `json:"skip_reasons,omitempty"`
	Errors      []ErrorDetail     `json:"errors,omitempty"`
}

// Result 工作流运行结果。引擎返回后不再修改；运行中通过快照读取。
type Result struct {
	RunID      string                     `json:"run_id"`
	Workflow   string                     `json:"workflow"`
	State      RunState                   `json:"state"`
	Status     Status                     `json:"status,omitempty"`
	Processors map[string]ProcessorReport `json:"processors"`
	Entities   map[string]*EntityReport   `json:"entities"`
	Errors     []ErrorDetail              `json:"errors,omitempty"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at,omitempty"`
	Elapsed    time.Duration              `json:"elapsed"`
}

func newResult(runID, workflow string, entities []types.EntityRef) *Result {
	r := &Result{
		RunID:      runID,
		Workflow:   workflow,
		State:      RunPending,
		Processors: make(map[string]ProcessorReport),
		Entities:   make(map[string]*EntityReport, len(entities)),
	}
	for _, ref := range entities {
		r.Entities[ref.Key()] = &EntityReport{
			Ref:        ref,
			Statuses:   make(map[string]Status),
			Attributes: make(map[string]json.RawMessage),
		}
	}
	return r
}

// Clone 深拷贝
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Processors = maps.Clone(r.Processors)
	c.Errors = slices.Clone(r.Errors)
	c.Entities = make(map[string]*EntityReport, len(r.Entities))
	for k, e := range r.Entities {
		ec := &EntityReport{
			Ref:         e.Ref,
			Statuses:    maps.Clone(e.Statuses),
			Attributes:  make(map[string]json.RawMessage, len(e.Attributes)),
			SkipReasons: maps.Clone(e.SkipReasons),
			Errors:      slices.Clone(e.Errors),
		}
		for name, raw := range e.Attributes {
			ec.Attributes[name] = slices.Clone(raw)
		}
		c.Entities[k] = ec
	}
	return &c
}

// Entity 按引用查找实体报告，不在目标集合中时返回 nil
func (r *Result) Entity(ref types.EntityRef) *EntityReport {
	return r.Entities[ref.Key()]
}

// AttributeNames 返回实体拥有属性的处理器名称（排序）
func (e *EntityReport) AttributeNames() []string {
	return slices.Sorted(maps.Keys(e.Attributes))
}

// errorDetail 把任意错误转换为可展示的描述
func errorDetail(processor, entity string, err error) ErrorDetail {
	d := ErrorDetail{
		Processor: processor,
		Entity:    entity,
		Code:      types.GetErrorCode(err),
		Message:   err.Error(),
		Retryable: types.IsTransient(err),
	}
	if d.Code == "" {
		var panicErr *pool.PanicError
		switch {
		case errors.As(err, &panicErr):
			d.Code = types.ErrInternal
		case d.Retryable:
			d.Code = types.ErrTransientExternal
		default:
			d.Code = types.ErrPermanentExternal
		}
	}
	return d
}
