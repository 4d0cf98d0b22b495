package workflow

import (
	"context"
	"sync"

	"github.com/BaSui01/grantflow/types"
)

// Status 单个 (处理器, 实体) 的执行状态，也用作处理器和整个运行的汇总状态
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusSkipped  Status = "SKIPPED"
	StatusTimedOut Status = "TIMED_OUT"
	// StatusPartial 仅用于处理器汇总与运行汇总
	StatusPartial Status = "PARTIAL"
)

// Outcome 处理器对一个实体的执行结果
type Outcome struct {
	Status Status
	// Output 成功时产生的属性，必须可 JSON 序列化
	Output any
	// Err 失败原因；SKIPPED 时可携带跳过原因
	Err error
}

// RunResult 一次 Run 调用按实体汇报的结果，可被处理器内部并发写入
type RunResult struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
}

// NewRunResult 创建空结果
func NewRunResult() *RunResult {
	return &RunResult{outcomes: make(map[string]Outcome)}
}

// Succeed 记录成功及其产出
func (r *RunResult) Succeed(ref types.EntityRef, output any) *RunResult {
	return r.set(ref, Outcome{Status: StatusSuccess, Output: output})
}

// Fail 记录失败；瞬时错误（types.IsTransient）会被引擎重试
func (r *RunResult) Fail(ref types.EntityRef, err error) *RunResult {
	return r.set(ref, Outcome{Status: StatusFailed, Err: err})
}

// TimeOut 记录实体在处理器内部超时，不会被重试
func (r *RunResult) TimeOut(ref types.EntityRef, err error) *RunResult {
	return r.set(ref, Outcome{Status: StatusTimedOut, Err: err})
}

// Skip 记录跳过，例如实体不适用
func (r *RunResult) Skip(ref types.EntityRef, reason string) *RunResult {
	var err error
	if reason != "" {
		err = types.NewError(types.ErrDependencyUnsatisfied, reason)
	}
	return r.set(ref, Outcome{Status: StatusSkipped, Err: err})
}

func (r *RunResult) set(ref types.EntityRef, o Outcome) *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]Outcome)
	}
	r.outcomes[ref.Key()] = o
	return r
}

// Outcome 返回某实体的结果
func (r *RunResult) Outcome(ref types.EntityRef) (Outcome, bool) {
	if r == nil {
		return Outcome{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[ref.Key()]
	return o, ok
}

// Len 返回已汇报的实体数量
func (r *RunResult) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

// Processor 一个命名的工作单元。
//
// Run 对给定实体集合执行，通过 ExecutionContext 与缓存读取上游产出。
// 对同一实体重复执行必须是幂等的。返回的 error 作用于本次调用的全部实体。
type Processor interface {
	Run(ctx context.Context, entities []types.EntityRef, ec *ExecutionContext) (*RunResult, error)
}

// ProcessorFunc 函数适配器
type ProcessorFunc func(ctx context.Context, entities []types.EntityRef, ec *ExecutionContext) (*RunResult, error)

// Run implements Processor.
func (f ProcessorFunc) Run(ctx context.Context, entities []types.EntityRef, ec *ExecutionContext) (*RunResult, error) {
	return f(ctx, entities, ec)
}

// EachEntity 把逐实体函数适配成 Processor，实体之间串行执行。
// fn 的错误记为该实体 FAILED；返回 ErrSkip 包装的错误记为 SKIPPED。
func EachEntity(fn func(ctx context.Context, ref types.EntityRef, ec *ExecutionContext) (any, error)) Processor {
	return ProcessorFunc(func(ctx context.Context, entities []types.EntityRef, ec *ExecutionContext) (*RunResult, error) {
		res := NewRunResult()
		for _, ref := range entities {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			out, err := fn(ctx, ref, ec)
			switch {
			case err == nil:
				res.Succeed(ref, out)
			case isSkip(err):
				res.Skip(ref, err.Error())
			default:
				res.Fail(ref, err)
			}
		}
		return res, nil
	})
}
