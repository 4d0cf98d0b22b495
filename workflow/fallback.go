package workflow

import (
	"context"
	"errors"

	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🔀 备用处理器激活谓词
// =============================================================================

// Predicate 选出需要运行备用处理器的实体。
// candidates 是触发处理器实际尝试过的实体，被依赖或适用性跳过的实体不在其中。
type Predicate interface {
	Select(ctx context.Context, ec *ExecutionContext, trigger string, candidates []types.EntityRef) []types.EntityRef
}

// PredicateFunc 函数适配器
type PredicateFunc func(ctx context.Context, ec *ExecutionContext, trigger string, candidates []types.EntityRef) []types.EntityRef

// Select implements Predicate.
func (f PredicateFunc) Select(ctx context.Context, ec *ExecutionContext, trigger string, candidates []types.EntityRef) []types.EntityRef {
	return f(ctx, ec, trigger, candidates)
}

// MissingOutput 选出触发处理器没有成功产出的实体（FAILED / TIMED_OUT / SKIPPED）
func MissingOutput() Predicate {
	return PredicateFunc(func(_ context.Context, ec *ExecutionContext, trigger string, candidates []types.EntityRef) []types.EntityRef {
		var out []types.EntityRef
		for _, ref := range candidates {
			if !ec.Succeeded(trigger, ref) {
				out = append(out, ref)
			}
		}
		return out
	})
}

// MissingAttribute 选出缓存中缺少 namespace 有效条目的实体。
// 缓存读取失败按缺失处理。
func MissingAttribute(namespace string) Predicate {
	return PredicateFunc(func(ctx context.Context, ec *ExecutionContext, _ string, candidates []types.EntityRef) []types.EntityRef {
		var out []types.EntityRef
		for _, ref := range candidates {
			_, err := ec.Cache().Get(ctx, ref, namespace)
			if err == nil {
				continue
			}
			if !errors.Is(err, cache.ErrNotFound) {
				ec.Logger().Warn("cache read failed while evaluating fallback",
					zap.String("entity", ref.Key()),
					zap.String("namespace", namespace),
					zap.Error(err))
			}
			out = append(out, ref)
		}
		return out
	})
}

// FailedWith 选出触发处理器以指定错误码失败的实体
func FailedWith(codes ...types.ErrorCode) Predicate {
	return PredicateFunc(func(_ context.Context, ec *ExecutionContext, trigger string, candidates []types.EntityRef) []types.EntityRef {
		var out []types.EntityRef
		for _, ref := range candidates {
			o, ok := ec.outcome(trigger, ref)
			if !ok || o.Status == StatusSuccess {
				continue
			}
			code := types.GetErrorCode(o.Err)
			for _, c := range codes {
				if code == c {
					out = append(out, ref)
					break
				}
			}
		}
		return out
	})
}

// PredicateByName 按配置名称构造谓词
func PredicateByName(name, namespace string) (Predicate, error) {
	switch name {
	case "", "missing_output":
		return MissingOutput(), nil
	case "missing_attribute":
		if namespace == "" {
			return nil, types.ConfigError("missing_attribute predicate requires a namespace")
		}
		return MissingAttribute(namespace), nil
	default:
		return nil, types.ConfigError("unknown fallback predicate %q", name)
	}
}
