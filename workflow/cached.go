package workflow

import (
	"context"
	"errors"

	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/types"
	"go.uber.org/zap"
)

// Cached 读穿透：缓存中有未过期的值直接返回，否则调用 compute 并写回。
// 缓存读写失败只记录日志，按未命中或不缓存降级处理。
func Cached[T any](ctx context.Context, ec *ExecutionContext, ref types.EntityRef, namespace string,
	compute func(ctx context.Context) (T, error), opts ...cache.PutOption) (T, error) {
	var v T
	c := ec.Cache()
	if c == nil {
		return compute(ctx)
	}

	err := c.GetJSON(ctx, ref, namespace, &v)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		ec.Logger().Warn("cache read failed, recomputing",
			zap.String("entity", ref.Key()),
			zap.String("namespace", namespace),
			zap.Error(err))
	}

	v, err = compute(ctx)
	if err != nil {
		return v, err
	}
	if err := c.Put(ctx, ref, namespace, v, opts...); err != nil {
		ec.Logger().Warn("cache write failed, continuing without cache",
			zap.String("entity", ref.Key()),
			zap.String("namespace", namespace),
			zap.Error(err))
	}
	return v, nil
}
