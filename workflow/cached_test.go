package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type grantSummary struct {
	Count int    `json:"count"`
	Top   string `json:"top"`
}

func TestCached_ComputesOnceThenHits(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	ec := newExecutionContext("r", "w", []types.EntityRef{org123}, nil, c, zap.NewNop())

	calls := 0
	compute := func(context.Context) (grantSummary, error) {
		calls++
		return grantSummary{Count: 4, Top: "arts"}, nil
	}

	first, err := Cached(ctx, ec, org123, "grants", compute)
	require.NoError(t, err)
	second, err := Cached(ctx, ec, org123, "grants", compute)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)

	var stored grantSummary
	require.NoError(t, c.GetJSON(ctx, org123, "grants", &stored))
	assert.Equal(t, 4, stored.Count)
}

func TestCached_ComputeErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	ec := newExecutionContext("r", "w", []types.EntityRef{org123}, nil, c, zap.NewNop())

	_, err := Cached(ctx, ec, org123, "grants", func(context.Context) (int, error) {
		return 0, types.Transient(errors.New("503"))
	})
	assert.True(t, types.IsTransient(err))

	_, err = c.Get(ctx, org123, "grants")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestCached_CacheFailureFallsBackToCompute(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Close(ctx))
	ec := newExecutionContext("r", "w", []types.EntityRef{org123}, nil, c, zap.NewNop())

	got, err := Cached(ctx, ec, org123, "grants", func(context.Context) (string, error) { return "fresh", nil })

	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
}

func TestCached_NoCache(t *testing.T) {
	ec := newExecutionContext("r", "w", []types.EntityRef{org123}, nil, nil, zap.NewNop())

	calls := 0
	for i := 0; i < 2; i++ {
		_, err := Cached(context.Background(), ec, org123, "grants", func(context.Context) (int, error) {
			calls++
			return calls, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
}
