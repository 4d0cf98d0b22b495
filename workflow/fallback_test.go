package workflow

import (
	"context"
	"testing"

	"github.com/BaSui01/grantflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMissingOutput(t *testing.T) {
	e3 := types.NewEntityRef("org", "789")
	ec := newExecutionContext("r", "w", []types.EntityRef{org123, org456, e3}, nil, nil, zap.NewNop())
	ec.record("a", org123, Outcome{Status: StatusSuccess}, []byte(`{}`))
	ec.record("a", org456, Outcome{Status: StatusFailed, Err: types.Permanent(errStub)}, nil)
	ec.record("a", e3, Outcome{Status: StatusSkipped}, nil)

	got := MissingOutput().Select(context.Background(), ec, "a", []types.EntityRef{org123, org456, e3})

	assert.Equal(t, []types.EntityRef{org456, e3}, got)
}

func TestMissingAttribute(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Put(ctx, org123, "download", map[string]string{"url": "s3://a"}))

	ec := newExecutionContext("r", "w", []types.EntityRef{org123, org456}, nil, c, zap.NewNop())

	got := MissingAttribute("download").Select(ctx, ec, "a", []types.EntityRef{org123, org456})
	assert.Equal(t, []types.EntityRef{org456}, got)
}

func TestMissingAttribute_CacheErrorCountsAsMissing(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Put(ctx, org123, "download", "x"))
	require.NoError(t, c.Close(ctx))

	ec := newExecutionContext("r", "w", []types.EntityRef{org123}, nil, c, zap.NewNop())

	got := MissingAttribute("download").Select(ctx, ec, "a", []types.EntityRef{org123})
	assert.Equal(t, []types.EntityRef{org123}, got)
}

func TestFailedWith(t *testing.T) {
	ec := newExecutionContext("r", "w", []types.EntityRef{org123, org456}, nil, nil, zap.NewNop())
	ec.record("a", org123, Outcome{Status: StatusFailed, Err: types.HTTPStatusCode(503, "unavailable")}, nil)
	ec.record("a", org456, Outcome{Status: StatusFailed, Err: types.HTTPStatusCode(404, "not found")}, nil)

	got := FailedWith(types.ErrTransientExternal).Select(context.Background(), ec, "a", []types.EntityRef{org123, org456})
	assert.Equal(t, []types.EntityRef{org123}, got)

	got = FailedWith(types.ErrTimeout).Select(context.Background(), ec, "a", []types.EntityRef{org123, org456})
	assert.Empty(t, got)
}

func TestPredicateByName(t *testing.T) {
	p, err := PredicateByName("", "")
	require.NoError(t, err)
	assert.NotNil(t, p)

	p, err = PredicateByName("missing_attribute", "download")
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = PredicateByName("missing_attribute", "")
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))

	_, err = PredicateByName("coin_flip", "")
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestPredicateFunc(t *testing.T) {
	var gotTrigger string
	p := PredicateFunc(func(_ context.Context, _ *ExecutionContext, trigger string, c []types.EntityRef) []types.EntityRef {
		gotTrigger = trigger
		return c[:1]
	})

	out := p.Select(context.Background(), nil, "primary", []types.EntityRef{org123, org456})

	assert.Equal(t, "primary", gotTrigger)
	assert.Equal(t, []types.EntityRef{org123}, out)
}
