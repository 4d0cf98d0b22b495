package httpfetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/types"
	"github.com/BaSui01/grantflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// upstream 按路径返回预设响应并统计请求次数
type upstream struct {
	mu       sync.Mutex
	hits     map[string]int
	headers  http.Header
	handlers map[string]func(w http.ResponseWriter, hit int)
}

func newUpstream(t *testing.T) (*upstream, *httptest.Server) {
	u := &upstream{hits: make(map[string]int), handlers: make(map[string]func(http.ResponseWriter, int))}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.URL.Path]++
		hit := u.hits[r.URL.Path]
		u.headers = r.Header.Clone()
		h, ok := u.handlers[r.URL.Path]
		u.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, hit)
	}))
	t.Cleanup(srv.Close)
	return u, srv
}

func (u *upstream) handle(path string, h func(w http.ResponseWriter, hit int)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers[path] = h
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func jsonBody(body string) func(http.ResponseWriter, int) {
	return func(w http.ResponseWriter, _ int) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func status(code int) func(http.ResponseWriter, int) {
	return func(w http.ResponseWriter, _ int) { w.WriteHeader(code) }
}

type harness struct {
	engine *workflow.Engine
	cache  *cache.Cache
	def    *workflow.Definition
}

func newHarness(t *testing.T, pc config.ProcessorConfig) *harness {
	t.Helper()
	c := cache.NewInMemory(cache.DefaultConfig(), zap.NewNop())
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	d, err := Descriptor(pc, zap.NewNop())
	require.NoError(t, err)

	reg := workflow.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(d))

	cfg := config.DefaultEngineConfig()
	cfg.MaxRetries = 2
	cfg.RetryInitialDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	e := workflow.NewEngine(reg, c, cfg, zap.NewNop())
	t.Cleanup(e.Close)

	return &harness{engine: e, cache: c, def: workflow.NewDefinition("fetch", pc.Name)}
}

func (h *harness) run(t *testing.T, refs ...types.EntityRef) *workflow.Result {
	t.Helper()
	return h.engine.Run(context.Background(), h.def, refs, workflow.RunOptions{})
}

func TestFetcher_SuccessIsCached(t *testing.T) {
	u, srv := newUpstream(t)
	u.handle("/orgs/123", jsonBody(`{"name":"Arts Council","grants":4}`))

	h := newHarness(t, config.ProcessorConfig{
		Name: "profile",
		HTTP: config.HTTPProcessorConfig{
			URL:     srv.URL + "/orgs/{id}",
			Headers: map[string]string{"X-API-Key": "secret"},
			Timeout: time.Second,
		},
	})
	ref := types.NewEntityRef("org", "123")

	first := h.run(t, ref)
	second := h.run(t, ref)

	require.Equal(t, workflow.StatusSuccess, first.Status, first.Entity(ref).Errors)
	assert.Equal(t, workflow.StatusSuccess, second.Status)
	assert.Equal(t, 1, u.count("/orgs/123"))
	assert.JSONEq(t, `{"name":"Arts Council","grants":4}`, string(first.Entity(ref).Attributes["profile"]))
	assert.JSONEq(t, string(first.Entity(ref).Attributes["profile"]), string(second.Entity(ref).Attributes["profile"]))

	var cached map[string]any
	require.NoError(t, h.cache.GetJSON(context.Background(), ref, "profile", &cached))
	assert.Equal(t, "Arts Council", cached["name"])

	u.mu.Lock()
	defer u.mu.Unlock()
	assert.Equal(t, "secret", u.headers.Get("X-API-Key"))
	assert.Equal(t, "application/json", u.headers.Get("Accept"))
	assert.Equal(t, first.RunID, u.headers.Get(HeaderRunID))
}

func TestFetcher_NotFound(t *testing.T) {
	_, srv := newUpstream(t)
	ref := types.NewEntityRef("org", "missing")

	t.Run("skip", func(t *testing.T) {
		h := newHarness(t, config.ProcessorConfig{
			Name: "profile",
			HTTP: config.HTTPProcessorConfig{URL: srv.URL + "/orgs/{id}", NotFoundAsSkip: true},
		})
		res := h.run(t, ref)
		assert.Equal(t, workflow.StatusSkipped, res.Entity(ref).Statuses["profile"])
		assert.Contains(t, res.Entity(ref).SkipReasons["profile"], "not found")
	})

	t.Run("fail", func(t *testing.T) {
		h := newHarness(t, config.ProcessorConfig{
			Name: "profile",
			HTTP: config.HTTPProcessorConfig{URL: srv.URL + "/orgs/{id}"},
		})
		res := h.run(t, ref)
		assert.Equal(t, workflow.StatusFailed, res.Entity(ref).Statuses["profile"])
		require.Len(t, res.Entity(ref).Errors, 1)
		assert.Equal(t, types.ErrPermanentExternal, res.Entity(ref).Errors[0].Code)
		assert.Equal(t, 1, res.Processors["profile"].Attempts)
	})
}

func TestFetcher_TransientStatusRetried(t *testing.T) {
	u, srv := newUpstream(t)
	u.handle("/orgs/123", func(w http.ResponseWriter, hit int) {
		if hit == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jsonBody(`{"ok":true}`)(w, hit)
	})

	h := newHarness(t, config.ProcessorConfig{
		Name: "profile",
		HTTP: config.HTTPProcessorConfig{URL: srv.URL + "/orgs/{id}"},
	})
	ref := types.NewEntityRef("org", "123")

	res := h.run(t, ref)

	assert.Equal(t, workflow.StatusSuccess, res.Status)
	assert.Equal(t, 2, u.count("/orgs/123"))
	assert.Equal(t, 2, res.Processors["profile"].Attempts)
}

func TestFetcher_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		handler  func(http.ResponseWriter, int)
		wantCode types.ErrorCode
		wantHits int
	}{
		{name: "bad request", handler: status(http.StatusBadRequest), wantCode: types.ErrPermanentExternal, wantHits: 1},
		{name: "forbidden", handler: status(http.StatusForbidden), wantCode: types.ErrPermanentExternal, wantHits: 1},
		{name: "rate limited", handler: status(http.StatusTooManyRequests), wantCode: types.ErrTransientExternal, wantHits: 3},
		{name: "server error", handler: status(http.StatusBadGateway), wantCode: types.ErrTransientExternal, wantHits: 3},
		{name: "not json", handler: func(w http.ResponseWriter, _ int) { _, _ = w.Write([]byte("<html>")) }, wantCode: types.ErrPermanentExternal, wantHits: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, srv := newUpstream(t)
			u.handle("/orgs/1", tt.handler)
			h := newHarness(t, config.ProcessorConfig{
				Name: "profile",
				HTTP: config.HTTPProcessorConfig{URL: srv.URL + "/orgs/{id}"},
			})
			ref := types.NewEntityRef("org", "1")

			res := h.run(t, ref)

			assert.Equal(t, workflow.StatusFailed, res.Status)
			require.Len(t, res.Entity(ref).Errors, 1)
			assert.Equal(t, tt.wantCode, res.Entity(ref).Errors[0].Code)
			assert.Equal(t, "profile", res.Entity(ref).Errors[0].Processor)
			assert.Equal(t, tt.wantHits, u.count("/orgs/1"))
		})
	}
}

func TestFetcher_PartialBatch(t *testing.T) {
	u, srv := newUpstream(t)
	u.handle("/org/1", jsonBody(`{"id":1}`))
	u.handle("/org/2", status(http.StatusBadRequest))
	u.handle("/org/3", jsonBody(`[1,2,3]`))

	h := newHarness(t, config.ProcessorConfig{
		Name: "profile",
		HTTP: config.HTTPProcessorConfig{URL: srv.URL + "/{type}/{id}", Namespace: "profiles"},
	})
	refs := []types.EntityRef{
		types.NewEntityRef("org", "1"),
		types.NewEntityRef("org", "2"),
		types.NewEntityRef("org", "3"),
	}

	res := h.run(t, refs...)

	assert.Equal(t, workflow.StatusPartial, res.Status)
	rep := res.Processors["profile"]
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)

	var arr []int
	require.NoError(t, json.Unmarshal(res.Entity(refs[2]).Attributes["profile"], &arr))
	assert.Equal(t, []int{1, 2, 3}, arr)

	_, err := h.cache.Get(context.Background(), refs[0], "profiles")
	assert.NoError(t, err)
}

func TestFetcher_InvocationTimeout(t *testing.T) {
	u, srv := newUpstream(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	u.handle("/orgs/slow", func(w http.ResponseWriter, _ int) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})

	h := newHarness(t, config.ProcessorConfig{
		Name:    "profile",
		Timeout: 50 * time.Millisecond,
		HTTP:    config.HTTPProcessorConfig{URL: srv.URL + "/orgs/{id}"},
	})
	ref := types.NewEntityRef("org", "slow")

	res := h.run(t, ref)

	assert.Equal(t, workflow.StatusTimedOut, res.Entity(ref).Statuses["profile"])
	assert.Equal(t, types.ErrTimeout, res.Entity(ref).Errors[0].Code)
	assert.Equal(t, 1, res.Processors["profile"].Attempts)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("p", config.HTTPProcessorConfig{}, nil)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))

	_, err = New("p", config.HTTPProcessorConfig{URL: "http://example.com/orgs"}, nil)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestFetcher_URLFor(t *testing.T) {
	f, err := New("p", config.HTTPProcessorConfig{URL: "https://api.example.com/{type}/{id}/profile"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/org/a%2Fb/profile", f.URLFor(types.NewEntityRef("org", "a/b")))
	assert.Equal(t, "p", f.Namespace())
}
