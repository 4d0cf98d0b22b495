package workflow

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

var (
	org123 = types.NewEntityRef("org", "123")
	org456 = types.NewEntityRef("org", "456")
)

func testEngineConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.MaxRetries = 2
	cfg.RetryInitialDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.ProcessorTimeout = 5 * time.Second
	cfg.WorkflowDeadline = 0
	return cfg
}

func newTestCache(t testing.TB) *cache.Cache {
	t.Helper()
	return newTestCacheWithStore(t, cache.NewMemoryStore())
}

func newTestCacheWithStore(t testing.TB, store cache.Store) *cache.Cache {
	t.Helper()
	c := cache.New(store, cache.DefaultConfig(), zap.NewNop())
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func newTestEngine(t testing.TB, reg *Registry, c *cache.Cache, mutate func(*config.EngineConfig), opts ...EngineOption) *Engine {
	t.Helper()
	cfg := testEngineConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e := NewEngine(reg, c, cfg, zap.NewNop(), opts...)
	t.Cleanup(e.Close)
	return e
}

// scripted 按 (调用次数, 实体) 返回预设结果，并记录每次调用收到的实体
type scripted struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(attempt int, ref types.EntityRef) Outcome
}

func (s *scripted) Run(_ context.Context, entities []types.EntityRef, _ *ExecutionContext) (*RunResult, error) {
	s.mu.Lock()
	attempt := len(s.calls)
	keys := make([]string, len(entities))
	for i, ref := range entities {
		keys[i] = ref.Key()
	}
	s.calls = append(s.calls, keys)
	s.mu.Unlock()

	res := NewRunResult()
	for _, ref := range entities {
		res.set(ref, s.fn(attempt, ref))
	}
	return res, nil
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// seen 所有调用收到的实体，去重排序
func (s *scripted) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		out = append(out, c...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (s *scripted) call(i int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func output(name string, ref types.EntityRef) map[string]string {
	return map[string]string{"by": name, "id": ref.ID}
}

func succeedAll(name string) *scripted {
	return &scripted{fn: func(_ int, ref types.EntityRef) Outcome {
		return Outcome{Status: StatusSuccess, Output: output(name, ref)}
	}}
}

// failFor 对 keys 中的实体永久失败，其余成功
func failFor(name string, keys ...string) *scripted {
	return &scripted{fn: func(_ int, ref types.EntityRef) Outcome {
		if slices.Contains(keys, ref.Key()) {
			return Outcome{Status: StatusFailed, Err: types.Permanent(errStub)}
		}
		return Outcome{Status: StatusSuccess, Output: output(name, ref)}
	}}
}

var errStub = stubError("upstream rejected request")

type stubError string

func (e stubError) Error() string { return string(e) }

func mainProc(name string, p Processor, deps ...string) Descriptor {
	return Descriptor{Name: name, Dependencies: deps, Writes: []string{name}, Processor: p}
}

func fallbackProc(name, trigger string, p Processor, deps ...string) Descriptor {
	return Descriptor{
		Name:         name,
		Dependencies: deps,
		Writes:       []string{name},
		Kind:         KindFallback,
		Fallback:     &FallbackSpec{Trigger: trigger},
		Processor:    p,
	}
}

func workflowOf(r *Registry, name string) *Definition {
	return NewDefinition(name, r.Names()...)
}

// recordingMetrics 记录引擎上报的指标
type recordingMetrics struct {
	mu       sync.Mutex
	started  []string
	finished []string
	retries  map[string]int
	outcomes map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{retries: make(map[string]int), outcomes: make(map[string]int)}
}

func (m *recordingMetrics) ProcessorInvocation(string, string, time.Duration) {}

func (m *recordingMetrics) ProcessorRetry(processor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[processor]++
}

func (m *recordingMetrics) EntityOutcome(processor, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[processor+"/"+status]++
}

func (m *recordingMetrics) WorkflowStarted(workflow string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, workflow)
}

func (m *recordingMetrics) WorkflowFinished(workflow, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, workflow+"/"+status)
}
