// 配置热重载相关测试。
package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func withWorkflow(cfg *Config, name string, processors ...string) *Config {
	cfg.Workflows = append(cfg.Workflows, WorkflowConfig{Name: name, Processors: processors})
	return cfg
}

func TestHotReloadManager_InitialSnapshot(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())

	assert.Equal(t, 1, m.GetCurrentVersion())
	history := m.GetConfigHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "init", history[0].Source)
	assert.Len(t, history[0].Checksum, 64)
}

func TestHotReloadManager_ApplyConfig(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig(), WithHotReloadLogger(zap.NewNop()))

	var got []string
	m.OnReload(func(old, next *Config) error {
		got = append(got, next.Workflows[0].Name)
		return nil
	})

	next := withWorkflow(DefaultConfig(), "profile", "fetch")
	require.NoError(t, m.ApplyConfig(next, "test"))

	assert.Equal(t, []string{"profile"}, got)
	assert.Same(t, next, m.GetConfig())
	assert.Equal(t, 2, m.GetCurrentVersion())
	assert.Empty(t, m.GetConfigHistory()[1].RequiresRestart)
}

func TestHotReloadManager_UnchangedConfigIsNoop(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())
	calls := 0
	m.OnReload(func(_, _ *Config) error { calls++; return nil })

	require.NoError(t, m.ApplyConfig(DefaultConfig(), "test"))

	assert.Zero(t, calls)
	assert.Equal(t, 1, m.GetCurrentVersion())
}

func TestHotReloadManager_RejectsInvalid(t *testing.T) {
	current := DefaultConfig()
	m := NewHotReloadManager(current, WithValidateFunc(func(c *Config) error {
		if len(c.Workflows) > 1 {
			return errors.New("too many workflows")
		}
		return nil
	}))

	bad := DefaultConfig()
	bad.Engine.MaxConcurrency = 0
	assert.Error(t, m.ApplyConfig(bad, "test"))

	hooked := withWorkflow(withWorkflow(DefaultConfig(), "a", "x"), "b", "y")
	err := m.ApplyConfig(hooked, "test")
	assert.ErrorContains(t, err, "too many workflows")

	assert.Same(t, current, m.GetConfig())
}

func TestHotReloadManager_CallbackFailureRollsBack(t *testing.T) {
	current := DefaultConfig()
	m := NewHotReloadManager(current)

	var seen []string
	m.OnReload(func(_, next *Config) error {
		seen = append(seen, "first:"+name(next))
		return nil
	})
	m.OnReload(func(_, next *Config) error {
		if len(next.Workflows) > 0 {
			return errors.New("rebuild failed")
		}
		return nil
	})
	m.OnReload(func(_, _ *Config) error { panic("never reached") })

	err := m.ApplyConfig(withWorkflow(DefaultConfig(), "profile", "fetch"), "test")

	require.Error(t, err)
	assert.Same(t, current, m.GetConfig())
	assert.Equal(t, []string{"first:profile", "first:"}, seen)
}

func name(c *Config) string {
	if len(c.Workflows) == 0 {
		return ""
	}
	return c.Workflows[0].Name
}

func TestHotReloadManager_CallbackPanicIsRecovered(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())
	m.OnReload(func(_, _ *Config) error { panic("boom") })

	err := m.ApplyConfig(withWorkflow(DefaultConfig(), "profile", "fetch"), "test")
	assert.ErrorContains(t, err, "callback panicked")
}

func TestRequiresRestart(t *testing.T) {
	old := DefaultConfig()
	next := withWorkflow(DefaultConfig(), "profile", "fetch")
	next.Log.Level = "debug"
	assert.Empty(t, RequiresRestart(old, next))

	next.Engine.MaxConcurrency = 9
	next.Cache.Shards = 2
	assert.Equal(t, []string{"Cache", "Engine"}, RequiresRestart(old, next))
}

func TestHotReloadManager_HistoryBounded(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig(), WithMaxHistorySize(2))
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, m.ApplyConfig(withWorkflow(DefaultConfig(), n, "fetch"), "test"))
	}

	history := m.GetConfigHistory()
	require.Len(t, history, 2)
	assert.Equal(t, 3, history[0].Version)
	assert.Equal(t, 4, history[1].Version)
}

func TestHotReloadManager_ReloadFromFile(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig())
	assert.Error(t, m.ReloadFromFile())

	path := filepath.Join(t.TempDir(), "grantflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflows:\n  - name: profile\n    processors: [fetch]\n"), 0o644))

	m = NewHotReloadManager(DefaultConfig(), WithConfigPath(path))
	require.NoError(t, m.ReloadFromFile())
	assert.Equal(t, "profile", name(m.GetConfig()))
}

func TestHotReloadManager_WatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grantflow.yaml")
	base := time.Now().Add(-time.Hour)
	writeFile(t, path, "log:\n  level: info\n", base)

	m := NewHotReloadManager(DefaultConfig(),
		WithConfigPath(path),
		WithReloadDebounce(10*time.Millisecond),
		WithReloadPollInterval(20*time.Millisecond))

	var mu sync.Mutex
	var reloaded string
	m.OnReload(func(_, next *Config) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = name(next)
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	assert.Error(t, m.Start(context.Background()))

	writeFile(t, path, "workflows:\n  - name: scoring\n    processors: [fetch]\n", base.Add(time.Minute))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloaded == "scoring"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
