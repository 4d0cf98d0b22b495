package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/BaSui01/grantflow/types"
	"go.uber.org/zap"
)

var (
	// ErrRunNotFound 运行不存在或已被历史淘汰
	ErrRunNotFound = errors.New("workflow: run not found")
	// ErrServiceClosed 服务已关闭
	ErrServiceClosed = errors.New("workflow: service is shut down")
	// ErrWorkflowNotFound 工作流未定义
	ErrWorkflowNotFound = errors.New("workflow: workflow not found")
)

type activeRun struct {
	ec     *ExecutionContext
	cancel context.CancelFunc
}

// Service 调用入口：异步启动运行，按 ID 查询状态
type Service struct {
	engine  *Engine
	history *HistoryStore
	logger  *zap.Logger

	mu          sync.RWMutex
	definitions map[string]*Definition
	active      map[string]*activeRun
	closed      bool
	wg          sync.WaitGroup
}

// NewService 创建服务并封存注册表
func NewService(engine *Engine, defs []*Definition, history *HistoryStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if history == nil {
		history = NewHistoryStore(100)
	}
	s := &Service{
		engine:      engine,
		history:     history,
		logger:      logger.With(zap.String("component", "workflow_service")),
		definitions: make(map[string]*Definition, len(defs)),
		active:      make(map[string]*activeRun),
	}
	for _, d := range defs {
		s.definitions[d.Name] = d
	}
	engine.Registry().Seal()
	return s
}

// Definition 按名称查找工作流
func (s *Service) Definition(name string) (*Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.definitions[name]
	return d, ok
}

// Workflows 排序后的工作流名称
func (s *Service) Workflows() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.definitions))
	for name := range s.definitions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SetDefinitions 校验并整体替换工作流定义；进行中的运行不受影响
func (s *Service) SetDefinitions(defs []*Definition) error {
	next := make(map[string]*Definition, len(defs))
	var errs []error
	for _, d := range defs {
		if d == nil {
			continue
		}
		if _, err := d.Plan(s.engine.Registry()); err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", d.Name, err))
			continue
		}
		next[d.Name] = d
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	s.definitions = next
	s.logger.Info("workflow definitions replaced", zap.Int("workflows", len(next)))
	return nil
}

// StartWorkflow 启动一次运行并立即返回运行 ID。
// 运行与调用方 ctx 的取消解耦，只随 Cancel / Shutdown 结束。
func (s *Service) StartWorkflow(ctx context.Context, name string, entities []types.EntityRef, opts RunOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrServiceClosed
	}
	def, ok := s.definitions[name]
	if !ok {
		return "", types.NewError(types.ErrConfiguration, fmt.Sprintf("unknown workflow %s", name)).
			WithCause(ErrWorkflowNotFound)
	}
	if opts.RunID != "" {
		if _, exists := s.active[opts.RunID]; exists {
			return "", types.ConfigError("run %s already exists", opts.RunID)
		}
		if _, exists := s.history.Get(opts.RunID); exists {
			return "", types.ConfigError("run %s already exists", opts.RunID)
		}
	}

	ec := s.engine.NewRun(def, entities, opts)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.active[ec.RunID()] = &activeRun{ec: ec, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		res := s.engine.Execute(runCtx, def, ec, opts)
		s.history.Save(res)

		s.mu.Lock()
		delete(s.active, ec.RunID())
		s.mu.Unlock()
	}()

	s.logger.Info("workflow started",
		zap.String("workflow", name),
		zap.String("run_id", ec.RunID()),
		zap.Int("entities", len(entities)))
	return ec.RunID(), nil
}

// GetStatus 运行中返回实时快照，结束后返回最终结果
func (s *Service) GetStatus(runID string) (*Result, error) {
	s.mu.RLock()
	run, ok := s.active[runID]
	s.mu.RUnlock()
	if ok {
		return run.ec.Snapshot(), nil
	}
	if r, ok := s.history.Get(runID); ok {
		return r, nil
	}
	return nil, ErrRunNotFound
}

// Wait 阻塞到运行结束或 ctx 结束
func (s *Service) Wait(ctx context.Context, runID string) (*Result, error) {
	s.mu.RLock()
	run, ok := s.active[runID]
	s.mu.RUnlock()
	if !ok {
		if r, ok := s.history.Get(runID); ok {
			return r, nil
		}
		return nil, ErrRunNotFound
	}

	select {
	case <-run.ec.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// done 关闭后历史写入可能稍晚一步，直接取最终快照
	return run.ec.Snapshot(), nil
}

// Cancel 取消运行中的工作流
func (s *Service) Cancel(runID string) error {
	s.mu.RLock()
	run, ok := s.active[runID]
	s.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}
	run.cancel()
	return nil
}

// List 运行中与历史中的全部运行，按开始时间排序
func (s *Service) List() []*Result {
	s.mu.RLock()
	out := make([]*Result, 0, len(s.active))
	for _, run := range s.active {
		out = append(out, run.ec.Snapshot())
	}
	s.mu.RUnlock()

	seen := make(map[string]bool, len(out))
	for _, r := range out {
		seen[r.RunID] = true
	}
	for _, r := range s.history.List() {
		if !seen[r.RunID] {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b *Result) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Shutdown 拒绝新运行，取消运行中的工作流并等待其结束
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, run := range s.active {
		run.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("workflow service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow service shutdown: %w", ctx.Err())
	}
}
