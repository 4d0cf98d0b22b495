package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/internal/ctxkeys"
	"github.com/BaSui01/grantflow/internal/pool"
	"github.com/BaSui01/grantflow/internal/retry"
	"github.com/BaSui01/grantflow/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/BaSui01/grantflow/workflow"

// Metrics 引擎上报的指标，metrics.Collector 实现该接口
type Metrics interface {
	ProcessorInvocation(processor, status string, duration time.Duration)
	ProcessorRetry(processor string)
	EntityOutcome(processor, status string)
	WorkflowStarted(workflow string)
	WorkflowFinished(workflow, status string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ProcessorInvocation(string, string, time.Duration) {}
func (nopMetrics) ProcessorRetry(string)                             {}
func (nopMetrics) EntityOutcome(string, string)                      {}
func (nopMetrics) WorkflowStarted(string)                            {}
func (nopMetrics) WorkflowFinished(string, string, time.Duration)    {}

// multiMetrics 依次转发给多个 Metrics
type multiMetrics []Metrics

func (mm multiMetrics) ProcessorInvocation(p, status string, d time.Duration) {
	for _, m := range mm {
		m.ProcessorInvocation(p, status, d)
	}
}

func (mm multiMetrics) ProcessorRetry(p string) {
	for _, m := range mm {
		m.ProcessorRetry(p)
	}
}

func (mm multiMetrics) EntityOutcome(p, status string) {
	for _, m := range mm {
		m.EntityOutcome(p, status)
	}
}

func (mm multiMetrics) WorkflowStarted(w string) {
	for _, m := range mm {
		m.WorkflowStarted(w)
	}
}

func (mm multiMetrics) WorkflowFinished(w, status string, d time.Duration) {
	for _, m := range mm {
		m.WorkflowFinished(w, status, d)
	}
}

// EngineOption 引擎构造选项
type EngineOption func(*Engine)

// WithMetrics 注入指标；多次调用时同时上报到每个 Metrics
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		if m == nil {
			return
		}
		switch cur := e.metrics.(type) {
		case nopMetrics:
			e.metrics = m
		case multiMetrics:
			e.metrics = append(cur, m)
		default:
			e.metrics = multiMetrics{cur, m}
		}
	}
}

// WithTracer 注入 tracer，默认使用全局 TracerProvider
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithBreakerEvents 熔断器状态变更回调
func WithBreakerEvents(h BreakerEventHandler) EngineOption {
	return func(e *Engine) { e.breakerEvents = h }
}

// WithEngineClock 注入时钟
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// RunOptions 单次运行参数
type RunOptions struct {
	// RunID 为空时自动生成
	RunID string
	// Deadline 整个运行的截止时长，覆盖 engine.workflow_deadline
	Deadline time.Duration
	// MaxConcurrency 覆盖 engine.max_concurrency
	MaxConcurrency int
	// Params 透传给处理器
	Params map[string]any
}

// Engine 工作流引擎：按拓扑分层调度处理器，阶段内并发，处理备用链并汇总结果。
// 同一个 Engine 可并发执行多个运行，运行之间只共享缓存、工作池、限流器和熔断器。
type Engine struct {
	registry *Registry
	cache    *cache.Cache
	cfg      config.EngineConfig
	logger   *zap.Logger
	metrics  Metrics
	tracer   trace.Tracer
	now      func() time.Time

	ioPool  *pool.GoroutinePool
	cpuPool *pool.GoroutinePool

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	breakers      *BreakerRegistry
	breakerEvents BreakerEventHandler
}

// NewEngine 创建引擎
func NewEngine(registry *Registry, c *cache.Cache, cfg config.EngineConfig, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	e := &Engine{
		registry: registry,
		cache:    c,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "workflow_engine")),
		metrics:  nopMetrics{},
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}

	e.ioPool = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		Name:       string(PoolIO),
		MaxWorkers: max(cfg.IOWorkers, 1),
		QueueSize:  max(cfg.IOWorkers, 1),
	})
	e.cpuPool = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		Name:       string(PoolCPU),
		MaxWorkers: max(cfg.CPUWorkers, 1),
		QueueSize:  max(cfg.CPUWorkers, 1),
	})
	if cfg.CircuitBreaker.Enabled {
		e.breakers = NewBreakerRegistry(BreakerConfigFrom(cfg.CircuitBreaker), e.breakerEvents, e.logger)
	}
	return e
}

// Registry 引擎使用的注册表
func (e *Engine) Registry() *Registry { return e.registry }

// Breakers 熔断器注册表，未启用时为 nil
func (e *Engine) Breakers() *BreakerRegistry { return e.breakers }

// Close 关闭工作池
func (e *Engine) Close() {
	e.ioPool.Close()
	e.cpuPool.Close()
}

// NewRun 创建处于 PENDING 状态的运行上下文
func (e *Engine) NewRun(def *Definition, entities []types.EntityRef, opts RunOptions) *ExecutionContext {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	name := ""
	if def != nil {
		name = def.Name
	}
	return newExecutionContext(runID, name, types.UniqueRefs(entities), opts.Params, e.cache, e.logger)
}

// Run 同步执行一次工作流并返回最终结果
func (e *Engine) Run(ctx context.Context, def *Definition, entities []types.EntityRef, opts RunOptions) *Result {
	return e.Execute(ctx, def, e.NewRun(def, entities, opts), opts)
}

// =============================================================================
// 🎯 运行主循环
// =============================================================================

// runState 单次运行的调度状态
type runState struct {
	plan     *Plan
	ec       *ExecutionContext
	maxConc  int
	deadline bool
	// abandoned 截止时间到达后被跳过的处理器
	abandoned []string
}

// Execute 执行已创建的运行。ec 必须由 NewRun 创建且未执行过。
func (e *Engine) Execute(ctx context.Context, def *Definition, ec *ExecutionContext, opts RunOptions) *Result {
	started := e.now()
	ec.start(started)
	e.metrics.WorkflowStarted(ec.workflow)

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow", ec.workflow),
		attribute.String("run_id", ec.runID),
		attribute.Int("entities", len(ec.entities)),
	))
	defer span.End()

	log := ec.logger
	log.Info("workflow run started", zap.Int("entities", len(ec.entities)))

	finish := func(state RunState, status Status) *Result {
		res := ec.finish(state, status, e.now())
		e.metrics.WorkflowFinished(ec.workflow, string(status), res.Elapsed)
		span.SetAttributes(attribute.String("status", string(status)))
		if status == StatusFailed {
			span.SetStatus(codes.Error, "workflow failed")
		}
		log.Info("workflow run finished",
			zap.String("status", string(status)),
			zap.Duration("elapsed", res.Elapsed),
			zap.Int("errors", len(res.Errors)))
		return res
	}

	if def == nil {
		ec.addError(errorDetail("", "", types.ConfigError("workflow definition is nil")))
		return finish(RunFailed, StatusFailed)
	}
	if len(ec.entities) == 0 {
		ec.addError(errorDetail("", "", types.ConfigError("workflow %s: no target entities", def.Name)))
		return finish(RunFailed, StatusFailed)
	}
	plan, err := def.Plan(e.registry)
	if err != nil {
		e.addConfigErrors(ec, err)
		log.Error("workflow configuration invalid", zap.Error(err))
		return finish(RunFailed, StatusFailed)
	}

	deadline := e.cfg.WorkflowDeadline
	if opts.Deadline > 0 {
		deadline = opts.Deadline
	}
	runCtx := ctxkeys.WithRunID(ctx, ec.RunID())
	if deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, deadline)
		defer cancel()
	}

	rs := &runState{plan: plan, ec: ec, maxConc: e.cfg.MaxConcurrency}
	if opts.MaxConcurrency > 0 {
		rs.maxConc = opts.MaxConcurrency
	}

	for idx, stage := range plan.Levels {
		if runCtx.Err() != nil {
			e.abandonFrom(rs, idx, runCtx)
			break
		}
		log.Debug("stage started", zap.Int("stage", idx), zap.Int("processors", len(stage)))

		var g errgroup.Group
		g.SetLimit(rs.maxConc)
		for _, d := range stage {
			g.Go(func() error {
				e.runTree(runCtx, rs, d, ec.entities)
				return nil
			})
		}
		_ = g.Wait()
	}

	if ctx.Err() != nil {
		// 调用方取消
		ec.addError(ErrorDetail{Code: types.ErrInternal, Message: "workflow run cancelled: " + ctx.Err().Error()})
		return finish(RunFailed, StatusFailed)
	}
	if runCtx.Err() != nil && !rs.deadline {
		rs.deadline = true
		ec.addError(ErrorDetail{Code: types.ErrDeadlineExceeded, Message: "workflow deadline exceeded"})
	}
	return finish(RunCompleted, e.aggregate(rs))
}

func (e *Engine) addConfigErrors(ec *ExecutionContext, err error) {
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		ec.addError(errorDetail("", "", err))
		return
	}
	for _, v := range verrs {
		ec.addError(ErrorDetail{Processor: v.Processor, Code: types.ErrConfiguration, Message: v.Error()})
	}
}

// abandonFrom 截止时间到达：从第 idx 阶段起的主路径处理器全部跳过
func (e *Engine) abandonFrom(rs *runState, idx int, runCtx context.Context) {
	if !rs.deadline {
		rs.deadline = true
		msg := "workflow deadline exceeded"
		if errors.Is(runCtx.Err(), context.Canceled) {
			msg = "workflow run cancelled"
		}
		rs.ec.addError(ErrorDetail{Code: types.ErrDeadlineExceeded, Message: msg})
	}
	reason := types.NewError(types.ErrDeadlineExceeded, "workflow deadline exceeded before processor started")
	for _, stage := range rs.plan.Levels[idx:] {
		for _, d := range stage {
			e.skipAll(rs, d, rs.ec.entities, reason)
			rs.abandoned = append(rs.abandoned, d.Name)
			for _, fb := range rs.plan.rescuers[d.Name] {
				if fd, ok := rs.plan.Descriptor(fb); ok {
					e.untriggered(rs, fd)
				}
			}
		}
	}
	rs.ec.logger.Warn("no further stages started", zap.Strings("skipped_processors", rs.abandoned))
}

func (e *Engine) skipAll(rs *runState, d *Descriptor, entities []types.EntityRef, reason error) {
	for _, ref := range entities {
		rs.ec.record(d.Name, ref, Outcome{Status: StatusSkipped, Err: reason}, nil)
	}
	rs.ec.setReport(ProcessorReport{
		Name:     d.Name,
		Fallback: d.IsFallback(),
		Status:   StatusSkipped,
		Skipped:  len(entities),
	})
}

// runTree 运行处理器，随后按需运行挂在其后的备用链
func (e *Engine) runTree(ctx context.Context, rs *runState, d *Descriptor, candidates []types.EntityRef) {
	attempted := e.runProcessor(ctx, rs, d, candidates)

	fallbacks := rs.plan.Fallbacks(d.Name)
	if len(fallbacks) == 0 {
		return
	}

	var g errgroup.Group
	for _, fb := range fallbacks {
		if ctx.Err() != nil {
			e.untriggered(rs, fb)
			continue
		}
		pred := fb.Fallback.Predicate
		if pred == nil {
			pred = MissingOutput()
		}
		subset := pred.Select(ctx, rs.ec, d.Name, attempted)
		if len(subset) == 0 {
			e.untriggered(rs, fb)
			continue
		}
		rs.ec.logger.Info("fallback triggered",
			zap.String("trigger", d.Name),
			zap.String("fallback", fb.Name),
			zap.Int("entities", len(subset)))
		g.Go(func() error {
			e.runTree(ctx, rs, fb, subset)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) untriggered(rs *runState, fb *Descriptor) {
	rs.ec.setReport(ProcessorReport{Name: fb.Name, Fallback: true, Status: StatusSkipped})
}

// satisfied 依赖 dep 对实体成立：dep 或其任一备用处理器成功
func (rs *runState) satisfied(dep string, ref types.EntityRef) bool {
	if rs.ec.Succeeded(dep, ref) {
		return true
	}
	for _, fb := range rs.plan.rescuers[dep] {
		if rs.ec.Succeeded(fb, ref) {
			return true
		}
	}
	return false
}

// runProcessor 运行一个处理器（含重试），记录每个实体的结果。
// 返回实际交给处理器的实体。
func (e *Engine) runProcessor(ctx context.Context, rs *runState, d *Descriptor, candidates []types.EntityRef) []types.EntityRef {
	ec := rs.ec
	started := e.now()
	rep := ProcessorReport{Name: d.Name, Fallback: d.IsFallback(), Triggered: true}

	var eligible []types.EntityRef
	for _, ref := range candidates {
		if dep, ok := rs.unsatisfied(d, ref); ok {
			ec.record(d.Name, ref, Outcome{
				Status: StatusSkipped,
				Err:    types.NewError(types.ErrDependencyUnsatisfied, fmt.Sprintf("dependency %s not satisfied", dep)),
			}, nil)
			rep.Skipped++
			continue
		}
		if d.Eligible != nil && !d.Eligible(ref) {
			ec.record(d.Name, ref, Outcome{Status: StatusSkipped, Err: errors.New("entity not eligible")}, nil)
			rep.Skipped++
			continue
		}
		eligible = append(eligible, ref)
	}
	rep.Attempted = len(eligible)

	if len(eligible) == 0 {
		rep.Status = StatusSkipped
		ec.setReport(rep)
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "processor.run", trace.WithAttributes(
		attribute.String("processor", d.Name),
		attribute.Bool("fallback", d.IsFallback()),
		attribute.Int("entities", len(eligible)),
	))
	defer span.End()

	log := ec.logger.With(zap.String("processor", d.Name))
	log.Debug("processor started", zap.Int("entities", len(eligible)))

	final := make(map[string]Outcome, len(eligible))
	raws := make(map[string]json.RawMessage, len(eligible))
	pending := eligible

	retryer := retry.NewBackoffRetryer(e.retryPolicy(d, &rep), log)
	_ = retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		rep.Attempts++
		outcomes := e.invoke(ctx, rs, d, pending)

		var again []types.EntityRef
		for _, ref := range pending {
			o := outcomes[ref.Key()]
			if o.Status == StatusSuccess {
				raw, err := json.Marshal(o.Output)
				if err != nil {
					o = Outcome{Status: StatusFailed, Err: types.NewError(types.ErrInternal, "output is not serializable").WithCause(err)}
				} else {
					raws[ref.Key()] = raw
				}
			}
			final[ref.Key()] = o
			if o.Status == StatusFailed && types.IsTransient(o.Err) {
				again = append(again, ref)
			}
		}
		pending = again
		if len(pending) == 0 {
			return nil
		}
		return errRetryEntities
	})

	for _, ref := range eligible {
		o := final[ref.Key()]
		ec.record(d.Name, ref, o, raws[ref.Key()])
		e.metrics.EntityOutcome(d.Name, string(o.Status))
		switch o.Status {
		case StatusSuccess:
			rep.Succeeded++
		case StatusSkipped:
			rep.Skipped++
		case StatusTimedOut:
			rep.TimedOut++
		default:
			rep.Failed++
		}
	}

	// 已提交的产出先落冷层，后续阶段才能读到
	if err := e.flush(ctx); err != nil {
		log.Warn("cache flush after processor failed", zap.Error(err))
		ec.addError(errorDetail(d.Name, "", err))
	}

	rep.Duration = e.now().Sub(started)
	rep.Status = processorStatus(rep)
	ec.setReport(rep)
	e.metrics.ProcessorInvocation(d.Name, string(rep.Status), rep.Duration)

	span.SetAttributes(
		attribute.String("status", string(rep.Status)),
		attribute.Int("succeeded", rep.Succeeded),
		attribute.Int("attempts", rep.Attempts),
	)
	if rep.Status == StatusFailed || rep.Status == StatusTimedOut {
		span.SetStatus(codes.Error, "processor failed for all entities")
	}
	log.Info("processor finished",
		zap.String("status", string(rep.Status)),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int("timed_out", rep.TimedOut),
		zap.Int("attempts", rep.Attempts),
		zap.Duration("duration", rep.Duration))
	return eligible
}

func (rs *runState) unsatisfied(d *Descriptor, ref types.EntityRef) (string, bool) {
	for _, dep := range d.Dependencies {
		if !rs.satisfied(dep, ref) {
			return dep, true
		}
	}
	return "", false
}

// errRetryEntities 仍有实体处于瞬时失败，交给重试器退避
var errRetryEntities = errors.New("entities pending retry")

func (e *Engine) retryPolicy(d *Descriptor, rep *ProcessorReport) retry.RetryPolicy {
	policy := retry.RetryPolicy{
		MaxRetries:   e.cfg.MaxRetries,
		InitialDelay: e.cfg.RetryInitialDelay,
		MaxDelay:     e.cfg.RetryMaxDelay,
		Jitter:       e.cfg.RetryInitialDelay / 5,
	}
	if d.Retry != nil {
		policy = *d.Retry
	}
	policy.Retryable = func(err error) bool { return errors.Is(err, errRetryEntities) }
	policy.OnRetry = func(int, error, time.Duration) {
		e.metrics.ProcessorRetry(d.Name)
	}
	return policy
}

func (e *Engine) flush(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	// 截止时间到达后仍需落盘
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return e.cache.Flush(ctx)
}

// =============================================================================
// 单次调用：熔断、限流、超时、工作池
// =============================================================================

type runReply struct {
	res *RunResult
	err error
}

// invoke 调用一次处理器，返回每个实体的结果（保证覆盖 entities 全部成员）
func (e *Engine) invoke(ctx context.Context, rs *runState, d *Descriptor, entities []types.EntityRef) map[string]Outcome {
	out := make(map[string]Outcome, len(entities))
	failAll := func(status Status, err error) map[string]Outcome {
		for _, ref := range entities {
			out[ref.Key()] = Outcome{Status: status, Err: err}
		}
		return out
	}

	var cb *CircuitBreaker
	if e.breakers != nil {
		cb = e.breakers.Get(d.Name)
		if err := cb.Allow(); err != nil {
			return failAll(StatusFailed, types.Transient(err))
		}
	}

	if lim := e.limiter(d); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return failAll(StatusFailed, types.NewError(types.ErrDeadlineExceeded, "rate limit wait aborted").WithCause(err))
		}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = e.cfg.ProcessorTimeout
	}
	ictx := ctxkeys.WithProcessor(ctx, d.Name)
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ictx, cancel = context.WithTimeout(ictx, timeout)
	}
	defer cancel()

	p := e.ioPool
	if d.Pool == PoolCPU {
		p = e.cpuPool
	}

	replies := make(chan runReply, 1)
	submitErr := p.SubmitWait(ictx, func(tctx context.Context) error {
		res, err := d.Processor.Run(tctx, entities, rs.ec)
		replies <- runReply{res: res, err: err}
		return err
	})

	var reply *runReply
	select {
	case r := <-replies:
		reply = &r
	default:
	}

	timedOut := errors.Is(ictx.Err(), context.DeadlineExceeded)
	switch {
	case reply == nil && timedOut:
		// 调用被放弃，不再等待
		e.recordBreaker(cb, true)
		return failAll(StatusTimedOut, types.NewError(types.ErrTimeout,
			fmt.Sprintf("processor %s exceeded %v", d.Name, timeout)).WithProcessor(d.Name))
	case reply == nil:
		var panicErr *pool.PanicError
		if errors.As(submitErr, &panicErr) {
			e.recordBreaker(cb, true)
			return failAll(StatusFailed, types.NewError(types.ErrInternal,
				fmt.Sprintf("processor %s panicked", d.Name)).WithProcessor(d.Name).WithCause(submitErr))
		}
		if submitErr == nil {
			submitErr = errors.New("processor returned no reply")
		}
		return failAll(StatusFailed, submitErr)
	case reply.err != nil:
		e.recordBreaker(cb, true)
		if timedOut {
			return failAll(StatusTimedOut, types.NewError(types.ErrTimeout,
				fmt.Sprintf("processor %s exceeded %v", d.Name, timeout)).WithProcessor(d.Name).WithCause(reply.err))
		}
		return failAll(StatusFailed, reply.err)
	}

	succeeded := 0
	for _, ref := range entities {
		o, ok := reply.res.Outcome(ref)
		switch {
		case !ok:
			o = Outcome{Status: StatusFailed, Err: types.NewError(types.ErrInternal, "no outcome reported").
				WithProcessor(d.Name).WithEntity(ref.Key())}
		case !validOutcome(o.Status):
			o = Outcome{Status: StatusFailed, Err: types.NewError(types.ErrInternal,
				fmt.Sprintf("invalid outcome status %q", o.Status)).WithProcessor(d.Name).WithEntity(ref.Key())}
		case o.Status == StatusFailed && o.Err == nil:
			o.Err = types.NewError(types.ErrPermanentExternal, "processor reported failure").WithProcessor(d.Name)
		case o.Status == StatusTimedOut && o.Err == nil:
			o.Err = types.NewError(types.ErrTimeout, "processor reported timeout").WithProcessor(d.Name)
		case o.Status == StatusSuccess:
			succeeded++
		}
		out[ref.Key()] = o
	}
	e.recordBreaker(cb, succeeded == 0 && len(entities) > 0 && allFailed(out))
	return out
}

func validOutcome(s Status) bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusTimedOut:
		return true
	}
	return false
}

func allFailed(out map[string]Outcome) bool {
	for _, o := range out {
		if o.Status != StatusFailed && o.Status != StatusTimedOut {
			return false
		}
	}
	return true
}

func (e *Engine) recordBreaker(cb *CircuitBreaker, failed bool) {
	if cb == nil {
		return
	}
	if failed {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
}

// limiter 处理器级令牌桶，跨运行共享
func (e *Engine) limiter(d *Descriptor) *rate.Limiter {
	if d.RateLimit <= 0 {
		return nil
	}
	e.limitersMu.Lock()
	defer e.limitersMu.Unlock()
	lim, ok := e.limiters[d.Name]
	if !ok {
		burst := d.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(d.RateLimit, burst)
		e.limiters[d.Name] = lim
	}
	return lim
}

// =============================================================================
// 汇总
// =============================================================================

func processorStatus(rep ProcessorReport) Status {
	ran := rep.Succeeded + rep.Failed + rep.TimedOut
	switch {
	case ran == 0:
		return StatusSkipped
	case rep.Failed+rep.TimedOut == 0:
		return StatusSuccess
	case rep.Succeeded == 0 && rep.Failed == 0:
		return StatusTimedOut
	case rep.Succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// aggregate 计算运行总体状态：
// 截止时间到达为 PARTIAL；某个必需主路径处理器对所有尝试实体都失败（备用链也未挽回）为 FAILED；
// 没有任何必需处理器出现 FAILED / TIMED_OUT 实体为 SUCCESS；其余为 PARTIAL。
func (e *Engine) aggregate(rs *runState) Status {
	if rs.deadline {
		return StatusPartial
	}
	ec := rs.ec
	clean := true

	for _, name := range rs.plan.Names() {
		d, _ := rs.plan.Descriptor(name)
		rep, ok := ec.report(name)
		if !ok || d.Optional || rep.Attempted == 0 {
			continue
		}
		rescued := 0
		for _, ref := range ec.entities {
			s, ran := ec.Status(name, ref)
			if !ran || (s != StatusSuccess && s != StatusFailed && s != StatusTimedOut) {
				continue
			}
			if rs.satisfied(name, ref) {
				rescued++
			}
		}
		// 因上游失败而跳过的实体不计入；尝试过的实体无一成功即 FAILED
		if rep.Failed+rep.TimedOut > 0 && rescued == 0 {
			return StatusFailed
		}
	}

	for _, d := range rs.plan.descriptors {
		if d.Optional {
			continue
		}
		rep, ok := ec.report(d.Name)
		if ok && rep.Failed+rep.TimedOut > 0 {
			clean = false
		}
	}
	for _, de := range ec.runErrors() {
		if de.Code != types.ErrCacheIO {
			clean = false
		}
	}
	if clean {
		return StatusSuccess
	}
	return StatusPartial
}
