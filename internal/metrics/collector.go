// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。同时实现 cache.Observer 与 workflow.Metrics。
type Collector struct {
	// 缓存指标
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	cacheEvictions   prometheus.Counter
	cacheStoreErrors *prometheus.CounterVec

	// 处理器指标
	processorInvocations *prometheus.CounterVec
	processorDuration    *prometheus.HistogramVec
	processorRetries     *prometheus.CounterVec
	processorEntities    *prometheus.CounterVec

	// 工作流指标
	workflowRuns     *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	workflowActive   prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 reg；reg 为 nil 时使用默认注册表
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of entity cache hits",
		},
		[]string{"tier", "namespace"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of entity cache misses",
		},
		[]string{"namespace"},
	)

	c.cacheEvictions = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of hot tier evictions",
		},
	)

	c.cacheStoreErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_store_errors_total",
			Help:      "Total number of cold store failures",
		},
		[]string{"op"},
	)

	// 处理器指标
	c.processorInvocations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_invocations_total",
			Help:      "Total number of processor invocations",
		},
		[]string{"processor", "status"},
	)

	c.processorDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_duration_seconds",
			Help:      "Processor invocation duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"processor"},
	)

	c.processorRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_retries_total",
			Help:      "Total number of processor retry attempts",
		},
		[]string{"processor"},
	)

	c.processorEntities = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_entity_outcomes_total",
			Help:      "Per-entity processor outcomes",
		},
		[]string{"processor", "status"},
	)

	// 工作流指标
	c.workflowRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of finished workflow runs",
		},
		[]string{"workflow", "status"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"workflow"},
	)

	c.workflowActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_runs_active",
			Help:      "Number of workflow runs in progress",
		},
	)

	c.logger.Debug("metrics collector registered", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🧊 缓存
// =============================================================================

// CacheHit 记录缓存命中
func (c *Collector) CacheHit(tier, namespace string) {
	c.cacheHits.WithLabelValues(tier, namespace).Inc()
}

// CacheMiss 记录缓存未命中
func (c *Collector) CacheMiss(namespace string) {
	c.cacheMisses.WithLabelValues(namespace).Inc()
}

// CacheEviction 记录热层淘汰
func (c *Collector) CacheEviction() {
	c.cacheEvictions.Inc()
}

// CacheStoreError 记录冷层故障
func (c *Collector) CacheStoreError(op string) {
	c.cacheStoreErrors.WithLabelValues(op).Inc()
}

// =============================================================================
// ⚙️ 处理器与工作流
// =============================================================================

// ProcessorInvocation 记录一次处理器调用
func (c *Collector) ProcessorInvocation(processor, status string, duration time.Duration) {
	c.processorInvocations.WithLabelValues(processor, status).Inc()
	c.processorDuration.WithLabelValues(processor).Observe(duration.Seconds())
}

// ProcessorRetry 记录一次重试
func (c *Collector) ProcessorRetry(processor string) {
	c.processorRetries.WithLabelValues(processor).Inc()
}

// EntityOutcome 记录单个实体的处理结果
func (c *Collector) EntityOutcome(processor, status string) {
	c.processorEntities.WithLabelValues(processor, status).Inc()
}

// WorkflowStarted 工作流开始
func (c *Collector) WorkflowStarted(workflow string) {
	c.workflowActive.Inc()
}

// WorkflowFinished 工作流结束
func (c *Collector) WorkflowFinished(workflow, status string, duration time.Duration) {
	c.workflowActive.Dec()
	c.workflowRuns.WithLabelValues(workflow, status).Inc()
	c.workflowDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}
