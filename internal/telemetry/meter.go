package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMeter 通过 OTel metric API 上报引擎指标，满足 workflow.Metrics
type EngineMeter struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	retries     metric.Int64Counter
	entities    metric.Int64Counter
	runs        metric.Int64Counter
	active      metric.Int64UpDownCounter
	runDuration metric.Float64Histogram
}

// NewEngineMeter 在 mp 上创建引擎指标仪表
func NewEngineMeter(mp metric.MeterProvider) (*EngineMeter, error) {
	m := mp.Meter("github.com/BaSui01/grantflow/workflow")
	em := &EngineMeter{}
	var err error

	if em.invocations, err = m.Int64Counter("grantflow.processor.invocations",
		metric.WithDescription("Processor invocations by final status")); err != nil {
		return nil, fmt.Errorf("create invocations counter: %w", err)
	}
	if em.duration, err = m.Float64Histogram("grantflow.processor.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Processor wall time including retries")); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	if em.retries, err = m.Int64Counter("grantflow.processor.retries"); err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	if em.entities, err = m.Int64Counter("grantflow.processor.entity_outcomes"); err != nil {
		return nil, fmt.Errorf("create entity outcome counter: %w", err)
	}
	if em.runs, err = m.Int64Counter("grantflow.workflow.runs"); err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	if em.active, err = m.Int64UpDownCounter("grantflow.workflow.active"); err != nil {
		return nil, fmt.Errorf("create active runs counter: %w", err)
	}
	if em.runDuration, err = m.Float64Histogram("grantflow.workflow.duration", metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create run duration histogram: %w", err)
	}
	return em, nil
}

func (em *EngineMeter) ProcessorInvocation(processor, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("processor", processor), attribute.String("status", status))
	em.invocations.Add(context.Background(), 1, attrs)
	em.duration.Record(context.Background(), d.Seconds(), attrs)
}

func (em *EngineMeter) ProcessorRetry(processor string) {
	em.retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("processor", processor)))
}

func (em *EngineMeter) EntityOutcome(processor, status string) {
	em.entities.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("processor", processor), attribute.String("status", status)))
}

func (em *EngineMeter) WorkflowStarted(workflow string) {
	em.active.Add(context.Background(), 1, metric.WithAttributes(attribute.String("workflow", workflow)))
}

func (em *EngineMeter) WorkflowFinished(workflow, status string, d time.Duration) {
	ctx := context.Background()
	em.active.Add(ctx, -1, metric.WithAttributes(attribute.String("workflow", workflow)))
	attrs := metric.WithAttributes(attribute.String("workflow", workflow), attribute.String("status", status))
	em.runs.Add(ctx, 1, attrs)
	em.runDuration.Record(ctx, d.Seconds(), attrs)
}
