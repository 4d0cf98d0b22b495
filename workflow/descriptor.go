package workflow

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/retry"
	"github.com/BaSui01/grantflow/types"
	"golang.org/x/time/rate"
)

// ErrSkip 由 EachEntity 的逐实体函数返回（可包装），表示跳过该实体
var ErrSkip = errors.New("entity skipped")

func isSkip(err error) bool { return errors.Is(err, ErrSkip) }

// Kind 处理器在工作流中的角色
type Kind string

const (
	KindMain     Kind = "main"
	KindFallback Kind = "fallback"
)

// PoolKind 处理器调度到的工作池
type PoolKind string

const (
	PoolIO  PoolKind = "io"
	PoolCPU PoolKind = "cpu"
)

// FallbackSpec 备用处理器的激活条件：Trigger 完成后对其尝试过的实体求值 Predicate，
// 结果非空时对该子集运行。
type FallbackSpec struct {
	Trigger   string
	Predicate Predicate
}

// Descriptor 处理器描述
type Descriptor struct {
	Name string
	// Dependencies 必须先对同一实体完成的处理器
	Dependencies []string
	// Writes 写入的缓存命名空间，同阶段内不得重复
	Writes []string
	Kind   Kind
	// Fallback 仅 KindFallback 使用
	Fallback *FallbackSpec
	Pool     PoolKind
	// Timeout 单次调用超时，0 使用引擎默认值
	Timeout time.Duration
	// Retry 覆盖引擎默认重试策略
	Retry *retry.RetryPolicy
	// RateLimit 每秒调用上限，0 不限
	RateLimit rate.Limit
	Burst     int
	// Optional 失败不影响运行的 SUCCESS 判定
	Optional bool
	// Eligible 过滤适用实体，nil 表示全部适用
	Eligible func(ref types.EntityRef) bool

	Processor Processor
}

// IsFallback reports whether the descriptor is conditionally activated.
func (d *Descriptor) IsFallback() bool {
	return d.Kind == KindFallback || d.Fallback != nil
}

func (d *Descriptor) clone() *Descriptor {
	c := *d
	c.Dependencies = slices.Clone(d.Dependencies)
	c.Writes = slices.Clone(d.Writes)
	if d.Fallback != nil {
		fb := *d.Fallback
		c.Fallback = &fb
	}
	if d.Retry != nil {
		rp := *d.Retry
		c.Retry = &rp
	}
	return &c
}

// DescriptorFromConfig 把声明式配置转换为描述，proc 为具体实现
func DescriptorFromConfig(pc config.ProcessorConfig, proc Processor) (Descriptor, error) {
	d := Descriptor{
		Name:         pc.Name,
		Dependencies: slices.Clone(pc.Dependencies),
		Kind:         KindMain,
		Pool:         PoolKind(pc.Pool),
		Timeout:      pc.Timeout,
		RateLimit:    rate.Limit(pc.RateLimit),
		Burst:        pc.Burst,
		Optional:     pc.Optional,
		Processor:    proc,
	}
	switch d.Pool {
	case "":
		d.Pool = PoolIO
	case PoolIO, PoolCPU:
	default:
		return Descriptor{}, types.ConfigError("processor %s: unknown pool %q", pc.Name, pc.Pool)
	}

	ns := pc.HTTP.Namespace
	if ns == "" {
		ns = pc.Name
	}
	d.Writes = []string{ns}

	if pc.MaxRetries != nil {
		policy := retry.DefaultRetryPolicy()
		policy.MaxRetries = *pc.MaxRetries
		d.Retry = &policy
	}

	if pc.Fallback != nil {
		pred, err := PredicateByName(pc.Fallback.Predicate, pc.Fallback.Namespace)
		if err != nil {
			return Descriptor{}, fmt.Errorf("processor %s: %w", pc.Name, err)
		}
		d.Kind = KindFallback
		d.Fallback = &FallbackSpec{Trigger: pc.Fallback.Trigger, Predicate: pred}
	}
	return d, nil
}
