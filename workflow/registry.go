package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/BaSui01/grantflow/types"
	"go.uber.org/zap"
)

var (
	// ErrRegistrySealed 注册表已封存，运行期间不允许注册
	ErrRegistrySealed = errors.New("workflow: registry is sealed")
	// ErrProcessorNotFound 处理器未注册
	ErrProcessorNotFound = errors.New("workflow: processor not found")
)

// ValidationKind 校验错误类别
type ValidationKind string

const (
	ValidationDuplicate         ValidationKind = "duplicate"
	ValidationUnknownProcessor  ValidationKind = "unknown_processor"
	ValidationUnknownDependency ValidationKind = "unknown_dependency"
	ValidationCycle             ValidationKind = "cycle"
	ValidationFallback          ValidationKind = "fallback"
	ValidationNamespaceConflict ValidationKind = "namespace_conflict"
)

// ValidationError 一条配置错误
type ValidationError struct {
	Kind      ValidationKind `json:"kind"`
	Processor string         `json:"processor,omitempty"`
	// Members 环或冲突涉及的处理器
	Members []string `json:"members,omitempty"`
	Message string   `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ValidationErrors 多条配置错误
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Registry 处理器注册表，进程启动时注册，运行期间只读
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	duplicates  []string
	sealed      bool
	logger      *zap.Logger
}

// NewRegistry 创建注册表
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		descriptors: make(map[string]*Descriptor),
		logger:      logger.With(zap.String("component", "processor_registry")),
	}
}

// Register 注册处理器。重名会被拒绝，并在 Validate 中报告。
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	if d.Name == "" {
		return types.ConfigError("processor name is required")
	}
	if d.Processor == nil {
		return types.ConfigError("processor %s has no implementation", d.Name)
	}
	if _, exists := r.descriptors[d.Name]; exists {
		if !slices.Contains(r.duplicates, d.Name) {
			r.duplicates = append(r.duplicates, d.Name)
		}
		return types.ConfigError("duplicate processor %s", d.Name)
	}

	if d.Kind == "" {
		d.Kind = KindMain
		if d.Fallback != nil {
			d.Kind = KindFallback
		}
	}
	if d.Pool == "" {
		d.Pool = PoolIO
	}
	r.descriptors[d.Name] = d.clone()

	r.logger.Debug("processor registered",
		zap.String("processor", d.Name),
		zap.String("kind", string(d.Kind)),
		zap.Strings("dependencies", d.Dependencies))
	return nil
}

// MustRegister 注册多个处理器，失败时 panic
func (r *Registry) MustRegister(ds ...Descriptor) *Registry {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Get 按名称查找
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, false
	}
	return *d.clone(), true
}

// All 按名称排序返回全部描述
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, name := range r.namesLocked() {
		out = append(out, *r.descriptors[name].clone())
	}
	return out
}

// Names 排序后的处理器名称
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Seal 封存注册表，之后 Register 返回 ErrRegistrySealed
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether the registry is read-only.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Validate 校验全部已注册处理器
func (r *Registry) Validate() []ValidationError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return analyze(r.descriptors, r.namesLocked(), r.duplicates).errs
}

// snapshot 复制一组描述，供规划使用
func (r *Registry) snapshot() (map[string]*Descriptor, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Descriptor, len(r.descriptors))
	for name, d := range r.descriptors {
		out[name] = d.clone()
	}
	return out, slices.Clone(r.duplicates)
}
