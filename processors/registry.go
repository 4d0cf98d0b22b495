// Package processors builds processor implementations from declarative
// configuration.
package processors

import (
	"errors"
	"fmt"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/processors/httpfetch"
	"github.com/BaSui01/grantflow/workflow"
	"go.uber.org/zap"
)

// Builder 由一条处理器配置构造描述
type Builder func(pc config.ProcessorConfig, logger *zap.Logger) (workflow.Descriptor, error)

// builders 已知的处理器实现类型
var builders = map[string]Builder{
	httpfetch.Kind: func(pc config.ProcessorConfig, logger *zap.Logger) (workflow.Descriptor, error) {
		return httpfetch.Descriptor(pc, logger)
	},
}

// Kinds 支持的实现类型
func Kinds() []string {
	out := make([]string, 0, len(builders))
	for k := range builders {
		out = append(out, k)
	}
	return out
}

// Build 构造全部配置的处理器，kind 为空时按 http_fetch 处理
func Build(cfgs []config.ProcessorConfig, logger *zap.Logger) ([]workflow.Descriptor, error) {
	var errs []error
	out := make([]workflow.Descriptor, 0, len(cfgs))
	for _, pc := range cfgs {
		kind := pc.Kind
		if kind == "" {
			kind = httpfetch.Kind
		}
		build, ok := builders[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("processor %s: unknown kind %q", pc.Name, pc.Kind))
			continue
		}
		d, err := build(pc, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// Register 构造并注册全部配置的处理器
func Register(r *workflow.Registry, cfgs []config.ProcessorConfig, logger *zap.Logger) error {
	ds, err := Build(cfgs, logger)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
