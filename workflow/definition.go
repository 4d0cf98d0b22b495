package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/types"
	"gopkg.in/yaml.v3"
)

// Definition 工作流定义：参与运行的处理器集合。
// 主路径与备用由各描述的 Kind 决定，执行顺序由依赖推导。
type Definition struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Processors  []string `json:"processors" yaml:"processors"`
}

// NewDefinition 创建定义
func NewDefinition(name string, processors ...string) *Definition {
	return &Definition{Name: name, Processors: processors}
}

// WithDescription 设置描述
func (d *Definition) WithDescription(desc string) *Definition {
	d.Description = desc
	return d
}

// DefinitionFromConfig 从配置转换
func DefinitionFromConfig(c config.WorkflowConfig) *Definition {
	return &Definition{
		Name:        c.Name,
		Description: c.Description,
		Processors:  slices.Clone(c.Processors),
	}
}

// DefinitionsFromConfig 转换配置中的全部工作流
func DefinitionsFromConfig(cfg *config.Config) []*Definition {
	defs := make([]*Definition, 0, len(cfg.Workflows))
	for _, w := range cfg.Workflows {
		defs = append(defs, DefinitionFromConfig(w))
	}
	return defs
}

// Plan 针对注册表解析定义：校验成员、依赖、触发器，计算拓扑分层。
// 任何校验错误都以 CONFIGURATION 错误返回，Cause 为 ValidationErrors。
func (d *Definition) Plan(r *Registry) (*Plan, error) {
	if d.Name == "" {
		return nil, types.ConfigError("workflow name is required")
	}
	if len(d.Processors) == 0 {
		return nil, types.ConfigError("workflow %s has no processors", d.Name)
	}

	all, duplicates := r.snapshot()
	a := analyze(all, d.Processors, duplicates)
	if len(a.errs) > 0 {
		return nil, types.NewError(types.ErrConfiguration, fmt.Sprintf("workflow %s is invalid", d.Name)).
			WithCause(ValidationErrors(a.errs))
	}
	return newPlan(d.Name, all, a), nil
}

// =============================================================================
// 序列化
// =============================================================================

type definitionFile struct {
	Workflows []*Definition `yaml:"workflows" json:"workflows"`
}

// ParseDefinitions 解析 YAML（JSON 亦可）。
// 接受 `workflows:` 列表或单个定义。
func ParseDefinitions(data []byte) ([]*Definition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definitions: %w", err)
	}
	defs := file.Workflows
	if len(defs) == 0 {
		var single Definition
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
		}
		if single.Name == "" {
			return nil, fmt.Errorf("no workflow definitions found")
		}
		defs = []*Definition{&single}
	}

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("workflow definition without name")
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("duplicate workflow %s", def.Name)
		}
		seen[def.Name] = true
	}
	return defs, nil
}

// LoadDefinitions 从文件加载
func LoadDefinitions(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseDefinitions(data)
}

// ToYAML 导出为 YAML
func (d *Definition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

// ToJSON 导出为 JSON
func (d *Definition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}
