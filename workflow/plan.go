package workflow

import (
	"fmt"
	"slices"
	"strings"
)

// =============================================================================
// 🔍 依赖图分析：校验、分层、备用链
// =============================================================================

// graphAnalysis 对一组处理器的分析结果
type graphAnalysis struct {
	errs []ValidationError
	// levels 主路径处理器的拓扑分层；存在环时为空
	levels [][]string
	level  map[string]int
	// fallbacks 触发处理器 → 直接挂在其后的备用处理器
	fallbacks map[string][]string
	// roots 备用处理器 → 所在链的主路径处理器
	roots map[string]string
}

func (a *graphAnalysis) add(kind ValidationKind, processor string, members []string, format string, args ...any) {
	a.errs = append(a.errs, ValidationError{
		Kind:      kind,
		Processor: processor,
		Members:   members,
		Message:   fmt.Sprintf(format, args...),
	})
}

// analyze 校验 names 指定的处理器子集。依赖与触发器必须落在子集内。
func analyze(all map[string]*Descriptor, names []string, duplicates []string) *graphAnalysis {
	a := &graphAnalysis{
		level:     make(map[string]int),
		fallbacks: make(map[string][]string),
		roots:     make(map[string]string),
	}

	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)
	member := make(map[string]bool, len(names))
	for _, n := range names {
		member[n] = true
	}

	for _, dup := range duplicates {
		if member[dup] {
			a.add(ValidationDuplicate, dup, nil, "processor %s registered more than once", dup)
		}
	}

	// 主路径依赖边
	edges := make(map[string][]string)
	var mains []string

	for _, name := range names {
		d, ok := all[name]
		if !ok {
			a.add(ValidationUnknownProcessor, name, nil, "processor %s is not registered", name)
			continue
		}

		switch {
		case d.Kind == KindFallback && (d.Fallback == nil || d.Fallback.Trigger == ""):
			a.add(ValidationFallback, name, nil, "fallback processor %s has no trigger", name)
		case d.Kind != KindFallback && d.Fallback != nil:
			a.add(ValidationFallback, name, nil, "main processor %s declares a fallback trigger", name)
		}

		for _, dep := range d.Dependencies {
			dd, ok := all[dep]
			switch {
			case !ok:
				a.add(ValidationUnknownDependency, name, nil, "%s depends on unknown processor %s", name, dep)
				continue
			case !member[dep]:
				a.add(ValidationUnknownDependency, name, nil, "%s depends on %s which is not part of the workflow", name, dep)
				continue
			case dd.IsFallback():
				a.add(ValidationFallback, name, nil, "%s depends on fallback processor %s", name, dep)
				continue
			}
			if !d.IsFallback() {
				edges[name] = append(edges[name], dep)
			}
		}

		if d.IsFallback() {
			if d.Fallback != nil && d.Fallback.Trigger != "" {
				trigger := d.Fallback.Trigger
				if _, ok := all[trigger]; !ok || !member[trigger] {
					a.add(ValidationFallback, name, nil, "fallback %s has unknown trigger %s", name, trigger)
				} else {
					a.fallbacks[trigger] = append(a.fallbacks[trigger], name)
				}
			}
			continue
		}
		mains = append(mains, name)
	}

	if cycle := findCycle(mains, edges); cycle != nil {
		a.add(ValidationCycle, cycle[0], cycle, "dependency cycle: %s", strings.Join(append(slices.Clone(cycle), cycle[0]), " -> "))
		return a
	}

	a.computeLevels(mains, edges)
	a.resolveFallbackRoots(all)
	a.checkFallbackDependencies(all)
	a.checkNamespaces(all)
	return a
}

// findCycle 深度优先找到第一个环，返回环上的处理器（按访问顺序）
func findCycle(nodes []string, edges map[string][]string) []string {
	visited := make(map[string]bool, len(nodes))
	recStack := make(map[string]bool, len(nodes))
	var path []string
	var cycle []string

	var dfs func(n string) bool
	dfs = func(n string) bool {
		visited[n] = true
		recStack[n] = true
		path = append(path, n)

		for _, next := range edges[n] {
			if !visited[next] {
				if dfs(next) {
					return true
				}
			} else if recStack[next] {
				// 回边
				i := slices.Index(path, next)
				cycle = slices.Clone(path[i:])
				return true
			}
		}

		recStack[n] = false
		path = path[:len(path)-1]
		return false
	}

	for _, n := range nodes {
		if !visited[n] && dfs(n) {
			return cycle
		}
	}
	return nil
}

func (a *graphAnalysis) computeLevels(mains []string, edges map[string][]string) {
	var levelOf func(n string) int
	levelOf = func(n string) int {
		if l, ok := a.level[n]; ok {
			return l
		}
		l := 0
		for _, dep := range edges[n] {
			if dl := levelOf(dep) + 1; dl > l {
				l = dl
			}
		}
		a.level[n] = l
		return l
	}

	for _, n := range mains {
		l := levelOf(n)
		for len(a.levels) <= l {
			a.levels = append(a.levels, nil)
		}
		a.levels[l] = append(a.levels[l], n)
	}
	for _, lvl := range a.levels {
		slices.Sort(lvl)
	}
	for _, fbs := range a.fallbacks {
		slices.Sort(fbs)
	}
}

// resolveFallbackRoots 沿触发链找到主路径根；链成环时报告一次
func (a *graphAnalysis) resolveFallbackRoots(all map[string]*Descriptor) {
	reported := make(map[string]bool)

	names := make([]string, 0)
	for _, fbs := range a.fallbacks {
		names = append(names, fbs...)
	}
	slices.Sort(names)

	for _, name := range names {
		path := []string{name}
		cur := name
		for {
			trigger := all[cur].Fallback.Trigger
			td := all[trigger]
			if td == nil {
				break
			}
			if !td.IsFallback() {
				a.roots[name] = trigger
				break
			}
			if i := slices.Index(path, trigger); i >= 0 {
				loop := slices.Clone(path[i:])
				slices.Sort(loop)
				key := strings.Join(loop, ",")
				if !reported[key] {
					reported[key] = true
					a.add(ValidationFallback, loop[0], loop, "fallback trigger chain loops: %s", strings.Join(loop, ", "))
				}
				break
			}
			if td.Fallback == nil || td.Fallback.Trigger == "" {
				break
			}
			if _, ok := a.roots[trigger]; ok {
				a.roots[name] = a.roots[trigger]
				break
			}
			path = append(path, trigger)
			cur = trigger
		}
	}
}

// checkFallbackDependencies 备用处理器的依赖必须在其运行前已完成
func (a *graphAnalysis) checkFallbackDependencies(all map[string]*Descriptor) {
	fbs := make([]string, 0, len(a.roots))
	for fb := range a.roots {
		fbs = append(fbs, fb)
	}
	slices.Sort(fbs)
	for _, fb := range fbs {
		root := a.roots[fb]
		rootLevel := a.level[root]
		for _, dep := range all[fb].Dependencies {
			l, ok := a.level[dep]
			if !ok || dep == root || l < rootLevel {
				continue
			}
			a.add(ValidationFallback, fb, []string{fb, dep},
				"fallback %s depends on %s which may still be running when %s is triggered", fb, dep, fb)
		}
	}
}

// sequential 若 x 是 y 的触发祖先（或反之），两者不会并发执行
func (a *graphAnalysis) sequential(all map[string]*Descriptor, x, y string) bool {
	return a.ancestor(all, x, y) || a.ancestor(all, y, x)
}

func (a *graphAnalysis) ancestor(all map[string]*Descriptor, x, y string) bool {
	cur := y
	for i := 0; i <= len(all); i++ {
		d := all[cur]
		if d == nil || !d.IsFallback() || d.Fallback == nil {
			return false
		}
		cur = d.Fallback.Trigger
		if cur == x {
			return true
		}
	}
	return false
}

// checkNamespaces 同一阶段可能并发执行的处理器不得写同一命名空间
func (a *graphAnalysis) checkNamespaces(all map[string]*Descriptor) {
	for idx, lvl := range a.levels {
		group := slices.Clone(lvl)
		for fb, root := range a.roots {
			if a.level[root] == idx {
				group = append(group, fb)
			}
		}
		slices.Sort(group)

		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				x, y := group[i], group[j]
				if a.sequential(all, x, y) {
					continue
				}
				for _, ns := range all[x].Writes {
					if slices.Contains(all[y].Writes, ns) {
						a.add(ValidationNamespaceConflict, x, []string{x, y},
							"%s and %s both write namespace %s in stage %d", x, y, ns, idx)
					}
				}
			}
		}
	}
}

// chain 主路径处理器的全部备用后代
func (a *graphAnalysis) chain(name string) []string {
	var out []string
	queue := slices.Clone(a.fallbacks[name])
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
		queue = append(queue, a.fallbacks[n]...)
	}
	return out
}

// =============================================================================
// 📋 执行计划
// =============================================================================

// Plan 定义解析后的执行计划
type Plan struct {
	Workflow string
	// Levels 主路径阶段，同一阶段内的处理器可并发
	Levels      [][]*Descriptor
	descriptors map[string]*Descriptor
	fallbacks   map[string][]*Descriptor
	// rescuers 处理器 → 可代其满足依赖的备用处理器
	rescuers map[string][]string
}

// Descriptor 计划中的处理器
func (p *Plan) Descriptor(name string) (*Descriptor, bool) {
	d, ok := p.descriptors[name]
	return d, ok
}

// Fallbacks 以 name 为触发器的备用处理器
func (p *Plan) Fallbacks(name string) []*Descriptor {
	return p.fallbacks[name]
}

// Names 主路径处理器，按阶段顺序
func (p *Plan) Names() []string {
	var out []string
	for _, lvl := range p.Levels {
		for _, d := range lvl {
			out = append(out, d.Name)
		}
	}
	return out
}

func newPlan(workflow string, all map[string]*Descriptor, a *graphAnalysis) *Plan {
	p := &Plan{
		Workflow:    workflow,
		descriptors: make(map[string]*Descriptor),
		fallbacks:   make(map[string][]*Descriptor),
		rescuers:    make(map[string][]string),
	}
	for _, lvl := range a.levels {
		stage := make([]*Descriptor, 0, len(lvl))
		for _, name := range lvl {
			d := all[name]
			stage = append(stage, d)
			p.descriptors[name] = d
			p.rescuers[name] = a.chain(name)
		}
		p.Levels = append(p.Levels, stage)
	}
	for trigger, fbs := range a.fallbacks {
		for _, name := range fbs {
			p.descriptors[name] = all[name]
			p.fallbacks[trigger] = append(p.fallbacks[trigger], all[name])
		}
	}
	return p
}
