package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// randomDAG 生成 n 个处理器，p{i} 只依赖编号更小的处理器，chain 为真时 p{i} 必依赖 p{i-1}
func randomDAG(n int, seed int64, chain bool) []Descriptor {
	rng := rand.New(rand.NewSource(seed))
	procs := make([]Descriptor, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("p%d", i)
		var deps []string
		for j := 0; j < i; j++ {
			if (chain && j == i-1) || rng.Float64() < 0.4 {
				deps = append(deps, fmt.Sprintf("p%d", j))
			}
		}
		procs[i] = mainProc(name, succeedAll(name), deps...)
	}
	return procs
}

func TestProperty_AcyclicGraphsPlanInDependencyOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("acyclic registries validate cleanly and levels respect dependencies", prop.ForAll(
		func(n int, seed int64) bool {
			r := NewRegistry(zap.NewNop())
			r.MustRegister(randomDAG(n, seed, false)...)

			if errs := r.Validate(); len(errs) != 0 {
				t.Logf("unexpected validation errors: %v", errs)
				return false
			}
			plan, err := NewDefinition("dag", r.Names()...).Plan(r)
			if err != nil {
				t.Logf("Plan failed: %v", err)
				return false
			}

			level := make(map[string]int)
			for i, lvl := range plan.Levels {
				for _, d := range lvl {
					level[d.Name] = i
				}
			}
			if len(level) != n {
				t.Logf("expected %d processors in plan, got %d", n, len(level))
				return false
			}
			for _, d := range r.All() {
				for _, dep := range d.Dependencies {
					if level[dep] >= level[d.Name] {
						t.Logf("%s (level %d) does not follow %s (level %d)", d.Name, level[d.Name], dep, level[dep])
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestProperty_CycleReportedExactlyOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("a back edge yields exactly one cycle error naming a real cycle", prop.ForAll(
		func(n int, seed int64) bool {
			procs := randomDAG(n, seed, true)
			// p0 -> p{n-1} 闭合成环
			procs[0].Dependencies = append(procs[0].Dependencies, fmt.Sprintf("p%d", n-1))

			r := NewRegistry(zap.NewNop())
			r.MustRegister(procs...)

			var cycles []ValidationError
			for _, e := range r.Validate() {
				if e.Kind == ValidationCycle {
					cycles = append(cycles, e)
				}
			}
			if len(cycles) != 1 {
				t.Logf("expected one cycle error, got %v", cycles)
				return false
			}

			members := cycles[0].Members
			if len(members) < 2 {
				t.Logf("cycle too short: %v", members)
				return false
			}
			for k, m := range members {
				next := members[(k+1)%len(members)]
				d, ok := r.Get(m)
				if !ok || !slices.Contains(d.Dependencies, next) {
					t.Logf("%s does not depend on %s in cycle %v", m, next, members)
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 10),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestProperty_FallbackRunsForExactlyMissingEntities(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("fallback sees exactly the entities its trigger failed", prop.ForAll(
		func(n int, mask uint8) bool {
			ctx := context.Background()

			entities := make([]types.EntityRef, n)
			var failing []string
			for i := range entities {
				entities[i] = types.NewEntityRef("org", fmt.Sprintf("%d", i))
				if mask&(1<<i) != 0 {
					failing = append(failing, entities[i].Key())
				}
			}
			slices.Sort(failing)

			fb := succeedAll("fallback")
			downstream := succeedAll("downstream")
			r := NewRegistry(zap.NewNop())
			r.MustRegister(
				mainProc("fetch", succeedAll("fetch")),
				mainProc("primary", failFor("primary", failing...), "fetch"),
				fallbackProc("fallback", "primary", fb, "fetch"),
				mainProc("downstream", downstream, "primary"),
			)

			c := cache.NewInMemory(cache.DefaultConfig(), zap.NewNop())
			defer c.Close(ctx)
			e := NewEngine(r, c, testEngineConfig(), zap.NewNop())
			defer e.Close()

			res := e.Run(ctx, NewDefinition("w", r.Names()...), entities, RunOptions{})

			if !slices.Equal(fb.seen(), failing) {
				t.Logf("fallback saw %v, want %v", fb.seen(), failing)
				return false
			}
			// 每个实体的主路径依赖都被满足
			if len(downstream.seen()) != n {
				t.Logf("downstream saw %v", downstream.seen())
				return false
			}
			want := StatusSuccess
			if len(failing) > 0 {
				want = StatusPartial
			}
			if res.Status != want {
				t.Logf("status %s, want %s", res.Status, want)
				return false
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
