package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/BaSui01/grantflow/types"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// 任意 Put/Get/Invalidate/Flush/Sweep 序列下，缓存的可见状态与简单 map 模型一致，
// 与热层容量、持久化模式无关。
func TestProperty_CacheMatchesModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()

		cfg := Config{
			HotMaxItems:    rapid.IntRange(1, 4).Draw(rt, "hotMaxItems"),
			Shards:         rapid.IntRange(1, 3).Draw(rt, "shards"),
			SyncWriteBytes: rapid.SampledFrom([]int{0, 8}).Draw(rt, "syncWriteBytes"),
			Namespaces: map[string]NamespacePolicy{
				"sync": {Persist: PersistSync},
				"cold": {SkipHot: true, Compress: true},
			},
		}
		c := New(NewMemoryStore(), cfg, zap.NewNop())
		defer c.Close(ctx)

		entities := []types.EntityRef{
			types.NewEntityRef("org", "1"),
			types.NewEntityRef("org", "2"),
			types.NewEntityRef("foundation", "1"),
		}
		namespaces := []string{"fetch", "sync", "cold"}
		model := map[Key]int{}

		steps := rapid.IntRange(1, 80).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			ref := rapid.SampledFrom(entities).Draw(rt, "entity")
			ns := rapid.SampledFrom(namespaces).Draw(rt, "namespace")
			k := NewKey(ref, ns)

			switch rapid.IntRange(0, 5).Draw(rt, "op") {
			case 0, 1:
				v := rapid.IntRange(0, 1_000_000).Draw(rt, "value")
				if err := c.Put(ctx, ref, ns, v); err != nil {
					rt.Fatalf("put %s: %v", k, err)
				}
				model[k] = v
			case 2:
				var got int
				err := c.GetJSON(ctx, ref, ns, &got)
				want, ok := model[k]
				switch {
				case ok && err != nil:
					rt.Fatalf("get %s: want %d, got error %v", k, want, err)
				case ok && got != want:
					rt.Fatalf("get %s: want %d, got %d", k, want, got)
				case !ok && !errors.Is(err, ErrNotFound):
					rt.Fatalf("get %s: want not found, got %d (%v)", k, got, err)
				}
			case 3:
				if rapid.Bool().Draw(rt, "wholeEntity") {
					if err := c.Invalidate(ctx, ref); err != nil {
						rt.Fatalf("invalidate %s: %v", ref, err)
					}
					for mk := range model {
						if mk.Entity() == ref {
							delete(model, mk)
						}
					}
				} else {
					if err := c.Invalidate(ctx, ref, ns); err != nil {
						rt.Fatalf("invalidate %s: %v", k, err)
					}
					delete(model, k)
				}
			case 4:
				if err := c.Flush(ctx); err != nil {
					rt.Fatalf("flush: %v", err)
				}
			case 5:
				if _, err := c.Sweep(ctx); err != nil {
					rt.Fatalf("sweep: %v", err)
				}
			}
		}

		// 淘汰或落盘之后，模型中的每个键仍可读到最后写入的值
		if err := c.Flush(ctx); err != nil {
			rt.Fatalf("final flush: %v", err)
		}
		for k, want := range model {
			var got int
			if err := c.GetJSON(ctx, k.Entity(), k.Namespace, &got); err != nil || got != want {
				rt.Fatalf("final get %s: want %d, got %d (%v)", k, want, got, err)
			}
		}
		if st := c.Stats(); st.Pending != 0 {
			rt.Fatalf("pending after flush: %d", st.Pending)
		}
	})
}
