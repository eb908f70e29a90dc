package benchmarks

import (
	"fmt"
	"testing"

	"github.com/zoobzio/ctorz"
	"github.com/zoobzio/ctorz/typefile"
)

func BenchmarkRegistry(b *testing.B) {
	b.Run("Register", func(b *testing.B) {
		reg := ctorz.NewRegistry()
		hook := &ctorz.HookFuncs{}
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			r, err := reg.Register("app.Widget", hook)
			if err != nil {
				b.Fatal(err)
			}
			_ = r.Remove()
		}
	})

	b.Run("HasHooks_Parallel", func(b *testing.B) {
		reg := ctorz.NewRegistry()
		for i := 0; i < 64; i++ {
			_, _ = reg.Register(ctorz.TypeID(fmt.Sprintf("app.T%d", i)), &ctorz.HookFuncs{})
		}
		b.ReportAllocs()
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				_ = reg.HasHooks(ctorz.TypeID(fmt.Sprintf("app.T%d", i%128)))
				i++
			}
		})
	})

	b.Run("Lookup", func(b *testing.B) {
		reg := ctorz.NewRegistry()
		for i := 0; i < 8; i++ {
			_, _ = reg.Register("app.Widget", &ctorz.HookFuncs{})
		}
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_ = reg.Lookup("app.Widget")
		}
	})
}

func BenchmarkTransform(b *testing.B) {
	_, raw := widget(b)

	b.Run("PassThrough", func(b *testing.B) {
		icpt := interceptor(b, ctorz.NewRegistry())
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_ = icpt.Transform("app/Widget", raw)
		}
	})

	// Sequential loads never collapse, so every iteration rewrites.
	b.Run("Rewrite", func(b *testing.B) {
		reg := ctorz.NewRegistry()
		icpt := interceptor(b, reg)
		_, _ = reg.Register("app.Widget", &ctorz.HookFuncs{})
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_ = icpt.Transform("app.Widget", raw)
		}
		if icpt.Metrics().Rewritten != int64(b.N) {
			b.Fatalf("rewritten %d, want %d", icpt.Metrics().Rewritten, b.N)
		}
	})
}

func BenchmarkRewriter(b *testing.B) {
	_, raw := widget(b)
	rw := typefile.NewRewriter()
	for _, hooks := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("Hooks_%d", hooks), func(b *testing.B) {
			req := ctorz.RewriteRequest{Type: "app.Widget", Snapshot: 1, Hooks: hooks, Raw: raw}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := rw.Rewrite(req); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkConstruction(b *testing.B) {
	b.Run("Plain", func(b *testing.B) {
		rt := boot(b, ctorz.NewRegistry())
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := rt.New("app.Widget", int64(i)); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Instrumented", func(b *testing.B) {
		reg := ctorz.NewRegistry()
		var n int
		_, _ = reg.Register("app.Widget", &ctorz.HookFuncs{
			Before: func(ctorz.Instance) { n++ },
			After:  func(ctorz.Instance) { n++ },
		})
		rt := boot(b, reg)
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := rt.New("app.Widget", int64(i)); err != nil {
				b.Fatal(err)
			}
		}
		if n != 2*b.N {
			b.Fatalf("hooks ran %d times, want %d", n, 2*b.N)
		}
	})
}
