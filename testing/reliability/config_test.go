package reliability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/ctorz"
	"github.com/zoobzio/ctorz/hostvm"
	"github.com/zoobzio/ctorz/typefile"
)

// Test configuration that can be overridden via environment variables.
// CI runs with the defaults, stress runs raise the multipliers.
type testConfig struct {
	types      int
	loaders    int
	goroutines int

	loadMultiplier float64
	panicEvery     int // every n-th type's rewriter attempt panics
}

func getTestConfig() testConfig {
	cfg := testConfig{
		types:          20,
		loaders:        4,
		goroutines:     8,
		loadMultiplier: 1.0,
		panicEvery:     3,
	}

	if v := os.Getenv("CTORZ_TEST_LOAD_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.loadMultiplier = f
			cfg.types = int(float64(cfg.types) * f)
			cfg.loaders = int(float64(cfg.loaders) * f)
			cfg.goroutines = int(float64(cfg.goroutines) * f)
		}
	}
	if v := os.Getenv("CTORZ_TEST_PANIC_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.panicEvery = n
		}
	}
	return cfg
}

func typeName(i int) string { return fmt.Sprintf("app.T%03d", i) }

// defineTypes defines n root types, each with a constructor that stores
// its argument.
func defineTypes(t testing.TB, rt *hostvm.Runtime, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		name := typeName(i)
		b := typefile.NewBuilder(name, "").Field("v")
		b.Constructor(1).Load(0).Load(1).PutField(name, "v").Return()
		raw, err := b.Build()
		require.NoError(t, err)
		rt.Define(name, raw)
	}
}

// attach starts an attach-enabled runtime and arms an interceptor on it.
func attach(t testing.TB, reg *ctorz.Registry, rw ctorz.Rewriter, opts ...ctorz.Option) (*hostvm.Runtime, *ctorz.Interceptor) {
	t.Helper()
	rt := hostvm.New(hostvm.WithAttach())
	broker := ctorz.NewAttachBroker(context.Background(), rt)
	icpt := ctorz.NewInterceptor(reg, broker, rw, opts...)
	require.NoError(t, icpt.Install())
	return rt, icpt
}
