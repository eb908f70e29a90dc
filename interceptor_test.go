package ctorz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// tagRewriter appends a marker and the snapshot id to the raw form.
var tagRewriter = RewriterFunc(func(req RewriteRequest) ([]byte, error) {
	return append(append([]byte(nil), req.Raw...), fmt.Sprintf("+%d/%d", req.Snapshot, req.Hooks)...), nil
})

func armed(t *testing.T, reg *Registry, rw Rewriter, opts ...Option) (*Interceptor, *fakeHost) {
	t.Helper()
	host := &fakeHost{}
	icpt := NewInterceptor(reg, NewBootstrapBroker(granting(host)), rw, opts...)
	require.NoError(t, icpt.Install())
	require.Equal(t, StateArmed, icpt.State())
	t.Cleanup(func() { _ = icpt.Close() })
	return icpt, host
}

func TestInstallWithoutCapability(t *testing.T) {
	reg := NewRegistry()
	icpt := NewInterceptor(reg, NewBroker(), tagRewriter)

	err := icpt.Install()
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.Equal(t, StateUninitialized, icpt.State())

	// Degraded mode still accepts registrations and passes everything through.
	_, err = reg.Register("app.Foo", &HookFuncs{})
	require.NoError(t, err)
	raw := []byte("foo")
	out := icpt.Transform("app.Foo", raw)
	assert.Same(t, &raw[0], &out[0])
	assert.Empty(t, icpt.Records())
}

func TestInstallRefusedByHost(t *testing.T) {
	host := &fakeHost{bridgeErr: errors.New("no natives")}
	icpt := NewInterceptor(NewRegistry(), NewBootstrapBroker(granting(host)), tagRewriter)
	assert.Error(t, icpt.Install())
	assert.Equal(t, StateUninitialized, icpt.State())
	assert.Nil(t, host.transformer, "transformer rolled back")
	assert.Equal(t, 1, host.removed)

	host = &fakeHost{transformerErr: errors.New("busy")}
	icpt = NewInterceptor(NewRegistry(), NewBootstrapBroker(granting(host)), tagRewriter)
	assert.Error(t, icpt.Install())
	assert.Equal(t, StateUninitialized, icpt.State())
	assert.Nil(t, host.bridge, "no bridge left behind")
}

func TestInstallTwice(t *testing.T) {
	icpt, _ := armed(t, NewRegistry(), tagRewriter)
	assert.ErrorIs(t, icpt.Install(), ErrAlreadyInstalled)
}

func TestTransformPassThrough(t *testing.T) {
	reg := NewRegistry()
	icpt, host := armed(t, reg, RewriterFunc(func(RewriteRequest) ([]byte, error) {
		t.Error("rewriter called for a type without hooks")
		return nil, nil
	}))

	raw := []byte("bar")
	out := host.load("app.Bar", raw)
	assert.Same(t, &raw[0], &out[0], "pass-through returns the input itself")
	assert.Equal(t, StateActive, icpt.State())

	_, ok := icpt.Record("app.Bar")
	assert.False(t, ok, "no record for types without hooks")
	assert.EqualValues(t, 1, icpt.Metrics().PassThrough)
}

func TestTransformRewrites(t *testing.T) {
	reg := NewRegistry()
	icpt, host := armed(t, reg, tagRewriter)
	_, _ = reg.Register("app.Foo", &HookFuncs{})
	_, _ = reg.Register("app.Foo", &HookFuncs{})

	out := host.load("app/Foo", []byte("foo"))
	assert.Equal(t, "foo+1/2", string(out))

	rec, ok := icpt.Record("app.Foo")
	require.True(t, ok)
	assert.True(t, rec.Rewritten)
	assert.Empty(t, rec.Reason)
	assert.Equal(t, 2, rec.Hooks)
	assert.EqualValues(t, 1, rec.Snapshot)
	assert.Len(t, rec.Digest, 16)
	assert.False(t, rec.ObservedAt.IsZero())

	m := icpt.Metrics()
	assert.EqualValues(t, 1, m.Rewritten)
	assert.EqualValues(t, 1, m.Snapshots)
	assert.EqualValues(t, 2, m.RegisteredHooks)
}

func TestTransformFailuresLoadOriginal(t *testing.T) {
	cases := map[string]struct {
		rewriter Rewriter
		reason   error
	}{
		"unsupported": {
			rewriter: RewriterFunc(func(RewriteRequest) ([]byte, error) {
				return []byte("partial"), fmt.Errorf("app.Baz.<init>/0: %w", ErrUnsupportedConstruct)
			}),
			reason: ErrUnsupportedConstruct,
		},
		"malformed": {
			rewriter: RewriterFunc(func(RewriteRequest) ([]byte, error) {
				return nil, ErrMalformedForm
			}),
			reason: ErrMalformedForm,
		},
		"no output": {
			rewriter: RewriterFunc(func(RewriteRequest) ([]byte, error) { return nil, nil }),
			reason:   ErrMalformedForm,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			reg := NewRegistry()
			icpt, host := armed(t, reg, tc.rewriter)
			_, _ = reg.Register("app.Baz", &HookFuncs{})

			raw := []byte("baz")
			out := host.load("app.Baz", raw)
			assert.Equal(t, raw, out)

			rec, ok := icpt.Record("app.Baz")
			require.True(t, ok)
			assert.False(t, rec.Rewritten)
			assert.Contains(t, rec.Reason, tc.reason.Error())
			assert.Zero(t, rec.Snapshot)

			m := icpt.Metrics()
			assert.EqualValues(t, 1, m.Failed)
			assert.EqualValues(t, 0, m.Snapshots, "abandoned snapshots are dropped")
		})
	}
}

func TestTransformRewriterPanic(t *testing.T) {
	reg := NewRegistry()
	icpt, host := armed(t, reg, RewriterFunc(func(RewriteRequest) ([]byte, error) { panic("rewriter bug") }))
	_, _ = reg.Register("app.Baz", &HookFuncs{})

	assert.Equal(t, "baz", string(host.load("app.Baz", []byte("baz"))))
	rec, _ := icpt.Record("app.Baz")
	assert.False(t, rec.Rewritten)
	assert.Contains(t, rec.Reason, "panicked")
}

func TestTransformAlreadyInstrumented(t *testing.T) {
	reg := NewRegistry()
	icpt, host := armed(t, reg, RewriterFunc(func(RewriteRequest) ([]byte, error) {
		return nil, ErrAlreadyInstrumented
	}))
	_, _ = reg.Register("app.Foo", &HookFuncs{})

	assert.Equal(t, "foo", string(host.load("app.Foo", []byte("foo"))))
	rec, _ := icpt.Record("app.Foo")
	assert.True(t, rec.Rewritten)
	assert.NotEmpty(t, rec.Reason)
	assert.EqualValues(t, 0, icpt.Metrics().Failed)
}

func TestRecordFirstWriteWins(t *testing.T) {
	reg := NewRegistry()
	var fail atomic.Bool
	icpt, host := armed(t, reg, RewriterFunc(func(req RewriteRequest) ([]byte, error) {
		if fail.Load() {
			return nil, ErrUnsupportedConstruct
		}
		return tagRewriter(req)
	}))
	_, _ = reg.Register("app.Foo", &HookFuncs{})

	host.load("app.Foo", []byte("v1"))
	fail.Store(true)
	host.load("app.Foo", []byte("v2"))

	rec, _ := icpt.Record("app.Foo")
	assert.True(t, rec.Rewritten)
	assert.Len(t, icpt.Records(), 1)
}

func TestRecordTimestampsUseClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockz.NewFakeClockAt(start)
	reg := NewRegistry()
	icpt, host := armed(t, reg, tagRewriter, WithClock(clock))
	_, _ = reg.Register("app.Foo", &HookFuncs{})
	_, _ = reg.Register("app.Bar", &HookFuncs{})

	host.load("app.Foo", []byte("foo"))
	clock.Advance(time.Minute)
	host.load("app.Bar", []byte("bar"))

	foo, _ := icpt.Record("app.Foo")
	bar, _ := icpt.Record("app.Bar")
	assert.Equal(t, start, foo.ObservedAt)
	assert.Equal(t, start.Add(time.Minute), bar.ObservedAt)
}

func TestExcludedTypesPassThrough(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	_, host := armed(t, reg, RewriterFunc(func(req RewriteRequest) ([]byte, error) {
		calls++
		return tagRewriter(req)
	}), WithExclude("app.internal", " "))

	for _, name := range []string{"app.internal", "app.internal.Cache", "ctorz.Bridge"} {
		_, _ = reg.Register(TypeID(name), &HookFuncs{})
		assert.Equal(t, "x", string(host.load(name, []byte("x"))), name)
	}
	_, _ = reg.Register("app.internalized", &HookFuncs{})
	host.load("app.internalized", []byte("x"))
	assert.Equal(t, 1, calls, "prefix matches whole segments only")
}

func TestBridgeDispatch(t *testing.T) {
	reg := NewRegistry()
	icpt, host := armed(t, reg, tagRewriter)

	var mu sync.Mutex
	var calls []string
	hook := func(tag string) *HookFuncs {
		return &HookFuncs{
			Before: func(inst Instance) {
				mu.Lock()
				defer mu.Unlock()
				calls = append(calls, fmt.Sprintf("%s.before %s %v", tag, inst.Type, inst.Ref))
			},
			After: func(inst Instance) {
				mu.Lock()
				defer mu.Unlock()
				calls = append(calls, fmt.Sprintf("%s.after %s %v", tag, inst.Type, inst.Ref))
			},
		}
	}
	_, _ = reg.Register("app.Foo", hook("a"))
	_, _ = reg.Register("app.Foo", &HookFuncs{Before: func(Instance) { panic("hook bug") }})
	_, _ = reg.Register("app.Foo", hook("b"))
	host.load("app.Foo", []byte("foo"))
	rec, _ := icpt.Record("app.Foo")

	// What the rewritten constructor does for each hook of the snapshot.
	for ord := 0; ord < rec.Hooks; ord++ {
		host.bridge.Before(rec.Snapshot, ord, "ref-1")
	}
	for ord := 0; ord < rec.Hooks; ord++ {
		host.bridge.After(rec.Snapshot, ord, "ref-1")
	}

	assert.Equal(t, []string{
		"a.before app.Foo ref-1",
		"b.before app.Foo ref-1",
		"a.after app.Foo ref-1",
		"b.after app.Foo ref-1",
	}, calls)
	m := icpt.Metrics()
	assert.EqualValues(t, 6, m.HookCalls)
	assert.EqualValues(t, 1, m.HookPanics)

	// Unknown snapshots and ordinals are ignored.
	host.bridge.Before(999, 0, nil)
	host.bridge.Before(rec.Snapshot, 3, nil)
	host.bridge.Before(rec.Snapshot, -1, nil)
	assert.EqualValues(t, 6, icpt.Metrics().HookCalls)
}

func TestSnapshotIsFrozen(t *testing.T) {
	reg := NewRegistry()
	icpt, host := armed(t, reg, tagRewriter)

	var got []string
	first := &HookFuncs{After: func(Instance) { got = append(got, "first") }}
	_, _ = reg.Register("app.Foo", first)
	host.load("app.Foo", []byte("foo"))
	rec, _ := icpt.Record("app.Foo")

	// Changes after the rewrite do not reach the loaded definition.
	reg.Unregister("app.Foo", first)
	_, _ = reg.Register("app.Foo", &HookFuncs{After: func(Instance) { got = append(got, "late") }})

	host.bridge.After(rec.Snapshot, 0, nil)
	host.bridge.After(rec.Snapshot, 1, nil)
	assert.Equal(t, []string{"first"}, got)
}

func TestConcurrentTransform(t *testing.T) {
	reg := NewRegistry()
	var rewrites atomic.Int32
	release := make(chan struct{})
	icpt, host := armed(t, reg, RewriterFunc(func(req RewriteRequest) ([]byte, error) {
		rewrites.Add(1)
		<-release
		return tagRewriter(req)
	}))
	_, _ = reg.Register("app.Foo", &HookFuncs{})

	const loaders = 16
	outs := make([][]byte, loaders)
	var wg sync.WaitGroup
	for n := 0; n < loaders; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			outs[n] = host.load("app.Foo", []byte("foo"))
		}(n)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, out := range outs {
		assert.Regexp(t, `^foo\+\d+/1$`, string(out))
	}
	m := icpt.Metrics()
	assert.EqualValues(t, loaders, int64(rewrites.Load())+m.Collapsed)
	assert.GreaterOrEqual(t, m.Collapsed, int64(1))
	assert.Len(t, icpt.Records(), 1)
}

func TestConcurrentTransformDistinctTypes(t *testing.T) {
	reg := NewRegistry()
	icpt, host := armed(t, reg, tagRewriter)

	const types = 32
	var wg sync.WaitGroup
	for n := 0; n < types; n++ {
		name := TypeID(fmt.Sprintf("app.T%d", n))
		_, _ = reg.Register(name, &HookFuncs{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			host.load(string(name), []byte(name))
		}()
	}
	wg.Wait()

	records := icpt.Records()
	require.Len(t, records, types)
	snapshots := make(map[uint32]bool)
	for _, rec := range records {
		assert.True(t, rec.Rewritten)
		assert.False(t, snapshots[rec.Snapshot], "snapshot ids are unique")
		snapshots[rec.Snapshot] = true
	}
	assert.Equal(t, 0, icpt.locks.held())
}

func TestRewriteSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reg := NewRegistry()
	_, host := armed(t, reg, RewriterFunc(func(req RewriteRequest) ([]byte, error) {
		if req.Type == "app.Baz" {
			return nil, ErrUnsupportedConstruct
		}
		return tagRewriter(req)
	}), WithTracerProvider(tp))

	_, _ = reg.Register("app.Foo", &HookFuncs{})
	_, _ = reg.Register("app.Baz", &HookFuncs{})
	host.load("app.Foo", []byte("foo"))
	host.load("app.Baz", []byte("baz"))
	host.load("app.Bar", []byte("bar"))

	spans := sr.Ended()
	require.Len(t, spans, 2, "pass-through loads are not traced")

	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		m := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			m[kv.Key] = kv.Value
		}
		return m
	}

	foo := attrs(spans[0])
	assert.Equal(t, "ctorz.rewrite", spans[0].Name())
	assert.Equal(t, "app.Foo", foo["ctorz.type"].AsString())
	assert.True(t, foo["ctorz.rewritten"].AsBool())
	assert.EqualValues(t, 1, foo["ctorz.hooks"].AsInt64())

	baz := attrs(spans[1])
	assert.False(t, baz["ctorz.rewritten"].AsBool())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestClose(t *testing.T) {
	reg := NewRegistry()
	host := &fakeHost{}
	icpt := NewInterceptor(reg, NewBootstrapBroker(granting(host)), tagRewriter)
	require.NoError(t, icpt.Install())

	var after atomic.Int32
	_, _ = reg.Register("app.Foo", &HookFuncs{After: func(Instance) { after.Add(1) }})
	host.load("app.Foo", []byte("foo"))
	rec, _ := icpt.Record("app.Foo")
	bridge := host.bridge

	require.NoError(t, icpt.Close())
	assert.Equal(t, StateClosed, icpt.State())
	assert.Equal(t, 1, host.removed)
	assert.ErrorIs(t, icpt.Close(), ErrInterceptorClosed)
	assert.ErrorIs(t, icpt.Install(), ErrInterceptorClosed)

	// Loads after Close pass through, even if the host still calls in.
	_, _ = reg.Register("app.Qux", &HookFuncs{})
	assert.Equal(t, "qux", string(icpt.Transform("app.Qux", []byte("qux"))))
	_, ok := icpt.Record("app.Qux")
	assert.False(t, ok)

	// Rewritten definitions keep dispatching.
	bridge.After(rec.Snapshot, 0, nil)
	assert.EqualValues(t, 1, after.Load())
}

func TestRecordSinkReceivesRecords(t *testing.T) {
	var mu sync.Mutex
	var delivered []RewriteRecord
	sink := RecordSinkFunc(func(_ context.Context, rec RewriteRecord) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, rec)
		return nil
	})

	reg := NewRegistry()
	host := &fakeHost{}
	icpt := NewInterceptor(reg, NewBootstrapBroker(granting(host)), tagRewriter, WithRecordSink(sink), WithSinkWorkers(1))
	require.NoError(t, icpt.Install())

	_, _ = reg.Register("app.Foo", &HookFuncs{})
	host.load("app.Foo", []byte("foo"))
	host.load("app.Foo", []byte("foo again"))
	host.load("app.Bar", []byte("bar"))
	require.NoError(t, icpt.Close())

	require.Len(t, delivered, 1, "one record per hooked type")
	assert.Equal(t, TypeID("app.Foo"), delivered[0].Type)
	assert.EqualValues(t, 1, icpt.Metrics().RecordsDelivered)
}
