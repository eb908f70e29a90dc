package hostvm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/ctorz/typefile"
)

func build(t *testing.T, b *typefile.Builder) []byte {
	t.Helper()
	raw, err := b.Build()
	require.NoError(t, err)
	return raw
}

// defineShapes defines app.Shape (root, field name) and app.Circle
// (extends Shape, field r, constructor taking r).
func defineShapes(t *testing.T, rt *Runtime) {
	t.Helper()
	shape := typefile.NewBuilder("app.Shape", "").Field("name")
	shape.Constructor(0).Load(0).Str("shape").PutField("app.Shape", "name").Return()
	shape.Method("describe", 0, true).Load(0).GetField("app.Shape", "name").VReturn()
	rt.Define("app.Shape", build(t, shape))

	circle := typefile.NewBuilder("app.Circle", "app.Shape").Field("r")
	circle.Constructor(1).
		Load(0).InvokeSpecial("app.Shape", typefile.CtorName, 0, false).
		Load(0).Load(1).PutField("app.Circle", "r").
		Return()
	circle.Method("describe", 0, true).Str("circle ").Load(0).GetField("app.Circle", "r").Add().VReturn()
	rt.Define("app.Circle", build(t, circle))
}

func TestNewRunsConstructorChain(t *testing.T) {
	rt := New()
	defineShapes(t, rt)

	c, err := rt.New("app.Circle", int64(3))
	require.NoError(t, err)
	assert.Equal(t, "app.Circle", c.TypeName())
	assert.Equal(t, "shape", c.Field("name"))
	assert.Equal(t, int64(3), c.Field("r"))
	assert.True(t, c.Type().IsA("app.Shape"))
	assert.Equal(t, []string{"name", "r"}, c.Type().Fields())

	v, err := rt.Loader().Invoke(c, "describe")
	require.NoError(t, err)
	assert.Equal(t, "circle 3", v)

	_, err = rt.New("app.Circle")
	assert.ErrorIs(t, err, ErrNoSuchMethod)
	_, err = rt.New("app.Missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallWithBranchesAndSubroutines(t *testing.T) {
	rt := New()
	b := typefile.NewBuilder("app.Math", "")
	mb := b.StaticMethod("pick", 2, true)
	second := mb.NewLabel()
	mb.Load(0).Jz(second).Load(0).VReturn().Mark(second).Load(1).VReturn()

	// twice(x) = x + x through a subroutine that adds local 0 to the top.
	mb = b.StaticMethod("twice", 1, true)
	sub := mb.NewLabel()
	mb.Load(0).Jsr(sub).VReturn().
		Mark(sub).Store(1).Load(0).Add().Ret(1)
	rt.Define("app.Math", build(t, b))

	v, err := rt.Call("app.Math", "pick", int64(4), int64(9))
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
	v, err = rt.Call("app.Math", "pick", int64(0), int64(9))
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)

	v, err = rt.Call("app.Math", "twice", int64(21))
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestExceptions(t *testing.T) {
	rt := New()
	errType := typefile.NewBuilder("app.Error", "")
	errType.Constructor(0).Return()
	rt.Define("app.Error", build(t, errType))

	b := typefile.NewBuilder("app.Guard", "")
	mb := b.StaticMethod("safe", 0, true)
	start, end, handler := mb.NewLabel(), mb.NewLabel(), mb.NewLabel()
	mb.Mark(start).InvokeStatic("app.Guard", "fail", 0, false).Int(0).VReturn().
		Mark(end).Mark(handler).Pop().Int(1).VReturn().
		Try(start, end, handler, "app.Error")
	b.StaticMethod("fail", 0, false).
		New("app.Error").Dup().InvokeSpecial("app.Error", typefile.CtorName, 0, false).Throw()
	b.StaticMethod("raw", 0, false).Str("boom").Throw()
	rt.Define("app.Guard", build(t, b))

	v, err := rt.Call("app.Guard", "safe")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "caught in the caller's handler")

	_, err = rt.Call("app.Guard", "raw")
	var exc *Exception
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, "boom", exc.Value)
}

func TestStepLimit(t *testing.T) {
	rt := New(WithStepLimit(100))
	b := typefile.NewBuilder("app.Spin", "")
	mb := b.StaticMethod("forever", 0, false)
	top := mb.NewLabel()
	mb.Mark(top).Jmp(top)
	rt.Define("app.Spin", build(t, b))

	_, err := rt.Call("app.Spin", "forever")
	assert.ErrorIs(t, err, ErrStepLimit)
}

func TestBootstrapCapabilityOnlyDuringStartup(t *testing.T) {
	var boot *Bootstrap
	rt := New(WithAgent(func(b *Bootstrap) {
		boot = b
		capability, err := b.BootstrapCapability()
		require.NoError(t, err)
		require.NotNil(t, capability)

		_, err = b.BootstrapCapability()
		assert.ErrorIs(t, err, ErrAlreadyGranted)
	}))
	require.NotNil(t, rt.Loader())

	_, err := boot.BootstrapCapability()
	assert.ErrorIs(t, err, ErrTooLate)
}

func TestAgentPanicDoesNotBlockStartup(t *testing.T) {
	rt := New(WithAgent(func(*Bootstrap) { panic("agent bug") }))
	defineShapes(t, rt)
	_, err := rt.New("app.Shape")
	assert.NoError(t, err)
}

func TestAttach(t *testing.T) {
	_, err := New().AttachCapability(context.Background())
	assert.ErrorIs(t, err, ErrAttachDisabled)

	rt := New(WithAttach())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rt.AttachCapability(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	capability, err := rt.AttachCapability(context.Background())
	require.NoError(t, err)
	require.NotNil(t, capability)
	_, err = rt.AttachCapability(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyGranted)
}

func TestTransformerPipeline(t *testing.T) {
	rt := New(WithAttach())
	defineShapes(t, rt)
	capability, err := rt.AttachCapability(context.Background())
	require.NoError(t, err)

	var events sync.Map
	require.NoError(t, capability.InstallTransformer(func(name string, raw []byte) []byte {
		n, _ := events.LoadOrStore(name, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		return nil
	}))
	assert.ErrorIs(t, capability.InstallTransformer(func(string, []byte) []byte { return nil }), ErrTransformerInstalled)

	_, err = rt.New("app.Circle", int64(1))
	require.NoError(t, err)
	_, err = rt.New("app.Circle", int64(2))
	require.NoError(t, err)

	for _, name := range []string{"app.Circle", "app.Shape"} {
		n, ok := events.Load(name)
		require.True(t, ok, name)
		assert.EqualValues(t, 1, n.(*atomic.Int32).Load(), "one load event per loader for %s", name)
	}

	// A fresh loader delivers fresh load events.
	_, err = rt.NewLoader().New("app.Circle", int64(1))
	require.NoError(t, err)
	n, _ := events.Load("app.Circle")
	assert.EqualValues(t, 2, n.(*atomic.Int32).Load())

	require.NoError(t, capability.RemoveTransformer())
	assert.ErrorIs(t, capability.RemoveTransformer(), ErrNoTransformer)
	_, err = rt.NewLoader().Load("app.Circle")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n.(*atomic.Int32).Load())
}

func TestTransformerOutputIsVerified(t *testing.T) {
	rt := New(WithAttach())
	defineShapes(t, rt)
	capability, err := rt.AttachCapability(context.Background())
	require.NoError(t, err)
	require.NoError(t, capability.InstallTransformer(func(name string, raw []byte) []byte {
		return []byte("garbage")
	}))

	_, err = rt.Load("app.Shape")
	assert.ErrorIs(t, err, ErrLinkage)
}

func TestTransformerPanicKeepsForm(t *testing.T) {
	rt := New(WithAttach())
	defineShapes(t, rt)
	capability, err := rt.AttachCapability(context.Background())
	require.NoError(t, err)
	require.NoError(t, capability.InstallTransformer(func(string, []byte) []byte { panic("transformer bug") }))

	_, err = rt.New("app.Shape")
	assert.NoError(t, err)
}

type recordingBridge struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordingBridge) Before(snapshot uint32, ordinal int, ref any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "before")
}

func (b *recordingBridge) After(snapshot uint32, ordinal int, ref any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "after")
}

func TestBridgeNatives(t *testing.T) {
	rt := New(WithAttach())
	capability, err := rt.AttachCapability(context.Background())
	require.NoError(t, err)
	bridge := &recordingBridge{}
	require.NoError(t, capability.InstallBridge(bridge))

	b := typefile.NewBuilder("app.Probe", "")
	b.StaticMethod("run", 1, false).
		Load(0).Int(1).Int(0).InvokeStatic(typefile.BridgeOwner, typefile.BridgeBefore, 3, false).
		Load(0).Int(1).Int(0).InvokeStatic(typefile.BridgeOwner, typefile.BridgeAfter, 3, false).
		Return()
	b.StaticMethod("bad", 1, false).
		Load(0).Str("x").Int(0).InvokeStatic(typefile.BridgeOwner, typefile.BridgeBefore, 3, false).
		Return()
	rt.Define("app.Probe", build(t, b))

	_, err = rt.Call("app.Probe", "run", "ref")
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "after"}, bridge.calls)

	_, err = rt.Call("app.Probe", "bad", "ref")
	assert.ErrorIs(t, err, ErrFault)
}

func TestNatives(t *testing.T) {
	rt := New()
	var got []Value
	rt.RegisterNative("app.Log", "print", 1, func(args []Value) (Value, error) {
		got = append(got, args[0])
		return nil, nil
	})
	b := typefile.NewBuilder("app.Main", "")
	b.StaticMethod("main", 0, false).Str("hi").InvokeStatic("app.Log", "print", 1, false).Return()
	rt.Define("app.Main", build(t, b))

	_, err := rt.Call("app.Main", "main")
	require.NoError(t, err)
	assert.Equal(t, []Value{"hi"}, got)
}

func TestConcurrentLoadsDefineOnce(t *testing.T) {
	rt := New()
	defineShapes(t, rt)

	var wg sync.WaitGroup
	types := make([]*Type, 16)
	for i := range types {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ, err := rt.Load("app.Circle")
			assert.NoError(t, err)
			types[i] = typ
		}(i)
	}
	wg.Wait()
	for _, typ := range types {
		assert.Same(t, types[0], typ)
	}
}

func TestCircularSuperclass(t *testing.T) {
	rt := New()
	a := typefile.NewBuilder("app.A", "app.B")
	b := typefile.NewBuilder("app.B", "app.A")
	rt.Define("app.A", build(t, a))
	rt.Define("app.B", build(t, b))

	_, err := rt.Load("app.A")
	assert.ErrorIs(t, err, ErrLinkage)
}
