// Package luahook lets extension modules written in Lua observe
// constructions.
//
// A script defines optional global functions:
//
//	function before(type, ref) end
//	function after(type, ref) end
//
// type is the type identifier, ref a printable form of the instance.
// Only the base, table, string and math libraries are available.
package luahook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
	"github.com/zoobzio/ctorz"
)

// ErrClosed is returned when using a closed hook.
var ErrClosed = errors.New("lua hook is closed")

// Option configures a Hook.
type Option func(*Hook)

// WithLogger sets the logger receiving script errors. Default is zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hook) {
		h.logger = logger
	}
}

// WithName names the script in log events.
func WithName(name string) Option {
	return func(h *Hook) {
		h.name = name
	}
}

// Hook is a ctorz.LifecycleHook backed by a Lua script.
//
// gopher-lua states are single threaded: calls from concurrent
// constructions are serialized. Script errors are logged and never reach
// the constructing thread.
type Hook struct {
	logger zerolog.Logger
	name   string

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

var _ ctorz.LifecycleHook = (*Hook)(nil)

// New runs source and returns a hook calling its before and after globals.
func New(source string, opts ...Option) (*Hook, error) {
	h := &Hook{logger: zerolog.Nop(), name: "script"}
	for _, opt := range opts {
		opt(h)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []lua.LGFunction{lua.OpenBase, lua.OpenTable, lua.OpenString, lua.OpenMath} {
		open(L)
	}
	// OpenBase also installs file loaders.
	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("load %s: %w", h.name, err)
	}
	for _, fn := range []string{"before", "after"} {
		if v := L.GetGlobal(fn); v != lua.LNil && v.Type() != lua.LTFunction {
			L.Close()
			return nil, fmt.Errorf("load %s: %q is a %s, not a function", h.name, fn, v.Type())
		}
	}
	h.L = L
	return h, nil
}

// OnBeforeConstruct implements ctorz.LifecycleHook.
func (h *Hook) OnBeforeConstruct(inst ctorz.Instance) {
	h.call("before", inst)
}

// OnAfterConstruct implements ctorz.LifecycleHook.
func (h *Hook) OnAfterConstruct(inst ctorz.Instance) {
	h.call("after", inst)
}

func (h *Hook) call(fn string, inst ctorz.Instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	f, ok := h.L.GetGlobal(fn).(*lua.LFunction)
	if !ok {
		return
	}
	err := h.L.CallByParam(lua.P{Fn: f, NRet: 0, Protect: true},
		lua.LString(inst.Type), lua.LString(fmt.Sprint(inst.Ref)))
	if err != nil {
		h.logger.Error().Err(err).Str("script", h.name).Str("type", string(inst.Type)).Str("fn", fn).Msg("lua hook failed")
	}
}

// Global returns a global of the script, for example a counter it keeps.
func (h *Hook) Global(name string) (lua.LValue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return lua.LNil, ErrClosed
	}
	return h.L.GetGlobal(name), nil
}

// Close releases the Lua state. Later calls are no-ops.
func (h *Hook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	h.L.Close()
	return nil
}
