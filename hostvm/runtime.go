// Package hostvm is a small embeddable host for typefile types: a class
// path, loaders that run a transformer pipeline on every load event, the
// typefile verifier, and an interpreter.
//
// Instrumentation is granted the way production runtimes grant it: to
// agents that run before the loader initializes, or, when enabled, to a
// dynamically attached agent.
//
//	rt := hostvm.New(hostvm.WithAgent(func(boot *hostvm.Bootstrap) {
//		broker := ctorz.NewBootstrapBroker(boot)
//		ic := ctorz.NewInterceptor(registry, broker, typefile.NewRewriter())
//		_ = ic.Install()
//	}))
//	rt.Define("app.Player", raw)
//	player, err := rt.New("app.Player")
package hostvm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zoobzio/ctorz"
)

// Errors.
var (
	ErrNotFound       = errors.New("type not found")
	ErrLinkage        = errors.New("linkage error")
	ErrNoSuchMethod   = errors.New("no such method")
	ErrFault          = errors.New("execution fault")
	ErrStepLimit      = errors.New("step limit exceeded")
	ErrTooLate        = errors.New("bootstrap capability requested after startup")
	ErrAttachDisabled = errors.New("dynamic attach disabled")
	ErrAlreadyGranted = errors.New("instrumentation already granted")
)

// Value is a host value: nil, int64, string, *Object or a return address.
type Value any

// Native is a Go function callable from host code.
type Native func(args []Value) (Value, error)

// Agent is an instrumentation agent run during startup.
type Agent func(boot *Bootstrap)

// Option configures a Runtime.
type Option func(*Runtime)

// WithAgent adds a bootstrap agent. Agents run in order inside New, before
// the default loader exists.
func WithAgent(agent Agent) Option {
	return func(rt *Runtime) {
		rt.agents = append(rt.agents, agent)
	}
}

// WithAttach allows AttachCapability.
func WithAttach() Option {
	return func(rt *Runtime) {
		rt.attach = true
	}
}

// WithLogger sets the runtime logger. Default is zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

// WithStepLimit bounds the instructions one top-level call may execute.
// Default is 1<<20; 0 disables the limit.
func WithStepLimit(steps int) Option {
	return func(rt *Runtime) {
		rt.stepLimit = steps
	}
}

// Runtime is a host process.
type Runtime struct {
	logger    zerolog.Logger
	agents    []Agent
	attach    bool
	stepLimit int

	mu        sync.RWMutex
	classpath map[string][]byte
	natives   map[string]Native

	grantMu sync.Mutex
	granted *Instrumentation
	started bool

	transformers transformerChain

	loader *Loader
}

var (
	_ ctorz.BootstrapSource = (*Bootstrap)(nil)
	_ ctorz.AttachTarget    = (*Runtime)(nil)
)

// New starts a runtime: agents run first, then the default loader is
// created.
func New(opts ...Option) *Runtime {
	rt := &Runtime{
		logger:    zerolog.Nop(),
		stepLimit: 1 << 20,
		classpath: make(map[string][]byte),
		natives:   make(map[string]Native),
	}
	for _, opt := range opts {
		opt(rt)
	}

	for i, agent := range rt.agents {
		boot := &Bootstrap{rt: rt}
		rt.runAgent(i, agent, boot)
		boot.expire()
	}

	rt.grantMu.Lock()
	rt.started = true
	rt.grantMu.Unlock()

	rt.loader = rt.NewLoader()
	rt.logger.Debug().Int("agents", len(rt.agents)).Msg("runtime started")
	return rt
}

func (rt *Runtime) runAgent(i int, agent Agent, boot *Bootstrap) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error().Int("agent", i).Str("panic", fmt.Sprint(r)).Msg("agent panicked")
		}
	}()
	agent(boot)
}

// Define puts the raw form of a type on the class path. Types already
// loaded keep their definition.
func (rt *Runtime) Define(name string, raw []byte) {
	rt.mu.Lock()
	rt.classpath[name] = append([]byte(nil), raw...)
	rt.mu.Unlock()
}

func (rt *Runtime) source(name string) ([]byte, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	raw, ok := rt.classpath[name]
	return raw, ok
}

func nativeKey(owner, name string, args int) string {
	return fmt.Sprintf("%s.%s/%d", owner, name, args)
}

// RegisterNative makes fn callable with INVOKESTATIC owner.name. A later
// registration replaces an earlier one.
func (rt *Runtime) RegisterNative(owner, name string, args int, fn Native) {
	rt.mu.Lock()
	rt.natives[nativeKey(owner, name, args)] = fn
	rt.mu.Unlock()
}

func (rt *Runtime) native(owner, name string, args int) (Native, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	fn, ok := rt.natives[nativeKey(owner, name, args)]
	return fn, ok
}

// Loader returns the default loader.
func (rt *Runtime) Loader() *Loader { return rt.loader }

// Load loads name through the default loader.
func (rt *Runtime) Load(name string) (*Type, error) { return rt.loader.Load(name) }

// New constructs an instance through the default loader.
func (rt *Runtime) New(name string, args ...Value) (*Object, error) {
	return rt.loader.New(name, args...)
}

// Call invokes a static method through the default loader.
func (rt *Runtime) Call(typeName, method string, args ...Value) (Value, error) {
	return rt.loader.Call(typeName, method, args...)
}

// grant hands out the process-wide instrumentation, at most once.
func (rt *Runtime) grant(bootstrap bool) (*Instrumentation, error) {
	rt.grantMu.Lock()
	defer rt.grantMu.Unlock()
	if bootstrap && rt.started {
		return nil, ErrTooLate
	}
	if rt.granted != nil {
		return nil, ErrAlreadyGranted
	}
	rt.granted = &Instrumentation{rt: rt}
	return rt.granted, nil
}

// AttachCapability grants instrumentation to an agent attaching to the
// running runtime. Types loaded before the attach are not transformed
// again.
func (rt *Runtime) AttachCapability(ctx context.Context) (ctorz.Capability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !rt.attach {
		return nil, ErrAttachDisabled
	}
	inst, err := rt.grant(false)
	if err != nil {
		return nil, err
	}
	rt.logger.Info().Msg("agent attached")
	return inst, nil
}

// Bootstrap is handed to agents during startup. Its capability can only be
// obtained while the agent runs.
type Bootstrap struct {
	rt      *Runtime
	mu      sync.Mutex
	expired bool
}

// BootstrapCapability grants instrumentation to the running agent.
func (b *Bootstrap) BootstrapCapability() (ctorz.Capability, error) {
	b.mu.Lock()
	expired := b.expired
	b.mu.Unlock()
	if expired {
		return nil, ErrTooLate
	}
	inst, err := b.rt.grant(true)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (b *Bootstrap) expire() {
	b.mu.Lock()
	b.expired = true
	b.mu.Unlock()
}
