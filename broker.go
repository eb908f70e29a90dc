package ctorz

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Capability is the host permission to observe and replace type definitions
// before they take effect. It is granted at most once per process.
type Capability interface {
	// InstallTransformer registers fn in the host's type loading pipeline.
	// The host calls fn once per load event with the raw compiled form and
	// loads whatever form fn returns.
	InstallTransformer(fn func(typeName string, raw []byte) []byte) error

	// RemoveTransformer stops future calls to the installed transformer.
	// Types already loaded keep their definition.
	RemoveTransformer() error

	// InstallBridge makes b callable from rewritten host code.
	InstallBridge(b Bridge) error
}

// Bridge is called by rewritten constructors. snapshot identifies the frozen
// hook list taken when the type was rewritten, ordinal the hook within it.
type Bridge interface {
	Before(snapshot uint32, ordinal int, ref any)
	After(snapshot uint32, ordinal int, ref any)
}

// BootstrapSource grants the capability from the host's agent entry point,
// before the host's own type loader initializes.
type BootstrapSource interface {
	BootstrapCapability() (Capability, error)
}

// AttachTarget grants the capability to an agent injected into an already
// running host.
type AttachTarget interface {
	AttachCapability(ctx context.Context) (Capability, error)
}

// Mode records how the capability was acquired.
type Mode int

const (
	ModeNone Mode = iota
	ModeBootstrap
	ModeAttach
)

func (m Mode) String() string {
	switch m {
	case ModeBootstrap:
		return "bootstrap"
	case ModeAttach:
		return "attach"
	default:
		return "none"
	}
}

// Broker acquires and holds the host capability.
//
// Acquisition never fails loudly: when the host refuses or the source
// panics, the failure is logged and the broker stays without a handle.
// Every component keeps working in that state, nothing gets rewritten.
type Broker struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	handle  Capability
	mode    Mode
	session string
}

// NewBroker creates a broker without a capability.
func NewBroker(opts ...Option) *Broker {
	cfg := newConfig(opts)
	return &Broker{logger: cfg.logger}
}

// NewBootstrapBroker creates a broker and acquires the capability from src.
func NewBootstrapBroker(src BootstrapSource, opts ...Option) *Broker {
	b := NewBroker(opts...)
	b.AcquireAtBootstrap(src)
	return b
}

// NewAttachBroker creates a broker and attaches to target.
func NewAttachBroker(ctx context.Context, target AttachTarget, opts ...Option) *Broker {
	b := NewBroker(opts...)
	b.AcquireByAttach(ctx, target)
	return b
}

// AcquireAtBootstrap stores the capability granted by src.
// A second acquisition is a logged no-op.
func (b *Broker) AcquireAtBootstrap(src BootstrapSource) {
	if src == nil {
		b.logger.Error().Str("mode", ModeBootstrap.String()).Msg("capability acquisition failed: nil bootstrap source")
		return
	}
	b.acquire(ModeBootstrap, src.BootstrapCapability)
}

// AcquireByAttach stores the capability granted by target.
// Same postconditions as AcquireAtBootstrap.
func (b *Broker) AcquireByAttach(ctx context.Context, target AttachTarget) {
	if target == nil {
		b.logger.Error().Str("mode", ModeAttach.String()).Msg("capability acquisition failed: nil attach target")
		return
	}
	b.acquire(ModeAttach, func() (Capability, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return target.AttachCapability(ctx)
	})
}

func (b *Broker) acquire(mode Mode, grant func() (Capability, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle != nil {
		b.logger.Info().
			Str("mode", mode.String()).
			Str("held", b.mode.String()).
			Str("session", b.session).
			Msg("capability already acquired, ignoring")
		return
	}

	granted, err := safeGrant(grant)
	if err == nil && granted == nil {
		err = errors.New("host returned no capability")
	}
	if err != nil {
		b.logger.Error().Err(err).Str("mode", mode.String()).Msg("capability acquisition failed, running without rewriting")
		return
	}

	b.handle = granted
	b.mode = mode
	b.session = uuid.NewString()
	b.logger.Info().Str("mode", mode.String()).Str("session", b.session).Msg("capability acquired")
}

// safeGrant calls grant, turning a panic into an error.
func safeGrant(grant func() (Capability, error)) (granted Capability, err error) {
	defer func() {
		if r := recover(); r != nil {
			granted, err = nil, fmt.Errorf("capability source panicked: %v", r)
		}
	}()
	return grant()
}

// Available reports whether a capability is held.
func (b *Broker) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handle != nil
}

// Handle returns the held capability or ErrCapabilityUnavailable.
func (b *Broker) Handle() (Capability, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.handle == nil {
		return nil, ErrCapabilityUnavailable
	}
	return b.handle, nil
}

// Mode returns how the held capability was acquired.
func (b *Broker) Mode() Mode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mode
}

// Session returns the identifier of the current acquisition, or "".
func (b *Broker) Session() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Release discards the capability. Types rewritten while it was held stay
// rewritten.
func (b *Broker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil {
		return
	}
	b.logger.Info().Str("session", b.session).Msg("capability released")
	b.handle = nil
	b.mode = ModeNone
	b.session = ""
}
