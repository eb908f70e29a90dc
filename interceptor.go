package ctorz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/zoobzio/ctorz"

// RewriteRequest is the input of a rewrite attempt.
type RewriteRequest struct {
	Type TypeID
	// Snapshot identifies the frozen hook list. Rewritten code passes it
	// back to the Bridge together with the hook ordinal.
	Snapshot uint32
	// Hooks is the number of hooks in the snapshot, in registration order.
	Hooks int
	Raw   []byte
}

// Rewriter produces the instrumented compiled form of a type.
//
// Implementations must be all-or-nothing: on any error the interceptor
// discards the output and loads the original form. ErrUnsupportedConstruct,
// ErrMalformedForm and ErrAlreadyInstrumented are the expected failures.
// Rewriters must not retain req.Raw.
type Rewriter interface {
	Rewrite(req RewriteRequest) ([]byte, error)
}

// RewriterFunc adapts a function to Rewriter.
type RewriterFunc func(req RewriteRequest) ([]byte, error)

// Rewrite implements Rewriter.
func (f RewriterFunc) Rewrite(req RewriteRequest) ([]byte, error) { return f(req) }

// State is the lifecycle state of an Interceptor.
type State int32

const (
	// StateUninitialized: no transformer installed, every load passes
	// through.
	StateUninitialized State = iota
	// StateArmed: capability held, transformer and bridge installed.
	StateArmed
	// StateActive: the host delivered its first load event.
	StateActive
	// StateClosed: shut down, every load passes through.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// snapshot is a hook list frozen at rewrite time.
type snapshot struct {
	id    uint32
	typ   TypeID
	hooks []LifecycleHook
}

// Interceptor is the transform callback installed into the host's type
// loading pipeline.
//
// Thread Safety:
// Transform may be called from any number of host loader goroutines.
// Different types are rewritten in parallel. Load events for the same type
// are serialized, and identical concurrent events (same type, same raw
// content) share a single rewrite attempt and its outcome. No lock is held
// while hooks run: hooks are only called later, from rewritten constructors.
type Interceptor struct {
	registry *Registry
	broker   *Broker
	rewriter Rewriter

	logger  zerolog.Logger
	clock   clockz.Clock
	tracer  trace.Tracer
	exclude []string

	state      atomic.Int32
	mu         sync.Mutex // serializes Install and Close
	capability Capability

	locks     keyedMutex
	flight    singleflight.Group
	snapshots sync.Map // uint32 -> *snapshot
	nextSnap  atomic.Uint32

	records recordBook
	pool    *recordPool

	// Metrics field - zero initialization provides safe defaults
	metrics Metrics
}

// NewInterceptor creates an interceptor in StateUninitialized.
// Call Install to hook it into the host.
func NewInterceptor(registry *Registry, broker *Broker, rewriter Rewriter, opts ...Option) *Interceptor {
	cfg := newConfig(opts)
	i := &Interceptor{
		registry: registry,
		broker:   broker,
		rewriter: rewriter,
		logger:   cfg.logger,
		clock:    cfg.clock,
		tracer:   cfg.tracer.Tracer(tracerName),
		exclude:  append([]string{string(NormalizeTypeID(BridgeNamespace))}, cfg.exclude...),
	}
	i.pool = newRecordPool(cfg, &i.metrics)
	return i
}

// Install installs the hook bridge and the transform callback using the
// broker's capability and moves the interceptor to StateArmed.
//
// Without a capability the interceptor stays uninitialized and Install
// returns an error wrapping ErrCapabilityUnavailable. That state is not
// fatal: registrations are still accepted and every type loads unmodified.
func (i *Interceptor) Install() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.State() {
	case StateClosed:
		return ErrInterceptorClosed
	case StateArmed, StateActive:
		return ErrAlreadyInstalled
	}

	if i.broker == nil || i.registry == nil || i.rewriter == nil {
		i.logger.Warn().Msg("interceptor misconfigured, running as pass-through")
		return fmt.Errorf("install: %w", ErrCapabilityUnavailable)
	}

	capability, err := i.broker.Handle()
	if err != nil {
		i.logger.Warn().Err(err).Msg("no host capability, running as pass-through")
		return fmt.Errorf("install: %w", err)
	}

	// Transform passes everything through until the state is Armed, so the
	// transformer may go in first and be rolled back if the bridge is refused.
	if err := capability.InstallTransformer(i.Transform); err != nil {
		i.logger.Error().Err(err).Msg("host refused transformer, running as pass-through")
		return fmt.Errorf("install transformer: %w", err)
	}
	if err := capability.InstallBridge(bridge{i}); err != nil {
		if rerr := capability.RemoveTransformer(); rerr != nil {
			i.logger.Warn().Err(rerr).Msg("host failed to remove transformer")
		}
		i.logger.Error().Err(err).Msg("host refused hook bridge, running as pass-through")
		return fmt.Errorf("install bridge: %w", err)
	}

	i.capability = capability
	i.state.Store(int32(StateArmed))
	i.logger.Info().Str("session", i.broker.Session()).Str("mode", i.broker.Mode().String()).Msg("interceptor armed")
	return nil
}

// State returns the current lifecycle state.
func (i *Interceptor) State() State {
	return State(i.state.Load())
}

// Transform handles one type load event and returns the form the host
// should load. It never fails: on any problem it returns raw unchanged.
//
// The returned slice may be shared with concurrent callers that loaded
// identical content and must be treated as read-only.
func (i *Interceptor) Transform(rawTypeName string, raw []byte) []byte {
	atomic.AddInt64(&i.metrics.LoadEvents, 1)

	switch i.State() {
	case StateArmed:
		if i.state.CompareAndSwap(int32(StateArmed), int32(StateActive)) {
			i.logger.Info().Msg("interceptor active")
		}
	case StateActive:
	default:
		atomic.AddInt64(&i.metrics.PassThrough, 1)
		return raw
	}

	id := NormalizeTypeID(rawTypeName)
	if !id.Valid() || i.excluded(id) || !i.registry.hasHooks(id) {
		atomic.AddInt64(&i.metrics.PassThrough, 1)
		return raw
	}

	digest := xxhash.Sum64(raw)
	executed := false
	out, _, _ := i.flight.Do(fmt.Sprintf("%s#%016x", id, digest), func() (any, error) {
		executed = true
		return i.rewrite(id, digest, raw), nil
	})
	if !executed {
		atomic.AddInt64(&i.metrics.Collapsed, 1)
	}
	return out.([]byte)
}

// rewrite performs one rewrite attempt under the identifier's lock.
func (i *Interceptor) rewrite(id TypeID, digest uint64, raw []byte) []byte {
	unlock := i.locks.lock(id)
	defer unlock()

	_, span := i.tracer.Start(context.Background(), "ctorz.rewrite",
		trace.WithAttributes(attribute.String("ctorz.type", string(id))))
	defer span.End()

	hooks := i.registry.Lookup(id)
	if len(hooks) == 0 {
		// Hooks were removed since the HasHooks guard.
		atomic.AddInt64(&i.metrics.PassThrough, 1)
		span.SetAttributes(attribute.Bool("ctorz.rewritten", false))
		return raw
	}

	// Published before the host can run the rewritten code.
	snap := &snapshot{id: i.nextSnap.Add(1), typ: id, hooks: hooks}
	i.snapshots.Store(snap.id, snap)
	atomic.AddInt64(&i.metrics.Snapshots, 1)

	span.SetAttributes(attribute.Int("ctorz.hooks", len(hooks)), attribute.Int64("ctorz.snapshot", int64(snap.id)))

	out, err := i.safeRewrite(RewriteRequest{Type: id, Snapshot: snap.id, Hooks: len(hooks), Raw: raw})
	if err == nil && out == nil {
		err = fmt.Errorf("%w: rewriter returned no output", ErrMalformedForm)
	}

	rec := RewriteRecord{
		Type:       id,
		Digest:     fmt.Sprintf("%016x", digest),
		Hooks:      len(hooks),
		ObservedAt: i.clock.Now(),
	}

	switch {
	case err == nil:
		rec.Rewritten = true
		rec.Snapshot = snap.id
		atomic.AddInt64(&i.metrics.Rewritten, 1)
		i.logger.Debug().Str("type", string(id)).Int("hooks", len(hooks)).Uint32("snapshot", snap.id).Msg("type rewritten")
	case errors.Is(err, ErrAlreadyInstrumented):
		i.dropSnapshot(snap.id)
		rec.Rewritten = true
		rec.Reason = err.Error()
		out = raw
		i.logger.Debug().Str("type", string(id)).Msg("type already instrumented, passing through")
	default:
		i.dropSnapshot(snap.id)
		rec.Reason = err.Error()
		out = raw
		atomic.AddInt64(&i.metrics.Failed, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rewrite abandoned")
		i.logger.Warn().Err(err).Str("type", string(id)).Str("kind", failureKind(err)).Msg("rewrite abandoned, loading original form")
	}
	span.SetAttributes(attribute.Bool("ctorz.rewritten", rec.Rewritten))

	i.record(rec)
	return out
}

// safeRewrite calls the rewriter, turning a panic into an error.
func (i *Interceptor) safeRewrite(req RewriteRequest) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("rewriter panicked: %v", r)
		}
	}()
	return i.rewriter.Rewrite(req)
}

func (i *Interceptor) dropSnapshot(id uint32) {
	i.snapshots.Delete(id)
	atomic.AddInt64(&i.metrics.Snapshots, -1)
}

// record stores rec if it is the first for its type and queues it for the
// sink.
func (i *Interceptor) record(rec RewriteRecord) {
	if !i.records.put(rec) {
		return
	}
	if i.pool == nil {
		return
	}
	if err := i.pool.submit(rec); err != nil {
		i.logger.Warn().Err(err).Str("type", string(rec.Type)).Msg("record not delivered")
	}
}

func (i *Interceptor) excluded(id TypeID) bool {
	s := string(id)
	for _, p := range i.exclude {
		if s == p || strings.HasPrefix(s, p+".") {
			return true
		}
	}
	return false
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedConstruct):
		return "UnsupportedConstruct"
	case errors.Is(err, ErrMalformedForm):
		return "MalformedForm"
	default:
		return "RewriteFailure"
	}
}

// bridge dispatches calls from rewritten constructors to hook snapshots.
type bridge struct {
	i *Interceptor
}

func (b bridge) Before(snapshot uint32, ordinal int, ref any) {
	b.i.dispatch(snapshot, ordinal, ref, true)
}

func (b bridge) After(snapshot uint32, ordinal int, ref any) {
	b.i.dispatch(snapshot, ordinal, ref, false)
}

// dispatch runs one hook of a snapshot. Snapshots stay live after Close:
// the rewritten definitions that reference them cannot be unloaded.
func (i *Interceptor) dispatch(snapID uint32, ordinal int, ref any, before bool) {
	v, ok := i.snapshots.Load(snapID)
	if !ok {
		i.logger.Warn().Uint32("snapshot", snapID).Msg("bridge call for unknown snapshot")
		return
	}
	snap := v.(*snapshot)
	if ordinal < 0 || ordinal >= len(snap.hooks) {
		i.logger.Warn().Uint32("snapshot", snapID).Int("ordinal", ordinal).Msg("bridge call for unknown hook")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&i.metrics.HookPanics, 1)
			i.logger.Error().
				Str("type", string(snap.typ)).
				Int("ordinal", ordinal).
				Bool("before", before).
				Str("panic", fmt.Sprint(r)).
				Msg("hook panicked")
		}
	}()

	atomic.AddInt64(&i.metrics.HookCalls, 1)
	inst := Instance{Type: snap.typ, Ref: ref}
	if before {
		snap.hooks[ordinal].OnBeforeConstruct(inst)
	} else {
		snap.hooks[ordinal].OnAfterConstruct(inst)
	}
}

// Record returns the audit record of id.
func (i *Interceptor) Record(id TypeID) (RewriteRecord, bool) {
	return i.records.get(NormalizeTypeID(string(id)))
}

// Records returns all audit records sorted by type identifier.
func (i *Interceptor) Records() []RewriteRecord {
	return i.records.all()
}

// Metrics returns current interceptor metrics.
// All counter values are read atomically for thread safety.
func (i *Interceptor) Metrics() Metrics {
	var registered int64
	if i.registry != nil {
		registered = int64(i.registry.Len())
	}
	return Metrics{
		LoadEvents:       atomic.LoadInt64(&i.metrics.LoadEvents),
		PassThrough:      atomic.LoadInt64(&i.metrics.PassThrough),
		Rewritten:        atomic.LoadInt64(&i.metrics.Rewritten),
		Failed:           atomic.LoadInt64(&i.metrics.Failed),
		Collapsed:        atomic.LoadInt64(&i.metrics.Collapsed),
		HookCalls:        atomic.LoadInt64(&i.metrics.HookCalls),
		HookPanics:       atomic.LoadInt64(&i.metrics.HookPanics),
		Snapshots:        atomic.LoadInt64(&i.metrics.Snapshots),
		RecordsQueued:    atomic.LoadInt64(&i.metrics.RecordsQueued),
		RecordsDelivered: atomic.LoadInt64(&i.metrics.RecordsDelivered),
		RecordsDropped:   atomic.LoadInt64(&i.metrics.RecordsDropped),
		RecordsFailed:    atomic.LoadInt64(&i.metrics.RecordsFailed),
		RegisteredHooks:  registered,
	}
}

// Close stops future interception and drains record delivery.
//
// Types rewritten before Close keep their instrumented definition and keep
// calling their hook snapshots; that cannot be undone within a process.
func (i *Interceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.State() == StateClosed {
		return ErrInterceptorClosed
	}
	i.state.Store(int32(StateClosed))

	var err error
	if i.capability != nil {
		if err = i.capability.RemoveTransformer(); err != nil {
			i.logger.Warn().Err(err).Msg("host failed to remove transformer")
		}
		i.capability = nil
	}
	if i.pool != nil {
		i.pool.close()
	}
	i.logger.Info().Msg("interceptor closed")
	return err
}
