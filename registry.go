package ctorz

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Registry maps type identifiers to ordered lists of lifecycle hooks.
//
// Thread Safety:
// Every type has its own list. Reads (Lookup, HasHooks, Entries) are
// lock-free and never block; mutations take the list's own mutex and never
// block other types. Readers always see a consistent snapshot: a dispatch in
// progress is unaffected by concurrent Register or Unregister calls.
//
// A single Registry should be constructed explicitly and shared by
// reference with the Interceptor and every extension module.
type Registry struct {
	logger zerolog.Logger
	lists  sync.Map // TypeID -> *hookList
	seq    atomic.Uint64
	total  atomic.Int64
}

// hookList holds the entries of one type. entries is replaced on removal
// and extended in place on append; published slices are never mutated
// within their length.
type hookList struct {
	mu      sync.Mutex
	entries atomic.Pointer[[]HookEntry]
}

func (l *hookList) load() []HookEntry {
	if p := l.entries.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *hookList) store(entries []HookEntry) {
	l.entries.Store(&entries)
}

// NewRegistry creates an empty registry. Only WithLogger is honored.
func NewRegistry(opts ...Option) *Registry {
	cfg := newConfig(opts)
	return &Registry{logger: cfg.logger}
}

// list returns the hook list for id, creating it when create is set.
func (r *Registry) list(id TypeID, create bool) *hookList {
	if l, ok := r.lists.Load(id); ok {
		return l.(*hookList)
	}
	if !create {
		return nil
	}
	l, _ := r.lists.LoadOrStore(id, &hookList{})
	return l.(*hookList)
}

// Register appends hook to the list of target.
//
// The same hook object may be registered several times; each call creates
// a distinct entry. Registering after a type was loaded does not change the
// already loaded definition, only later load events.
//
// Returns ErrRegistryMisuse for an empty target or a nil hook.
func (r *Registry) Register(target TypeID, hook LifecycleHook) (Registration, error) {
	id := NormalizeTypeID(string(target))
	if err := r.checkArgs("register", id, hook); err != nil {
		return Registration{}, err
	}

	l := r.list(id, true)
	l.mu.Lock()
	entry := HookEntry{Target: id, Hook: hook, Ordinal: r.seq.Add(1)}
	l.store(append(l.load(), entry))
	r.total.Add(1)
	l.mu.Unlock()

	r.logger.Debug().Str("type", string(id)).Uint64("ordinal", entry.Ordinal).Msg("hook registered")

	return Registration{
		Target:  id,
		Ordinal: entry.Ordinal,
		remove: func() bool {
			return r.removeWhere(id, func(e HookEntry) bool { return e.Ordinal == entry.Ordinal })
		},
	}, nil
}

// RegisterType registers hook for a live type handle.
func (r *Registry) RegisterType(handle TypeHandle, hook LifecycleHook) (Registration, error) {
	if handle == nil || (reflect.ValueOf(handle).Kind() == reflect.Pointer && reflect.ValueOf(handle).IsNil()) {
		r.logger.Warn().Str("op", "register").Msg("registry misuse: nil type handle")
		return Registration{}, fmt.Errorf("%w: nil type handle", ErrRegistryMisuse)
	}
	return r.Register(TypeID(handle.TypeName()), hook)
}

// Unregister removes the first entry of target whose hook is identical to
// hook. It reports whether an entry was removed. Hooks whose dynamic type is
// not comparable never match; remove them through their Registration.
func (r *Registry) Unregister(target TypeID, hook LifecycleHook) bool {
	id := NormalizeTypeID(string(target))
	if err := r.checkArgs("unregister", id, hook); err != nil {
		return false
	}
	return r.removeWhere(id, func(e HookEntry) bool { return sameHook(e.Hook, hook) })
}

// removeWhere removes the first entry of id matching match.
func (r *Registry) removeWhere(id TypeID, match func(HookEntry) bool) bool {
	l := r.list(id, false)
	if l == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.load()
	i := slices.IndexFunc(entries, match)
	if i < 0 {
		return false
	}

	// Copy so that published snapshots keep their contents.
	next := make([]HookEntry, 0, len(entries)-1)
	next = append(next, entries[:i]...)
	next = append(next, entries[i+1:]...)
	l.store(next)
	r.total.Add(-1)

	r.logger.Debug().Str("type", string(id)).Uint64("ordinal", entries[i].Ordinal).Msg("hook unregistered")
	return true
}

// Lookup returns the hooks of target in registration order. The result is
// a snapshot owned by the caller; it is never nil.
func (r *Registry) Lookup(target TypeID) []LifecycleHook {
	entries := r.Entries(target)
	hooks := make([]LifecycleHook, len(entries))
	for i, e := range entries {
		hooks[i] = e.Hook
	}
	return hooks
}

// Entries returns the entries of target in registration order.
// The result is a snapshot owned by the caller; it is never nil.
func (r *Registry) Entries(target TypeID) []HookEntry {
	l := r.list(NormalizeTypeID(string(target)), false)
	if l == nil {
		return []HookEntry{}
	}
	return slices.Clone(l.load())
}

// HasHooks reports whether target has at least one hook.
// It is the fast guard for the pass-through path and never allocates.
func (r *Registry) HasHooks(target TypeID) bool {
	return r.hasHooks(NormalizeTypeID(string(target)))
}

// hasHooks is HasHooks for an id that is already normalized.
func (r *Registry) hasHooks(id TypeID) bool {
	l := r.list(id, false)
	return l != nil && len(l.load()) > 0
}

// Clear removes all entries and returns how many were removed.
// Intended for tests and shutdown.
func (r *Registry) Clear() int {
	count := 0
	r.lists.Range(func(_, v any) bool {
		l := v.(*hookList)
		l.mu.Lock()
		n := len(l.load())
		l.store(nil)
		l.mu.Unlock()
		count += n
		r.total.Add(int64(-n))
		return true
	})
	return count
}

// Len returns the number of registered entries across all types.
func (r *Registry) Len() int {
	return int(r.total.Load())
}

// Types returns the sorted identifiers that currently have hooks.
func (r *Registry) Types() []TypeID {
	var ids []TypeID
	r.lists.Range(func(k, v any) bool {
		if len(v.(*hookList).load()) > 0 {
			ids = append(ids, k.(TypeID))
		}
		return true
	})
	slices.Sort(ids)
	return ids
}

func (r *Registry) checkArgs(op string, id TypeID, hook LifecycleHook) error {
	switch {
	case !id.Valid():
		r.logger.Warn().Str("op", op).Msg("registry misuse: empty type identifier")
		return fmt.Errorf("%w: empty type identifier", ErrRegistryMisuse)
	case isNilHook(hook):
		r.logger.Warn().Str("op", op).Str("type", string(id)).Msg("registry misuse: nil hook")
		return fmt.Errorf("%w: nil hook for %s", ErrRegistryMisuse, id)
	}
	return nil
}

func isNilHook(h LifecycleHook) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// sameHook compares hooks by identity without panicking on
// non-comparable dynamic types.
func sameHook(a, b LifecycleHook) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
