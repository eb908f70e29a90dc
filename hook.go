package ctorz

// LifecycleHook observes the construction of instances of a host type.
//
// OnBeforeConstruct runs once the superclass part of the instance is
// initialized and before the constructor body. OnAfterConstruct runs at
// every normal return of the constructor. Neither runs for constructions
// aborted by a raised error after the point where it would fire.
//
// Hooks are called synchronously on the host thread that constructs the
// instance and should be fast and non-blocking. A panicking hook is
// recovered and logged; the remaining hooks still run.
type LifecycleHook interface {
	OnBeforeConstruct(inst Instance)
	OnAfterConstruct(inst Instance)
}

// Instance identifies the object being constructed.
type Instance struct {
	// Type is the identifier the hook was registered for.
	Type TypeID
	// Ref is the host's reference to the instance. Its concrete type
	// depends on the host.
	Ref any
}

// HookFuncs adapts plain functions to LifecycleHook. Nil fields are skipped.
// Use a pointer so that Unregister can match it by identity:
//
//	hook := &ctorz.HookFuncs{Before: onBefore}
//	reg.Register("app.Player", hook)
//	reg.Unregister("app.Player", hook)
type HookFuncs struct {
	Before func(Instance)
	After  func(Instance)
}

// OnBeforeConstruct implements LifecycleHook.
func (f *HookFuncs) OnBeforeConstruct(inst Instance) {
	if f.Before != nil {
		f.Before(inst)
	}
}

// OnAfterConstruct implements LifecycleHook.
func (f *HookFuncs) OnAfterConstruct(inst Instance) {
	if f.After != nil {
		f.After(inst)
	}
}

// HookEntry is a single registration owned by the Registry.
type HookEntry struct {
	Target  TypeID
	Hook    LifecycleHook
	Ordinal uint64 // registry-wide registration sequence number
}

// Registration is a handle to one registered hook entry.
//
// Registration handles are returned by Register and RegisterType and
// remove exactly the entry they were created for, even when the same hook
// object was registered more than once.
//
// Example:
//
//	reg, err := registry.Register("app.Player", hook)
//	if err != nil {
//	    return err
//	}
//	defer reg.Remove()
type Registration struct {
	Target  TypeID
	Ordinal uint64

	// remove performs the actual removal. It is cleared after
	// the first call.
	remove func() bool
}

// Remove unregisters the entry this handle points to.
//
// Returns:
//   - nil: entry removed
//   - ErrAlreadyRemoved: handle already used, or the entry is gone
//     (for example after Registry.Clear)
func (r *Registration) Remove() error {
	if r.remove == nil {
		return ErrAlreadyRemoved
	}
	ok := r.remove()
	r.remove = nil
	if !ok {
		return ErrAlreadyRemoved
	}
	return nil
}
