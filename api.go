// Package ctorz lets extension modules observe the construction of host
// types they cannot recompile.
//
// ctorz sits in the host's type loading pipeline. When a type with registered
// hooks is loaded, its compiled form is rewritten so that every constructor
// calls the hooks' OnBeforeConstruct at entry (after the mandatory superclass
// initialization) and OnAfterConstruct at every normal return. Types without
// hooks pass through byte-identical.
//
// Basic Usage:
//
//	reg := ctorz.NewRegistry()
//	broker := ctorz.NewBootstrapBroker(instrumentation)
//	icpt := ctorz.NewInterceptor(reg, broker, typefile.NewRewriter())
//	if err := icpt.Install(); err != nil {
//		// degraded: registrations still accepted, nothing is rewritten
//	}
//
//	reg.Register("app.Player", &ctorz.HookFuncs{
//		After: func(inst ctorz.Instance) { track(inst.Ref) },
//	})
//
// Components:
//   - Registry: thread-safe table of hooks per type identifier
//   - Broker: acquires the host capability at bootstrap or by attach
//   - Interceptor: the transform callback installed into the host
//   - Rewriter: produces the instrumented form (see package typefile)
//
// Failure Policy:
//
// Nothing in ctorz can prevent the host from loading a type. Unsupported
// constructor shapes, parse failures and rewriter panics are absorbed,
// logged and written to the audit book as RewriteRecords; the original form
// is returned.
//
// Exceptional exits are not instrumented: OnAfterConstruct is never called
// for an instance whose constructor raised an error.
package ctorz

import "strings"

// TypeID is the canonical, dot separated name of a host type.
// It is the only addressable key before a type is loaded.
//
// Use NormalizeTypeID to build one from a raw host name:
//
//	NormalizeTypeID("app/model/Player") // "app.model.Player"
type TypeID string

// BridgeNamespace is the identifier prefix reserved for the hook bridge.
// Types under it are never instrumented.
const BridgeNamespace = "ctorz."

var separators = strings.NewReplacer("::", ".", "/", ".", "\\", ".")

// NormalizeTypeID converts a raw host type name to its canonical form.
// Path and scope separators become dots, surrounding whitespace and stray
// leading or trailing dots are removed. An empty result means the name
// is not addressable.
func NormalizeTypeID(raw string) TypeID {
	id := separators.Replace(strings.TrimSpace(raw))
	return TypeID(strings.Trim(id, "."))
}

// String implements fmt.Stringer.
func (id TypeID) String() string { return string(id) }

// Valid reports whether the identifier is non-empty.
func (id TypeID) Valid() bool { return id != "" }

// TypeHandle is a live type reference handed out by a host once a type is
// loaded. Registering by handle is equivalent to registering by its name.
type TypeHandle interface {
	TypeName() string
}
