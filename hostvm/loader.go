package hostvm

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/ctorz/typefile"
)

// Loader is a type namespace. Every loader loads its types independently,
// so the same name loaded by two loaders produces two load events and two
// definitions.
type Loader struct {
	rt *Runtime
	id int64

	mu    sync.Mutex
	types map[string]*Type
}

var loaderIDs atomic.Int64

// NewLoader creates an empty type namespace.
func (rt *Runtime) NewLoader() *Loader {
	return &Loader{rt: rt, id: loaderIDs.Add(1), types: make(map[string]*Type)}
}

// Loaded returns the type named name if this loader has defined it.
func (l *Loader) Loaded(name string) (*Type, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.types[name]
	return t, ok
}

// Load returns the type named name, loading it and its superclasses first
// if needed. Concurrent loads of the same name may each deliver a load
// event; the first definition to finish wins.
func (l *Loader) Load(name string) (*Type, error) {
	return l.load(name, nil)
}

func (l *Loader) load(name string, chain []string) (*Type, error) {
	if t, ok := l.Loaded(name); ok {
		return t, nil
	}
	if slices.Contains(chain, name) {
		return nil, fmt.Errorf("%w: circular superclass chain through %s", ErrLinkage, name)
	}
	raw, ok := l.rt.source(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	form := l.rt.transform(name, raw)

	f, err := typefile.Decode(form)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLinkage, name, err)
	}
	if f.Name() != name {
		return nil, fmt.Errorf("%w: %s defines %s", ErrLinkage, name, f.Name())
	}
	if err := typefile.Verify(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkage, err)
	}

	var super *Type
	if s := f.SuperName(); s != "" {
		if super, err = l.load(s, append(chain, name)); err != nil {
			return nil, fmt.Errorf("%w: superclass of %s: %v", ErrLinkage, name, err)
		}
	}

	t, err := l.link(f, super, form)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.types[name]; ok {
		return existing, nil
	}
	l.types[name] = t
	l.rt.logger.Debug().Int64("loader", l.id).Str("type", name).Bool("instrumented", t.Instrumented()).Msg("type defined")
	return t, nil
}

// transform runs the load event through the transformer pipeline.
func (rt *Runtime) transform(name string, raw []byte) []byte {
	form := raw
	for _, e := range rt.transformers.snapshot() {
		if out := rt.safeTransform(e, name, form); out != nil {
			form = out
		}
	}
	return form
}

func (rt *Runtime) safeTransform(e transformerEntry, name string, raw []byte) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error().Str("type", name).Str("panic", fmt.Sprint(r)).Msg("transformer panicked, form unchanged")
			out = nil
		}
	}()
	return e.fn(name, append([]byte(nil), raw...))
}

// Type is a loaded type.
type Type struct {
	name    string
	super   *Type
	file    *typefile.File
	loader  *Loader
	raw     []byte
	fields  []string
	methods map[string]*method
}

type method struct {
	owner *Type
	def   *typefile.Method
	name  string
	code  *typefile.Code
}

func methodKey(name string, args int) string { return fmt.Sprintf("%s/%d", name, args) }

func (l *Loader) link(f *typefile.File, super *Type, raw []byte) (*Type, error) {
	t := &Type{
		name:    f.Name(),
		super:   super,
		file:    f,
		loader:  l,
		raw:     raw,
		methods: make(map[string]*method, len(f.Methods)),
	}
	if super != nil {
		t.fields = slices.Clone(super.fields)
	}
	for _, idx := range f.Fields {
		name, err := f.Utf8(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLinkage, t.name, err)
		}
		if !slices.Contains(t.fields, name) {
			t.fields = append(t.fields, name)
		}
	}
	for _, m := range f.Methods {
		code, err := typefile.DecodeCode(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLinkage, t.name, err)
		}
		name := f.MethodName(m)
		t.methods[methodKey(name, int(m.Args))] = &method{owner: t, def: m, name: name, code: code}
	}
	return t, nil
}

// Name returns the type name.
func (t *Type) Name() string { return t.name }

// TypeName returns the type name. It lets a *Type serve as a live type
// handle for ctorz.Registry.RegisterType.
func (t *Type) TypeName() string { return t.name }

// Super returns the superclass, or nil for a root type.
func (t *Type) Super() *Type { return t.super }

// Fields lists instance fields, inherited ones first.
func (t *Type) Fields() []string { return slices.Clone(t.fields) }

// Raw returns the form the type was defined from, after transformation.
func (t *Type) Raw() []byte { return slices.Clone(t.raw) }

// Instrumented reports whether the definition carries the instrumentation
// marker.
func (t *Type) Instrumented() bool {
	_, ok := t.file.Attribute(typefile.InstrumentedAttr)
	return ok
}

// IsA reports whether t is name or extends it.
func (t *Type) IsA(name string) bool {
	for c := t; c != nil; c = c.super {
		if c.name == name {
			return true
		}
	}
	return false
}

// declared returns a method of t itself.
func (t *Type) declared(name string, args int) (*method, bool) {
	m, ok := t.methods[methodKey(name, args)]
	return m, ok
}

// resolve finds an instance method on t or its superclasses.
func (t *Type) resolve(name string, args int) (*method, bool) {
	for c := t; c != nil; c = c.super {
		if m, ok := c.declared(name, args); ok && !m.def.Static() {
			return m, true
		}
	}
	return nil, false
}

func (t *Type) alloc() *Object {
	o := &Object{typ: t, fields: make(map[string]Value, len(t.fields))}
	for _, f := range t.fields {
		o.fields[f] = nil
	}
	return o
}
