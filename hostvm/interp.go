package hostvm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zoobzio/ctorz/typefile"
)

const maxCallDepth = 256

// Object is an instance of a host type.
type Object struct {
	typ *Type

	mu     sync.RWMutex
	fields map[string]Value
}

// Type returns the dynamic type of o.
func (o *Object) Type() *Type { return o.typ }

// TypeName returns the name of the dynamic type of o.
func (o *Object) TypeName() string { return o.typ.name }

// Field returns the value of field name, nil if unset or unknown.
func (o *Object) Field(name string) Value {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fields[name]
}

// SetField sets field name. It reports false for unknown fields.
func (o *Object) SetField(name string, v Value) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.fields[name]; !ok {
		return false
	}
	o.fields[name] = v
	return true
}

func (o *Object) String() string { return fmt.Sprintf("%s@%p", o.typ.name, o) }

// Exception is a value thrown by host code and not caught.
type Exception struct {
	Value Value
}

func (e *Exception) Error() string {
	if o, ok := e.Value.(*Object); ok {
		return "uncaught " + o.TypeName()
	}
	return fmt.Sprintf("uncaught %v", e.Value)
}

// retAddr is the return address pushed by JSR.
type retAddr int

// thread executes one top-level call.
type thread struct {
	loader *Loader
	limit  int
	steps  int
	depth  int
}

func (l *Loader) thread() *thread {
	return &thread{loader: l, limit: l.rt.stepLimit}
}

// New allocates an instance of name and runs its constructor taking
// len(args) arguments. A type without any constructor can be created
// without arguments.
func (l *Loader) New(name string, args ...Value) (*Object, error) {
	t, err := l.Load(name)
	if err != nil {
		return nil, err
	}
	obj := t.alloc()
	ctor, ok := t.declared(typefile.CtorName, len(args))
	if !ok {
		if len(args) == 0 && !t.hasConstructors() {
			return obj, nil
		}
		return nil, fmt.Errorf("%w: %s.%s/%d", ErrNoSuchMethod, name, typefile.CtorName, len(args))
	}
	if _, err := l.thread().invoke(ctor, append([]Value{obj}, args...)); err != nil {
		return nil, err
	}
	return obj, nil
}

func (t *Type) hasConstructors() bool {
	for _, m := range t.methods {
		if m.name == typefile.CtorName {
			return true
		}
	}
	return false
}

// Call runs static method typeName.method.
func (l *Loader) Call(typeName, method string, args ...Value) (Value, error) {
	t, err := l.Load(typeName)
	if err != nil {
		return nil, err
	}
	m, ok := t.declared(method, len(args))
	if !ok || !m.def.Static() {
		return nil, fmt.Errorf("%w: static %s.%s/%d", ErrNoSuchMethod, typeName, method, len(args))
	}
	return l.thread().invoke(m, args)
}

// Invoke runs instance method method on obj, resolved on its dynamic type.
func (l *Loader) Invoke(obj *Object, method string, args ...Value) (Value, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: invoke on nil", ErrFault)
	}
	m, ok := obj.typ.resolve(method, len(args))
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s/%d", ErrNoSuchMethod, obj.TypeName(), method, len(args))
	}
	return l.thread().invoke(m, append([]Value{obj}, args...))
}

func (th *thread) fault(m *method, pc int, format string, args ...any) error {
	return fmt.Errorf("%w: %s.%s at %d: %s", ErrFault, m.owner.name, m.name, pc, fmt.Sprintf(format, args...))
}

func (th *thread) invoke(m *method, args []Value) (Value, error) {
	th.depth++
	defer func() { th.depth-- }()
	if th.depth > maxCallDepth {
		return nil, th.fault(m, 0, "call depth exceeded")
	}

	f := m.owner.file
	locals := make([]Value, max(int(m.def.MaxLocals), len(args)))
	copy(locals, args)
	stack := make([]Value, 0, m.def.MaxStack)
	push := func(v Value) { stack = append(stack, v) }
	pop := func() Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	popN := func(n int) []Value {
		vs := append([]Value(nil), stack[len(stack)-n:]...)
		stack = stack[:len(stack)-n]
		return vs
	}

	insns := m.code.Insns
	for pc := 0; ; {
		if th.limit > 0 {
			if th.steps++; th.steps > th.limit {
				return nil, fmt.Errorf("%w: %d instructions", ErrStepLimit, th.limit)
			}
		}
		in := insns[pc]
		next := pc + 1
		var thrown error

		switch in.Op {
		case typefile.NOP:
		case typefile.LDC:
			c, err := f.Const(uint16(in.Arg))
			if err != nil {
				return nil, th.fault(m, pc, "%v", err)
			}
			if c.Kind == typefile.ConstInt {
				push(c.Int)
			} else {
				push(c.Str)
			}
		case typefile.LOAD:
			push(locals[in.Arg])
		case typefile.STORE:
			locals[in.Arg] = pop()
		case typefile.POP:
			pop()
		case typefile.DUP:
			v := pop()
			push(v)
			push(v)
		case typefile.ADD:
			b, a := pop(), pop()
			v, err := add(a, b)
			if err != nil {
				return nil, th.fault(m, pc, "%v", err)
			}
			push(v)
		case typefile.SUB:
			b, a := pop(), pop()
			x, ok1 := a.(int64)
			y, ok2 := b.(int64)
			if !ok1 || !ok2 {
				return nil, th.fault(m, pc, "sub of %T and %T", a, b)
			}
			push(x - y)
		case typefile.GETFIELD, typefile.PUTFIELD:
			owner, name, err := f.FieldRef(uint16(in.Arg))
			if err != nil {
				return nil, th.fault(m, pc, "%v", err)
			}
			var v Value
			if in.Op == typefile.PUTFIELD {
				v = pop()
			}
			obj, ok := pop().(*Object)
			if !ok || obj == nil {
				return nil, th.fault(m, pc, "field %s.%s of non-object", owner, name)
			}
			if !obj.typ.IsA(owner) {
				return nil, th.fault(m, pc, "%s is not a %s", obj.TypeName(), owner)
			}
			if in.Op == typefile.GETFIELD {
				obj.mu.RLock()
				fv, ok := obj.fields[name]
				obj.mu.RUnlock()
				if !ok {
					return nil, th.fault(m, pc, "no field %s.%s", owner, name)
				}
				push(fv)
			} else if !obj.SetField(name, v) {
				return nil, th.fault(m, pc, "no field %s.%s", owner, name)
			}
		case typefile.INVOKESPECIAL, typefile.INVOKEVIRTUAL, typefile.INVOKESTATIC:
			owner, name, c, err := f.MethodRef(uint16(in.Arg))
			if err != nil {
				return nil, th.fault(m, pc, "%v", err)
			}
			n := int(c.Args)
			if in.Op != typefile.INVOKESTATIC {
				n++
			}
			callArgs := popN(n)
			ret, err := th.call(in.Op, owner, name, int(c.Args), callArgs)
			if err != nil {
				var exc *Exception
				if !errors.As(err, &exc) {
					return nil, err
				}
				thrown = exc
				break
			}
			if c.Returns {
				push(ret)
			}
		case typefile.NEW:
			name, err := f.Utf8(uint16(in.Arg))
			if err != nil {
				return nil, th.fault(m, pc, "%v", err)
			}
			t, err := th.loader.Load(name)
			if err != nil {
				return nil, th.fault(m, pc, "new %s: %v", name, err)
			}
			push(t.alloc())
		case typefile.JMP:
			next = in.Target
		case typefile.JZ:
			if isZero(pop()) {
				next = in.Target
			}
		case typefile.JNZ:
			if !isZero(pop()) {
				next = in.Target
			}
		case typefile.RETURN:
			return nil, nil
		case typefile.VRETURN:
			return pop(), nil
		case typefile.THROW:
			thrown = &Exception{Value: pop()}
		case typefile.JSR:
			push(retAddr(pc + 1))
			next = in.Target
		case typefile.RET:
			ra, ok := locals[in.Arg].(retAddr)
			if !ok {
				return nil, th.fault(m, pc, "ret through non-address %T", locals[in.Arg])
			}
			next = int(ra)
		default:
			return nil, th.fault(m, pc, "unknown opcode %s", in.Op)
		}

		if thrown != nil {
			exc := thrown.(*Exception)
			target, ok := th.handler(m, pc, exc)
			if !ok {
				return nil, exc
			}
			stack = append(stack[:0], exc.Value)
			next = target
		}
		pc = next
	}
}

// handler finds the first handler of m covering pc that catches exc.
func (th *thread) handler(m *method, pc int, exc *Exception) (int, bool) {
	for _, h := range m.code.Handlers {
		if pc < h.Start || pc >= h.End {
			continue
		}
		if h.Catch == 0 {
			return h.Target, true
		}
		name, err := m.owner.file.Utf8(h.Catch)
		if err != nil {
			continue
		}
		if obj, ok := exc.Value.(*Object); ok && obj != nil && obj.typ.IsA(name) {
			return h.Target, true
		}
	}
	return 0, false
}

// call dispatches an invoke instruction. args includes the receiver for
// instance calls.
func (th *thread) call(op typefile.Opcode, owner, name string, nargs int, args []Value) (Value, error) {
	if op == typefile.INVOKESTATIC {
		if fn, ok := th.loader.rt.native(owner, name, nargs); ok {
			return fn(args)
		}
		t, err := th.loader.Load(owner)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s/%d: %v", ErrNoSuchMethod, owner, name, nargs, err)
		}
		m, ok := t.declared(name, nargs)
		if !ok || !m.def.Static() {
			return nil, fmt.Errorf("%w: static %s.%s/%d", ErrNoSuchMethod, owner, name, nargs)
		}
		return th.invoke(m, args)
	}

	recv, ok := args[0].(*Object)
	if !ok || recv == nil {
		return nil, fmt.Errorf("%w: %s.%s on %T", ErrFault, owner, name, args[0])
	}
	var m *method
	if op == typefile.INVOKESPECIAL {
		t, err := th.loader.Load(owner)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s/%d: %v", ErrNoSuchMethod, owner, name, nargs, err)
		}
		m, ok = t.declared(name, nargs)
		if ok && m.def.Static() {
			ok = false
		}
	} else {
		m, ok = recv.typ.resolve(name, nargs)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s/%d", ErrNoSuchMethod, owner, name, nargs)
	}
	return th.invoke(m, args)
}

func add(a, b Value) (Value, error) {
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok {
			return x + y, nil
		}
	}
	if s, ok := a.(string); ok {
		return s + fmt.Sprint(b), nil
	}
	return nil, fmt.Errorf("add of %T and %T", a, b)
}

func isZero(v Value) bool {
	switch x := v.(type) {
	case nil:
		return true
	case int64:
		return x == 0
	case string:
		return x == ""
	case *Object:
		return x == nil
	default:
		return false
	}
}
