package typefile

import "fmt"

// Builder assembles a type file. Limits and frames are computed by Build,
// so assembled code only needs to be correct, not annotated.
//
//	b := typefile.NewBuilder("app.Player", "app.Entity")
//	b.Field("hp")
//	b.Constructor(0).
//		Load(0).InvokeSpecial("app.Entity", typefile.CtorName, 0, false).
//		Load(0).Int(100).PutField("app.Player", "hp").
//		Return()
//	raw, err := b.Build()
type Builder struct {
	file    *File
	methods []*MethodBuilder
	err     error
}

// NewBuilder starts a type named name extending super ("" for a root type).
func NewBuilder(name, super string) *Builder {
	f, err := NewFile(name, super)
	return &Builder{file: f, err: err}
}

func (b *Builder) fail(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

func (b *Builder) utf8(s string) uint16 {
	if b.err != nil {
		return 0
	}
	idx, err := b.file.AddUtf8(s)
	b.fail(err)
	return idx
}

// Field declares an instance field.
func (b *Builder) Field(name string) *Builder {
	if b.err == nil {
		b.file.Fields = append(b.file.Fields, b.utf8(name))
	}
	return b
}

// Attribute adds a type attribute.
func (b *Builder) Attribute(name string, data []byte) *Builder {
	if b.err == nil {
		b.fail(b.file.SetAttribute(name, data))
	}
	return b
}

// Constructor starts a constructor taking args arguments.
func (b *Builder) Constructor(args int) *MethodBuilder {
	return b.method(CtorName, 0, args, false)
}

// Method starts an instance method.
func (b *Builder) Method(name string, args int, returns bool) *MethodBuilder {
	return b.method(name, 0, args, returns)
}

// StaticMethod starts a method without receiver.
func (b *Builder) StaticMethod(name string, args int, returns bool) *MethodBuilder {
	return b.method(name, FlagStatic, args, returns)
}

func (b *Builder) method(name string, flags uint16, args int, returns bool) *MethodBuilder {
	mb := &MethodBuilder{b: b}
	if args < 0 || args > 255 {
		b.fail(fmt.Errorf("%w: %s takes %d arguments", ErrMalformed, name, args))
	}
	mb.m = &Method{Flags: flags, Name: b.utf8(name), Args: uint8(args), Returns: returns}
	b.methods = append(b.methods, mb)
	return mb
}

// Build resolves labels, computes limits and frames, and encodes the type.
func (b *Builder) Build() ([]byte, error) {
	f, err := b.File()
	if err != nil {
		return nil, err
	}
	return Encode(f)
}

// File is like Build but returns the decoded form.
func (b *Builder) File() (*File, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.file.Methods = b.file.Methods[:0]
	for _, mb := range b.methods {
		code, err := mb.code()
		if err != nil {
			return nil, err
		}
		if err := b.file.Recompute(mb.m, code); err != nil {
			return nil, fmt.Errorf("%s: %w", b.file.MethodName(mb.m), err)
		}
		b.file.Methods = append(b.file.Methods, mb.m)
	}
	return b.file, nil
}

// Label is a branch target inside one method.
type Label int

// MethodBuilder assembles one method body.
type MethodBuilder struct {
	b        *Builder
	m        *Method
	insns    []Insn
	labels   []int // label -> instruction index, -1 until marked
	handlers []pendingHandler
}

type pendingHandler struct {
	start, end, target Label
	catch              string
}

// NewLabel creates an unplaced label.
func (mb *MethodBuilder) NewLabel() Label {
	mb.labels = append(mb.labels, -1)
	return Label(len(mb.labels) - 1)
}

// Mark places l at the next instruction.
func (mb *MethodBuilder) Mark(l Label) *MethodBuilder {
	mb.labels[l] = len(mb.insns)
	return mb
}

func (mb *MethodBuilder) emit(op Opcode, arg int) *MethodBuilder {
	mb.insns = append(mb.insns, Ins(op, arg))
	return mb
}

func (mb *MethodBuilder) branch(op Opcode, l Label) *MethodBuilder {
	// Target holds the label until code() resolves it.
	mb.insns = append(mb.insns, Insn{Op: op, Target: int(l)})
	return mb
}

func (mb *MethodBuilder) pool(idx uint16, err error) int {
	mb.b.fail(err)
	return int(idx)
}

func (mb *MethodBuilder) Nop() *MethodBuilder          { return mb.emit(NOP, 0) }
func (mb *MethodBuilder) Load(slot int) *MethodBuilder  { return mb.emit(LOAD, slot) }
func (mb *MethodBuilder) Store(slot int) *MethodBuilder { return mb.emit(STORE, slot) }
func (mb *MethodBuilder) Pop() *MethodBuilder          { return mb.emit(POP, 0) }
func (mb *MethodBuilder) Dup() *MethodBuilder          { return mb.emit(DUP, 0) }
func (mb *MethodBuilder) Add() *MethodBuilder          { return mb.emit(ADD, 0) }
func (mb *MethodBuilder) Sub() *MethodBuilder          { return mb.emit(SUB, 0) }
func (mb *MethodBuilder) Return() *MethodBuilder       { return mb.emit(RETURN, 0) }
func (mb *MethodBuilder) VReturn() *MethodBuilder      { return mb.emit(VRETURN, 0) }
func (mb *MethodBuilder) Throw() *MethodBuilder        { return mb.emit(THROW, 0) }
func (mb *MethodBuilder) Ret(slot int) *MethodBuilder   { return mb.emit(RET, slot) }

func (mb *MethodBuilder) Jmp(l Label) *MethodBuilder { return mb.branch(JMP, l) }
func (mb *MethodBuilder) Jz(l Label) *MethodBuilder  { return mb.branch(JZ, l) }
func (mb *MethodBuilder) Jnz(l Label) *MethodBuilder { return mb.branch(JNZ, l) }
func (mb *MethodBuilder) Jsr(l Label) *MethodBuilder { return mb.branch(JSR, l) }

// Int pushes an integer constant.
func (mb *MethodBuilder) Int(v int64) *MethodBuilder {
	return mb.emit(LDC, mb.pool(mb.b.file.AddInt(v)))
}

// Str pushes a string constant.
func (mb *MethodBuilder) Str(s string) *MethodBuilder {
	return mb.emit(LDC, mb.pool(mb.b.file.AddUtf8(s)))
}

// New pushes a fresh, uninitialized instance of typ.
func (mb *MethodBuilder) New(typ string) *MethodBuilder {
	return mb.emit(NEW, mb.pool(mb.b.file.AddUtf8(typ)))
}

func (mb *MethodBuilder) GetField(owner, name string) *MethodBuilder {
	return mb.emit(GETFIELD, mb.pool(mb.b.file.AddFieldRef(owner, name)))
}

func (mb *MethodBuilder) PutField(owner, name string) *MethodBuilder {
	return mb.emit(PUTFIELD, mb.pool(mb.b.file.AddFieldRef(owner, name)))
}

func (mb *MethodBuilder) InvokeSpecial(owner, name string, args int, returns bool) *MethodBuilder {
	return mb.emit(INVOKESPECIAL, mb.pool(mb.b.file.AddMethodRef(owner, name, args, returns)))
}

func (mb *MethodBuilder) InvokeVirtual(owner, name string, args int, returns bool) *MethodBuilder {
	return mb.emit(INVOKEVIRTUAL, mb.pool(mb.b.file.AddMethodRef(owner, name, args, returns)))
}

func (mb *MethodBuilder) InvokeStatic(owner, name string, args int, returns bool) *MethodBuilder {
	return mb.emit(INVOKESTATIC, mb.pool(mb.b.file.AddMethodRef(owner, name, args, returns)))
}

// Try registers a handler for [start, end) jumping to target. An empty
// catch type catches everything.
func (mb *MethodBuilder) Try(start, end, target Label, catch string) *MethodBuilder {
	mb.handlers = append(mb.handlers, pendingHandler{start: start, end: end, target: target, catch: catch})
	return mb
}

// End returns the type builder.
func (mb *MethodBuilder) End() *Builder { return mb.b }

func (mb *MethodBuilder) resolve(l Label) (int, error) {
	if int(l) < 0 || int(l) >= len(mb.labels) || mb.labels[l] < 0 {
		return 0, fmt.Errorf("%w: label %d not placed", ErrMalformed, l)
	}
	return mb.labels[l], nil
}

func (mb *MethodBuilder) code() (*Code, error) {
	code := &Code{Insns: append([]Insn(nil), mb.insns...)}
	for i, in := range code.Insns {
		if !in.Op.Branches() {
			continue
		}
		t, err := mb.resolve(Label(in.Target))
		if err != nil {
			return nil, err
		}
		code.Insns[i].Target = t
	}
	for _, h := range mb.handlers {
		var (
			r   Range
			err error
		)
		if r.Start, err = mb.resolve(h.start); err != nil {
			return nil, err
		}
		if r.End, err = mb.resolve(h.end); err != nil {
			return nil, err
		}
		if r.Target, err = mb.resolve(h.target); err != nil {
			return nil, err
		}
		if h.catch != "" {
			r.Catch = uint16(mb.pool(mb.b.file.AddUtf8(h.catch)))
		}
		code.Handlers = append(code.Handlers, r)
	}
	return code, mb.b.err
}
