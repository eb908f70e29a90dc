// Package typefile reads, writes, verifies and instruments the compiled type
// format of the reference host.
//
// Layout (big-endian):
//
//	magic "CTYP", version u16
//	pool count u16, entries 1..count-1 (tag u8 + payload)
//	this u16, super u16 (0: root type)
//	fields: count u16, name u16...
//	methods: count u16, then per method
//	  flags u16, name u16, args u8, returns u8, max stack u16, max locals u16,
//	  code length u32, code, handlers (count u16, start/end/target/catch u16),
//	  attributes
//	attributes: count u16, then name u16, length u32, data
//
// Constructors are non-static methods named "<init>". The "Frames" method
// attribute lists the operand stack depth at every branch target and handler
// entry; the host verifier rejects code whose frames or limits do not match
// the code.
package typefile

import (
	"errors"
	"fmt"
	"slices"
)

const (
	Magic   = "CTYP"
	Version = 1
)

// Well-known names.
const (
	CtorName         = "<init>"
	FramesAttr       = "Frames"
	InstrumentedAttr = "ctorz.Instrumented"

	// BridgeOwner is the owner of the hook bridge methods called by
	// rewritten constructors. Both take (instance, snapshot, ordinal).
	BridgeOwner  = "ctorz.Bridge"
	BridgeBefore = "before"
	BridgeAfter  = "after"
)

// Method flags.
const (
	FlagStatic uint16 = 0x0002
)

// Errors.
var (
	// ErrMalformed is returned for input that is not a valid type file.
	ErrMalformed = errors.New("malformed type file")
	// ErrVerify is returned when a type fails verification.
	ErrVerify = errors.New("verification failed")
	// ErrPoolOverflow is returned when the constant pool is full.
	ErrPoolOverflow = errors.New("constant pool overflow")
)

// ConstKind is the tag of a constant pool entry.
type ConstKind uint8

const (
	ConstUtf8   ConstKind = 1
	ConstInt    ConstKind = 2
	ConstMethod ConstKind = 3
	ConstField  ConstKind = 4
)

// Const is a constant pool entry. Owner and Name are Utf8 indexes.
type Const struct {
	Kind    ConstKind
	Str     string
	Int     int64
	Owner   uint16
	Name    uint16
	Args    uint8
	Returns bool
}

// Attribute is a named blob attached to a type or method.
type Attribute struct {
	Name uint16
	Data []byte
}

// Handler is an exception table entry in byte offsets. End is exclusive.
// Catch is a Utf8 type name index, or 0 to catch everything.
type Handler struct {
	Start, End, Target uint16
	Catch              uint16
}

// Method is a method of a type.
type Method struct {
	Flags      uint16
	Name       uint16
	Args       uint8
	Returns    bool
	MaxStack   uint16
	MaxLocals  uint16
	Code       []byte
	Handlers   []Handler
	Attributes []Attribute
}

// Static reports whether the method has no receiver.
func (m *Method) Static() bool { return m.Flags&FlagStatic != 0 }

// Params is the number of local slots taken by the receiver and arguments.
func (m *Method) Params() int {
	if m.Static() {
		return int(m.Args)
	}
	return int(m.Args) + 1
}

// File is a decoded type.
type File struct {
	Version uint16
	// Pool holds the constant pool. Index 0 is a placeholder.
	Pool       []Const
	This       uint16
	Super      uint16
	Fields     []uint16
	Methods    []*Method
	Attributes []Attribute
}

// NewFile returns an empty file for a type named name with superclass
// super ("" for a root type).
func NewFile(name, super string) (*File, error) {
	f := &File{Version: Version, Pool: []Const{{}}}
	var err error
	if f.This, err = f.AddUtf8(name); err != nil {
		return nil, err
	}
	if super != "" {
		if f.Super, err = f.AddUtf8(super); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Const returns pool entry idx.
func (f *File) Const(idx uint16) (Const, error) {
	if idx == 0 || int(idx) >= len(f.Pool) {
		return Const{}, fmt.Errorf("%w: pool index %d out of range", ErrMalformed, idx)
	}
	return f.Pool[idx], nil
}

// Utf8 returns the string at pool index idx.
func (f *File) Utf8(idx uint16) (string, error) {
	c, err := f.Const(idx)
	if err != nil {
		return "", err
	}
	if c.Kind != ConstUtf8 {
		return "", fmt.Errorf("%w: pool index %d is not a string", ErrMalformed, idx)
	}
	return c.Str, nil
}

// Name returns the type's own name.
func (f *File) Name() string {
	s, _ := f.Utf8(f.This)
	return s
}

// SuperName returns the superclass name, or "" for a root type.
func (f *File) SuperName() string {
	if f.Super == 0 {
		return ""
	}
	s, _ := f.Utf8(f.Super)
	return s
}

// MethodName returns the name of m.
func (f *File) MethodName(m *Method) string {
	s, _ := f.Utf8(m.Name)
	return s
}

// IsConstructor reports whether m is a constructor.
func (f *File) IsConstructor(m *Method) bool {
	return !m.Static() && f.MethodName(m) == CtorName
}

// Method returns the method named name taking args arguments.
func (f *File) Method(name string, args int) (*Method, bool) {
	for _, m := range f.Methods {
		if int(m.Args) == args && f.MethodName(m) == name {
			return m, true
		}
	}
	return nil, false
}

// Attribute returns the type attribute called name.
func (f *File) Attribute(name string) (Attribute, bool) {
	return f.findAttr(f.Attributes, name)
}

// MethodAttribute returns the attribute of m called name.
func (f *File) MethodAttribute(m *Method, name string) (Attribute, bool) {
	return f.findAttr(m.Attributes, name)
}

func (f *File) findAttr(attrs []Attribute, name string) (Attribute, bool) {
	for _, a := range attrs {
		if s, err := f.Utf8(a.Name); err == nil && s == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// SetMethodAttribute replaces or adds the attribute of m called name.
// A nil data removes it.
func (f *File) SetMethodAttribute(m *Method, name string, data []byte) error {
	attrs, err := f.setAttr(m.Attributes, name, data)
	m.Attributes = attrs
	return err
}

// SetAttribute replaces or adds the type attribute called name.
func (f *File) SetAttribute(name string, data []byte) error {
	attrs, err := f.setAttr(f.Attributes, name, data)
	f.Attributes = attrs
	return err
}

func (f *File) setAttr(attrs []Attribute, name string, data []byte) ([]Attribute, error) {
	attrs = slices.DeleteFunc(attrs, func(a Attribute) bool {
		s, err := f.Utf8(a.Name)
		return err == nil && s == name
	})
	if data == nil {
		return attrs, nil
	}
	idx, err := f.AddUtf8(name)
	if err != nil {
		return attrs, err
	}
	return append(attrs, Attribute{Name: idx, Data: data}), nil
}

// AddUtf8 returns the index of string s, adding it if needed.
func (f *File) AddUtf8(s string) (uint16, error) {
	return f.add(Const{Kind: ConstUtf8, Str: s})
}

// AddInt returns the index of integer v, adding it if needed.
func (f *File) AddInt(v int64) (uint16, error) {
	return f.add(Const{Kind: ConstInt, Int: v})
}

// AddMethodRef returns the index of a method reference.
func (f *File) AddMethodRef(owner, name string, args int, returns bool) (uint16, error) {
	if args < 0 || args > 255 {
		return 0, fmt.Errorf("%w: %d arguments", ErrMalformed, args)
	}
	o, err := f.AddUtf8(owner)
	if err != nil {
		return 0, err
	}
	n, err := f.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	return f.add(Const{Kind: ConstMethod, Owner: o, Name: n, Args: uint8(args), Returns: returns})
}

// AddFieldRef returns the index of a field reference.
func (f *File) AddFieldRef(owner, name string) (uint16, error) {
	o, err := f.AddUtf8(owner)
	if err != nil {
		return 0, err
	}
	n, err := f.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	return f.add(Const{Kind: ConstField, Owner: o, Name: n})
}

func (f *File) add(c Const) (uint16, error) {
	if len(f.Pool) == 0 {
		f.Pool = []Const{{}}
	}
	for i := 1; i < len(f.Pool); i++ {
		if f.Pool[i] == c {
			return uint16(i), nil
		}
	}
	if len(f.Pool) >= 0xFFFF {
		return 0, ErrPoolOverflow
	}
	f.Pool = append(f.Pool, c)
	return uint16(len(f.Pool) - 1), nil
}

// MethodRef resolves a method reference to its owner and name.
func (f *File) MethodRef(idx uint16) (owner, name string, c Const, err error) {
	return f.memberRef(idx, ConstMethod)
}

// FieldRef resolves a field reference to its owner and name.
func (f *File) FieldRef(idx uint16) (owner, name string, err error) {
	owner, name, _, err = f.memberRef(idx, ConstField)
	return owner, name, err
}

func (f *File) memberRef(idx uint16, kind ConstKind) (owner, name string, c Const, err error) {
	if c, err = f.Const(idx); err != nil {
		return "", "", c, err
	}
	if c.Kind != kind {
		return "", "", c, fmt.Errorf("%w: pool index %d has the wrong kind", ErrMalformed, idx)
	}
	if owner, err = f.Utf8(c.Owner); err != nil {
		return "", "", c, err
	}
	if name, err = f.Utf8(c.Name); err != nil {
		return "", "", c, err
	}
	return owner, name, c, nil
}
