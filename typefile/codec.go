package typefile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// reader decodes big-endian values and remembers the first error.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrMalformed, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) i64() int64 {
	if b := r.take(8); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

// bytes returns a copy so decoded files never alias the input.
func (r *reader) bytes(n int) []byte {
	return bytes.Clone(r.take(n))
}

func (r *reader) attributes() []Attribute {
	n := int(r.u16())
	var attrs []Attribute
	for i := 0; i < n && r.err == nil; i++ {
		name := r.u16()
		size := r.u32()
		if size > math.MaxInt32 {
			r.err = fmt.Errorf("%w: attribute too large", ErrMalformed)
			return nil
		}
		attrs = append(attrs, Attribute{Name: name, Data: r.bytes(int(size))})
	}
	return attrs
}

// Decode parses a type file. The result does not alias data.
func Decode(data []byte) (*File, error) {
	r := &reader{buf: data}
	if string(r.take(len(Magic))) != Magic {
		if r.err != nil {
			return nil, r.err
		}
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	f := &File{Version: r.u16()}
	if r.err == nil && f.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, f.Version)
	}

	count := int(r.u16())
	if r.err == nil && count == 0 {
		return nil, fmt.Errorf("%w: empty constant pool", ErrMalformed)
	}
	f.Pool = make([]Const, 1, max(count, 1))
	for i := 1; i < count && r.err == nil; i++ {
		c := Const{Kind: ConstKind(r.u8())}
		switch c.Kind {
		case ConstUtf8:
			c.Str = string(r.take(int(r.u16())))
		case ConstInt:
			c.Int = r.i64()
		case ConstMethod:
			c.Owner, c.Name, c.Args = r.u16(), r.u16(), r.u8()
			c.Returns = r.u8() != 0
		case ConstField:
			c.Owner, c.Name = r.u16(), r.u16()
		default:
			if r.err == nil {
				r.err = fmt.Errorf("%w: unknown constant tag %d at index %d", ErrMalformed, c.Kind, i)
			}
		}
		f.Pool = append(f.Pool, c)
	}

	f.This, f.Super = r.u16(), r.u16()

	nf := int(r.u16())
	for i := 0; i < nf && r.err == nil; i++ {
		f.Fields = append(f.Fields, r.u16())
	}

	nm := int(r.u16())
	for i := 0; i < nm && r.err == nil; i++ {
		m := &Method{
			Flags:   r.u16(),
			Name:    r.u16(),
			Args:    r.u8(),
			Returns: r.u8() != 0,
		}
		m.MaxStack, m.MaxLocals = r.u16(), r.u16()
		size := r.u32()
		if size > 0xFFFF {
			if r.err == nil {
				r.err = fmt.Errorf("%w: code too large", ErrMalformed)
			}
			break
		}
		m.Code = r.bytes(int(size))
		nh := int(r.u16())
		for j := 0; j < nh && r.err == nil; j++ {
			m.Handlers = append(m.Handlers, Handler{Start: r.u16(), End: r.u16(), Target: r.u16(), Catch: r.u16()})
		}
		m.Attributes = r.attributes()
		f.Methods = append(f.Methods, m)
	}

	f.Attributes = r.attributes()
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-r.off)
	}
	if err := f.checkRefs(); err != nil {
		return nil, err
	}
	return f, nil
}

// checkRefs validates pool cross references and names.
func (f *File) checkRefs() error {
	for i, c := range f.Pool[1:] {
		switch c.Kind {
		case ConstMethod, ConstField:
			if _, err := f.Utf8(c.Owner); err != nil {
				return fmt.Errorf("pool entry %d: %w", i+1, err)
			}
			if _, err := f.Utf8(c.Name); err != nil {
				return fmt.Errorf("pool entry %d: %w", i+1, err)
			}
		}
	}
	if _, err := f.Utf8(f.This); err != nil {
		return fmt.Errorf("type name: %w", err)
	}
	if f.Super != 0 {
		if _, err := f.Utf8(f.Super); err != nil {
			return fmt.Errorf("superclass name: %w", err)
		}
	}
	for _, n := range f.Fields {
		if _, err := f.Utf8(n); err != nil {
			return fmt.Errorf("field name: %w", err)
		}
	}
	for _, m := range f.Methods {
		if _, err := f.Utf8(m.Name); err != nil {
			return fmt.Errorf("method name: %w", err)
		}
		for _, a := range m.Attributes {
			if _, err := f.Utf8(a.Name); err != nil {
				return fmt.Errorf("method attribute name: %w", err)
			}
		}
	}
	for _, a := range f.Attributes {
		if _, err := f.Utf8(a.Name); err != nil {
			return fmt.Errorf("attribute name: %w", err)
		}
	}
	return nil
}

// writer encodes big-endian values.
type writer struct {
	bytes.Buffer
}

func (w *writer) u8(v uint8) { w.WriteByte(v) }

func (w *writer) u16(v uint16) {
	w.Write(binary.BigEndian.AppendUint16(nil, v))
}

func (w *writer) u32(v uint32) {
	w.Write(binary.BigEndian.AppendUint32(nil, v))
}

func (w *writer) i64(v int64) {
	w.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) attributes(attrs []Attribute) error {
	if len(attrs) > 0xFFFF {
		return fmt.Errorf("%w: too many attributes", ErrMalformed)
	}
	w.u16(uint16(len(attrs)))
	for _, a := range attrs {
		w.u16(a.Name)
		w.u32(uint32(len(a.Data)))
		w.Write(a.Data)
	}
	return nil
}

// Encode serializes f.
func Encode(f *File) ([]byte, error) {
	if len(f.Pool) == 0 || len(f.Pool) > 0xFFFF {
		return nil, fmt.Errorf("%w: constant pool size %d", ErrMalformed, len(f.Pool))
	}
	if len(f.Fields) > 0xFFFF || len(f.Methods) > 0xFFFF {
		return nil, fmt.Errorf("%w: too many members", ErrMalformed)
	}

	w := &writer{}
	w.WriteString(Magic)
	w.u16(f.Version)
	w.u16(uint16(len(f.Pool)))
	for _, c := range f.Pool[1:] {
		w.u8(uint8(c.Kind))
		switch c.Kind {
		case ConstUtf8:
			if len(c.Str) > 0xFFFF {
				return nil, fmt.Errorf("%w: string too long", ErrMalformed)
			}
			w.u16(uint16(len(c.Str)))
			w.WriteString(c.Str)
		case ConstInt:
			w.i64(c.Int)
		case ConstMethod:
			w.u16(c.Owner)
			w.u16(c.Name)
			w.u8(c.Args)
			w.bool(c.Returns)
		case ConstField:
			w.u16(c.Owner)
			w.u16(c.Name)
		default:
			return nil, fmt.Errorf("%w: unknown constant tag %d", ErrMalformed, c.Kind)
		}
	}

	w.u16(f.This)
	w.u16(f.Super)
	w.u16(uint16(len(f.Fields)))
	for _, n := range f.Fields {
		w.u16(n)
	}

	w.u16(uint16(len(f.Methods)))
	for _, m := range f.Methods {
		if len(m.Code) > 0xFFFF || len(m.Handlers) > 0xFFFF {
			return nil, fmt.Errorf("%w: method too large", ErrMalformed)
		}
		w.u16(m.Flags)
		w.u16(m.Name)
		w.u8(m.Args)
		w.bool(m.Returns)
		w.u16(m.MaxStack)
		w.u16(m.MaxLocals)
		w.u32(uint32(len(m.Code)))
		w.Write(m.Code)
		w.u16(uint16(len(m.Handlers)))
		for _, h := range m.Handlers {
			w.u16(h.Start)
			w.u16(h.End)
			w.u16(h.Target)
			w.u16(h.Catch)
		}
		if err := w.attributes(m.Attributes); err != nil {
			return nil, err
		}
	}
	if err := w.attributes(f.Attributes); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
