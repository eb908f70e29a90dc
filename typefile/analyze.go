package typefile

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// Frame is the operand stack depth expected at an instruction.
type Frame struct {
	PC    uint16
	Depth uint16
}

// Analysis is the structural metadata derived from a method body.
type Analysis struct {
	MaxStack  int
	MaxLocals int
	// Frames has one entry per reachable branch target, handler entry and
	// subroutine return site, sorted by pc.
	Frames []Frame
	// Depths is the stack depth before each instruction, -1 if unreachable.
	Depths []int
}

// Effect returns how many operand stack slots in pops and pushes.
func (f *File) Effect(m *Method, in Insn) (pops, pushes int, err error) {
	switch in.Op {
	case NOP, JMP, RET:
		return 0, 0, nil
	case LDC:
		c, err := f.Const(uint16(in.Arg))
		if err != nil {
			return 0, 0, err
		}
		if c.Kind != ConstUtf8 && c.Kind != ConstInt {
			return 0, 0, fmt.Errorf("%w: ldc of non-loadable constant %d", ErrVerify, in.Arg)
		}
		return 0, 1, nil
	case LOAD, JSR:
		return 0, 1, nil
	case STORE, POP, JZ, JNZ, THROW:
		return 1, 0, nil
	case DUP:
		return 1, 2, nil
	case ADD, SUB:
		return 2, 1, nil
	case GETFIELD, PUTFIELD:
		if _, _, err := f.FieldRef(uint16(in.Arg)); err != nil {
			return 0, 0, err
		}
		if in.Op == GETFIELD {
			return 1, 1, nil
		}
		return 2, 0, nil
	case INVOKESPECIAL, INVOKEVIRTUAL, INVOKESTATIC:
		_, _, c, err := f.MethodRef(uint16(in.Arg))
		if err != nil {
			return 0, 0, err
		}
		pops = int(c.Args)
		if in.Op != INVOKESTATIC {
			pops++
		}
		if c.Returns {
			pushes = 1
		}
		return pops, pushes, nil
	case NEW:
		if _, err := f.Utf8(uint16(in.Arg)); err != nil {
			return 0, 0, err
		}
		return 0, 1, nil
	case RETURN:
		if m.Returns {
			return 0, 0, fmt.Errorf("%w: return without value in value method", ErrVerify)
		}
		return 0, 0, nil
	case VRETURN:
		if !m.Returns {
			return 0, 0, fmt.Errorf("%w: vreturn in void method", ErrVerify)
		}
		return 1, 0, nil
	}
	return 0, 0, fmt.Errorf("%w: unknown opcode %s", ErrMalformed, in.Op)
}

// Analyze derives max stack, max locals and frames of code by data flow
// over every path, including exception handler entries (depth 1).
func (f *File) Analyze(m *Method, code *Code) (Analysis, error) {
	n := len(code.Insns)
	if n == 0 {
		return Analysis{}, fmt.Errorf("%w: empty code", ErrVerify)
	}

	a := Analysis{MaxLocals: m.Params(), Depths: make([]int, n)}
	for i := range a.Depths {
		a.Depths[i] = -1
	}

	type item struct{ idx, depth int }
	var work []item
	merge := func(from, idx, depth int) error {
		if idx >= n {
			return fmt.Errorf("%w: instruction %d falls off the end of the code", ErrVerify, from)
		}
		switch a.Depths[idx] {
		case -1:
			a.Depths[idx] = depth
			work = append(work, item{idx, depth})
		case depth:
		default:
			return fmt.Errorf("%w: inconsistent stack depth at instruction %d (%d vs %d)", ErrVerify, idx, a.Depths[idx], depth)
		}
		return nil
	}

	if err := merge(-1, 0, 0); err != nil {
		return Analysis{}, err
	}
	for _, h := range code.Handlers {
		if err := merge(-1, h.Target, 1); err != nil {
			return Analysis{}, err
		}
		a.MaxStack = max(a.MaxStack, 1)
	}

	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		in := code.Insns[it.idx]

		pops, pushes, err := f.Effect(m, in)
		if err != nil {
			return Analysis{}, fmt.Errorf("instruction %d: %w", it.idx, err)
		}
		if it.depth < pops {
			return Analysis{}, fmt.Errorf("%w: stack underflow at instruction %d (%s)", ErrVerify, it.idx, in)
		}
		out := it.depth - pops + pushes
		a.MaxStack = max(a.MaxStack, out)

		switch in.Op {
		case LOAD, STORE, RET:
			a.MaxLocals = max(a.MaxLocals, in.Arg+1)
		}

		if in.Op.Branches() {
			if err := merge(it.idx, in.Target, out); err != nil {
				return Analysis{}, err
			}
		}
		switch {
		case in.Op == JSR:
			// The subroutine returns to the next instruction with the
			// stack as it was before the jump.
			if err := merge(it.idx, it.idx+1, it.depth); err != nil {
				return Analysis{}, err
			}
		case !in.Op.Terminal():
			if err := merge(it.idx, it.idx+1, out); err != nil {
				return Analysis{}, err
			}
		}
	}

	pcs := code.PCs()
	targets := make(map[int]bool)
	for i, in := range code.Insns {
		if in.Op.Branches() {
			targets[in.Target] = true
		}
		if in.Op == JSR && i+1 < n {
			targets[i+1] = true
		}
	}
	for _, h := range code.Handlers {
		targets[h.Target] = true
	}
	for idx := range targets {
		if a.Depths[idx] >= 0 {
			a.Frames = append(a.Frames, Frame{PC: uint16(pcs[idx]), Depth: uint16(a.Depths[idx])})
		}
	}
	slices.SortFunc(a.Frames, func(x, y Frame) int { return int(x.PC) - int(y.PC) })

	if a.MaxStack > 0xFFFF || a.MaxLocals > 0xFFFF {
		return Analysis{}, fmt.Errorf("%w: limits exceed the format", ErrVerify)
	}
	return a, nil
}

// EncodeFrames serializes frames as the Frames attribute payload.
func EncodeFrames(frames []Frame) []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(frames)))
	for _, fr := range frames {
		out = binary.BigEndian.AppendUint16(out, fr.PC)
		out = binary.BigEndian.AppendUint16(out, fr.Depth)
	}
	return out
}

// DecodeFrames parses a Frames attribute payload.
func DecodeFrames(data []byte) ([]Frame, error) {
	r := &reader{buf: data}
	n := int(r.u16())
	frames := make([]Frame, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		frames = append(frames, Frame{PC: r.u16(), Depth: r.u16()})
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%w: trailing frame data", ErrMalformed)
	}
	return frames, nil
}

// Recompute derives the limits and frames of m from code, then stores the
// encoded code, handler table, limits and Frames attribute on m. Nothing
// from the previous metadata of m is kept.
func (f *File) Recompute(m *Method, code *Code) error {
	a, err := f.Analyze(m, code)
	if err != nil {
		return err
	}
	body, handlers, err := code.Encode()
	if err != nil {
		return err
	}
	m.Code = body
	m.Handlers = handlers
	m.MaxStack = uint16(a.MaxStack)
	m.MaxLocals = uint16(a.MaxLocals)

	var frames []byte
	if len(a.Frames) > 0 {
		frames = EncodeFrames(a.Frames)
	}
	return f.SetMethodAttribute(m, FramesAttr, frames)
}
