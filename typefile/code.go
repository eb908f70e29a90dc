package typefile

import (
	"encoding/binary"
	"fmt"
)

// Opcode is a host instruction.
type Opcode uint8

const (
	NOP           Opcode = 0x00
	LDC           Opcode = 0x01 // u16 pool index (Utf8 or Int)
	LOAD          Opcode = 0x02 // u8 local
	STORE         Opcode = 0x03 // u8 local
	POP           Opcode = 0x04
	DUP           Opcode = 0x05
	ADD           Opcode = 0x06
	SUB           Opcode = 0x07
	GETFIELD      Opcode = 0x08 // u16 field ref
	PUTFIELD      Opcode = 0x09 // u16 field ref
	INVOKESPECIAL Opcode = 0x0A // u16 method ref
	INVOKEVIRTUAL Opcode = 0x0B // u16 method ref
	INVOKESTATIC  Opcode = 0x0C // u16 method ref
	NEW           Opcode = 0x0D // u16 type name
	JMP           Opcode = 0x0E // u16 pc
	JZ            Opcode = 0x0F // u16 pc
	JNZ           Opcode = 0x10 // u16 pc
	RETURN        Opcode = 0x11
	VRETURN       Opcode = 0x12
	THROW         Opcode = 0x13
	JSR           Opcode = 0x14 // u16 pc
	RET           Opcode = 0x15 // u8 local
)

type operand uint8

const (
	noOperand operand = iota
	poolOperand
	localOperand
	targetOperand
)

type opInfo struct {
	name    string
	operand operand
	// terminal instructions never fall through.
	terminal bool
}

var opcodes = map[Opcode]opInfo{
	NOP:           {name: "nop"},
	LDC:           {name: "ldc", operand: poolOperand},
	LOAD:          {name: "load", operand: localOperand},
	STORE:         {name: "store", operand: localOperand},
	POP:           {name: "pop"},
	DUP:           {name: "dup"},
	ADD:           {name: "add"},
	SUB:           {name: "sub"},
	GETFIELD:      {name: "getfield", operand: poolOperand},
	PUTFIELD:      {name: "putfield", operand: poolOperand},
	INVOKESPECIAL: {name: "invokespecial", operand: poolOperand},
	INVOKEVIRTUAL: {name: "invokevirtual", operand: poolOperand},
	INVOKESTATIC:  {name: "invokestatic", operand: poolOperand},
	NEW:           {name: "new", operand: poolOperand},
	JMP:           {name: "jmp", operand: targetOperand, terminal: true},
	JZ:            {name: "jz", operand: targetOperand},
	JNZ:           {name: "jnz", operand: targetOperand},
	RETURN:        {name: "return", terminal: true},
	VRETURN:       {name: "vreturn", terminal: true},
	THROW:         {name: "throw", terminal: true},
	JSR:           {name: "jsr", operand: targetOperand},
	RET:           {name: "ret", operand: localOperand, terminal: true},
}

func (op Opcode) String() string {
	if info, ok := opcodes[op]; ok {
		return info.name
	}
	return fmt.Sprintf("op(0x%02x)", uint8(op))
}

// Terminal reports whether op never falls through to the next instruction.
func (op Opcode) Terminal() bool { return opcodes[op].terminal }

// Branches reports whether op carries a branch target.
func (op Opcode) Branches() bool { return opcodes[op].operand == targetOperand }

// Size is the encoded size of op including its operand.
func (op Opcode) Size() int {
	switch opcodes[op].operand {
	case poolOperand, targetOperand:
		return 3
	case localOperand:
		return 2
	default:
		return 1
	}
}

// Insn is a decoded instruction. Branch targets are instruction indexes,
// not byte offsets, so code can be edited without tracking offsets.
type Insn struct {
	Op Opcode
	// Arg is the pool index or local slot. Unused for branches.
	Arg int
	// Target is the index of the branch target, or -1.
	Target int
}

// Ins builds a non-branch instruction.
func Ins(op Opcode, arg int) Insn { return Insn{Op: op, Arg: arg, Target: -1} }

func (in Insn) String() string {
	switch {
	case in.Op.Branches():
		return fmt.Sprintf("%s @%d", in.Op, in.Target)
	case opcodes[in.Op].operand != noOperand:
		return fmt.Sprintf("%s %d", in.Op, in.Arg)
	default:
		return in.Op.String()
	}
}

// Range is an exception handler in instruction indexes. End is exclusive
// and may equal the number of instructions.
type Range struct {
	Start, End, Target int
	Catch              uint16
}

// Code is the editable form of a method body.
type Code struct {
	Insns    []Insn
	Handlers []Range
}

// DecodeCode decodes the body of m.
func DecodeCode(m *Method) (*Code, error) {
	var (
		insns []Insn
		pcs   []int
		index = make(map[int]int)
	)
	for pc := 0; pc < len(m.Code); {
		op := Opcode(m.Code[pc])
		info, ok := opcodes[op]
		if !ok {
			return nil, fmt.Errorf("%w: unknown opcode 0x%02x at pc %d", ErrMalformed, uint8(op), pc)
		}
		size := op.Size()
		if pc+size > len(m.Code) {
			return nil, fmt.Errorf("%w: truncated %s at pc %d", ErrMalformed, op, pc)
		}
		in := Insn{Op: op, Target: -1}
		switch info.operand {
		case poolOperand:
			in.Arg = int(binary.BigEndian.Uint16(m.Code[pc+1:]))
		case localOperand:
			in.Arg = int(m.Code[pc+1])
		case targetOperand:
			// Target holds the pc until resolved below.
			in.Target = int(binary.BigEndian.Uint16(m.Code[pc+1:]))
		}
		index[pc] = len(insns)
		pcs = append(pcs, pc)
		insns = append(insns, in)
		pc += size
	}
	index[len(m.Code)] = len(insns)

	resolve := func(pc int, what string) (int, error) {
		i, ok := index[pc]
		if !ok {
			return 0, fmt.Errorf("%w: %s pc %d is not an instruction boundary", ErrMalformed, what, pc)
		}
		return i, nil
	}

	for i := range insns {
		if !insns[i].Op.Branches() {
			continue
		}
		t, err := resolve(insns[i].Target, "branch target")
		if err != nil {
			return nil, err
		}
		if t == len(insns) {
			return nil, fmt.Errorf("%w: branch at pc %d jumps past the end", ErrMalformed, pcs[i])
		}
		insns[i].Target = t
	}

	code := &Code{Insns: insns}
	for _, h := range m.Handlers {
		var (
			r   = Range{Catch: h.Catch}
			err error
		)
		if r.Start, err = resolve(int(h.Start), "handler start"); err != nil {
			return nil, err
		}
		if r.End, err = resolve(int(h.End), "handler end"); err != nil {
			return nil, err
		}
		if r.Target, err = resolve(int(h.Target), "handler target"); err != nil {
			return nil, err
		}
		if r.Start >= r.End || r.Target >= len(insns) {
			return nil, fmt.Errorf("%w: empty or dangling handler", ErrMalformed)
		}
		code.Handlers = append(code.Handlers, r)
	}
	return code, nil
}

// PCs returns the byte offset of every instruction, plus the code length
// as the last element.
func (c *Code) PCs() []int {
	pcs := make([]int, len(c.Insns)+1)
	pc := 0
	for i, in := range c.Insns {
		pcs[i] = pc
		pc += in.Op.Size()
	}
	pcs[len(c.Insns)] = pc
	return pcs
}

// Encode serializes the body and its handler table.
func (c *Code) Encode() ([]byte, []Handler, error) {
	pcs := c.PCs()
	if pcs[len(c.Insns)] > 0xFFFF {
		return nil, nil, fmt.Errorf("%w: code too large", ErrMalformed)
	}

	out := make([]byte, 0, pcs[len(c.Insns)])
	for i, in := range c.Insns {
		info, ok := opcodes[in.Op]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown opcode 0x%02x", ErrMalformed, uint8(in.Op))
		}
		out = append(out, byte(in.Op))
		switch info.operand {
		case poolOperand:
			if in.Arg < 0 || in.Arg > 0xFFFF {
				return nil, nil, fmt.Errorf("%w: %s operand %d out of range", ErrMalformed, in.Op, in.Arg)
			}
			out = binary.BigEndian.AppendUint16(out, uint16(in.Arg))
		case localOperand:
			if in.Arg < 0 || in.Arg > 0xFF {
				return nil, nil, fmt.Errorf("%w: %s local %d out of range", ErrMalformed, in.Op, in.Arg)
			}
			out = append(out, byte(in.Arg))
		case targetOperand:
			if in.Target < 0 || in.Target >= len(c.Insns) {
				return nil, nil, fmt.Errorf("%w: instruction %d branches to %d", ErrMalformed, i, in.Target)
			}
			out = binary.BigEndian.AppendUint16(out, uint16(pcs[in.Target]))
		}
	}

	handlers := make([]Handler, 0, len(c.Handlers))
	for _, r := range c.Handlers {
		if r.Start < 0 || r.End > len(c.Insns) || r.Start >= r.End || r.Target < 0 || r.Target >= len(c.Insns) {
			return nil, nil, fmt.Errorf("%w: handler range [%d,%d)->%d", ErrMalformed, r.Start, r.End, r.Target)
		}
		handlers = append(handlers, Handler{
			Start:  uint16(pcs[r.Start]),
			End:    uint16(pcs[r.End]),
			Target: uint16(pcs[r.Target]),
			Catch:  r.Catch,
		})
	}
	return out, handlers, nil
}
