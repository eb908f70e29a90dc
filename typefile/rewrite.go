package typefile

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/zoobzio/ctorz"
	"github.com/zoobzio/ctorz/weave"
)

// Rewriter weaves calls to the ctorz hook bridge into every constructor of a
// type. It implements ctorz.Rewriter and keeps no state between calls.
type Rewriter struct{}

var _ ctorz.Rewriter = (*Rewriter)(nil)

// NewRewriter returns a Rewriter.
func NewRewriter() *Rewriter { return &Rewriter{} }

type ctorJob struct {
	method *Method
	code   *Code
	plan   weave.Plan
}

// Rewrite returns the instrumented form of req.Raw. Every constructor of the
// type is planned before any is changed, so a single unsupported constructor
// leaves the whole type alone.
func (rw *Rewriter) Rewrite(req ctorz.RewriteRequest) ([]byte, error) {
	f, err := Decode(req.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ctorz.ErrMalformedForm, req.Type, err)
	}
	if _, ok := f.Attribute(InstrumentedAttr); ok {
		return nil, fmt.Errorf("%w: %s", ctorz.ErrAlreadyInstrumented, f.Name())
	}
	if err := Verify(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ctorz.ErrMalformedForm, err)
	}
	if req.Hooks <= 0 {
		return nil, fmt.Errorf("%w: %s: empty hook snapshot", ctorz.ErrUnsupportedConstruct, f.Name())
	}

	var jobs []ctorJob
	for _, m := range f.Methods {
		if !f.IsConstructor(m) {
			continue
		}
		code, err := DecodeCode(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ctorz.ErrMalformedForm, err)
		}
		routine, err := classify(f, m, code)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ctorz.ErrMalformedForm, err)
		}
		plan, err := weave.PlanConstructor(routine)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ctorz.ErrUnsupportedConstruct, err)
		}
		jobs = append(jobs, ctorJob{method: m, code: code, plan: plan})
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s has no constructors", ctorz.ErrUnsupportedConstruct, f.Name())
	}

	before, err := bridgeCalls(f, BridgeBefore, req.Snapshot, req.Hooks)
	if err != nil {
		return nil, unsupported(f, err)
	}
	after, err := bridgeCalls(f, BridgeAfter, req.Snapshot, req.Hooks)
	if err != nil {
		return nil, unsupported(f, err)
	}

	for _, job := range jobs {
		if job.plan.Skip() {
			continue
		}
		insns, mapping := weave.Splice(job.code.Insns, job.plan,
			func() []Insn { return append([]Insn(nil), before...) },
			func() []Insn { return append([]Insn(nil), after...) },
		)
		for i := range insns {
			if insns[i].Op.Branches() {
				insns[i].Target = mapping.Label[insns[i].Target]
			}
		}
		handlers := make([]Range, len(job.code.Handlers))
		for i, h := range job.code.Handlers {
			handlers[i] = Range{
				Start:  mapping.Label[h.Start],
				End:    mapping.Label[h.End],
				Target: mapping.Label[h.Target],
				Catch:  h.Catch,
			}
		}
		if err := f.Recompute(job.method, &Code{Insns: insns, Handlers: handlers}); err != nil {
			return nil, unsupported(f, err)
		}
	}

	if err := f.SetAttribute(InstrumentedAttr, binary.BigEndian.AppendUint32(nil, req.Snapshot)); err != nil {
		return nil, unsupported(f, err)
	}
	out, err := Encode(f)
	if err != nil {
		return nil, unsupported(f, err)
	}

	// The host would reject a form that does not verify; never hand it one.
	check, err := Decode(out)
	if err == nil {
		err = Verify(check)
	}
	if err != nil {
		return nil, unsupported(f, err)
	}
	return out, nil
}

func unsupported(f *File, err error) error {
	return fmt.Errorf("%w: %s: %v", ctorz.ErrUnsupportedConstruct, f.Name(), err)
}

// Instrumented reports whether raw was produced by a Rewriter, and with
// which snapshot.
func Instrumented(raw []byte) (snapshot uint32, ok bool) {
	f, err := Decode(raw)
	if err != nil {
		return 0, false
	}
	attr, ok := f.Attribute(InstrumentedAttr)
	if !ok || len(attr.Data) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(attr.Data), true
}

// bridgeCalls builds one bridge call per hook, in ordinal order:
//
//	load 0; ldc snapshot; ldc ordinal; invokestatic ctorz.Bridge.<method>
func bridgeCalls(f *File, method string, snapshot uint32, hooks int) ([]Insn, error) {
	ref, err := f.AddMethodRef(BridgeOwner, method, 3, false)
	if err != nil {
		return nil, err
	}
	snap, err := f.AddInt(int64(snapshot))
	if err != nil {
		return nil, err
	}
	seq := make([]Insn, 0, hooks*4)
	for ord := 0; ord < hooks; ord++ {
		idx, err := f.AddInt(int64(ord))
		if err != nil {
			return nil, err
		}
		seq = append(seq,
			Ins(LOAD, 0),
			Ins(LDC, int(snap)),
			Ins(LDC, int(idx)),
			Ins(INVOKESTATIC, int(ref)),
		)
	}
	return seq, nil
}

// classify maps the instructions of constructor m onto the weave model.
//
// Control flow kinds come from the opcodes. The straight-line prefix is then
// simulated to find the call initializing the receiver and to flag any use
// of the receiver before that call. Root types have no such call; their
// prefix is only scanned for delegation to a sibling constructor.
func classify(f *File, m *Method, code *Code) (weave.Routine, error) {
	self, super := f.Name(), f.SuperName()
	r := weave.Routine{
		Name:           fmt.Sprintf("%s.%s/%d", self, CtorName, m.Args),
		NeedsSuperInit: super != "",
		Nodes:          make([]weave.Node, len(code.Insns)),
	}
	for i, in := range code.Insns {
		n := weave.Node{Kind: weave.Plain}
		switch {
		case in.Op == JSR || in.Op == RET:
			n.Kind = weave.Opaque
		case in.Op.Branches():
			n.Kind = weave.Branch
			n.Targets = []int{in.Target}
			n.Terminal = in.Op.Terminal()
		case in.Op == RETURN:
			n.Kind = weave.Return
		case in.Op == THROW:
			n.Kind = weave.Throw
		}
		r.Nodes[i] = n
	}
	for _, h := range code.Handlers {
		r.HandlerTargets = append(r.HandlerTargets, h.Target)
	}

	strict := super != ""
	// stack[i] is set when slot i holds the uninitialized receiver.
	var stack []bool
	for i, in := range code.Insns {
		if r.Nodes[i].Kind != weave.Plain {
			break
		}
		kind, err := receiverUse(f, m, in, &stack, self, super)
		if err != nil {
			return r, fmt.Errorf("%s: instruction %d: %w", r.Name, i, err)
		}
		if kind == weave.Unsafe && !strict {
			continue
		}
		r.Nodes[i].Kind = kind
		if kind == weave.DelegateInit {
			r.NeedsSuperInit = true
		}
		if kind != weave.Plain {
			break
		}
	}

	if slices.ContainsFunc(r.Nodes, func(n weave.Node) bool { return n.Kind == weave.Opaque }) {
		return r, nil
	}
	calls, err := receiverInits(f, m, code)
	if err != nil {
		return r, fmt.Errorf("%s: %w", r.Name, err)
	}
	for _, i := range calls {
		if k := r.Nodes[i].Kind; k != weave.SuperInit && k != weave.DelegateInit {
			r.Nodes[i].Kind = weave.Reinit
		}
	}
	return r, nil
}

// receiverInits returns the indexes of constructor calls made on the
// receiver along any path, in order. Copies of the receiver are followed
// through the stack and the locals. A handler entry starts with the caught
// value on the stack and the locals of its range. Code using subroutines is
// not supported.
func receiverInits(f *File, m *Method, code *Code) ([]int, error) {
	type state struct{ stack, locals []bool }
	n := len(code.Insns)
	states := make([]*state, n)
	var work []int

	merge := func(from, idx int, st state) error {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: instruction %d leaves the code", ErrVerify, from)
		}
		cur := states[idx]
		if cur == nil {
			states[idx] = &state{stack: slices.Clone(st.stack), locals: slices.Clone(st.locals)}
			work = append(work, idx)
			return nil
		}
		if len(cur.stack) != len(st.stack) {
			return fmt.Errorf("%w: inconsistent stack depth at instruction %d", ErrVerify, idx)
		}
		changed := false
		for i, v := range st.stack {
			if v && !cur.stack[i] {
				cur.stack[i], changed = true, true
			}
		}
		for i, v := range st.locals {
			if i >= len(cur.locals) {
				cur.locals = append(cur.locals, false)
			}
			if v && !cur.locals[i] {
				cur.locals[i], changed = true, true
			}
		}
		if changed {
			work = append(work, idx)
		}
		return nil
	}

	locals := make([]bool, max(m.Params(), 1))
	locals[0] = true
	if err := merge(-1, 0, state{locals: locals}); err != nil {
		return nil, err
	}

	found := make(map[int]bool)
	for len(work) > 0 {
		idx := work[len(work)-1]
		work = work[:len(work)-1]
		in := code.Insns[idx]
		stack := slices.Clone(states[idx].stack)
		loc := slices.Clone(states[idx].locals)

		for _, h := range code.Handlers {
			if idx >= h.Start && idx < h.End {
				if err := merge(idx, h.Target, state{stack: []bool{false}, locals: loc}); err != nil {
					return nil, err
				}
			}
		}

		pops, pushes, err := f.Effect(m, in)
		if err != nil {
			return nil, err
		}
		if len(stack) < pops {
			return nil, fmt.Errorf("%w: stack underflow at instruction %d", ErrVerify, idx)
		}
		popped := slices.Clone(stack[len(stack)-pops:])
		stack = stack[:len(stack)-pops]

		switch in.Op {
		case LOAD:
			stack = append(stack, in.Arg < len(loc) && loc[in.Arg])
		case DUP:
			stack = append(stack, popped[0], popped[0])
		case STORE:
			for len(loc) <= in.Arg {
				loc = append(loc, false)
			}
			loc[in.Arg] = popped[0]
		default:
			if in.Op == INVOKESPECIAL && pops > 0 && popped[0] {
				_, name, _, err := f.MethodRef(uint16(in.Arg))
				if err != nil {
					return nil, err
				}
				if name == CtorName {
					found[idx] = true
				}
			}
			for range pushes {
				stack = append(stack, false)
			}
		}

		next := state{stack: stack, locals: loc}
		if in.Op.Branches() {
			if err := merge(idx, in.Target, next); err != nil {
				return nil, err
			}
		}
		if !in.Op.Terminal() {
			if err := merge(idx, idx+1, next); err != nil {
				return nil, err
			}
		}
	}

	out := make([]int, 0, len(found))
	for idx := range found {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out, nil
}

// receiverUse simulates in on stack and classifies it.
func receiverUse(f *File, m *Method, in Insn, stack *[]bool, self, super string) (weave.Kind, error) {
	pops, pushes, err := f.Effect(m, in)
	if err != nil {
		return 0, err
	}
	s := *stack
	if len(s) < pops {
		return 0, fmt.Errorf("%w: stack underflow", ErrVerify)
	}
	popped := slices.Clone(s[len(s)-pops:])
	s = s[:len(s)-pops]
	defer func() { *stack = s }()

	leaks := false
	for _, p := range popped {
		leaks = leaks || p
	}

	switch in.Op {
	case LOAD:
		s = append(s, in.Arg == 0)
		return weave.Plain, nil
	case DUP:
		s = append(s, popped[0], popped[0])
		return weave.Plain, nil
	case POP:
		return weave.Plain, nil
	case STORE:
		if in.Arg == 0 || leaks {
			return weave.Unsafe, nil
		}
		return weave.Plain, nil
	case INVOKESPECIAL:
		owner, name, _, err := f.MethodRef(uint16(in.Arg))
		if err != nil {
			return 0, err
		}
		for _, p := range popped[1:] {
			if p {
				return weave.Unsafe, nil
			}
		}
		for range pushes {
			s = append(s, false)
		}
		if !popped[0] {
			return weave.Plain, nil
		}
		switch {
		case name != CtorName:
			return weave.Unsafe, nil
		case owner == super && super != "":
			return weave.SuperInit, nil
		case owner == self:
			return weave.DelegateInit, nil
		default:
			return weave.Unsafe, nil
		}
	}

	for range pushes {
		s = append(s, false)
	}
	if leaks {
		return weave.Unsafe, nil
	}
	return weave.Plain, nil
}
