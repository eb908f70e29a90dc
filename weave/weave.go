// Package weave decides where hook calls go in a constructor and splices
// them in. It knows nothing about any binary format: a format front end
// classifies its instructions into Nodes, asks for a Plan, and hands its own
// instruction values to Splice.
package weave

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnsupported is returned when a routine has a shape the policy cannot
// instrument safely.
var ErrUnsupported = errors.New("unsupported routine shape")

// Kind classifies an instruction for the insertion policy.
type Kind uint8

const (
	// Plain instructions fall through to the next one.
	Plain Kind = iota
	// Branch instructions may transfer control to their Targets, and fall
	// through unless Terminal is set on the node.
	Branch
	// Return is a normal exit.
	Return
	// Throw is an exceptional exit. It is never instrumented.
	Throw
	// SuperInit is the call initializing the superclass part of the
	// receiver.
	SuperInit
	// DelegateInit hands construction of the receiver to a sibling
	// constructor of the same type.
	DelegateInit
	// Opaque marks control flow the policy cannot follow, such as
	// subroutine jumps or computed transfers.
	Opaque
	// Unsafe marks an instruction that may not run before the superclass
	// initialization, such as storing into the uninitialized receiver.
	Unsafe
	// Reinit is a constructor call on the receiver outside the prologue,
	// such as a delegation reached through a branch.
	Reinit
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case Branch:
		return "branch"
	case Return:
		return "return"
	case Throw:
		return "throw"
	case SuperInit:
		return "super-init"
	case DelegateInit:
		return "delegate-init"
	case Opaque:
		return "opaque"
	case Unsafe:
		return "unsafe"
	case Reinit:
		return "reinit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Node is the policy's view of one instruction.
type Node struct {
	Kind Kind
	// Targets lists node indexes control may transfer to.
	Targets []int
	// Terminal is set on branches that never fall through.
	Terminal bool
}

// Routine is the structural model of one constructor.
type Routine struct {
	Name string
	// NeedsSuperInit is set when the receiver must be handed to another
	// constructor, of the superclass or a sibling, before the body runs.
	NeedsSuperInit bool
	Nodes          []Node
	// HandlerTargets lists node indexes where exception handlers start.
	HandlerTargets []int
}

// Plan says where to insert hook calls in a routine.
type Plan struct {
	Routine string
	// Entry is the node index the before-hooks are inserted in front of.
	Entry int
	// Exits are the indexes of normal return nodes, in order.
	Exits []int
	// Delegates is set when the routine hands construction to a sibling
	// constructor. Such routines are left untouched.
	Delegates bool
}

// Skip reports whether the routine must be left as is.
func (p Plan) Skip() bool { return p.Delegates }

// PlanConstructor computes the insertion plan of r.
//
// Rules:
//   - No Opaque or Reinit node may appear anywhere in the routine.
//   - When NeedsSuperInit is set, the prologue up to the first SuperInit or
//     DelegateInit must be straight-line: no branch, exit, Unsafe node, or
//     branch or handler target. Before-hooks go right after the SuperInit.
//   - Otherwise before-hooks go at node 0.
//   - Every Return node is an exit. Throw nodes are never exits.
func PlanConstructor(r Routine) (Plan, error) {
	plan := Plan{Routine: r.Name}
	if len(r.Nodes) == 0 {
		return plan, fmt.Errorf("%w: %s has no code", ErrUnsupported, r.Name)
	}

	targeted := make([]bool, len(r.Nodes)+1)
	for i, n := range r.Nodes {
		switch n.Kind {
		case Opaque:
			return plan, fmt.Errorf("%w: %s: opaque control flow at %d", ErrUnsupported, r.Name, i)
		case Reinit:
			return plan, fmt.Errorf("%w: %s: receiver initialized again at %d", ErrUnsupported, r.Name, i)
		}
		for _, t := range n.Targets {
			if t < 0 || t >= len(r.Nodes) {
				return plan, fmt.Errorf("%w: %s: branch at %d leaves the routine", ErrUnsupported, r.Name, i)
			}
			targeted[t] = true
		}
	}
	for _, t := range r.HandlerTargets {
		if t < 0 || t >= len(r.Nodes) {
			return plan, fmt.Errorf("%w: %s: handler outside the routine", ErrUnsupported, r.Name)
		}
		targeted[t] = true
	}

	if r.NeedsSuperInit {
		entry, delegates, err := prologueEnd(r, targeted)
		if err != nil {
			return plan, err
		}
		if delegates {
			plan.Delegates = true
			return plan, nil
		}
		plan.Entry = entry
	}

	for i, n := range r.Nodes {
		if n.Kind == Return {
			plan.Exits = append(plan.Exits, i)
		}
	}
	return plan, nil
}

// prologueEnd finds the node following the superclass initialization.
func prologueEnd(r Routine, targeted []bool) (entry int, delegates bool, err error) {
	for i, n := range r.Nodes {
		if i > 0 && targeted[i] {
			return 0, false, fmt.Errorf("%w: %s: branch target %d inside superclass prologue", ErrUnsupported, r.Name, i)
		}
		switch n.Kind {
		case SuperInit:
			if i+1 == len(r.Nodes) {
				return 0, false, fmt.Errorf("%w: %s ends at its superclass initialization", ErrUnsupported, r.Name)
			}
			return i + 1, false, nil
		case DelegateInit:
			return 0, true, nil
		case Plain:
		default:
			return 0, false, fmt.Errorf("%w: %s: %s at %d before superclass initialization", ErrUnsupported, r.Name, n.Kind, i)
		}
	}
	return 0, false, fmt.Errorf("%w: %s never initializes its superclass", ErrUnsupported, r.Name)
}

// Mapping relates node indexes of the original code to the spliced code.
type Mapping struct {
	// Orig[i] is the new index of original node i.
	Orig []int
	// Label[i] is the new index a transfer to original node i must land on.
	// It differs from Orig[i] only for exits, whose incoming branches are
	// redirected to the inserted after-sequence. Label has one extra entry
	// for the end of the code.
	Label []int
}

// Splice inserts before() in front of plan.Entry and after() in front of
// every exit of plan. before and after are called once per insertion so
// each site gets its own values.
func Splice[T any](code []T, plan Plan, before, after func() []T) ([]T, Mapping) {
	m := Mapping{Orig: make([]int, len(code)), Label: make([]int, len(code)+1)}
	if plan.Skip() {
		for i := range code {
			m.Orig[i], m.Label[i] = i, i
		}
		m.Label[len(code)] = len(code)
		return slices.Clone(code), m
	}

	out := make([]T, 0, len(code)+8)
	for i, insn := range code {
		switch {
		case i == plan.Entry:
			out = append(out, before()...)
			m.Label[i] = len(out)
		case slices.Contains(plan.Exits, i):
			m.Label[i] = len(out)
			out = append(out, after()...)
		default:
			m.Label[i] = len(out)
		}
		if i == plan.Entry && slices.Contains(plan.Exits, i) {
			// The constructor returns right after its prologue.
			m.Label[i] = len(out)
			out = append(out, after()...)
		}
		m.Orig[i] = len(out)
		out = append(out, insn)
	}
	m.Label[len(code)] = len(out)
	return out, m
}
