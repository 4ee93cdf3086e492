package verifier

import (
	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
)

// Whether a local holds a value at a program point. maybeAvailable is the
// join of the other two: some path moved the value out and some did not.
type availability int

const (
	unavailable availability = iota
	available
	maybeAvailable
)

func (l availability) join(r availability) availability {
	if l == r {
		return l
	}
	return maybeAvailable
}

type localState struct {
	locals []availability
}

// Tracks which locals hold values so that nothing is read after a move and
// no resource local is overwritten or abandoned while it still holds a value.
// Values on the operand stack are covered by the type pass: POP and
// WRITE_REF refuse to drop resources and RET must return exactly the stack.
type resourceAnalysis struct {
	*functionContext
}

func checkResources(fc *functionContext) error {
	entry := &localState{make([]availability, len(fc.locals))}
	for i := range fc.handle.Params {
		entry.locals[i] = available
	}
	return solve[*localState](fc.graph, entry, resourceAnalysis{fc})
}

func (a resourceAnalysis) clone(s *localState) *localState {
	return &localState{append([]availability{}, s.locals...)}
}

func (a resourceAnalysis) join(existing *localState, incoming *localState, offset int) (*localState, bool, error) {
	merged := a.clone(existing)
	changed := false
	for i, in := range incoming.locals {
		if j := existing.locals[i].join(in); j != existing.locals[i] {
			merged.locals[i] = j
			changed = true
		}
	}
	return merged, changed, nil
}

func (a resourceAnalysis) droppable(offset int, local uint64) (bool, error) {
	k, err := a.kindOf(offset, a.locals[local])
	if err != nil {
		return false, err
	}
	return k.IsCopyable(), nil
}

func (a resourceAnalysis) requireAvailable(s *localState, offset int, local uint64, op bytecode.Opcode) error {
	switch s.locals[local] {
	case available:
		return nil
	case maybeAvailable:
		return a.fail(offset, status.MoveUnavailableLocal, "%s of local %d which is moved on some path", op, local)
	default:
		return a.fail(offset, status.MoveUnavailableLocal, "%s of local %d which holds no value", op, local)
	}
}

func (a resourceAnalysis) execute(s *localState, offset int, instr bytecode.Instruction) error {
	switch instr.Op {
	case bytecode.COPY_LOC, bytecode.MUT_BORROW_LOC, bytecode.IMM_BORROW_LOC:
		return a.requireAvailable(s, offset, instr.Arg, instr.Op)

	case bytecode.MOVE_LOC:
		if err := a.requireAvailable(s, offset, instr.Arg, instr.Op); err != nil {
			return err
		}
		s.locals[instr.Arg] = unavailable

	case bytecode.ST_LOC:
		if s.locals[instr.Arg] != unavailable {
			ok, err := a.droppable(offset, instr.Arg)
			if err != nil {
				return err
			}
			if !ok {
				return a.fail(offset, status.UnusedResourceValue, "overwriting local %d of type %s which may still hold a value", instr.Arg, a.locals[instr.Arg])
			}
		}
		s.locals[instr.Arg] = available

	case bytecode.RET:
		for i, av := range s.locals {
			if av == unavailable {
				continue
			}
			ok, err := a.droppable(offset, uint64(i))
			if err != nil {
				return err
			}
			if !ok {
				return a.fail(offset, status.UnusedResourceValue, "returning while local %d of type %s may still hold a value", i, a.locals[i])
			}
		}
	}
	return nil
}
