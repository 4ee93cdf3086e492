package verifier

import (
	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
)

type height struct {
	n int
}

// Tracks operand stack heights: no instruction pops more than is there, every
// path into an instruction agrees on the height, and RET leaves exactly the
// declared returns.
type stackAnalysis struct {
	*functionContext
}

func checkStack(fc *functionContext) error {
	return solve[*height](fc.graph, &height{}, stackAnalysis{fc})
}

func (a stackAnalysis) clone(s *height) *height {
	return &height{s.n}
}

func (a stackAnalysis) join(existing *height, incoming *height, offset int) (*height, bool, error) {
	if existing.n != incoming.n {
		return nil, false, a.fail(offset, status.StackHeightMismatch, "stack height %d on one path and %d on another", existing.n, incoming.n)
	}
	return existing, false, nil
}

func (a stackAnalysis) execute(s *height, offset int, instr bytecode.Instruction) error {
	pop, push := a.effect(instr)
	if instr.Op == bytecode.RET && s.n != pop {
		return a.fail(offset, status.StackHeightMismatch, "returning with %d values on the stack, expected %d", s.n, pop)
	}
	if s.n < pop {
		return a.fail(offset, status.StackUnderflow, "%s needs %d values, stack holds %d", instr.Op, pop, s.n)
	}
	s.n += push - pop
	return nil
}

// Stack effect of an instruction, resolving the variable entries of the
// opcode table against the module.
func (fc *functionContext) effect(instr bytecode.Instruction) (pop int, push int) {
	info, _ := bytecode.Info(instr.Op)
	pop, push = info.StackPop, info.StackPush
	m := fc.module
	switch instr.Op {
	case bytecode.RET:
		pop = len(fc.handle.Returns)
	case bytecode.CALL:
		h := m.FunctionHandles[m.FunctionInsts[instr.Arg].Handle]
		pop, push = len(h.Params), len(h.Returns)
	case bytecode.PACK:
		def, _ := m.StructDefOf(m.StructInsts[instr.Arg].Handle)
		pop = len(def.Fields)
	case bytecode.UNPACK:
		def, _ := m.StructDefOf(m.StructInsts[instr.Arg].Handle)
		push = len(def.Fields)
	}
	return pop, push
}
