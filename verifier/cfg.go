package verifier

import (
	"golang.org/x/exp/slices"

	"github.com/glossopoeia/mvm/bytecode"
)

// A maximal run of instructions entered only at its first offset and left
// only from its last.
type block struct {
	start int
	end   int
	succs []int
}

// The control flow graph of a function body. Bounds checking has already
// established that every branch target is in range and the code ends in an
// unconditional instruction, so every block's fall-through successor exists.
type cfg struct {
	code   []bytecode.Instruction
	blocks map[int]*block
	// Block start offsets in reverse postorder from the entry. Unreachable
	// blocks are absent.
	order []int
}

func newCFG(code []bytecode.Instruction) *cfg {
	g := &cfg{code: code, blocks: map[int]*block{}}
	if len(code) == 0 {
		return g
	}

	leaders := map[int]bool{0: true}
	for off, instr := range code {
		if instr.Op.IsBranch() {
			leaders[int(instr.Arg)] = true
		}
		if (instr.Op.IsBranch() || instr.Op.IsUnconditional()) && off+1 < len(code) {
			leaders[off+1] = true
		}
	}

	starts := make([]int, 0, len(leaders))
	for off := range leaders {
		starts = append(starts, off)
	}
	slices.Sort(starts)
	for i, start := range starts {
		end := len(code) - 1
		if i+1 < len(starts) {
			end = starts[i+1] - 1
		}
		b := &block{start: start, end: end}
		last := code[end]
		switch last.Op {
		case bytecode.RET, bytecode.ABORT:
		case bytecode.BRANCH:
			b.succs = []int{int(last.Arg)}
		case bytecode.BR_TRUE, bytecode.BR_FALSE:
			b.succs = []int{int(last.Arg), end + 1}
		default:
			b.succs = []int{end + 1}
		}
		g.blocks[start] = b
	}

	visited := map[int]bool{}
	var post []int
	var visit func(int)
	visit = func(start int) {
		visited[start] = true
		for _, s := range g.blocks[start].succs {
			if !visited[s] {
				visit(s)
			}
		}
		post = append(post, start)
	}
	visit(0)
	for i := len(post) - 1; i >= 0; i-- {
		g.order = append(g.order, post[i])
	}
	return g
}

// An abstract interpretation over states of type S. execute runs a single
// instruction, updating the state in place. join merges a state flowing into
// a block with the state already recorded there, and reports whether the
// recorded state grew.
type analysis[S any] interface {
	execute(state S, offset int, instr bytecode.Instruction) error
	join(existing S, incoming S, offset int) (S, bool, error)
	clone(state S) S
}

// Runs an analysis to a fixed point from the entry state. Blocks are visited
// in reverse postorder, repeating until no entry state changes, so the same
// code always produces the same first error.
func solve[S any](g *cfg, entry S, a analysis[S]) error {
	if len(g.order) == 0 {
		return nil
	}
	in := map[int]S{g.order[0]: entry}
	dirty := map[int]bool{g.order[0]: true}
	for len(dirty) > 0 {
		for _, start := range g.order {
			if !dirty[start] {
				continue
			}
			delete(dirty, start)
			b := g.blocks[start]
			state := a.clone(in[start])
			for off := b.start; off <= b.end; off++ {
				if err := a.execute(state, off, g.code[off]); err != nil {
					return err
				}
			}
			for _, succ := range b.succs {
				existing, ok := in[succ]
				if !ok {
					in[succ] = a.clone(state)
					dirty[succ] = true
					continue
				}
				merged, changed, err := a.join(existing, state, succ)
				if err != nil {
					return err
				}
				if changed {
					in[succ] = merged
					dirty[succ] = true
				}
			}
		}
	}
	return nil
}
