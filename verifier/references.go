package verifier

import (
	"fmt"
	"strings"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
	"github.com/glossopoeia/mvm/util"
)

// Reference safety works on abstract references named after the instruction
// that created them, so a loop reuses the same names on every iteration and
// the analysis stays finite. Each abstract reference records the locations it
// may point at and the references it was derived from.
//
// A location is a root followed by a field path, written "L2/0/1" for field 1
// of field 0 of local 2. Roots are locals (L), reference parameters (P) and
// global resource types (G). Two locations overlap when one is a prefix of the
// other. Vector elements are not tracked separately; a reference into a
// vector points at the vector itself.
type abstractRef struct {
	mutable bool
	targets util.Set[string]
	parents util.Set[string]
}

func (r *abstractRef) clone() *abstractRef {
	return &abstractRef{r.mutable, r.targets.Union(nil), r.parents.Union(nil)}
}

type borrowState struct {
	refs   map[string]*abstractRef
	locals []util.Set[string]
	stack  []util.Set[string]
}

func (s *borrowState) push(ids util.Set[string]) {
	s.stack = append(s.stack, ids)
}

func (s *borrowState) pop() util.Set[string] {
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return top
}

// Every reference some local or operand may currently hold.
func (s *borrowState) live() util.Set[string] {
	res := util.Set[string]{}
	for _, ids := range s.locals {
		res = res.Union(ids)
	}
	for _, ids := range s.stack {
		res = res.Union(ids)
	}
	return res
}

// The references a set of ids derives from, the ids themselves included.
func (s *borrowState) lineage(ids util.Set[string]) util.Set[string] {
	res := ids.Union(nil)
	for id := range ids {
		res = res.Union(s.refs[id].parents)
	}
	return res
}

func (s *borrowState) targets(ids util.Set[string]) util.Set[string] {
	res := util.Set[string]{}
	for id := range ids {
		res = res.Union(s.refs[id].targets)
	}
	return res
}

func (s *borrowState) mutable(ids util.Set[string]) bool {
	for id := range ids {
		if s.refs[id].mutable {
			return true
		}
	}
	return false
}

func overlaps(l string, r string) bool {
	return l == r || strings.HasPrefix(l, r+"/") || strings.HasPrefix(r, l+"/")
}

// The first live reference outside excluded that overlaps one of the
// locations, considering only mutable references when onlyMutable is set.
func (s *borrowState) conflict(locations util.Set[string], excluded util.Set[string], onlyMutable bool) (string, bool) {
	for _, id := range s.live().Sorted() {
		if excluded[id] {
			continue
		}
		ref := s.refs[id]
		if onlyMutable && !ref.mutable {
			continue
		}
		for _, t := range ref.targets.Sorted() {
			for _, l := range locations.Sorted() {
				if overlaps(t, l) {
					return id, true
				}
			}
		}
	}
	return "", false
}

// Whether a live reference points into the given root.
func (s *borrowState) borrows(root string) bool {
	_, found := s.conflict(util.SetOf(root), nil, false)
	return found
}

type referenceAnalysis struct {
	*functionContext
}

func localRoot(i uint64) string {
	return fmt.Sprintf("L%d", i)
}

func globalRoot(id types.StructID) string {
	return "G" + id.String()
}

func checkReferences(fc *functionContext) error {
	entry := &borrowState{refs: map[string]*abstractRef{}, locals: make([]util.Set[string], len(fc.locals))}
	for i := range entry.locals {
		entry.locals[i] = util.Set[string]{}
	}
	for i, p := range fc.handle.Params {
		if r, ok := p.(types.Reference); ok {
			id := fmt.Sprintf("p%d", i)
			entry.refs[id] = &abstractRef{r.Mutable, util.SetOf(fmt.Sprintf("P%d", i)), util.Set[string]{}}
			entry.locals[i] = util.SetOf(id)
		}
	}
	return solve[*borrowState](fc.graph, entry, referenceAnalysis{fc})
}

// Clones the state, dropping references nothing holds any more.
func (a referenceAnalysis) clone(s *borrowState) *borrowState {
	c := &borrowState{refs: map[string]*abstractRef{}}
	for _, ids := range s.locals {
		c.locals = append(c.locals, ids.Union(nil))
	}
	for _, ids := range s.stack {
		c.stack = append(c.stack, ids.Union(nil))
	}
	for id := range c.live() {
		c.refs[id] = s.refs[id].clone()
	}
	return c
}

func (a referenceAnalysis) join(existing *borrowState, incoming *borrowState, offset int) (*borrowState, bool, error) {
	merged := a.clone(existing)
	changed := false
	grow := func(into util.Set[string], from util.Set[string]) util.Set[string] {
		if into.Covers(from) {
			return into
		}
		changed = true
		return into.Union(from)
	}
	for i := range merged.locals {
		merged.locals[i] = grow(merged.locals[i], incoming.locals[i])
	}
	for i := range merged.stack {
		merged.stack[i] = grow(merged.stack[i], incoming.stack[i])
	}
	for id := range incoming.live() {
		ref := incoming.refs[id]
		mine, ok := merged.refs[id]
		if !ok {
			merged.refs[id] = ref.clone()
			changed = true
			continue
		}
		mine.targets = grow(mine.targets, ref.targets)
		mine.parents = grow(mine.parents, ref.parents)
	}
	return merged, changed, nil
}

// Creates a reference at the given site, derived from parents.
func (a referenceAnalysis) create(s *borrowState, id string, mutable bool, targets util.Set[string], parents util.Set[string]) util.Set[string] {
	ref := &abstractRef{mutable, targets, s.lineage(parents)}
	if old, ok := s.refs[id]; ok {
		ref.targets = ref.targets.Union(old.targets)
		ref.parents = ref.parents.Union(old.parents)
	}
	s.refs[id] = ref
	return util.SetOf(id)
}

func site(offset int) string {
	return fmt.Sprintf("o%d", offset)
}

func (a referenceAnalysis) conflictError(offset int, op bytecode.Opcode, with string) error {
	return a.fail(offset, status.ConflictingBorrow, "%s conflicts with live reference %s", op, with)
}

// Checks a use of references that reads through them.
func (a referenceAnalysis) checkRead(s *borrowState, offset int, op bytecode.Opcode, ids util.Set[string]) error {
	if id, found := s.conflict(s.targets(ids), s.lineage(ids), true); found {
		return a.conflictError(offset, op, id)
	}
	return nil
}

// Checks a use of references that writes through them.
func (a referenceAnalysis) checkWrite(s *borrowState, offset int, op bytecode.Opcode, ids util.Set[string]) error {
	if id, found := s.conflict(s.targets(ids), s.lineage(ids), false); found {
		return a.conflictError(offset, op, id)
	}
	return nil
}

func (a referenceAnalysis) execute(s *borrowState, offset int, instr bytecode.Instruction) error {
	m := a.module
	switch instr.Op {
	case bytecode.RET:
		for _, ids := range s.stack {
			for _, t := range s.targets(ids).Sorted() {
				if !strings.HasPrefix(t, "P") {
					return a.fail(offset, status.ReferenceEscapesScope, "returning a reference into %s", t)
				}
			}
		}
		s.stack = s.stack[:0]

	case bytecode.COPY_LOC:
		ids := s.locals[instr.Arg]
		isRef := types.IsReference(a.locals[instr.Arg])
		switch {
		case isRef && s.mutable(ids):
			s.push(a.create(s, site(offset), true, s.targets(ids), ids))
		case isRef:
			s.push(ids.Union(nil))
		default:
			if id, found := s.conflict(util.SetOf(localRoot(instr.Arg)), nil, true); found {
				return a.conflictError(offset, instr.Op, id)
			}
			s.push(util.Set[string]{})
		}

	case bytecode.MOVE_LOC:
		ids := s.locals[instr.Arg]
		if !types.IsReference(a.locals[instr.Arg]) && s.borrows(localRoot(instr.Arg)) {
			return a.fail(offset, status.ReferenceEscapesScope, "moving local %d while it is borrowed", instr.Arg)
		}
		s.locals[instr.Arg] = util.Set[string]{}
		s.push(ids)

	case bytecode.ST_LOC:
		ids := s.pop()
		if !types.IsReference(a.locals[instr.Arg]) && s.borrows(localRoot(instr.Arg)) {
			return a.fail(offset, status.ReferenceEscapesScope, "overwriting local %d while it is borrowed", instr.Arg)
		}
		s.locals[instr.Arg] = ids

	case bytecode.MUT_BORROW_LOC, bytecode.IMM_BORROW_LOC:
		mutable := instr.Op == bytecode.MUT_BORROW_LOC
		root := util.SetOf(localRoot(instr.Arg))
		if id, found := s.conflict(root, nil, !mutable); found {
			return a.conflictError(offset, instr.Op, id)
		}
		s.push(a.create(s, site(offset), mutable, root, nil))

	case bytecode.MUT_BORROW_FIELD, bytecode.IMM_BORROW_FIELD:
		mutable := instr.Op == bytecode.MUT_BORROW_FIELD
		parent := s.pop()
		field := m.FieldInsts[instr.Arg].Field
		targets := util.Set[string]{}
		for t := range s.targets(parent) {
			targets[fmt.Sprintf("%s/%d", t, field)] = true
		}
		if id, found := s.conflict(targets, s.lineage(parent), !mutable); found {
			return a.conflictError(offset, instr.Op, id)
		}
		s.push(a.create(s, site(offset), mutable, targets, parent))

	case bytecode.READ_REF:
		ids := s.pop()
		if err := a.checkRead(s, offset, instr.Op, ids); err != nil {
			return err
		}
		s.push(util.Set[string]{})

	case bytecode.WRITE_REF:
		ids := s.pop()
		s.pop()
		return a.checkWrite(s, offset, instr.Op, ids)

	case bytecode.FREEZE_REF:
		ids := s.pop()
		if err := a.checkRead(s, offset, instr.Op, ids); err != nil {
			return err
		}
		s.push(a.create(s, site(offset), false, s.targets(ids), ids))

	case bytecode.EQ, bytecode.NEQ:
		r, l := s.pop(), s.pop()
		for _, ids := range []util.Set[string]{l, r} {
			if err := a.checkRead(s, offset, instr.Op, ids); err != nil {
				return err
			}
		}
		s.push(util.Set[string]{})

	case bytecode.CALL:
		return a.call(s, offset, instr)

	case bytecode.MUT_BORROW_GLOBAL, bytecode.IMM_BORROW_GLOBAL:
		mutable := instr.Op == bytecode.MUT_BORROW_GLOBAL
		s.pop()
		root := util.SetOf(globalRoot(a.globalID(instr.Arg)))
		if id, found := s.conflict(root, nil, !mutable); found {
			return a.conflictError(offset, instr.Op, id)
		}
		s.push(a.create(s, site(offset), mutable, root, nil))

	case bytecode.MOVE_FROM, bytecode.MOVE_TO:
		if s.borrows(globalRoot(a.globalID(instr.Arg))) {
			return a.fail(offset, status.ConflictingBorrow, "%s while %s is borrowed", instr.Op, a.globalID(instr.Arg))
		}
		a.passThrough(s, instr)

	default:
		a.passThrough(s, instr)
	}
	return nil
}

func (a referenceAnalysis) globalID(inst uint64) types.StructID {
	m := a.module
	return m.StructHandles[m.StructInsts[inst].Handle].ID()
}

// Instructions that never create or consume references only move plain
// values.
func (a referenceAnalysis) passThrough(s *borrowState, instr bytecode.Instruction) {
	pop, push := a.effect(instr)
	s.stack = s.stack[:len(s.stack)-pop]
	for i := 0; i < push; i++ {
		s.push(util.Set[string]{})
	}
}

// A call uses each reference argument for reading or writing, so every
// argument is checked against the others as well as against the rest of the
// frame. Returned references are derived from the arguments.
func (a referenceAnalysis) call(s *borrowState, offset int, instr bytecode.Instruction) error {
	m := a.module
	h := m.FunctionHandles[m.FunctionInsts[instr.Arg].Handle]
	n := len(h.Params)
	args := append([]util.Set[string]{}, s.stack[len(s.stack)-n:]...)

	allArgs, mutArgs := util.Set[string]{}, util.Set[string]{}
	for _, ids := range args {
		allArgs = allArgs.Union(ids)
		if s.mutable(ids) {
			mutArgs = mutArgs.Union(ids)
		}
	}
	base := len(s.stack) - n
	for i, ids := range args {
		if len(ids) == 0 {
			continue
		}
		// The other arguments stay on the stack while this one is checked.
		s.stack[base+i] = util.Set[string]{}
		var err error
		if s.mutable(ids) {
			err = a.checkWrite(s, offset, instr.Op, ids)
		} else {
			err = a.checkRead(s, offset, instr.Op, ids)
		}
		s.stack[base+i] = ids
		if err != nil {
			return err
		}
	}

	parents := s.lineage(allArgs)
	mutParents := s.lineage(mutArgs)
	s.stack = s.stack[:len(s.stack)-n]
	for j, ret := range h.Returns {
		r, ok := ret.(types.Reference)
		if !ok {
			s.push(util.Set[string]{})
			continue
		}
		from := allArgs
		if r.Mutable {
			from = mutArgs
		}
		id := fmt.Sprintf("%s.%d", site(offset), j)
		ref := &abstractRef{r.Mutable, s.targets(from), parents}
		if r.Mutable {
			ref.parents = mutParents
		}
		if old, ok := s.refs[id]; ok {
			ref.targets = ref.targets.Union(old.targets)
			ref.parents = ref.parents.Union(old.parents)
		}
		s.refs[id] = ref
		s.push(util.SetOf(id))
	}
	return nil
}
