package verifier

import (
	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

var castTargets = map[bytecode.Opcode]types.Type{
	bytecode.CAST_U8:   types.U8,
	bytecode.CAST_U64:  types.U64,
	bytecode.CAST_U128: types.U128,
}

type typeStack struct {
	ts []types.Type
}

func (s *typeStack) push(ts ...types.Type) {
	s.ts = append(s.ts, ts...)
}

func (s *typeStack) pop() types.Type {
	t := s.ts[len(s.ts)-1]
	s.ts = s.ts[:len(s.ts)-1]
	return t
}

// Abstractly executes each function over operand types. Local types never
// change, so the state is the operand stack alone. Stack heights were already
// checked, so pops never underflow.
type typeAnalysis struct {
	*functionContext
}

func checkTypes(fc *functionContext) error {
	return solve[*typeStack](fc.graph, &typeStack{}, typeAnalysis{fc})
}

func (a typeAnalysis) clone(s *typeStack) *typeStack {
	return &typeStack{append([]types.Type{}, s.ts...)}
}

func (a typeAnalysis) join(existing *typeStack, incoming *typeStack, offset int) (*typeStack, bool, error) {
	if !types.EqualAll(existing.ts, incoming.ts) {
		return nil, false, a.fail(offset, status.TypeMismatch, "operand types %s on one path and %s on another",
			types.StringAll(existing.ts), types.StringAll(incoming.ts))
	}
	return existing, false, nil
}

// An instantiated struct together with its instantiated field types. Fields
// are nil for structs of other modules.
type structInstance struct {
	ty     types.Struct
	fields []types.Type
}

// Checks the type arguments of an instantiation against the parameters of the
// enclosing function and the constraints of the instantiated declaration.
func (fc *functionContext) checkTypeArgs(offset int, args []types.Type, constraints []types.Kind, what string) error {
	for i, arg := range args {
		k, err := fc.kindOf(offset, arg)
		if err != nil {
			return err
		}
		if !types.Satisfies(k, constraints[i]) {
			return fc.fail(offset, status.ConstraintNotSatisfied, "type argument %s of %s is %s, expected %s", arg, what, k, constraints[i])
		}
	}
	return nil
}

func (fc *functionContext) structInstance(offset int, idx uint64) (*structInstance, error) {
	m := fc.module
	si := m.StructInsts[idx]
	h := m.StructHandles[si.Handle]
	if err := fc.checkTypeArgs(offset, si.TypeArgs, h.TypeParams, h.ID().String()); err != nil {
		return nil, err
	}
	inst := &structInstance{ty: types.NewStruct(h.ID(), si.TypeArgs...)}
	if def, ok := m.StructDefOf(si.Handle); ok {
		subst := types.NewSubstitution(si.TypeArgs, fc.maxDepth)
		for _, f := range def.Fields {
			ft, err := subst.Apply(f.Type)
			if err != nil {
				return nil, fc.reject(offset, err)
			}
			inst.fields = append(inst.fields, ft)
		}
	}
	return inst, nil
}

// The instantiated parameter and return types of a call.
func (fc *functionContext) callSignature(offset int, idx uint64) (params []types.Type, returns []types.Type, err error) {
	m := fc.module
	fi := m.FunctionInsts[idx]
	h := m.FunctionHandles[fi.Handle]
	if err := fc.checkTypeArgs(offset, fi.TypeArgs, h.TypeParams, h.String()); err != nil {
		return nil, nil, err
	}
	subst := types.NewSubstitution(fi.TypeArgs, fc.maxDepth)
	if params, err = subst.ApplyAll(h.Params); err != nil {
		return nil, nil, fc.reject(offset, err)
	}
	if returns, err = subst.ApplyAll(h.Returns); err != nil {
		return nil, nil, fc.reject(offset, err)
	}
	return params, returns, nil
}

func (a typeAnalysis) expect(offset int, got types.Type, want types.Type, what string) error {
	if !types.Equal(got, want) {
		return a.fail(offset, status.TypeMismatch, "%s has type %s, expected %s", what, got, want)
	}
	return nil
}

func (a typeAnalysis) expectInteger(offset int, t types.Type, op bytecode.Opcode) error {
	if !types.IsInteger(t) {
		return a.fail(offset, status.TypeMismatch, "%s of non-integer %s", op, t)
	}
	return nil
}

func (a typeAnalysis) expectReference(offset int, t types.Type, mutable bool, op bytecode.Opcode) (types.Reference, error) {
	r, ok := t.(types.Reference)
	if !ok {
		return types.Reference{}, a.fail(offset, status.TypeMismatch, "%s of non-reference %s", op, t)
	}
	if mutable && !r.Mutable {
		return types.Reference{}, a.fail(offset, status.TypeMismatch, "%s needs a mutable reference, got %s", op, t)
	}
	return r, nil
}

func (a typeAnalysis) requireCopyable(offset int, t types.Type, code status.Code, what string) error {
	k, err := a.kindOf(offset, t)
	if err != nil {
		return err
	}
	if !k.IsCopyable() {
		return a.fail(offset, code, "%s of %s value of type %s", what, k, t)
	}
	return nil
}

func (a typeAnalysis) execute(s *typeStack, offset int, instr bytecode.Instruction) error {
	m := a.module
	switch instr.Op {
	case bytecode.NOP, bytecode.BRANCH:

	case bytecode.POP:
		return a.requireCopyable(offset, s.pop(), status.UnusedResourceValue, "pop")

	case bytecode.RET:
		if !types.EqualAll(s.ts, a.handle.Returns) {
			return a.fail(offset, status.ReturnTypeMismatch, "returning %s from a function declared to return %s",
				types.StringAll(s.ts), types.StringAll(a.handle.Returns))
		}
		s.ts = s.ts[:0]

	case bytecode.BR_TRUE, bytecode.BR_FALSE:
		return a.expect(offset, s.pop(), types.Bool, "branch condition")

	case bytecode.LD_U8:
		s.push(types.U8)
	case bytecode.LD_U64:
		s.push(types.U64)
	case bytecode.LD_U128, bytecode.LD_CONST:
		s.push(m.Constants[instr.Arg].Type)
	case bytecode.LD_TRUE, bytecode.LD_FALSE:
		s.push(types.Bool)

	case bytecode.COPY_LOC:
		t := a.locals[instr.Arg]
		if err := a.requireCopyable(offset, t, status.CopyResourceValue, "copy"); err != nil {
			return err
		}
		s.push(t)
	case bytecode.MOVE_LOC:
		s.push(a.locals[instr.Arg])
	case bytecode.ST_LOC:
		return a.expect(offset, s.pop(), a.locals[instr.Arg], "stored value")
	case bytecode.MUT_BORROW_LOC, bytecode.IMM_BORROW_LOC:
		t := a.locals[instr.Arg]
		if types.IsReference(t) {
			return a.fail(offset, status.TypeMismatch, "borrowing local %d of reference type %s", instr.Arg, t)
		}
		s.push(types.Reference{Mutable: instr.Op == bytecode.MUT_BORROW_LOC, Inner: t})
	case bytecode.MUT_BORROW_FIELD, bytecode.IMM_BORROW_FIELD:
		mutable := instr.Op == bytecode.MUT_BORROW_FIELD
		fi := m.FieldInsts[instr.Arg]
		inst, err := a.structInstance(offset, uint64(fi.Struct))
		if err != nil {
			return err
		}
		r, err := a.expectReference(offset, s.pop(), mutable, instr.Op)
		if err != nil {
			return err
		}
		if err := a.expect(offset, r.Inner, inst.ty, "borrowed struct"); err != nil {
			return err
		}
		s.push(types.Reference{Mutable: mutable, Inner: inst.fields[fi.Field]})

	case bytecode.CALL:
		params, returns, err := a.callSignature(offset, instr.Arg)
		if err != nil {
			return err
		}
		args := s.ts[len(s.ts)-len(params):]
		for i, p := range params {
			if err := a.expect(offset, args[i], p, "argument"); err != nil {
				return err
			}
		}
		s.ts = s.ts[:len(s.ts)-len(params)]
		s.push(returns...)
	case bytecode.PACK:
		inst, err := a.structInstance(offset, instr.Arg)
		if err != nil {
			return err
		}
		fields := s.ts[len(s.ts)-len(inst.fields):]
		for i, f := range inst.fields {
			if err := a.expect(offset, fields[i], f, "field"); err != nil {
				return err
			}
		}
		s.ts = s.ts[:len(s.ts)-len(inst.fields)]
		s.push(inst.ty)
	case bytecode.UNPACK:
		inst, err := a.structInstance(offset, instr.Arg)
		if err != nil {
			return err
		}
		if err := a.expect(offset, s.pop(), inst.ty, "unpacked value"); err != nil {
			return err
		}
		s.push(inst.fields...)

	case bytecode.READ_REF:
		r, err := a.expectReference(offset, s.pop(), false, instr.Op)
		if err != nil {
			return err
		}
		if err := a.requireCopyable(offset, r.Inner, status.CopyResourceValue, "read"); err != nil {
			return err
		}
		s.push(r.Inner)
	case bytecode.WRITE_REF:
		r, err := a.expectReference(offset, s.pop(), true, instr.Op)
		if err != nil {
			return err
		}
		if err := a.expect(offset, s.pop(), r.Inner, "written value"); err != nil {
			return err
		}
		// The overwritten value is dropped.
		return a.requireCopyable(offset, r.Inner, status.UnusedResourceValue, "overwrite")
	case bytecode.FREEZE_REF:
		r, err := a.expectReference(offset, s.pop(), true, instr.Op)
		if err != nil {
			return err
		}
		s.push(types.Ref(r.Inner))

	case bytecode.ADD, bytecode.SUB, bytecode.MUL, bytecode.MOD, bytecode.DIV,
		bytecode.BIT_OR, bytecode.BIT_AND, bytecode.XOR:
		r, l := s.pop(), s.pop()
		if err := a.expectInteger(offset, l, instr.Op); err != nil {
			return err
		}
		if err := a.expect(offset, r, l, "right operand"); err != nil {
			return err
		}
		s.push(l)
	case bytecode.SHL, bytecode.SHR:
		r, l := s.pop(), s.pop()
		if err := a.expectInteger(offset, l, instr.Op); err != nil {
			return err
		}
		if err := a.expect(offset, r, types.U8, "shift amount"); err != nil {
			return err
		}
		s.push(l)
	case bytecode.OR, bytecode.AND:
		r, l := s.pop(), s.pop()
		if err := a.expect(offset, l, types.Bool, "left operand"); err != nil {
			return err
		}
		if err := a.expect(offset, r, types.Bool, "right operand"); err != nil {
			return err
		}
		s.push(types.Bool)
	case bytecode.NOT:
		if err := a.expect(offset, s.pop(), types.Bool, "operand"); err != nil {
			return err
		}
		s.push(types.Bool)
	case bytecode.EQ, bytecode.NEQ:
		r, l := s.pop(), s.pop()
		if err := a.expect(offset, r, l, "right operand"); err != nil {
			return err
		}
		inner := l
		if ref, ok := l.(types.Reference); ok {
			inner = ref.Inner
		}
		if err := a.requireCopyable(offset, inner, status.CopyResourceValue, "comparison"); err != nil {
			return err
		}
		s.push(types.Bool)
	case bytecode.LT, bytecode.GT, bytecode.LE, bytecode.GE:
		r, l := s.pop(), s.pop()
		if err := a.expectInteger(offset, l, instr.Op); err != nil {
			return err
		}
		if err := a.expect(offset, r, l, "right operand"); err != nil {
			return err
		}
		s.push(types.Bool)
	case bytecode.CAST_U8, bytecode.CAST_U64, bytecode.CAST_U128:
		if err := a.expectInteger(offset, s.pop(), instr.Op); err != nil {
			return err
		}
		s.push(castTargets[instr.Op])

	case bytecode.ABORT:
		if err := a.expect(offset, s.pop(), types.U64, "abort code"); err != nil {
			return err
		}
		s.ts = s.ts[:0]

	case bytecode.EXISTS, bytecode.MUT_BORROW_GLOBAL, bytecode.IMM_BORROW_GLOBAL, bytecode.MOVE_FROM:
		inst, err := a.structInstance(offset, instr.Arg)
		if err != nil {
			return err
		}
		if err := a.expect(offset, s.pop(), types.Addr, "address"); err != nil {
			return err
		}
		switch instr.Op {
		case bytecode.EXISTS:
			s.push(types.Bool)
		case bytecode.MOVE_FROM:
			s.push(inst.ty)
		default:
			s.push(types.Reference{Mutable: instr.Op == bytecode.MUT_BORROW_GLOBAL, Inner: inst.ty})
		}
	case bytecode.MOVE_TO:
		inst, err := a.structInstance(offset, instr.Arg)
		if err != nil {
			return err
		}
		if err := a.expect(offset, s.pop(), inst.ty, "published value"); err != nil {
			return err
		}
		return a.expect(offset, s.pop(), types.Addr, "address")

	default:
		panic("Invalid opcode encountered.")
	}
	return nil
}
