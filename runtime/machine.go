package runtime

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/tliron/commonlog"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/gas"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

var log = commonlog.GetLogger("mvm.runtime")

type State int

const (
	Running State = iota
	AwaitingNative
	Returned
	Aborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case AwaitingNative:
		return "awaiting-native"
	case Returned:
		return "returned"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ExecutionResult is the outcome of one run. Abort is nil when the entry
// function returned normally, in which case Returns holds its results.
type ExecutionResult struct {
	Returns []Value
	GasUsed uint64
	Abort   *status.Error
}

func (r ExecutionResult) Succeeded() bool {
	return r.Abort == nil
}

// Machine interprets verified bytecode for one transaction at a time. A
// Machine is not safe for concurrent use; concurrent transactions each get
// their own Machine and DataCache over a shared Loader.
type Machine struct {
	loader  *Loader
	data    *DataCache
	codec   *ValueCodec
	natives *NativeTable
	costs   gas.CostTable
	meter   *gas.Meter
	stack   *CallStack
	state   State
	returns []Value

	TraceExecution bool
	// Block data and prices the host exposes to natives.
	Context ExecutionContext
	Oracle  Oracle
}

func NewMachine(loader *Loader, data *DataCache, costs gas.CostTable, maxCallDepth int) *Machine {
	return &Machine{
		loader:  loader,
		data:    data,
		codec:   data.codec,
		natives: loader.natives,
		costs:   costs,
		stack:   NewCallStack(maxCallDepth),
	}
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) Data() *DataCache {
	return m.data
}

// Execute runs fn to completion with the given gas budget. Aborts of the
// running code, including running out of gas, are reported in the result.
// The error return is reserved for failures outside the code's control:
// malformed host input, storage failures and internal invariant violations.
func (m *Machine) Execute(fn *Function, typeArgs []types.Type, args []Value, budget uint64) (res ExecutionResult, err error) {
	m.meter = gas.NewMeter(budget)
	m.stack.Clear()
	m.returns = nil
	m.state = Running

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic in %s: %v", fn.QualifiedName(), r)
			m.state = Aborted
			m.stack.Clear()
			m.data.dropBorrows()
			res = ExecutionResult{GasUsed: m.meter.Used()}
			err = status.Invariantf("%v", r)
		}
	}()

	if err := m.checkEntry(fn, typeArgs, args); err != nil {
		return ExecutionResult{}, err
	}

	if fn.IsNative() {
		m.returns, err = m.invokeNative(fn, typeArgs, args)
		if err == nil {
			m.state = Returned
		}
	} else {
		fr := newFrame(fn, typeArgs)
		copy(fr.locals, args)
		if err = m.stack.PushFrame(fr); err == nil {
			err = m.run()
		}
	}

	res.GasUsed = m.meter.Used()
	if err == nil {
		res.Returns = m.returns
		return res, nil
	}
	m.state = Aborted
	m.stack.Clear()
	m.data.dropBorrows()
	serr, ok := status.AsError(err)
	if ok && serr.Category == status.Execution {
		log.Warningf("%s aborted: %s", fn.QualifiedName(), serr)
		res.Abort = serr
		return res, nil
	}
	if ok && serr.Code == status.InternalInvariantViolation {
		log.Errorf("%s: %s", fn.QualifiedName(), serr)
	}
	return res, err
}

func (m *Machine) checkEntry(fn *Function, typeArgs []types.Type, args []Value) error {
	h := fn.Handle
	if len(typeArgs) != len(h.TypeParams) {
		return status.Newf(status.TypeArityMismatch, "%s expects %d type arguments, got %d", fn.QualifiedName(), len(h.TypeParams), len(typeArgs))
	}
	for i, t := range typeArgs {
		if !types.IsConcrete(t) || types.ContainsReference(t) {
			return status.Newf(status.InvalidArguments, "type argument %s is not a concrete value type", t)
		}
		k, err := m.loader.Kinds().Of(t, nil)
		if err != nil {
			return err
		}
		if !types.Satisfies(k, h.TypeParams[i]) {
			return status.Newf(status.ConstraintNotSatisfied, "type argument %s does not satisfy %s", t, h.TypeParams[i])
		}
	}
	if len(args) != len(h.Params) {
		return status.Newf(status.InvalidArguments, "%s expects %d arguments, got %d", fn.QualifiedName(), len(h.Params), len(args))
	}
	params, err := types.NewSubstitution(typeArgs, m.loader.MaxTypeDepth()).ApplyAll(h.Params)
	if err != nil {
		return err
	}
	for i, p := range params {
		if err := CheckValue(m.loader, args[i], p); err != nil {
			return status.Newf(status.InvalidArguments, "argument %d: %v", i, err)
		}
	}
	for _, r := range h.Returns {
		if types.ContainsReference(r) {
			return status.Newf(status.InvalidArguments, "%s returns a reference", fn.QualifiedName())
		}
	}
	return nil
}

func (m *Machine) run() error {
	for m.state == Running {
		fr := m.stack.Top()
		if fr.pc < 0 || fr.pc >= len(fr.fn.Code) {
			return status.Invariantf("pc %d outside of %s", fr.pc, fr.fn.QualifiedName()).At(fr.Location())
		}
		instr := fr.instruction()
		if m.TraceExecution {
			m.trace(fr, instr)
		}
		if err := m.charge(fr, instr); err != nil {
			return locate(err, fr)
		}
		if err := m.step(fr, instr); err != nil {
			return locate(err, fr)
		}
	}
	return nil
}

func locate(err error, fr *Frame) error {
	if serr, ok := status.AsError(err); ok {
		return serr.At(fr.Location())
	}
	return err
}

func (m *Machine) trace(fr *Frame, instr bytecode.Instruction) {
	if !log.AllowLevel(commonlog.Debug) {
		return
	}
	log.Debugf("%s %s gas=%d", fr.Location(), instr, m.meter.Remaining())
	log.Debugf("locals: %s", spew.Sdump(fr.locals))
	log.Debugf("values: %s", spew.Sdump(fr.values))
}

// charge prices an instruction before it runs. Size-dependent instructions
// are priced by the abstract size of the data they touch.
func (m *Machine) charge(fr *Frame, instr bytecode.Instruction) error {
	var size uint64
	if instr.Op.IsSizeDependent() {
		s, err := m.operandSize(fr, instr)
		if err != nil {
			return err
		}
		size = s
	}
	return m.meter.Charge(m.costs.Instruction(instr.Op, size))
}

func (m *Machine) operandSize(fr *Frame, instr bytecode.Instruction) (uint64, error) {
	switch instr.Op {
	case bytecode.COPY_LOC:
		return Size(fr.locals[instr.Arg]), nil
	case bytecode.LD_CONST:
		return uint64(len(fr.fn.Module.Constants[instr.Arg].Data)), nil
	case bytecode.READ_REF:
		v, err := m.deref(fr.PeekOneValue().(Ref))
		if err != nil {
			return 0, err
		}
		return Size(v), nil
	case bytecode.WRITE_REF:
		return Size(fr.values[len(fr.values)-2]), nil
	case bytecode.EQ, bytecode.NEQ:
		var size uint64
		for _, v := range fr.values[len(fr.values)-2:] {
			v, err := m.derefIfRef(v)
			if err != nil {
				return 0, err
			}
			size += Size(v)
		}
		return size, nil
	case bytecode.MOVE_TO:
		return Size(fr.PeekOneValue()), nil
	case bytecode.MOVE_FROM:
		t, err := m.globalType(fr, instr.Arg)
		if err != nil {
			return 0, err
		}
		v, _, err := m.data.Read(fr.PeekOneValue().(types.Address), t)
		if err != nil {
			return 0, err
		}
		return Size(v), nil
	default:
		return 0, nil
	}
}

func (m *Machine) step(fr *Frame, instr bytecode.Instruction) error {
	mod := fr.fn.Module
	switch instr.Op {
	case bytecode.NOP:
		// nothing
	case bytecode.POP:
		if r, ok := fr.PopOneValue().(Ref); ok {
			m.data.release(r)
		}
	case bytecode.RET:
		return m.ret(fr)

	case bytecode.BRANCH:
		fr.pc = int(instr.Arg)
		return nil
	case bytecode.BR_TRUE:
		if fr.PopOneValue().(bool) {
			fr.pc = int(instr.Arg)
			return nil
		}
	case bytecode.BR_FALSE:
		if !fr.PopOneValue().(bool) {
			fr.pc = int(instr.Arg)
			return nil
		}

	case bytecode.LD_U8:
		fr.PushValue(uint8(instr.Arg))
	case bytecode.LD_U64:
		fr.PushValue(instr.Arg)
	case bytecode.LD_U128, bytecode.LD_CONST:
		v, err := constantValue(mod.Constants[instr.Arg])
		if err != nil {
			return status.Invariantf("%v", err)
		}
		fr.PushValue(v)
	case bytecode.LD_TRUE:
		fr.PushValue(true)
	case bytecode.LD_FALSE:
		fr.PushValue(false)

	case bytecode.COPY_LOC:
		v := fr.locals[instr.Arg]
		if v == nil {
			return status.Invariantf("copy of unavailable local %d", instr.Arg)
		}
		if r, ok := v.(Ref); ok {
			m.data.derive(r)
			fr.PushValue(Copy(r))
			break
		}
		if err := m.requireCopyable(fr, fr.fn.LocalTypes[instr.Arg]); err != nil {
			return err
		}
		fr.PushValue(Copy(v))
	case bytecode.MOVE_LOC:
		v := fr.locals[instr.Arg]
		if v == nil {
			return status.Invariantf("move of unavailable local %d", instr.Arg)
		}
		fr.locals[instr.Arg] = nil
		fr.PushValue(v)
	case bytecode.ST_LOC:
		if r, ok := fr.locals[instr.Arg].(Ref); ok {
			m.data.release(r)
		}
		fr.locals[instr.Arg] = fr.PopOneValue()
	case bytecode.MUT_BORROW_LOC, bytecode.IMM_BORROW_LOC:
		fr.PushValue(Ref{
			Root:    Root{Kind: LocalRoot, Frame: m.stack.Depth() - 1, Slot: int(instr.Arg)},
			Mutable: instr.Op == bytecode.MUT_BORROW_LOC,
		})
	case bytecode.MUT_BORROW_FIELD, bytecode.IMM_BORROW_FIELD:
		parent := fr.PopOneValue().(Ref)
		fi := mod.FieldInsts[instr.Arg]
		child := parent.Child(fi.Field, instr.Op == bytecode.MUT_BORROW_FIELD)
		m.data.release(parent)
		m.data.derive(child)
		fr.PushValue(child)

	case bytecode.CALL:
		return m.call(fr, instr.Arg)
	case bytecode.PACK:
		si := mod.StructInsts[instr.Arg]
		st := mod.Struct(si.Handle)
		fr.PushValue(NewStruct(fr.PopValues(len(st.Fields))...))
	case bytecode.UNPACK:
		s := fr.PopOneValue().(*Struct)
		for _, f := range s.Fields {
			fr.PushValue(f)
		}

	case bytecode.READ_REF:
		r := fr.PopOneValue().(Ref)
		v, err := m.deref(r)
		if err != nil {
			return err
		}
		m.data.release(r)
		fr.PushValue(Copy(v))
	case bytecode.WRITE_REF:
		v, rv := fr.PopTwoValues()
		r := rv.(Ref)
		if !r.Mutable {
			return status.Invariantf("write through immutable reference %s", r)
		}
		if err := m.assign(r, v); err != nil {
			return err
		}
		m.data.release(r)
	case bytecode.FREEZE_REF:
		r := fr.PopOneValue().(Ref)
		m.data.release(r)
		frozen := r.Freeze()
		m.data.derive(frozen)
		fr.PushValue(frozen)

	case bytecode.ADD, bytecode.SUB, bytecode.MUL, bytecode.DIV, bytecode.MOD,
		bytecode.BIT_OR, bytecode.BIT_AND, bytecode.XOR, bytecode.SHL, bytecode.SHR:
		l, r := fr.PopTwoValues()
		res, err := Arith(instr.Op, l, r)
		if err != nil {
			return err
		}
		fr.PushValue(res)
	case bytecode.OR:
		l, r := fr.PopTwoValues()
		fr.PushValue(l.(bool) || r.(bool))
	case bytecode.AND:
		l, r := fr.PopTwoValues()
		fr.PushValue(l.(bool) && r.(bool))
	case bytecode.NOT:
		fr.PushValue(!fr.PopOneValue().(bool))
	case bytecode.EQ, bytecode.NEQ:
		l, r := fr.PopTwoValues()
		eq, err := m.equals(l, r)
		if err != nil {
			return err
		}
		fr.PushValue(eq == (instr.Op == bytecode.EQ))
	case bytecode.LT, bytecode.GT, bytecode.LE, bytecode.GE:
		l, r := fr.PopTwoValues()
		fr.PushValue(Comparison(instr.Op, l, r))
	case bytecode.CAST_U8, bytecode.CAST_U64, bytecode.CAST_U128:
		res, err := Cast(instr.Op, fr.PopOneValue())
		if err != nil {
			return err
		}
		fr.PushValue(res)

	case bytecode.ABORT:
		return status.UserAbort(fr.PopOneValue().(uint64))

	case bytecode.EXISTS:
		t, err := m.globalType(fr, instr.Arg)
		if err != nil {
			return err
		}
		ok, err := m.data.Exists(fr.PopOneValue().(types.Address), t)
		if err != nil {
			return err
		}
		fr.PushValue(ok)
	case bytecode.MUT_BORROW_GLOBAL, bytecode.IMM_BORROW_GLOBAL:
		t, err := m.globalType(fr, instr.Arg)
		if err != nil {
			return err
		}
		r, err := m.data.Borrow(fr.PopOneValue().(types.Address), t, instr.Op == bytecode.MUT_BORROW_GLOBAL)
		if err != nil {
			return err
		}
		fr.PushValue(r)
	case bytecode.MOVE_FROM:
		t, err := m.globalType(fr, instr.Arg)
		if err != nil {
			return err
		}
		v, err := m.data.MoveFrom(fr.PopOneValue().(types.Address), t)
		if err != nil {
			return err
		}
		fr.PushValue(v)
	case bytecode.MOVE_TO:
		t, err := m.globalType(fr, instr.Arg)
		if err != nil {
			return err
		}
		addr, v := fr.PopTwoValues()
		if err := m.data.MoveTo(addr.(types.Address), t, v); err != nil {
			return err
		}

	default:
		return status.Invariantf("unknown opcode %s", instr.Op)
	}
	fr.pc++
	return nil
}

func (m *Machine) ret(fr *Frame) error {
	results := fr.PopValues(len(fr.fn.Handle.Returns))
	m.stack.PopFrame()
	m.data.releaseAll(fr.locals)
	m.data.releaseAll(fr.values)

	caller := m.stack.Top()
	if caller == nil {
		m.returns = results
		m.state = Returned
		return nil
	}
	for _, v := range results {
		caller.PushValue(v)
	}
	return nil
}

func (m *Machine) call(fr *Frame, inst uint64) error {
	fi := fr.fn.Module.FunctionInsts[inst]
	callee := fr.fn.Module.Callee(fi.Handle)
	typeArgs, err := m.instantiate(fr, fi.TypeArgs)
	if err != nil {
		return err
	}
	args := fr.PopValues(len(callee.Handle.Params))
	if callee.IsNative() {
		results, err := m.invokeNative(callee, typeArgs, args)
		if err != nil {
			return err
		}
		for _, v := range results {
			fr.PushValue(v)
		}
		fr.pc++
		return nil
	}

	next := newFrame(callee, typeArgs)
	copy(next.locals, args)
	if err := m.stack.PushFrame(next); err != nil {
		return err
	}
	fr.pc++
	return nil
}

// invokeNative hands control to a native. Its arguments are consumed by the
// call, so any references among them are released once it returns.
func (m *Machine) invokeNative(fn *Function, typeArgs []types.Type, args []Value) ([]Value, error) {
	m.state = AwaitingNative
	results, cost, err := m.natives.Invoke(&NativeContext{m}, fn.QualifiedName(), typeArgs, args, m.meter.Remaining())
	m.state = Running
	m.data.releaseAll(args)
	if cerr := m.meter.Charge(cost); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

// instantiate closes instruction-level type arguments over the frame's own.
func (m *Machine) instantiate(fr *Frame, args []types.Type) ([]types.Type, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return types.NewSubstitution(fr.typeArgs, m.loader.MaxTypeDepth()).ApplyAll(args)
}

func (m *Machine) globalType(fr *Frame, inst uint64) (types.Type, error) {
	mod := fr.fn.Module
	si := mod.StructInsts[inst]
	h := mod.StructHandles[si.Handle]
	if h.Module != mod.ID || !h.Resource {
		return nil, status.Invariantf("global access to %s from %s", h.ID(), mod.ID)
	}
	args, err := m.instantiate(fr, si.TypeArgs)
	if err != nil {
		return nil, err
	}
	return types.NewStruct(h.ID(), args...), nil
}

func (m *Machine) requireCopyable(fr *Frame, t types.Type) error {
	concrete, err := types.NewSubstitution(fr.typeArgs, m.loader.MaxTypeDepth()).Apply(t)
	if err != nil {
		return err
	}
	k, err := m.loader.Kinds().Of(concrete, nil)
	if err != nil {
		return err
	}
	if !k.IsCopyable() {
		return status.Invariantf("copy of %s value of type %s", k, concrete)
	}
	return nil
}

func (m *Machine) equals(l Value, r Value) (bool, error) {
	lv, err := m.derefIfRef(l)
	if err != nil {
		return false, err
	}
	rv, err := m.derefIfRef(r)
	if err != nil {
		return false, err
	}
	for _, v := range []Value{l, r} {
		if ref, ok := v.(Ref); ok {
			m.data.release(ref)
		}
	}
	return Equals(lv, rv), nil
}

func (m *Machine) derefIfRef(v Value) (Value, error) {
	if r, ok := v.(Ref); ok {
		return m.deref(r)
	}
	return v, nil
}

func (m *Machine) root(r Ref) (Value, error) {
	switch r.Root.Kind {
	case LocalRoot:
		if r.Root.Frame >= m.stack.Depth() {
			return nil, status.Invariantf("dangling reference %s", r)
		}
		fr := m.stack.FrameAt(r.Root.Frame)
		v := fr.locals[r.Root.Slot]
		if v == nil {
			return nil, status.Invariantf("reference %s to unavailable local", r)
		}
		return v, nil
	case GlobalRoot:
		v, ok := m.data.cellValue(r.Root.Cell)
		if !ok {
			return nil, status.Invariantf("reference %s to empty cell", r)
		}
		return v, nil
	default:
		return nil, status.Invariantf("reference with unknown root %d", r.Root.Kind)
	}
}

func child(v Value, index int) (Value, bool) {
	switch c := v.(type) {
	case *Struct:
		if index < len(c.Fields) {
			return c.Fields[index], true
		}
	case *Vector:
		if index < len(c.Elems) {
			return c.Elems[index], true
		}
	}
	return nil, false
}

// deref resolves a reference to the live value it points at.
func (m *Machine) deref(r Ref) (Value, error) {
	v, err := m.root(r)
	if err != nil {
		return nil, err
	}
	for _, idx := range r.Path {
		next, ok := child(v, idx)
		if !ok {
			return nil, status.Invariantf("reference %s does not resolve", r)
		}
		v = next
	}
	return v, nil
}

// assign stores v at the location r points at, dropping the old value.
func (m *Machine) assign(r Ref, v Value) error {
	if len(r.Path) == 0 {
		switch r.Root.Kind {
		case LocalRoot:
			m.stack.FrameAt(r.Root.Frame).locals[r.Root.Slot] = v
			return nil
		case GlobalRoot:
			if !m.data.setCellValue(r.Root.Cell, v) {
				return status.Invariantf("write through %s to empty cell", r)
			}
			return nil
		}
	}
	parent, err := m.deref(Ref{Root: r.Root, Path: r.Path[:len(r.Path)-1]})
	if err != nil {
		return err
	}
	idx := r.Path[len(r.Path)-1]
	switch c := parent.(type) {
	case *Struct:
		if idx < len(c.Fields) {
			c.Fields[idx] = v
			return m.touch(r)
		}
	case *Vector:
		if idx < len(c.Elems) {
			c.Elems[idx] = v
			return m.touch(r)
		}
	}
	return status.Invariantf("write through %s does not resolve", r)
}

// touch marks a global cell dirty after an in-place write beneath its root.
func (m *Machine) touch(r Ref) error {
	if r.Root.Kind != GlobalRoot {
		return nil
	}
	v, ok := m.data.cellValue(r.Root.Cell)
	if !ok {
		return status.Invariantf("write through %s to empty cell", r)
	}
	m.data.setCellValue(r.Root.Cell, v)
	return nil
}

func constantValue(c bytecode.Constant) (Value, error) {
	v, err := bytecode.DecodeConstant(c)
	if err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case *U128:
		return *val, nil
	case []byte:
		return Bytes(val), nil
	default:
		return val, nil
	}
}
