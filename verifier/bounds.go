package verifier

import (
	"fmt"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
	"github.com/glossopoeia/mvm/util"
)

// The structural pass: every index in range, every definition owned by the
// module, every signature well formed. Later passes index tables freely on the
// strength of this one.
type boundsChecker struct {
	m       *bytecode.Module
	handles map[types.StructID]int
}

func checkBounds(m *bytecode.Module) error {
	c := &boundsChecker{m: m, handles: map[types.StructID]int{}}
	for _, check := range []func() error{
		c.checkScript,
		c.checkStructHandles,
		c.checkFunctionHandles,
		c.checkStructDefs,
		c.checkConstants,
		c.checkInstantiations,
		c.checkFunctionDefs,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *boundsChecker) fail(code status.Code, format string, args ...any) error {
	return status.Verificationf(code, format, args...).At(status.Location{Module: c.m.Name()})
}

func (c *boundsChecker) failAt(fn string, offset int, code status.Code, format string, args ...any) error {
	return status.Verificationf(code, format, args...).At(status.Location{Module: c.m.Name(), Function: fn, Offset: offset})
}

func (c *boundsChecker) checkScript() error {
	if !c.m.Script {
		if c.m.ID.Name == "" {
			return c.fail(status.MalformedModule, "module has no name")
		}
		return nil
	}
	if c.m.ID.Name != bytecode.ScriptName {
		return c.fail(status.MalformedModule, "script named %q", c.m.ID.Name)
	}
	if len(c.m.Structs) != 0 {
		return c.fail(status.MalformedModule, "script declares %d structs", len(c.m.Structs))
	}
	if len(c.m.Functions) != 1 || c.m.Functions[0].Native {
		return c.fail(status.MalformedModule, "script must define exactly one non-native function")
	}
	return nil
}

func (c *boundsChecker) checkStructHandles() error {
	if h, dup := util.FirstDuplicate(c.m.StructHandles, bytecode.StructHandle.ID); dup {
		return c.fail(status.DuplicateDefinition, "struct handle %s appears twice", h.ID())
	}
	for i, h := range c.m.StructHandles {
		if h.Name == "" {
			return c.fail(status.MalformedModule, "struct handle %d has no name", i)
		}
		if err := c.checkKinds(h.TypeParams); err != nil {
			return err
		}
		c.handles[h.ID()] = i
	}
	return nil
}

func (c *boundsChecker) checkFunctionHandles() error {
	if h, dup := util.FirstDuplicate(c.m.FunctionHandles, bytecode.FunctionHandle.String); dup {
		return c.fail(status.DuplicateDefinition, "function handle %s appears twice", h)
	}
	for _, h := range c.m.FunctionHandles {
		if h.Name == "" {
			return c.fail(status.MalformedModule, "function handle in %s has no name", h.Module)
		}
		if err := c.checkKinds(h.TypeParams); err != nil {
			return err
		}
		for _, t := range append(append([]types.Type{}, h.Params...), h.Returns...) {
			if err := c.checkSignatureType(t, len(h.TypeParams)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *boundsChecker) checkKinds(ks []types.Kind) error {
	for _, k := range ks {
		if k < types.Copyable || k > types.Resource {
			return c.fail(status.MalformedModule, "invalid kind %d", int(k))
		}
	}
	return nil
}

func (c *boundsChecker) checkStructDefs() error {
	defined := map[int]bool{}
	for _, def := range c.m.Structs {
		if def.Handle < 0 || def.Handle >= len(c.m.StructHandles) {
			return c.fail(status.IndexOutOfBounds, "struct definition names handle %d of %d", def.Handle, len(c.m.StructHandles))
		}
		h := c.m.StructHandles[def.Handle]
		if h.Module != c.m.ID {
			return c.fail(status.MalformedModule, "struct %s defined outside its module", h.ID())
		}
		if defined[def.Handle] {
			return c.fail(status.DuplicateDefinition, "struct %s defined twice", h.ID())
		}
		defined[def.Handle] = true
		if f, dup := util.FirstDuplicate(def.Fields, func(f bytecode.FieldDef) string { return f.Name }); dup {
			return c.fail(status.DuplicateDefinition, "field %s of %s declared twice", f.Name, h.ID())
		}
		for _, f := range def.Fields {
			if f.Type == nil {
				return c.fail(status.MalformedModule, "field %s of %s has no type", f.Name, h.ID())
			}
			if err := c.checkType(f.Type, len(h.TypeParams)); err != nil {
				return err
			}
			if types.IsReference(f.Type) || types.ContainsReference(f.Type) {
				return c.fail(status.InvalidSignature, "field %s of %s holds a reference", f.Name, h.ID())
			}
		}
	}
	for i, h := range c.m.StructHandles {
		if h.Module == c.m.ID && !defined[i] {
			return c.fail(status.MalformedModule, "struct %s declared but not defined", h.ID())
		}
	}
	return nil
}

func (c *boundsChecker) checkConstants() error {
	for i, k := range c.m.Constants {
		if k.Type == nil {
			return c.fail(status.InvalidConstant, "constant %d has no type", i)
		}
		if _, err := bytecode.DecodeConstant(k); err != nil {
			return c.fail(status.InvalidConstant, "constant %d: %s", i, err)
		}
	}
	return nil
}

func (c *boundsChecker) checkInstantiations() error {
	for i, si := range c.m.StructInsts {
		if si.Handle < 0 || si.Handle >= len(c.m.StructHandles) {
			return c.fail(status.IndexOutOfBounds, "struct instantiation %d names handle %d", i, si.Handle)
		}
		h := c.m.StructHandles[si.Handle]
		if len(si.TypeArgs) != len(h.TypeParams) {
			return c.fail(status.TypeArityMismatch, "%s expects %d type arguments, got %d", h.ID(), len(h.TypeParams), len(si.TypeArgs))
		}
		if err := c.checkTypeArgs(si.TypeArgs); err != nil {
			return err
		}
	}
	for i, fi := range c.m.FunctionInsts {
		if fi.Handle < 0 || fi.Handle >= len(c.m.FunctionHandles) {
			return c.fail(status.IndexOutOfBounds, "function instantiation %d names handle %d", i, fi.Handle)
		}
		h := c.m.FunctionHandles[fi.Handle]
		if len(fi.TypeArgs) != len(h.TypeParams) {
			return c.fail(status.TypeArityMismatch, "%s expects %d type arguments, got %d", h, len(h.TypeParams), len(fi.TypeArgs))
		}
		if err := c.checkTypeArgs(fi.TypeArgs); err != nil {
			return err
		}
	}
	for i, fi := range c.m.FieldInsts {
		if fi.Struct < 0 || fi.Struct >= len(c.m.StructInsts) {
			return c.fail(status.IndexOutOfBounds, "field instantiation %d names struct instantiation %d", i, fi.Struct)
		}
		h := c.m.StructHandles[c.m.StructInsts[fi.Struct].Handle]
		def, ok := c.m.StructDefOf(c.m.StructInsts[fi.Struct].Handle)
		if h.Module != c.m.ID || !ok {
			// Field layout is private to the declaring module.
			continue
		}
		if fi.Field < 0 || fi.Field >= len(def.Fields) {
			return c.fail(status.IndexOutOfBounds, "%s has no field %d", h.ID(), fi.Field)
		}
	}
	return nil
}

// Instantiation arguments may mention the parameters of whichever function
// uses them; those indices are checked per use.
func (c *boundsChecker) checkTypeArgs(args []types.Type) error {
	for _, a := range args {
		if a == nil {
			return c.fail(status.MalformedModule, "missing type argument")
		}
		if err := c.checkType(a, -1); err != nil {
			return err
		}
		if types.IsReference(a) || types.ContainsReference(a) {
			return c.fail(status.InvalidSignature, "reference type %s used as a type argument", a)
		}
	}
	return nil
}

// Checks a parameter, return or local type. References are allowed only at
// the top.
func (c *boundsChecker) checkSignatureType(t types.Type, params int) error {
	if t == nil {
		return c.fail(status.MalformedModule, "missing type in signature")
	}
	if err := c.checkType(t, params); err != nil {
		return err
	}
	if r, ok := t.(types.Reference); ok {
		t = r.Inner
	}
	if types.IsReference(t) || types.ContainsReference(t) {
		return c.fail(status.InvalidSignature, "nested reference in %s", t)
	}
	return nil
}

// Checks that every primitive is known, every struct has a handle and the
// right arity, and every parameter index is below params. A negative params
// skips the parameter check.
func (c *boundsChecker) checkType(t types.Type, params int) error {
	switch tt := t.(type) {
	case types.Prim:
		if tt < types.Bool || tt > types.Addr {
			return c.fail(status.MalformedModule, "unknown primitive type %d", int(tt))
		}
	case types.Param:
		if params >= 0 && (tt.Index < 0 || tt.Index >= params) {
			return c.fail(status.TypeArityMismatch, "type parameter %s with %d parameters", tt, params)
		}
	case types.Vector:
		if tt.Elem == nil {
			return c.fail(status.MalformedModule, "vector without element type")
		}
		return c.checkType(tt.Elem, params)
	case types.Reference:
		if tt.Inner == nil {
			return c.fail(status.MalformedModule, "reference without inner type")
		}
		return c.checkType(tt.Inner, params)
	case types.Struct:
		idx, ok := c.handles[tt.ID]
		if !ok {
			return c.fail(status.IndexOutOfBounds, "struct %s has no handle", tt.ID)
		}
		if want := len(c.m.StructHandles[idx].TypeParams); want != len(tt.TypeArgs) {
			return c.fail(status.TypeArityMismatch, "%s expects %d type arguments, got %d", tt.ID, want, len(tt.TypeArgs))
		}
		for _, a := range tt.TypeArgs {
			if a == nil {
				return c.fail(status.MalformedModule, "missing type argument of %s", tt.ID)
			}
			if err := c.checkType(a, params); err != nil {
				return err
			}
		}
	default:
		return c.fail(status.MalformedModule, "unknown type descriptor %T", t)
	}
	return nil
}

func (c *boundsChecker) checkFunctionDefs() error {
	defined := map[int]bool{}
	for _, def := range c.m.Functions {
		if def.Handle < 0 || def.Handle >= len(c.m.FunctionHandles) {
			return c.fail(status.IndexOutOfBounds, "function definition names handle %d of %d", def.Handle, len(c.m.FunctionHandles))
		}
		h := c.m.FunctionHandles[def.Handle]
		if h.Module != c.m.ID {
			return c.fail(status.MalformedModule, "function %s defined outside its module", h)
		}
		if defined[def.Handle] {
			return c.fail(status.DuplicateDefinition, "function %s defined twice", h)
		}
		defined[def.Handle] = true
		if c.m.Script && h.Name != bytecode.ScriptFunction {
			return c.fail(status.MalformedModule, "script function named %q", h.Name)
		}
		for _, t := range def.Locals {
			if err := c.checkSignatureType(t, len(h.TypeParams)); err != nil {
				return err
			}
		}
		if err := c.checkCode(h, &def); err != nil {
			return err
		}
	}
	for i, h := range c.m.FunctionHandles {
		if h.Module == c.m.ID && !defined[i] {
			return c.fail(status.MalformedModule, "function %s declared but not defined", h)
		}
	}
	return nil
}

func (c *boundsChecker) checkCode(h bytecode.FunctionHandle, def *bytecode.FunctionDef) error {
	if def.Native {
		if len(def.Code) != 0 || len(def.Locals) != 0 {
			return c.fail(status.MalformedModule, "native function %s carries a body", h)
		}
		return nil
	}
	if len(def.Code) == 0 {
		return c.fail(status.MalformedModule, "function %s has no code", h)
	}
	if last := def.Code[len(def.Code)-1]; !last.Op.IsUnconditional() {
		return c.failAt(h.Name, len(def.Code)-1, status.MalformedModule, "code falls off the end after %s", last)
	}

	locals := len(h.Params) + len(def.Locals)
	for off, instr := range def.Code {
		info, ok := bytecode.Info(instr.Op)
		if !ok {
			return c.failAt(h.Name, off, status.MalformedModule, "unknown opcode %s", instr.Op)
		}
		if err := c.checkArg(instr, info.Arg, len(def.Code), locals); err != nil {
			return c.failAt(h.Name, off, codeOf(err), "%s", err)
		}
	}
	return nil
}

func codeOf(err error) status.Code {
	if code, ok := status.CodeOf(err); ok {
		return code
	}
	return status.MalformedModule
}

func inRange(arg uint64, n int) bool {
	return arg < uint64(n)
}

func (c *boundsChecker) checkArg(instr bytecode.Instruction, kind bytecode.ArgKind, codeLen int, locals int) error {
	switch kind {
	case bytecode.ArgNone:
		return nil
	case bytecode.ArgImmediate:
		if instr.Op == bytecode.LD_U8 && instr.Arg > 0xFF {
			return status.Newf(status.MalformedModule, "u8 immediate %d out of range", instr.Arg)
		}
	case bytecode.ArgTarget:
		if !inRange(instr.Arg, codeLen) {
			return status.Newf(status.InvalidBranchTarget, "branch to %d outside %d instructions", instr.Arg, codeLen)
		}
	case bytecode.ArgLocal:
		if !inRange(instr.Arg, locals) {
			return status.Newf(status.IndexOutOfBounds, "local %d of %d", instr.Arg, locals)
		}
	case bytecode.ArgConstant:
		if !inRange(instr.Arg, len(c.m.Constants)) {
			return status.Newf(status.IndexOutOfBounds, "constant %d of %d", instr.Arg, len(c.m.Constants))
		}
		if instr.Op == bytecode.LD_U128 && !types.Equal(c.m.Constants[instr.Arg].Type, types.U128) {
			return status.Newf(status.InvalidConstant, "LD_U128 of %s constant", c.m.Constants[instr.Arg].Type)
		}
	case bytecode.ArgFunction:
		if !inRange(instr.Arg, len(c.m.FunctionInsts)) {
			return status.Newf(status.IndexOutOfBounds, "function instantiation %d of %d", instr.Arg, len(c.m.FunctionInsts))
		}
	case bytecode.ArgStruct:
		if !inRange(instr.Arg, len(c.m.StructInsts)) {
			return status.Newf(status.IndexOutOfBounds, "struct instantiation %d of %d", instr.Arg, len(c.m.StructInsts))
		}
		return c.checkOwnStruct(instr.Op, c.m.StructInsts[instr.Arg].Handle)
	case bytecode.ArgField:
		if !inRange(instr.Arg, len(c.m.FieldInsts)) {
			return status.Newf(status.IndexOutOfBounds, "field instantiation %d of %d", instr.Arg, len(c.m.FieldInsts))
		}
		fi := c.m.FieldInsts[instr.Arg]
		return c.checkOwnStruct(instr.Op, c.m.StructInsts[fi.Struct].Handle)
	default:
		panic(fmt.Sprintf("Unknown argument kind %d.", kind))
	}
	return nil
}

// Only the declaring module may look inside a struct or touch it in global
// storage, and only resources live in global storage.
func (c *boundsChecker) checkOwnStruct(op bytecode.Opcode, handle int) error {
	h := c.m.StructHandles[handle]
	if h.Module != c.m.ID {
		return status.Newf(status.GlobalAccessOutsideModule, "%s of %s outside its module", op, h.ID())
	}
	if op.IsGlobal() && !h.Resource {
		return status.Newf(status.GlobalAccessOutsideModule, "%s of non-resource %s", op, h.ID())
	}
	return nil
}
