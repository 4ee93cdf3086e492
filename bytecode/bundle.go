package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

// The binary container for modules is canonical CBOR over a wire mirror of
// Module. Canonical encoding keeps blobs byte-identical across encoders, so
// the publish gas charge for a module is deterministic.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

const (
	wirePrim uint8 = iota + 1
	wireVector
	wireStruct
	wireRef
	wireParam
)

type wireModuleID struct {
	Address types.Address `cbor:"1,keyasint"`
	Name    string        `cbor:"2,keyasint"`
}

type wireType struct {
	Tag     uint8         `cbor:"1,keyasint"`
	Prim    uint8         `cbor:"2,keyasint,omitempty"`
	Elem    *wireType     `cbor:"3,keyasint,omitempty"`
	Module  *wireModuleID `cbor:"4,keyasint,omitempty"`
	Name    string        `cbor:"5,keyasint,omitempty"`
	Args    []wireType    `cbor:"6,keyasint,omitempty"`
	Mutable bool          `cbor:"7,keyasint,omitempty"`
	Index   int           `cbor:"8,keyasint,omitempty"`
}

type wireStructHandle struct {
	Module     wireModuleID `cbor:"1,keyasint"`
	Name       string       `cbor:"2,keyasint"`
	Resource   bool         `cbor:"3,keyasint"`
	TypeParams []int        `cbor:"4,keyasint"`
}

type wireFunctionHandle struct {
	Module     wireModuleID `cbor:"1,keyasint"`
	Name       string       `cbor:"2,keyasint"`
	TypeParams []int        `cbor:"3,keyasint"`
	Params     []wireType   `cbor:"4,keyasint"`
	Returns    []wireType   `cbor:"5,keyasint"`
}

type wireField struct {
	Name string   `cbor:"1,keyasint"`
	Type wireType `cbor:"2,keyasint"`
}

type wireStructDef struct {
	Handle int         `cbor:"1,keyasint"`
	Fields []wireField `cbor:"2,keyasint"`
}

type wireFunctionDef struct {
	Handle int         `cbor:"1,keyasint"`
	Public bool        `cbor:"2,keyasint"`
	Native bool        `cbor:"3,keyasint"`
	Locals []wireType  `cbor:"4,keyasint"`
	Code   [][2]uint64 `cbor:"5,keyasint"`
}

type wireConstant struct {
	Type wireType `cbor:"1,keyasint"`
	Data []byte   `cbor:"2,keyasint"`
}

type wireInst struct {
	Handle   int        `cbor:"1,keyasint"`
	TypeArgs []wireType `cbor:"2,keyasint"`
}

type wireModule struct {
	ID              wireModuleID         `cbor:"1,keyasint"`
	Script          bool                 `cbor:"2,keyasint"`
	StructHandles   []wireStructHandle   `cbor:"3,keyasint"`
	FunctionHandles []wireFunctionHandle `cbor:"4,keyasint"`
	Structs         []wireStructDef      `cbor:"5,keyasint"`
	Functions       []wireFunctionDef    `cbor:"6,keyasint"`
	Constants       []wireConstant       `cbor:"7,keyasint"`
	StructInsts     []wireInst           `cbor:"8,keyasint"`
	FunctionInsts   []wireInst           `cbor:"9,keyasint"`
	FieldInsts      [][2]int             `cbor:"10,keyasint"`
}

// Bundle is what the command line tools read: a set of modules to publish in
// order and an optional script to run against them.
type Bundle struct {
	Modules []*Module
	Script  *Module
}

type wireBundle struct {
	Modules [][]byte `cbor:"1,keyasint"`
	Script  []byte   `cbor:"2,keyasint,omitempty"`
}

func EncodeModule(m *Module) ([]byte, error) {
	return cborEncMode.Marshal(toWireModule(m))
}

// Decodes a module blob. Any structural problem in the blob is reported as
// MalformedModule; semantic checks are left to the verifier.
func DecodeModule(data []byte) (*Module, error) {
	var w wireModule
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, status.Newf(status.MalformedModule, "unmarshal module: %v", err)
	}
	return fromWireModule(&w)
}

func EncodeBundle(b *Bundle) ([]byte, error) {
	var w wireBundle
	for _, m := range b.Modules {
		blob, err := EncodeModule(m)
		if err != nil {
			return nil, err
		}
		w.Modules = append(w.Modules, blob)
	}
	if b.Script != nil {
		blob, err := EncodeModule(b.Script)
		if err != nil {
			return nil, err
		}
		w.Script = blob
	}
	return cborEncMode.Marshal(&w)
}

func DecodeBundle(data []byte) (*Bundle, error) {
	var w wireBundle
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal bundle: %w", err)
	}
	b := &Bundle{}
	for _, blob := range w.Modules {
		m, err := DecodeModule(blob)
		if err != nil {
			return nil, err
		}
		b.Modules = append(b.Modules, m)
	}
	if len(w.Script) > 0 {
		s, err := DecodeModule(w.Script)
		if err != nil {
			return nil, err
		}
		b.Script = s
	}
	return b, nil
}

// Splits a bundle back into its raw module blobs, which is the form the
// publish path charges gas for.
func BundleModuleBlobs(data []byte) ([][]byte, []byte, error) {
	var w wireBundle
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("bytecode: unmarshal bundle: %w", err)
	}
	return w.Modules, w.Script, nil
}

func EncodeType(t types.Type) ([]byte, error) {
	return cborEncMode.Marshal(toWireType(t))
}

func DecodeType(data []byte) (types.Type, error) {
	var w wireType
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal type: %w", err)
	}
	return fromWireType(&w)
}

func toWireID(id types.ModuleID) wireModuleID {
	return wireModuleID{id.Address, id.Name}
}

func fromWireID(w wireModuleID) types.ModuleID {
	return types.ModuleID{Address: w.Address, Name: w.Name}
}

func toWireType(t types.Type) wireType {
	switch tt := t.(type) {
	case types.Prim:
		return wireType{Tag: wirePrim, Prim: uint8(tt)}
	case types.Vector:
		elem := toWireType(tt.Elem)
		return wireType{Tag: wireVector, Elem: &elem}
	case types.Struct:
		id := toWireID(tt.ID.Module)
		return wireType{Tag: wireStruct, Module: &id, Name: tt.ID.Name, Args: toWireTypes(tt.TypeArgs)}
	case types.Reference:
		inner := toWireType(tt.Inner)
		return wireType{Tag: wireRef, Elem: &inner, Mutable: tt.Mutable}
	case types.Param:
		return wireType{Tag: wireParam, Index: tt.Index}
	default:
		panic("Invalid type descriptor encountered.")
	}
}

func toWireTypes(ts []types.Type) []wireType {
	res := make([]wireType, len(ts))
	for i, t := range ts {
		res[i] = toWireType(t)
	}
	return res
}

func fromWireType(w *wireType) (types.Type, error) {
	switch w.Tag {
	case wirePrim:
		p := types.Prim(w.Prim)
		if p < types.Bool || p > types.Addr {
			return nil, status.Newf(status.MalformedModule, "unknown primitive type %d", w.Prim)
		}
		return p, nil
	case wireVector, wireRef:
		if w.Elem == nil {
			return nil, status.Newf(status.MalformedModule, "type tag %d without element", w.Tag)
		}
		elem, err := fromWireType(w.Elem)
		if err != nil {
			return nil, err
		}
		if w.Tag == wireVector {
			return types.Vector{Elem: elem}, nil
		}
		return types.Reference{Mutable: w.Mutable, Inner: elem}, nil
	case wireStruct:
		if w.Module == nil {
			return nil, status.Newf(status.MalformedModule, "struct type %s without module", w.Name)
		}
		args, err := fromWireTypes(w.Args)
		if err != nil {
			return nil, err
		}
		return types.Struct{ID: types.StructID{Module: fromWireID(*w.Module), Name: w.Name}, TypeArgs: args}, nil
	case wireParam:
		return types.Param{Index: w.Index}, nil
	default:
		return nil, status.Newf(status.MalformedModule, "unknown type tag %d", w.Tag)
	}
}

func fromWireTypes(ws []wireType) ([]types.Type, error) {
	res := make([]types.Type, len(ws))
	for i := range ws {
		t, err := fromWireType(&ws[i])
		if err != nil {
			return nil, err
		}
		res[i] = t
	}
	return res, nil
}

func kindsToWire(ks []types.Kind) []int {
	res := make([]int, len(ks))
	for i, k := range ks {
		res[i] = int(k)
	}
	return res
}

func kindsFromWire(ws []int) ([]types.Kind, error) {
	res := make([]types.Kind, len(ws))
	for i, w := range ws {
		k := types.Kind(w)
		if k < types.Copyable || k > types.Resource {
			return nil, status.Newf(status.MalformedModule, "unknown kind %d", w)
		}
		res[i] = k
	}
	return res, nil
}

func toWireModule(m *Module) *wireModule {
	w := &wireModule{ID: toWireID(m.ID), Script: m.Script}
	for _, h := range m.StructHandles {
		w.StructHandles = append(w.StructHandles, wireStructHandle{toWireID(h.Module), h.Name, h.Resource, kindsToWire(h.TypeParams)})
	}
	for _, h := range m.FunctionHandles {
		w.FunctionHandles = append(w.FunctionHandles, wireFunctionHandle{toWireID(h.Module), h.Name, kindsToWire(h.TypeParams), toWireTypes(h.Params), toWireTypes(h.Returns)})
	}
	for _, def := range m.Structs {
		fields := make([]wireField, len(def.Fields))
		for i, f := range def.Fields {
			fields[i] = wireField{f.Name, toWireType(f.Type)}
		}
		w.Structs = append(w.Structs, wireStructDef{def.Handle, fields})
	}
	for _, def := range m.Functions {
		code := make([][2]uint64, len(def.Code))
		for i, instr := range def.Code {
			code[i] = [2]uint64{uint64(instr.Op), instr.Arg}
		}
		w.Functions = append(w.Functions, wireFunctionDef{def.Handle, def.Public, def.Native, toWireTypes(def.Locals), code})
	}
	for _, c := range m.Constants {
		w.Constants = append(w.Constants, wireConstant{toWireType(c.Type), c.Data})
	}
	for _, si := range m.StructInsts {
		w.StructInsts = append(w.StructInsts, wireInst{si.Handle, toWireTypes(si.TypeArgs)})
	}
	for _, fi := range m.FunctionInsts {
		w.FunctionInsts = append(w.FunctionInsts, wireInst{fi.Handle, toWireTypes(fi.TypeArgs)})
	}
	for _, fi := range m.FieldInsts {
		w.FieldInsts = append(w.FieldInsts, [2]int{fi.Struct, fi.Field})
	}
	return w
}

func fromWireModule(w *wireModule) (*Module, error) {
	m := &Module{ID: fromWireID(w.ID), Script: w.Script}
	for _, h := range w.StructHandles {
		params, err := kindsFromWire(h.TypeParams)
		if err != nil {
			return nil, err
		}
		m.StructHandles = append(m.StructHandles, StructHandle{fromWireID(h.Module), h.Name, h.Resource, params})
	}
	for _, h := range w.FunctionHandles {
		params, err := kindsFromWire(h.TypeParams)
		if err != nil {
			return nil, err
		}
		args, err := fromWireTypes(h.Params)
		if err != nil {
			return nil, err
		}
		rets, err := fromWireTypes(h.Returns)
		if err != nil {
			return nil, err
		}
		m.FunctionHandles = append(m.FunctionHandles, FunctionHandle{fromWireID(h.Module), h.Name, params, args, rets})
	}
	for _, def := range w.Structs {
		fields := make([]FieldDef, len(def.Fields))
		for i := range def.Fields {
			t, err := fromWireType(&def.Fields[i].Type)
			if err != nil {
				return nil, err
			}
			fields[i] = FieldDef{def.Fields[i].Name, t}
		}
		m.Structs = append(m.Structs, StructDef{def.Handle, fields})
	}
	for _, def := range w.Functions {
		locals, err := fromWireTypes(def.Locals)
		if err != nil {
			return nil, err
		}
		code := make([]Instruction, len(def.Code))
		for i, c := range def.Code {
			if c[0] > 0xFF || !Opcode(c[0]).Valid() {
				return nil, status.Newf(status.MalformedModule, "unknown opcode 0x%X", c[0])
			}
			code[i] = Instruction{Opcode(c[0]), c[1]}
		}
		m.Functions = append(m.Functions, FunctionDef{def.Handle, def.Public, def.Native, locals, code})
	}
	for i := range w.Constants {
		t, err := fromWireType(&w.Constants[i].Type)
		if err != nil {
			return nil, err
		}
		m.Constants = append(m.Constants, Constant{t, w.Constants[i].Data})
	}
	for _, si := range w.StructInsts {
		args, err := fromWireTypes(si.TypeArgs)
		if err != nil {
			return nil, err
		}
		m.StructInsts = append(m.StructInsts, StructInst{si.Handle, args})
	}
	for _, fi := range w.FunctionInsts {
		args, err := fromWireTypes(fi.TypeArgs)
		if err != nil {
			return nil, err
		}
		m.FunctionInsts = append(m.FunctionInsts, FunctionInst{fi.Handle, args})
	}
	for _, fi := range w.FieldInsts {
		m.FieldInsts = append(m.FieldInsts, FieldInst{fi[0], fi[1]})
	}
	return m, nil
}
