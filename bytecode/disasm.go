package bytecode

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/glossopoeia/mvm/types"
)

// Disassembler renders modules as text. Branch targets get generated label
// names and pool references are expanded inline.
type Disassembler struct {
	m   *Module
	out io.Writer
}

func NewDisassembler(m *Module, out io.Writer) *Disassembler {
	return &Disassembler{m, out}
}

func (d *Disassembler) Disassemble() {
	kind := "module"
	if d.m.Script {
		kind = "script"
	}
	fmt.Fprintf(d.out, "%s %s\n", kind, d.m.ID)
	for _, def := range d.m.Structs {
		d.disassembleStruct(def)
	}
	for i := range d.m.Functions {
		d.DisassembleFunction(&d.m.Functions[i])
	}
}

func (d *Disassembler) disassembleStruct(def StructDef) {
	h := d.m.StructHandles[def.Handle]
	prefix := "struct"
	if h.Resource {
		prefix = "resource"
	}
	fmt.Fprintf(d.out, "%s %s%s {\n", prefix, h.Name, typeParamList(h.TypeParams))
	for _, f := range def.Fields {
		fmt.Fprintf(d.out, "    %s: %s\n", f.Name, f.Type)
	}
	fmt.Fprintln(d.out, "}")
}

func (d *Disassembler) DisassembleFunction(def *FunctionDef) {
	h := d.m.FunctionHandles[def.Handle]
	var mods []string
	if def.Public {
		mods = append(mods, "public")
	}
	if def.Native {
		mods = append(mods, "native")
	}
	mods = append(mods, "fun")
	fmt.Fprintf(d.out, "%s %s%s%s: %s\n", strings.Join(mods, " "), h.Name, typeParamList(h.TypeParams), types.StringAll(h.Params), types.StringAll(h.Returns))
	if def.Native {
		return
	}
	if len(def.Locals) > 0 {
		fmt.Fprintf(d.out, "    locals %s\n", types.StringAll(def.Locals))
	}

	labels := branchLabels(def.Code)
	for offset := range def.Code {
		if val, hasLabel := labels[offset]; hasLabel {
			fmt.Fprintf(d.out, "%s:\n", val)
		}
		d.DisassembleInstruction(def.Code, offset, labels)
	}
}

func (d *Disassembler) DisassembleInstruction(code []Instruction, offset int, labels map[int]string) {
	fmt.Fprintf(d.out, "%04d ", offset)
	instr := code[offset]
	info, ok := Info(instr.Op)
	if !ok {
		fmt.Fprintln(d.out, instr.Op)
		return
	}
	switch info.Arg {
	case ArgNone:
		fmt.Fprintln(d.out, info.Name)
	case ArgImmediate, ArgLocal:
		fmt.Fprintf(d.out, "%-16s %d\n", info.Name, instr.Arg)
	case ArgTarget:
		if val, hasLabel := labels[int(instr.Arg)]; hasLabel {
			fmt.Fprintf(d.out, "%-16s %s\n", info.Name, val)
		} else {
			fmt.Fprintf(d.out, "%-16s %d\n", info.Name, instr.Arg)
		}
	case ArgConstant:
		fmt.Fprintf(d.out, "%-16s %s\n", info.Name, d.constant(instr.Arg))
	case ArgFunction:
		fmt.Fprintf(d.out, "%-16s %s\n", info.Name, d.functionInst(instr.Arg))
	case ArgStruct:
		fmt.Fprintf(d.out, "%-16s %s\n", info.Name, d.structInst(instr.Arg))
	case ArgField:
		fmt.Fprintf(d.out, "%-16s %s\n", info.Name, d.fieldInst(instr.Arg))
	}
}

func (d *Disassembler) constant(idx uint64) string {
	if idx >= uint64(len(d.m.Constants)) {
		return fmt.Sprintf("<bad constant %d>", idx)
	}
	v, err := DecodeConstant(d.m.Constants[idx])
	if err != nil {
		return fmt.Sprintf("<bad constant %d>", idx)
	}
	switch val := v.(type) {
	case []byte:
		return fmt.Sprintf("x\"%x\"", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (d *Disassembler) functionInst(idx uint64) string {
	if idx >= uint64(len(d.m.FunctionInsts)) || d.m.FunctionInsts[idx].Handle >= len(d.m.FunctionHandles) {
		return fmt.Sprintf("<bad function %d>", idx)
	}
	inst := d.m.FunctionInsts[idx]
	return d.m.FunctionHandles[inst.Handle].String() + typeArgList(inst.TypeArgs)
}

func (d *Disassembler) structInst(idx uint64) string {
	if idx >= uint64(len(d.m.StructInsts)) || d.m.StructInsts[idx].Handle >= len(d.m.StructHandles) {
		return fmt.Sprintf("<bad struct %d>", idx)
	}
	inst := d.m.StructInsts[idx]
	return d.m.StructHandles[inst.Handle].ID().String() + typeArgList(inst.TypeArgs)
}

func (d *Disassembler) fieldInst(idx uint64) string {
	if idx >= uint64(len(d.m.FieldInsts)) {
		return fmt.Sprintf("<bad field %d>", idx)
	}
	fi := d.m.FieldInsts[idx]
	name := fmt.Sprintf("%d", fi.Field)
	if fi.Struct < len(d.m.StructInsts) {
		if def, ok := d.m.StructDefOf(d.m.StructInsts[fi.Struct].Handle); ok && fi.Field < len(def.Fields) {
			name = def.Fields[fi.Field].Name
		}
	}
	return fmt.Sprintf("%s.%s", d.structInst(uint64(fi.Struct)), name)
}

// Assigns a label to every offset that some branch targets, in offset order.
func branchLabels(code []Instruction) map[int]string {
	targets := []int{}
	seen := map[int]bool{}
	for _, instr := range code {
		if instr.Op.IsBranch() && !seen[int(instr.Arg)] {
			seen[int(instr.Arg)] = true
			targets = append(targets, int(instr.Arg))
		}
	}
	slices.Sort(targets)
	fresh := NewNameFresh()
	labels := make(map[int]string, len(targets))
	for _, t := range targets {
		labels[t] = fresh.NextPrefix("L")
	}
	return labels
}

func typeParamList(params []types.Kind) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, len(params))
	for i, k := range params {
		parts[i] = fmt.Sprintf("T%d: %s", i, k)
	}
	return "<" + strings.Join(parts, ", ") + ">"
}

func typeArgList(args []types.Type) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return "<" + strings.Join(parts, ", ") + ">"
}
