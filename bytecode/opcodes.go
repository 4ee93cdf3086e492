package bytecode

import "fmt"

// Opcode is the closed set of instructions the interpreter executes. The
// numeric values are part of the serialized module format, so new opcodes
// only ever go on the end.
type Opcode byte

const (
	NOP Opcode = iota
	POP
	RET
	BRANCH
	BR_TRUE
	BR_FALSE

	LD_U8
	LD_U64
	LD_U128
	LD_CONST
	LD_TRUE
	LD_FALSE

	COPY_LOC
	MOVE_LOC
	ST_LOC
	MUT_BORROW_LOC
	IMM_BORROW_LOC
	MUT_BORROW_FIELD
	IMM_BORROW_FIELD

	CALL
	PACK
	UNPACK

	READ_REF
	WRITE_REF
	FREEZE_REF

	ADD
	SUB
	MUL
	MOD
	DIV
	BIT_OR
	BIT_AND
	XOR
	SHL
	SHR
	OR
	AND
	NOT
	EQ
	NEQ
	LT
	GT
	LE
	GE
	CAST_U8
	CAST_U64
	CAST_U128

	ABORT

	EXISTS
	MUT_BORROW_GLOBAL
	IMM_BORROW_GLOBAL
	MOVE_FROM
	MOVE_TO
)

// What the instruction argument refers to.
type ArgKind int

const (
	ArgNone ArgKind = iota
	ArgImmediate
	ArgTarget
	ArgLocal
	ArgConstant
	ArgFunction
	ArgStruct
	ArgField
)

// Variable marks a stack effect that depends on the instruction argument,
// such as the parameter count of a call or the field count of a pack.
const Variable = -1

type OpcodeInfo struct {
	Name      string
	Arg       ArgKind
	StackPop  int
	StackPush int
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	NOP:      {"NOP", ArgNone, 0, 0},
	POP:      {"POP", ArgNone, 1, 0},
	RET:      {"RET", ArgNone, Variable, 0},
	BRANCH:   {"BRANCH", ArgTarget, 0, 0},
	BR_TRUE:  {"BR_TRUE", ArgTarget, 1, 0},
	BR_FALSE: {"BR_FALSE", ArgTarget, 1, 0},

	LD_U8:    {"LD_U8", ArgImmediate, 0, 1},
	LD_U64:   {"LD_U64", ArgImmediate, 0, 1},
	LD_U128:  {"LD_U128", ArgConstant, 0, 1},
	LD_CONST: {"LD_CONST", ArgConstant, 0, 1},
	LD_TRUE:  {"LD_TRUE", ArgNone, 0, 1},
	LD_FALSE: {"LD_FALSE", ArgNone, 0, 1},

	COPY_LOC:         {"COPY_LOC", ArgLocal, 0, 1},
	MOVE_LOC:         {"MOVE_LOC", ArgLocal, 0, 1},
	ST_LOC:           {"ST_LOC", ArgLocal, 1, 0},
	MUT_BORROW_LOC:   {"MUT_BORROW_LOC", ArgLocal, 0, 1},
	IMM_BORROW_LOC:   {"IMM_BORROW_LOC", ArgLocal, 0, 1},
	MUT_BORROW_FIELD: {"MUT_BORROW_FIELD", ArgField, 1, 1},
	IMM_BORROW_FIELD: {"IMM_BORROW_FIELD", ArgField, 1, 1},

	CALL:   {"CALL", ArgFunction, Variable, Variable},
	PACK:   {"PACK", ArgStruct, Variable, 1},
	UNPACK: {"UNPACK", ArgStruct, 1, Variable},

	READ_REF:   {"READ_REF", ArgNone, 1, 1},
	WRITE_REF:  {"WRITE_REF", ArgNone, 2, 0},
	FREEZE_REF: {"FREEZE_REF", ArgNone, 1, 1},

	ADD:       {"ADD", ArgNone, 2, 1},
	SUB:       {"SUB", ArgNone, 2, 1},
	MUL:       {"MUL", ArgNone, 2, 1},
	MOD:       {"MOD", ArgNone, 2, 1},
	DIV:       {"DIV", ArgNone, 2, 1},
	BIT_OR:    {"BIT_OR", ArgNone, 2, 1},
	BIT_AND:   {"BIT_AND", ArgNone, 2, 1},
	XOR:       {"XOR", ArgNone, 2, 1},
	SHL:       {"SHL", ArgNone, 2, 1},
	SHR:       {"SHR", ArgNone, 2, 1},
	OR:        {"OR", ArgNone, 2, 1},
	AND:       {"AND", ArgNone, 2, 1},
	NOT:       {"NOT", ArgNone, 1, 1},
	EQ:        {"EQ", ArgNone, 2, 1},
	NEQ:       {"NEQ", ArgNone, 2, 1},
	LT:        {"LT", ArgNone, 2, 1},
	GT:        {"GT", ArgNone, 2, 1},
	LE:        {"LE", ArgNone, 2, 1},
	GE:        {"GE", ArgNone, 2, 1},
	CAST_U8:   {"CAST_U8", ArgNone, 1, 1},
	CAST_U64:  {"CAST_U64", ArgNone, 1, 1},
	CAST_U128: {"CAST_U128", ArgNone, 1, 1},

	ABORT: {"ABORT", ArgNone, 1, 0},

	EXISTS:            {"EXISTS", ArgStruct, 1, 1},
	MUT_BORROW_GLOBAL: {"MUT_BORROW_GLOBAL", ArgStruct, 1, 1},
	IMM_BORROW_GLOBAL: {"IMM_BORROW_GLOBAL", ArgStruct, 1, 1},
	MOVE_FROM:         {"MOVE_FROM", ArgStruct, 1, 1},
	MOVE_TO:           {"MOVE_TO", ArgStruct, 2, 0},
}

// Info returns the metadata for an opcode, and false for an opcode outside
// the instruction set.
func Info(op Opcode) (OpcodeInfo, bool) {
	info, ok := opcodeInfoTable[op]
	return info, ok
}

func (op Opcode) String() string {
	if info, ok := opcodeInfoTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))
}

func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

func (op Opcode) IsBranch() bool {
	return op == BRANCH || op == BR_TRUE || op == BR_FALSE
}

// Instructions after which control never falls through to the next offset.
func (op Opcode) IsUnconditional() bool {
	return op == BRANCH || op == RET || op == ABORT
}

func (op Opcode) IsGlobal() bool {
	return op >= EXISTS && op <= MOVE_TO
}

// Size-dependent instructions are charged per unit of the value they touch
// in addition to their base cost.
func (op Opcode) IsSizeDependent() bool {
	switch op {
	case COPY_LOC, READ_REF, WRITE_REF, LD_CONST, EQ, NEQ, MOVE_TO, MOVE_FROM:
		return true
	default:
		return false
	}
}

func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for op := NOP; op <= MOVE_TO; op++ {
		ops = append(ops, op)
	}
	return ops
}

// A decoded instruction. Arg is interpreted according to the opcode's
// ArgKind: an immediate, a branch target offset, a local index, or an index
// into one of the module's pools.
type Instruction struct {
	Op  Opcode
	Arg uint64
}

func Instr(op Opcode, arg ...uint64) Instruction {
	if len(arg) > 0 {
		return Instruction{op, arg[0]}
	}
	return Instruction{Op: op}
}

func (i Instruction) String() string {
	info, ok := Info(i.Op)
	if !ok || info.Arg == ArgNone {
		return i.Op.String()
	}
	return fmt.Sprintf("%s %d", i.Op, i.Arg)
}
