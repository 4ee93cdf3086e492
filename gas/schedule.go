package gas

import (
	"math"
	"math/bits"

	"github.com/glossopoeia/mvm/bytecode"
)

type InstructionCost struct {
	Base    uint64 `toml:"base"`
	PerUnit uint64 `toml:"per_unit"`
}

type NativeCost struct {
	Base    uint64 `toml:"base"`
	PerByte uint64 `toml:"per_byte"`
}

// Schedule is the table-driven CostTable. Instructions are keyed by opcode
// name and natives by their qualified name, so schedules read naturally in
// configuration files. Anything missing from the tables costs DefaultBase.
type Schedule struct {
	DefaultBase    uint64                     `toml:"default_base"`
	PublishPerByte uint64                     `toml:"publish_per_byte"`
	Instructions   map[string]InstructionCost `toml:"instructions"`
	Natives        map[string]NativeCost      `toml:"natives"`
}

func (s *Schedule) Instruction(op bytecode.Opcode, size uint64) uint64 {
	cost, ok := s.Instructions[op.String()]
	if !ok {
		return s.DefaultBase
	}
	return linear(cost.Base, cost.PerUnit, size)
}

func (s *Schedule) Native(name string, size uint64) uint64 {
	cost, ok := s.Natives[name]
	if !ok {
		return s.DefaultBase
	}
	return linear(cost.Base, cost.PerByte, size)
}

func (s *Schedule) Publish(size uint64) uint64 {
	return linear(0, s.PublishPerByte, size)
}

// base + per*size, saturating at the largest charge instead of wrapping, so a
// huge configured rate can only ever exhaust the budget.
func linear(base, per, size uint64) uint64 {
	hi, product := bits.Mul64(per, size)
	if hi != 0 {
		return math.MaxUint64
	}
	sum, carry := bits.Add64(base, product, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// Overlays the entries of o onto s. Zero scalar fields in o leave s alone.
func (s *Schedule) Merge(o *Schedule) {
	if o.DefaultBase != 0 {
		s.DefaultBase = o.DefaultBase
	}
	if o.PublishPerByte != 0 {
		s.PublishPerByte = o.PublishPerByte
	}
	if s.Instructions == nil {
		s.Instructions = map[string]InstructionCost{}
	}
	for k, v := range o.Instructions {
		s.Instructions[k] = v
	}
	if s.Natives == nil {
		s.Natives = map[string]NativeCost{}
	}
	for k, v := range o.Natives {
		s.Natives[k] = v
	}
}

// DefaultSchedule prices plain stack and arithmetic instructions at one unit,
// calls and struct shuffling slightly higher, and global storage access an
// order of magnitude above that.
func DefaultSchedule() *Schedule {
	s := &Schedule{
		DefaultBase:    1,
		PublishPerByte: 1,
		Instructions:   map[string]InstructionCost{},
		Natives:        map[string]NativeCost{},
	}
	for _, op := range bytecode.AllOpcodes() {
		s.Instructions[op.String()] = InstructionCost{Base: 1}
	}
	for _, op := range bytecode.AllOpcodes() {
		if op.IsSizeDependent() {
			s.Instructions[op.String()] = InstructionCost{Base: 1, PerUnit: 1}
		}
	}
	s.Instructions[bytecode.CALL.String()] = InstructionCost{Base: 5}
	s.Instructions[bytecode.PACK.String()] = InstructionCost{Base: 2}
	s.Instructions[bytecode.UNPACK.String()] = InstructionCost{Base: 2}
	s.Instructions[bytecode.EXISTS.String()] = InstructionCost{Base: 10}
	s.Instructions[bytecode.MUT_BORROW_GLOBAL.String()] = InstructionCost{Base: 10}
	s.Instructions[bytecode.IMM_BORROW_GLOBAL.String()] = InstructionCost{Base: 10}
	s.Instructions[bytecode.MOVE_FROM.String()] = InstructionCost{Base: 10, PerUnit: 1}
	s.Instructions[bytecode.MOVE_TO.String()] = InstructionCost{Base: 10, PerUnit: 1}

	s.Natives["0x1::Hash::sha3_256"] = NativeCost{Base: 10, PerByte: 1}
	s.Natives["0x1::Hash::sha2_256"] = NativeCost{Base: 10, PerByte: 1}
	s.Natives["0x1::Signature::ed25519_verify"] = NativeCost{Base: 60, PerByte: 1}
	s.Natives["0x1::Event::emit"] = NativeCost{Base: 5, PerByte: 1}
	return s
}
