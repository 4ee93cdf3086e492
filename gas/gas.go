package gas

import (
	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
)

// CostTable prices everything the VM charges for. The interpreter only ever
// asks the table; the numbers themselves are policy.
type CostTable interface {
	// Cost of one instruction. size is the abstract size of the value the
	// instruction touches and is zero for instructions that do not depend on
	// a value's size.
	Instruction(op bytecode.Opcode, size uint64) uint64
	// Cost of one call to the named native over an argument of the given
	// byte length.
	Native(name string, size uint64) uint64
	// Intrinsic cost of publishing a module blob of the given length.
	Publish(size uint64) uint64
}

// Meter tracks gas consumption against a fixed budget. Charges are all or
// nothing: a charge that would exceed the budget consumes the whole budget
// and fails with OutOfGas.
type Meter struct {
	budget uint64
	used   uint64
}

func NewMeter(budget uint64) *Meter {
	return &Meter{budget: budget}
}

func (m *Meter) Charge(amount uint64) error {
	remaining := m.budget - m.used
	if amount > remaining {
		m.used = m.budget
		return status.Newf(status.OutOfGas, "charge of %d exceeds remaining %d", amount, remaining)
	}
	m.used += amount
	return nil
}

func (m *Meter) Used() uint64 {
	return m.used
}

func (m *Meter) Remaining() uint64 {
	return m.budget - m.used
}

func (m *Meter) Budget() uint64 {
	return m.budget
}
