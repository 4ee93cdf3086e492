package runtime

import (
	"fmt"

	"github.com/glossopoeia/mvm/gas"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

// NativeFunc implements a native function. It receives its arguments in
// parameter order and returns its results in return order. Natives run to
// completion and may only reach caller state through the references they are
// given.
type NativeFunc = func(ctx *NativeContext, typeArgs []types.Type, args []Value) ([]Value, error)

// Native pairs an implementation with the size function its gas charge is
// computed from. Size may be nil for natives with a flat cost.
type Native struct {
	Name string
	Size func(ctx *NativeContext, args []Value) (uint64, error)
	Fn   NativeFunc
}

// NativeTable is the dispatcher from qualified native names, such as
// "0x1::Hash::sha3_256", to implementations.
type NativeTable struct {
	natives map[string]*Native
	costs   gas.CostTable
}

func NewNativeTable(costs gas.CostTable) *NativeTable {
	return &NativeTable{natives: map[string]*Native{}, costs: costs}
}

func (t *NativeTable) Register(n *Native) {
	if _, ok := t.natives[n.Name]; ok {
		panic(fmt.Sprintf("Native %s registered twice.", n.Name))
	}
	t.natives[n.Name] = n
}

func (t *NativeTable) Lookup(name string) (*Native, bool) {
	n, ok := t.natives[name]
	return n, ok
}

func (t *NativeTable) Names() []string {
	names := make([]string, 0, len(t.natives))
	for name := range t.natives {
		names = append(names, name)
	}
	return names
}

// Invoke runs a native after pricing it. When the price exceeds the remaining
// gas the native does not run, and the returned cost is the full price so the
// caller's meter reports OutOfGas.
func (t *NativeTable) Invoke(ctx *NativeContext, name string, typeArgs []types.Type, args []Value, remaining uint64) ([]Value, uint64, error) {
	n, ok := t.natives[name]
	if !ok {
		return nil, 0, status.Invariantf("native %s not linked", name)
	}
	var size uint64
	if n.Size != nil {
		s, err := n.Size(ctx, args)
		if err != nil {
			return nil, 0, err
		}
		size = s
	}
	cost := t.costs.Native(name, size)
	if cost > remaining {
		return nil, cost, status.Newf(status.OutOfGas, "native %s costs %d, %d remaining", name, cost, remaining)
	}
	results, err := n.Fn(ctx, typeArgs, args)
	if err != nil {
		if _, ok := status.AsError(err); !ok {
			err = status.Newf(status.NativeFailure, "%s: %v", name, err)
		}
		return nil, cost, err
	}
	return results, cost, nil
}

// Event is one value emitted by a transaction, kept in emission order.
// Caller is the module whose code emitted it; it is the zero ModuleID when a
// native is run directly as the entry point.
type Event struct {
	Type   types.Type
	Data   []byte
	Caller types.ModuleID
}

// ExecutionContext describes the block a transaction runs in.
type ExecutionContext struct {
	BlockHeight uint64
	Timestamp   uint64
}

// Oracle is the host's price feed, keyed by ticker such as "ETH_USD".
type Oracle interface {
	Price(ticker string) (U128, bool)
}

// NativeContext is the narrow view of the machine that natives get.
type NativeContext struct {
	m *Machine
}

// ReadRef returns a copy of the value behind a reference.
func (c *NativeContext) ReadRef(r Ref) (Value, error) {
	v, err := c.m.deref(r)
	if err != nil {
		return nil, err
	}
	return Copy(v), nil
}

// Vector resolves a reference to a vector and returns the live container, for
// natives that inspect or mutate a vector in place. Mutation through an
// immutable reference is an invariant violation.
func (c *NativeContext) Vector(r Ref, mutate bool) (*Vector, error) {
	if mutate && !r.Mutable {
		return nil, status.Invariantf("mutation through immutable reference %s", r)
	}
	v, err := c.m.deref(r)
	if err != nil {
		return nil, err
	}
	vec, ok := v.(*Vector)
	if !ok {
		return nil, status.Invariantf("reference %s does not point at a vector", r)
	}
	if mutate {
		if err := c.m.touch(r); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

// BorrowElement returns a reference to an element of the vector behind r.
// The element reference takes over r's hold on its root, since r itself is
// released when the native returns.
func (c *NativeContext) BorrowElement(r Ref, index int, mutable bool) Ref {
	child := r.Child(index, mutable)
	c.m.data.derive(child)
	return child
}

// Emit appends an event to the transaction's event list.
func (c *NativeContext) Emit(t types.Type, v Value) error {
	data, err := c.m.codec.Encode(v, t)
	if err != nil {
		return err
	}
	ev := Event{Type: t, Data: data}
	if fr := c.m.stack.Top(); fr != nil {
		ev.Caller = fr.fn.Module.ID
	}
	c.m.data.events = append(c.m.data.events, ev)
	return nil
}

func (c *NativeContext) Context() ExecutionContext {
	return c.m.Context
}

// Price asks the host oracle for a ticker. A machine without an oracle knows
// no prices.
func (c *NativeContext) Price(ticker string) (U128, bool) {
	if c.m.Oracle == nil {
		return U128{}, false
	}
	return c.m.Oracle.Price(ticker)
}
