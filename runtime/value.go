package runtime

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/glossopoeia/mvm/types"
)

// Value is any runtime value. Primitives are Go value types: bool, uint8,
// uint64, U128 and types.Address. Containers (*Struct and *Vector) are heap
// objects owned by exactly one location at a time; moving one hands over the
// pointer and copying one copies it deeply. Ref is a non-owning handle into a
// local slot or a global storage cell.
type Value interface{}

// 128-bit unsigned integers ride on a 256-bit word; every arithmetic result
// is checked to fit in 128 bits.
type U128 = uint256.Int

type Struct struct {
	Fields []Value
}

type Vector struct {
	Elems []Value
}

func NewStruct(fields ...Value) *Struct {
	return &Struct{fields}
}

func NewVector(elems ...Value) *Vector {
	return &Vector{elems}
}

func NewU128(v uint64) U128 {
	return *uint256.NewInt(v)
}

// Bytes wraps a byte slice as a vector<u8> value.
func Bytes(b []byte) *Vector {
	elems := make([]Value, len(b))
	for i, c := range b {
		elems[i] = c
	}
	return &Vector{elems}
}

// ToBytes converts a vector<u8> value back to a byte slice.
func ToBytes(v Value) ([]byte, bool) {
	vec, ok := v.(*Vector)
	if !ok {
		return nil, false
	}
	res := make([]byte, len(vec.Elems))
	for i, e := range vec.Elems {
		b, ok := e.(uint8)
		if !ok {
			return nil, false
		}
		res[i] = b
	}
	return res, true
}

// Where a reference is rooted. A local root names a slot of the frame at a
// given call stack depth; a global root names a storage cell.
type RootKind int

const (
	LocalRoot RootKind = iota + 1
	GlobalRoot
)

type Root struct {
	Kind  RootKind
	Frame int
	Slot  int
	Cell  CellKey
}

// Ref is a path from a root into nested struct fields and vector elements.
// References are resolved on every access, so a reference never holds a raw
// pointer into a container.
type Ref struct {
	Root    Root
	Path    []int
	Mutable bool
}

func (r Ref) Child(index int, mutable bool) Ref {
	path := make([]int, len(r.Path)+1)
	copy(path, r.Path)
	path[len(r.Path)] = index
	return Ref{r.Root, path, mutable}
}

func (r Ref) Freeze() Ref {
	return Ref{r.Root, r.Path, false}
}

func (r Ref) String() string {
	var root string
	if r.Root.Kind == LocalRoot {
		root = fmt.Sprintf("local(%d,%d)", r.Root.Frame, r.Root.Slot)
	} else {
		root = fmt.Sprintf("global(%s)", r.Root.Cell)
	}
	mut := "&"
	if r.Mutable {
		mut = "&mut "
	}
	parts := make([]string, len(r.Path))
	for i, p := range r.Path {
		parts[i] = fmt.Sprint(p)
	}
	return fmt.Sprintf("%s%s[%s]", mut, root, strings.Join(parts, "."))
}

// Copy duplicates a value deeply. References copy as handles; copying one
// does not copy what it points to.
func Copy(v Value) Value {
	switch val := v.(type) {
	case *Struct:
		fields := make([]Value, len(val.Fields))
		for i, f := range val.Fields {
			fields[i] = Copy(f)
		}
		return &Struct{fields}
	case *Vector:
		elems := make([]Value, len(val.Elems))
		for i, e := range val.Elems {
			elems[i] = Copy(e)
		}
		return &Vector{elems}
	case Ref:
		return Ref{val.Root, append([]int{}, val.Path...), val.Mutable}
	default:
		return v
	}
}

// Size is the abstract memory size of a value, used to price size-dependent
// instructions. Containers cost one unit plus their contents.
func Size(v Value) uint64 {
	switch val := v.(type) {
	case bool, uint8, uint64, Ref:
		return 1
	case U128, types.Address:
		return 2
	case *Struct:
		s := uint64(1)
		for _, f := range val.Fields {
			s += Size(f)
		}
		return s
	case *Vector:
		s := uint64(1)
		for _, e := range val.Elems {
			s += Size(e)
		}
		return s
	case nil:
		return 0
	default:
		panic(fmt.Sprintf("Invalid runtime value %T encountered.", v))
	}
}

// Checks that a value has the shape of a concrete type. Struct fields are
// checked through the layout resolver.
func CheckValue(layouts LayoutResolver, v Value, t types.Type) error {
	switch tt := t.(type) {
	case types.Prim:
		ok := false
		switch tt {
		case types.Bool:
			_, ok = v.(bool)
		case types.U8:
			_, ok = v.(uint8)
		case types.U64:
			_, ok = v.(uint64)
		case types.U128:
			_, ok = v.(U128)
		case types.Addr:
			_, ok = v.(types.Address)
		}
		if !ok {
			return fmt.Errorf("value %v is not a %s", v, tt)
		}
		return nil
	case types.Vector:
		vec, ok := v.(*Vector)
		if !ok {
			return fmt.Errorf("value %v is not a %s", v, tt)
		}
		for _, e := range vec.Elems {
			if err := CheckValue(layouts, e, tt.Elem); err != nil {
				return err
			}
		}
		return nil
	case types.Struct:
		s, ok := v.(*Struct)
		if !ok {
			return fmt.Errorf("value %v is not a %s", v, tt)
		}
		fields, err := layouts.FieldTypes(tt)
		if err != nil {
			return err
		}
		if len(fields) != len(s.Fields) {
			return fmt.Errorf("%s has %d fields, value has %d", tt, len(fields), len(s.Fields))
		}
		for i, f := range s.Fields {
			if err := CheckValue(layouts, f, fields[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("values of type %s cannot be passed in", t)
	}
}

// Deep equality over copyable values. References compare the values they
// point to and are dereferenced by the caller.
func Equals(l Value, r Value) bool {
	switch lv := l.(type) {
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	case uint8:
		rv, ok := r.(uint8)
		return ok && lv == rv
	case uint64:
		rv, ok := r.(uint64)
		return ok && lv == rv
	case U128:
		rv, ok := r.(U128)
		return ok && lv.Eq(&rv)
	case types.Address:
		rv, ok := r.(types.Address)
		return ok && lv == rv
	case *Struct:
		rv, ok := r.(*Struct)
		if !ok || len(lv.Fields) != len(rv.Fields) {
			return false
		}
		for i := range lv.Fields {
			if !Equals(lv.Fields[i], rv.Fields[i]) {
				return false
			}
		}
		return true
	case *Vector:
		rv, ok := r.(*Vector)
		if !ok || len(lv.Elems) != len(rv.Elems) {
			return false
		}
		for i := range lv.Elems {
			if !Equals(lv.Elems[i], rv.Elems[i]) {
				return false
			}
		}
		return true
	default:
		panic(fmt.Sprintf("Invalid equality operand %T encountered.", l))
	}
}
