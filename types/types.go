package types

import (
	"fmt"
	"strings"

	"github.com/rjNemo/underscore"
)

// Identifies a module by the address it is published under and its name.
type ModuleID struct {
	Address Address
	Name    string
}

func (m ModuleID) String() string {
	return fmt.Sprintf("%s::%s", m.Address, m.Name)
}

func (m ModuleID) Struct(name string) StructID {
	return StructID{m, name}
}

// Identifies a struct declaration within a module.
type StructID struct {
	Module ModuleID
	Name   string
}

func (s StructID) String() string {
	return fmt.Sprintf("%s::%s", s.Module, s.Name)
}

// Type is the closed set of type descriptors the VM understands. Values of
// every variant are immutable once built; substitution always returns fresh
// descriptors.
type Type interface {
	fmt.Stringer
	isType()
}

type Prim int

const (
	Bool Prim = iota + 1
	U8
	U64
	U128
	Addr
)

func (p Prim) isType() {}

func (p Prim) String() string {
	switch p {
	case Bool:
		return "bool"
	case U8:
		return "u8"
	case U64:
		return "u64"
	case U128:
		return "u128"
	case Addr:
		return "address"
	default:
		panic("Invalid primitive type encountered.")
	}
}

// Whether the type supports arithmetic, comparison and casts.
func (p Prim) IsInteger() bool {
	return p == U8 || p == U64 || p == U128
}

// Width of an integer primitive in bits. Zero for non-integers.
func (p Prim) Bits() uint {
	switch p {
	case U8:
		return 8
	case U64:
		return 64
	case U128:
		return 128
	default:
		return 0
	}
}

type Vector struct {
	Elem Type
}

func (v Vector) isType() {}

func (v Vector) String() string {
	return fmt.Sprintf("vector<%s>", v.Elem)
}

// A struct type applied to its type arguments. The argument list is empty for
// non-generic structs.
type Struct struct {
	ID       StructID
	TypeArgs []Type
}

func (s Struct) isType() {}

func (s Struct) String() string {
	if len(s.TypeArgs) == 0 {
		return s.ID.String()
	}
	args := underscore.Map(s.TypeArgs, func(t Type) string { return t.String() })
	return fmt.Sprintf("%s<%s>", s.ID, strings.Join(args, ", "))
}

type Reference struct {
	Mutable bool
	Inner   Type
}

func (r Reference) isType() {}

func (r Reference) String() string {
	if r.Mutable {
		return "&mut " + r.Inner.String()
	}
	return "&" + r.Inner.String()
}

// A reference to the Index-th type parameter of the enclosing generic
// function or struct.
type Param struct {
	Index int
}

func (p Param) isType() {}

func (p Param) String() string {
	return fmt.Sprintf("#%d", p.Index)
}

func NewStruct(id StructID, args ...Type) Struct {
	return Struct{id, args}
}

func MutRef(t Type) Reference {
	return Reference{true, t}
}

func Ref(t Type) Reference {
	return Reference{false, t}
}

// Structural type equality. Type parameters are equal only to parameters with
// the same index.
func Equal(l Type, r Type) bool {
	switch lt := l.(type) {
	case Prim:
		rt, ok := r.(Prim)
		return ok && lt == rt
	case Vector:
		rt, ok := r.(Vector)
		return ok && Equal(lt.Elem, rt.Elem)
	case Struct:
		rt, ok := r.(Struct)
		return ok && lt.ID == rt.ID && EqualAll(lt.TypeArgs, rt.TypeArgs)
	case Reference:
		rt, ok := r.(Reference)
		return ok && lt.Mutable == rt.Mutable && Equal(lt.Inner, rt.Inner)
	case Param:
		rt, ok := r.(Param)
		return ok && lt.Index == rt.Index
	case nil:
		return r == nil
	default:
		panic("Invalid type descriptor encountered.")
	}
}

func EqualAll(l []Type, r []Type) bool {
	if len(l) != len(r) {
		return false
	}
	for i := range l {
		if !Equal(l[i], r[i]) {
			return false
		}
	}
	return true
}

// A type is concrete when it mentions no type parameters.
func IsConcrete(t Type) bool {
	switch tt := t.(type) {
	case Prim:
		return true
	case Vector:
		return IsConcrete(tt.Elem)
	case Struct:
		return underscore.All(tt.TypeArgs, IsConcrete)
	case Reference:
		return IsConcrete(tt.Inner)
	case Param:
		return false
	default:
		panic("Invalid type descriptor encountered.")
	}
}

// The nesting depth of a type: one for primitives and parameters, plus one
// for every vector, struct application or reference around them.
func Depth(t Type) int {
	switch tt := t.(type) {
	case Prim, Param:
		return 1
	case Vector:
		return 1 + Depth(tt.Elem)
	case Struct:
		max := 0
		for _, a := range tt.TypeArgs {
			if d := Depth(a); d > max {
				max = d
			}
		}
		return 1 + max
	case Reference:
		return 1 + Depth(tt.Inner)
	default:
		panic("Invalid type descriptor encountered.")
	}
}

func IsReference(t Type) bool {
	_, ok := t.(Reference)
	return ok
}

// Whether the type contains a reference anywhere inside it. References may
// only appear at the top level of locals, parameters and returns.
func ContainsReference(t Type) bool {
	switch tt := t.(type) {
	case Prim, Param:
		return false
	case Vector:
		return IsReference(tt.Elem) || ContainsReference(tt.Elem)
	case Struct:
		return underscore.Any(tt.TypeArgs, func(a Type) bool { return IsReference(a) || ContainsReference(a) })
	case Reference:
		return IsReference(tt.Inner) || ContainsReference(tt.Inner)
	default:
		panic("Invalid type descriptor encountered.")
	}
}

func IsInteger(t Type) bool {
	p, ok := t.(Prim)
	return ok && p.IsInteger()
}

func StringAll(ts []Type) string {
	return "(" + strings.Join(underscore.Map(ts, func(t Type) string { return t.String() }), ", ") + ")"
}
