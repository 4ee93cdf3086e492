package types

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/glossopoeia/mvm/status"
)

// The kind system of the VM classifies every type by what the program may do
// with its values. Copyable values may be duplicated and dropped freely.
// Resource values must be consumed exactly once. All is the kind of a type
// parameter that accepts either, so its values are treated like resources:
// they can be moved but never copied or dropped.
type Kind int

const (
	Copyable Kind = iota + 1
	All
	Resource
)

func (k Kind) String() string {
	switch k {
	case Copyable:
		return "copyable"
	case All:
		return "all"
	case Resource:
		return "resource"
	default:
		panic("Invalid kind encountered.")
	}
}

// Joins two kinds. Resource dominates All, which dominates Copyable, so a
// container is only copyable when everything inside it is.
func (k Kind) Join(o Kind) Kind {
	if k > o {
		return k
	}
	return o
}

// Whether a value of this kind may be copied or silently dropped.
func (k Kind) IsCopyable() bool {
	return k == Copyable
}

// Whether an argument of kind k satisfies a type parameter constraint.
func Satisfies(k Kind, constraint Kind) bool {
	switch constraint {
	case All:
		return true
	case Copyable:
		return k == Copyable
	case Resource:
		return k == Resource
	default:
		panic("Invalid kind constraint encountered.")
	}
}

// Everything the kind computation needs to know about a struct declaration.
// Field types may mention the struct's own type parameters.
type StructInfo struct {
	ID         StructID
	Resource   bool
	TypeParams []Kind
	Fields     []Type
}

type StructResolver interface {
	ResolveStruct(id StructID) (*StructInfo, error)
}

// Kinds computes the kinds of types against a struct resolver, memoizing the
// kinds of concrete struct instantiations. A Kinds value is safe for use by
// one goroutine at a time per resolver; the cache itself is synchronized.
type Kinds struct {
	resolver StructResolver
	maxDepth int
	cache    *lru.Cache[string, Kind]
}

func NewKinds(resolver StructResolver, maxDepth int, cacheSize int) *Kinds {
	cache, err := lru.New[string, Kind](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Kinds{resolver, maxDepth, cache}
}

// Returns a Kinds that shares the cache but resolves against a different set
// of structs, used when a loader grows its set of linked modules.
func (ks *Kinds) WithResolver(resolver StructResolver) *Kinds {
	return &Kinds{resolver, ks.maxDepth, ks.cache}
}

// Computes the kind of t. Type parameters take the kind of their constraint
// in params; a parameter index outside params is a TypeArityMismatch.
func (ks *Kinds) Of(t Type, params []Kind) (Kind, error) {
	return ks.of(t, params, 0)
}

func (ks *Kinds) of(t Type, params []Kind, depth int) (Kind, error) {
	if depth > ks.maxDepth {
		return 0, status.Newf(status.RecursiveTypeInstantiation, "kind of %s exceeds depth %d", t, ks.maxDepth)
	}
	switch tt := t.(type) {
	case Prim:
		return Copyable, nil
	case Reference:
		return Copyable, nil
	case Param:
		if tt.Index < 0 || tt.Index >= len(params) {
			return 0, status.Newf(status.TypeArityMismatch, "type parameter %s out of range", tt)
		}
		return params[tt.Index], nil
	case Vector:
		return ks.of(tt.Elem, params, depth+1)
	case Struct:
		concrete := IsConcrete(tt)
		if concrete {
			if k, ok := ks.cache.Get(tt.String()); ok {
				return k, nil
			}
		}
		k, err := ks.structKind(tt, params, depth)
		if err != nil {
			return 0, err
		}
		if concrete {
			ks.cache.Add(tt.String(), k)
		}
		return k, nil
	default:
		panic("Invalid type descriptor encountered.")
	}
}

func (ks *Kinds) structKind(s Struct, params []Kind, depth int) (Kind, error) {
	info, err := ks.resolver.ResolveStruct(s.ID)
	if err != nil {
		return 0, err
	}
	if len(info.TypeParams) != len(s.TypeArgs) {
		return 0, status.Newf(status.TypeArityMismatch, "%s expects %d type arguments, got %d", s.ID, len(info.TypeParams), len(s.TypeArgs))
	}
	argKinds := make([]Kind, len(s.TypeArgs))
	for i, arg := range s.TypeArgs {
		k, err := ks.of(arg, params, depth+1)
		if err != nil {
			return 0, err
		}
		if !Satisfies(k, info.TypeParams[i]) {
			return 0, status.Newf(status.ConstraintNotSatisfied, "type argument %s of %s is %s, expected %s", arg, s.ID, k, info.TypeParams[i])
		}
		argKinds[i] = k
	}
	if info.Resource {
		return Resource, nil
	}
	// Field kinds are computed with the struct's own parameters standing in
	// for the argument kinds, which avoids materializing the instantiated
	// field types.
	result := Copyable
	for _, f := range info.Fields {
		k, err := ks.of(f, argKinds, depth+1)
		if err != nil {
			return 0, err
		}
		result = result.Join(k)
	}
	return result, nil
}

// Checks that a type is well formed: every struct is applied to the right
// number of arguments that satisfy its constraints, and every parameter is in
// range.
func (ks *Kinds) Check(t Type, params []Kind) error {
	switch tt := t.(type) {
	case Reference:
		return ks.Check(tt.Inner, params)
	default:
		_, err := ks.Of(t, params)
		return err
	}
}

// Len reports the number of memoized struct kinds.
func (ks *Kinds) Len() int {
	return ks.cache.Len()
}

// A resolver over a fixed set of struct infos, handy for tests and for
// verifying a module against itself.
type StructTable map[StructID]*StructInfo

func (t StructTable) ResolveStruct(id StructID) (*StructInfo, error) {
	if info, ok := t[id]; ok {
		return info, nil
	}
	return nil, status.Newf(status.LinkerError, "unknown struct %s", id)
}

func (t StructTable) Add(info *StructInfo) {
	if _, ok := t[info.ID]; ok {
		panic(fmt.Sprintf("Duplicate struct %s registered.", info.ID))
	}
	t[info.ID] = info
}
