package types

import (
	"github.com/glossopoeia/mvm/status"
)

// A substitution maps type parameter indices to the type arguments of a
// generic instantiation. Substituting never touches struct declarations, only
// the type arguments mentioned inside a descriptor.
type Substitution struct {
	Args     []Type
	MaxDepth int
}

func NewSubstitution(args []Type, maxDepth int) Substitution {
	return Substitution{args, maxDepth}
}

// Composes two substitutions: applying the result is the same as applying r
// and then l. Used when a generic function calls another generic function
// with arguments that mention its own parameters.
func (l Substitution) Compose(r Substitution) (Substitution, error) {
	args := make([]Type, len(r.Args))
	for i, a := range r.Args {
		sub, err := l.Apply(a)
		if err != nil {
			return Substitution{}, err
		}
		args[i] = sub
	}
	return Substitution{args, l.MaxDepth}, nil
}

// Replaces every parameter in t with the matching argument. Fails with
// TypeArityMismatch when t mentions a parameter past the end of the argument
// list, and with RecursiveTypeInstantiation when the result nests deeper than
// the depth limit.
func (s Substitution) Apply(t Type) (Type, error) {
	res, err := s.apply(t)
	if err != nil {
		return nil, err
	}
	if s.MaxDepth > 0 && Depth(res) > s.MaxDepth {
		return nil, status.Newf(status.RecursiveTypeInstantiation, "instantiation %s nests deeper than %d", res, s.MaxDepth)
	}
	return res, nil
}

func (s Substitution) ApplyAll(ts []Type) ([]Type, error) {
	res := make([]Type, len(ts))
	for i, t := range ts {
		sub, err := s.Apply(t)
		if err != nil {
			return nil, err
		}
		res[i] = sub
	}
	return res, nil
}

func (s Substitution) apply(t Type) (Type, error) {
	switch tt := t.(type) {
	case Prim:
		return tt, nil
	case Param:
		if tt.Index < 0 || tt.Index >= len(s.Args) {
			return nil, status.Newf(status.TypeArityMismatch, "type parameter %s with %d arguments", tt, len(s.Args))
		}
		return s.Args[tt.Index], nil
	case Vector:
		elem, err := s.apply(tt.Elem)
		if err != nil {
			return nil, err
		}
		return Vector{elem}, nil
	case Reference:
		inner, err := s.apply(tt.Inner)
		if err != nil {
			return nil, err
		}
		return Reference{tt.Mutable, inner}, nil
	case Struct:
		if len(tt.TypeArgs) == 0 {
			return tt, nil
		}
		args := make([]Type, len(tt.TypeArgs))
		for i, a := range tt.TypeArgs {
			sub, err := s.apply(a)
			if err != nil {
				return nil, err
			}
			args[i] = sub
		}
		return Struct{tt.ID, args}, nil
	default:
		panic("Invalid type descriptor encountered.")
	}
}

// Instantiate is shorthand for applying a one-off substitution.
func Instantiate(t Type, args []Type, maxDepth int) (Type, error) {
	return NewSubstitution(args, maxDepth).Apply(t)
}
