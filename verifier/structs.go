package verifier

import (
	"fmt"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

// Rejects structs that contain themselves, directly or through other structs
// of the module, as a field, a vector element or a type argument. Foreign
// structs cannot close a cycle since their modules were published first.
// Runs before anything computes kinds so that kind computation terminates.
func checkRecursiveStructs(m *bytecode.Module) error {
	edges := map[types.StructID][]types.StructID{}
	var order []types.StructID
	for _, def := range m.Structs {
		id := m.StructHandles[def.Handle].ID()
		order = append(order, id)
		for _, f := range def.Fields {
			collectStructs(f.Type, m.ID, func(dep types.StructID) {
				edges[id] = append(edges[id], dep)
			})
		}
	}

	const (
		unvisited = iota
		active
		done
	)
	state := map[types.StructID]int{}
	var visit func(types.StructID) error
	visit = func(id types.StructID) error {
		state[id] = active
		for _, dep := range edges[id] {
			switch state[dep] {
			case active:
				return status.Verificationf(status.RecursiveStructDefinition, "struct %s contains itself through %s", dep, id).
					At(status.Location{Module: m.Name()})
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range order {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func collectStructs(t types.Type, self types.ModuleID, add func(types.StructID)) {
	switch tt := t.(type) {
	case types.Vector:
		collectStructs(tt.Elem, self, add)
	case types.Reference:
		collectStructs(tt.Inner, self, add)
	case types.Struct:
		if tt.ID.Module == self {
			add(tt.ID)
		}
		for _, a := range tt.TypeArgs {
			collectStructs(a, self, add)
		}
	}
}

// Checks kind constraints in every signature the module declares. Foreign
// function handles are checked too, which requires the declaring modules of
// any foreign struct they mention.
func (mc *moduleContext) checkSignatures() error {
	m := mc.module
	for _, def := range m.Structs {
		h := m.StructHandles[def.Handle]
		for _, f := range def.Fields {
			if err := mc.kinds.Check(f.Type, h.TypeParams); err != nil {
				return mc.signatureError(err, "field %s of %s", f.Name, h.ID())
			}
		}
	}
	for _, h := range m.FunctionHandles {
		for _, t := range append(append([]types.Type{}, h.Params...), h.Returns...) {
			if err := mc.kinds.Check(t, h.TypeParams); err != nil {
				return mc.signatureError(err, "signature of %s", h)
			}
		}
	}
	for _, def := range m.Functions {
		h := m.FunctionHandles[def.Handle]
		for _, t := range def.Locals {
			if err := mc.kinds.Check(t, h.TypeParams); err != nil {
				return mc.signatureError(err, "locals of %s", h)
			}
		}
	}
	return nil
}

func (mc *moduleContext) signatureError(err error, format string, args ...any) error {
	se, ok := status.AsError(err)
	if !ok {
		return err
	}
	if se.Code == status.LinkerError {
		// A missing dependency is the caller's problem, not the module's.
		return se.At(mc.moduleLocation())
	}
	return status.Verificationf(se.Code, "%s: %s", fmt.Sprintf(format, args...), se.Message).At(mc.moduleLocation())
}
