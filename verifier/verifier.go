// Package verifier statically checks modules and scripts before they are
// linked or executed. A module that passes every check cannot, when run by the
// interpreter, underflow its stack, confuse types, copy or drop a resource, or
// use a reference after the value it points at has moved.
package verifier

import (
	"github.com/tliron/commonlog"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/types"
)

var log = commonlog.GetLogger("mvm.verifier")

// Limits on type nesting used while checking instantiations.
const (
	DefaultMaxTypeDepth  = 128
	DefaultKindCacheSize = 1024
)

// Verifier holds the limits used while checking. It keeps no state between
// calls, so one Verifier may check many modules.
type Verifier struct {
	MaxTypeDepth  int
	KindCacheSize int
}

func New(maxTypeDepth int, kindCacheSize int) *Verifier {
	return &Verifier{maxTypeDepth, kindCacheSize}
}

// Verify checks a module with the default limits.
func Verify(m *bytecode.Module, deps []*bytecode.Module) error {
	return New(DefaultMaxTypeDepth, DefaultKindCacheSize).Verify(m, deps)
}

// Verify runs every pass over m. deps must hold the modules that declare the
// foreign structs m mentions; functions of deps are never inspected. The
// first failure found is returned, and the passes visit the module in a fixed
// order so the same module always fails the same way.
func (v *Verifier) Verify(m *bytecode.Module, deps []*bytecode.Module) error {
	log.Debugf("verifying %s", m.ID)
	if err := checkBounds(m); err != nil {
		return err
	}
	if err := checkRecursiveStructs(m); err != nil {
		return err
	}

	table := types.StructTable{}
	for _, info := range m.StructInfos() {
		table.Add(info)
	}
	for _, dep := range deps {
		if dep.ID == m.ID {
			continue
		}
		for _, info := range dep.StructInfos() {
			if _, ok := table[info.ID]; !ok {
				table.Add(info)
			}
		}
	}
	ctx := &moduleContext{
		module:   m,
		kinds:    types.NewKinds(table, v.MaxTypeDepth, v.KindCacheSize),
		maxDepth: v.MaxTypeDepth,
	}
	if err := ctx.checkSignatures(); err != nil {
		return err
	}

	for i := range m.Functions {
		def := &m.Functions[i]
		if def.Native {
			continue
		}
		fn := ctx.function(def)
		for _, pass := range []func(*functionContext) error{checkStack, checkTypes, checkResources, checkReferences} {
			if err := pass(fn); err != nil {
				return err
			}
		}
	}
	log.Debugf("verified %s", m.ID)
	return nil
}

// Everything the per-function passes share about the module under check.
type moduleContext struct {
	module   *bytecode.Module
	kinds    *types.Kinds
	maxDepth int
}

type functionContext struct {
	*moduleContext
	def     *bytecode.FunctionDef
	handle  bytecode.FunctionHandle
	locals  []types.Type
	graph   *cfg
	kindMap []types.Kind
}

func (mc *moduleContext) function(def *bytecode.FunctionDef) *functionContext {
	h := mc.module.FunctionHandles[def.Handle]
	return &functionContext{
		moduleContext: mc,
		def:           def,
		handle:        h,
		locals:        mc.module.LocalTypes(def),
		graph:         newCFG(def.Code),
		kindMap:       h.TypeParams,
	}
}

func (mc *moduleContext) moduleLocation() status.Location {
	return status.Location{Module: mc.module.Name()}
}

func (fc *functionContext) location(offset int) status.Location {
	return status.Location{Module: fc.module.Name(), Function: fc.handle.Name, Offset: offset}
}

// Pins a failure to an instruction, forcing the verification category.
func (fc *functionContext) fail(offset int, code status.Code, format string, args ...any) error {
	return status.Verificationf(code, format, args...).At(fc.location(offset))
}

// Rewraps an error produced by the type layer as a verification failure at
// the given instruction.
func (fc *functionContext) reject(offset int, err error) error {
	if se, ok := status.AsError(err); ok {
		return fc.fail(offset, se.Code, "%s", se.Message)
	}
	return fc.fail(offset, status.MalformedModule, "%s", err)
}

func (fc *functionContext) kindOf(offset int, t types.Type) (types.Kind, error) {
	k, err := fc.kinds.Of(t, fc.kindMap)
	if err != nil {
		return 0, fc.reject(offset, err)
	}
	return k, nil
}
