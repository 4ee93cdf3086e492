package vm

import (
	"github.com/pkg/errors"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/storage"
	"github.com/glossopoeia/mvm/types"
)

// Result is the outcome of one transaction. Status is nil when the
// transaction succeeded and its effects were committed. A rejected or
// aborted transaction commits nothing but still reports the gas it used.
type Result struct {
	Status   *status.Error
	GasUsed  uint64
	Returns  []runtime.Value
	WriteSet storage.WriteSet
	Events   []runtime.Event
}

func (r Result) Succeeded() bool {
	return r.Status == nil
}

// Moves a status error into the result. Storage failures, invariant
// violations and foreign errors are the host's problem and are returned.
func settle(res *Result, err error) error {
	serr, ok := status.AsError(err)
	if !ok || serr.Code == status.StorageError || serr.Category == status.Invariant {
		return err
	}
	res.Status = serr
	return nil
}

// One transaction that has run but not yet been committed. data is nil when
// the transaction was rejected before it started.
type pending struct {
	result Result
	data   *runtime.DataCache
}

// ExecuteFunction runs a public function of a published module.
func (v *VM) ExecuteFunction(id types.ModuleID, name string, typeArgs []types.Type, args []runtime.Value, budget uint64) (Result, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	v.txMu.Lock()
	defer v.txMu.Unlock()

	p, err := v.runFunction(id, name, typeArgs, args, budget)
	if err != nil {
		return p.result, err
	}
	return v.commit(p)
}

// ExecuteScript verifies and runs a script. Scripts are linked against the
// published modules but never stored.
func (v *VM) ExecuteScript(script *bytecode.Module, typeArgs []types.Type, args []runtime.Value, budget uint64) (Result, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	v.txMu.Lock()
	defer v.txMu.Unlock()

	p, err := v.runScript(script, typeArgs, args, budget)
	if err != nil {
		return p.result, err
	}
	return v.commit(p)
}

func (v *VM) runFunction(id types.ModuleID, name string, typeArgs []types.Type, args []runtime.Value, budget uint64) (*pending, error) {
	p := &pending{}
	lm, err := v.loader.Load(id)
	if err != nil {
		return p, settle(&p.result, err)
	}
	fn, ok := lm.FunctionByName(name)
	if !ok {
		p.result.Status = status.Newf(status.LinkerError, "%s has no function %s", id, name)
		return p, nil
	}
	if !fn.Def.Public {
		p.result.Status = status.Newf(status.LinkerError, "%s is not public", fn.QualifiedName())
		return p, nil
	}
	return p, v.run(p, fn, typeArgs, args, budget)
}

func (v *VM) runScript(script *bytecode.Module, typeArgs []types.Type, args []runtime.Value, budget uint64) (*pending, error) {
	p := &pending{}
	if !script.Script {
		p.result.Status = status.Newf(status.MalformedModule, "%s is a module, not a script", script.ID)
		return p, nil
	}
	deps, err := v.dependencies(script)
	if err != nil {
		return p, settle(&p.result, err)
	}
	if err := v.verifier.Verify(script, deps); err != nil {
		return p, settle(&p.result, err)
	}
	lm, err := v.loader.LoadScript(script)
	if err != nil {
		return p, settle(&p.result, err)
	}
	return p, v.run(p, lm.Functions()[0], typeArgs, args, budget)
}

func (v *VM) run(p *pending, fn *runtime.Function, typeArgs []types.Type, args []runtime.Value, budget uint64) error {
	p.data = runtime.NewDataCache(v.backend, v.codec)
	m := runtime.NewMachine(v.loader, p.data, v.schedule, v.config.MaxCallDepth)
	m.TraceExecution = v.config.Trace
	m.Oracle = v.oracle
	if v.chain != nil {
		m.Context = v.chain.ExecutionContext()
	}

	res, err := m.Execute(fn, typeArgs, args, budget)
	p.result.GasUsed = res.GasUsed
	if err != nil {
		return settle(&p.result, err)
	}
	if !res.Succeeded() {
		p.result.Status = res.Abort
		return nil
	}
	p.result.Returns = res.Returns
	ws, events, err := p.data.Effects()
	if err != nil {
		return settle(&p.result, err)
	}
	p.result.WriteSet = ws
	p.result.Events = events
	return nil
}

// Applies a successful transaction's write set and hands its events to the
// handler. Failed transactions pass through untouched. The caller holds
// txMu.
func (v *VM) commit(p *pending) (Result, error) {
	if !p.result.Succeeded() {
		return p.result, nil
	}

	if len(p.result.WriteSet) > 0 {
		if err := v.backend.Apply(p.result.WriteSet); err != nil {
			return p.result, status.Wrap(status.StorageError, errors.Wrap(err, "applying write set"))
		}
		log.Debugf("committed %d writes", len(p.result.WriteSet))
	}
	if v.events != nil {
		for _, ev := range p.result.Events {
			v.events.OnEvent(ev)
		}
	}
	return p.result, nil
}

// Collects every module m reaches through its handles, each linked, so the
// verifier can resolve foreign structs and their fields.
func (v *VM) dependencies(m *bytecode.Module) ([]*bytecode.Module, error) {
	var deps []*bytecode.Module
	seen := map[types.ModuleID]bool{m.ID: true}
	queue := m.Dependencies()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		lm, err := v.loader.Load(id)
		if err != nil {
			return nil, err
		}
		deps = append(deps, lm.Module)
		queue = append(queue, lm.Dependencies()...)
	}
	return deps, nil
}
