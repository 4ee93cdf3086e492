package vm

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/storage"
	"github.com/glossopoeia/mvm/types"
)

// Tx is one transaction of a batch: either a script or a call to a public
// module function.
type Tx struct {
	Script   *bytecode.Module
	Module   types.ModuleID
	Function string
	TypeArgs []types.Type
	Args     []runtime.Value
	Gas      uint64
}

// ExecuteBatch runs transactions concurrently, each against the state
// committed before the batch, then commits them in order. A transaction that
// read or wrote a cell written by an earlier transaction of the batch is run
// again on top of the earlier commits, so the outcome matches running the
// batch one transaction at a time.
func (v *VM) ExecuteBatch(ctx context.Context, txs []Tx) ([]Result, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	v.txMu.Lock()
	defer v.txMu.Unlock()

	runs := make([]*pending, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range txs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := v.runTx(txs[i])
			runs[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(txs))
	written := map[storage.AccessPath]bool{}
	reruns := 0
	for i, p := range runs {
		if p.data != nil && touchesAny(p.data, written) {
			var err error
			if p, err = v.runTx(txs[i]); err != nil {
				return results, err
			}
			reruns++
		}
		res, err := v.commit(p)
		if err != nil {
			return results, err
		}
		for _, op := range res.WriteSet {
			written[op.Path] = true
		}
		results = append(results, res)
	}
	log.Debugf("batch of %d transactions committed, %d re-executed", len(txs), reruns)
	return results, nil
}

func (v *VM) runTx(tx Tx) (*pending, error) {
	// Execution consumes container arguments, and a transaction may run twice.
	args := make([]runtime.Value, len(tx.Args))
	for i, a := range tx.Args {
		args[i] = runtime.Copy(a)
	}
	if tx.Script != nil {
		return v.runScript(tx.Script, tx.TypeArgs, args, tx.Gas)
	}
	return v.runFunction(tx.Module, tx.Function, tx.TypeArgs, args, tx.Gas)
}

func touchesAny(data *runtime.DataCache, written map[storage.AccessPath]bool) bool {
	for _, k := range data.Touched() {
		if written[k] {
			return true
		}
	}
	return false
}
