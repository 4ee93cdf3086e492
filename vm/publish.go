package vm

import (
	"github.com/pkg/errors"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/gas"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/storage"
	"github.com/glossopoeia/mvm/types"
)

// PublishModule checks a module blob and stores it under the sender's
// address. Gas proportional to the blob size is charged before anything
// else; the module must belong to the sender, pass verification, and link
// against the modules already published. Modules cannot be republished.
func (v *VM) PublishModule(blob []byte, sender types.Address, budget uint64) (Result, error) {
	var res Result
	meter := gas.NewMeter(budget)
	err := meter.Charge(v.schedule.Publish(uint64(len(blob))))
	res.GasUsed = meter.Used()
	if err != nil {
		return res, settle(&res, err)
	}

	m, err := bytecode.DecodeModule(blob)
	if err != nil {
		return res, settle(&res, err)
	}
	if m.Script {
		res.Status = status.Newf(status.MalformedModule, "scripts cannot be published")
		return res, nil
	}
	if m.ID.Address != sender {
		res.Status = status.Newf(status.ModuleAddressDoesNotMatchSender, "module %s published by %s", m.ID, sender).
			At(status.Location{Module: m.Name()})
		return res, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	exists, err := v.source.published(m.ID)
	if err != nil {
		return res, err
	}
	if exists {
		res.Status = status.Newf(status.LinkerError, "module %s is already published", m.ID)
		return res, nil
	}

	deps, err := v.dependencies(m)
	if err != nil {
		return res, settle(&res, err)
	}
	if err := v.verifier.Verify(m, deps); err != nil {
		return res, settle(&res, err)
	}

	v.source.stage(m)
	defer v.source.unstage(m.ID)
	if _, err := v.loader.Load(m.ID); err != nil {
		v.loader.Forget(m.ID)
		return res, settle(&res, err)
	}
	if err := storage.Put(v.backend, storage.ModulePath(m.ID), blob); err != nil {
		v.loader.Forget(m.ID)
		return res, status.Wrap(status.StorageError, errors.Wrapf(err, "writing %s", m.ID))
	}

	log.Infof("published %s (%d bytes, %d gas)", m.ID, len(blob), res.GasUsed)
	return res, nil
}
