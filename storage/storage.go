package storage

import (
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/glossopoeia/mvm/types"
)

var log = commonlog.GetLogger("mvm.storage")

// Tags distinguish the two kinds of cells an address can own.
const (
	ResourceTag = "resource/"
	ModuleTag   = "module/"
	ConfigTag   = "config/"
)

// AccessPath names one cell in global storage: an address plus a tag naming
// either a fully instantiated resource type or a module.
type AccessPath struct {
	Address types.Address
	Tag     string
}

func ResourcePath(addr types.Address, t types.Type) AccessPath {
	return AccessPath{addr, ResourceTag + t.String()}
}

func ModulePath(id types.ModuleID) AccessPath {
	return AccessPath{id.Address, ModuleTag + id.Name}
}

func ConfigPath(name string) AccessPath {
	return AccessPath{types.CoreAddress, ConfigTag + name}
}

func (p AccessPath) String() string {
	return fmt.Sprintf("%s/%s", p.Address, p.Tag)
}

func (p AccessPath) IsModule() bool {
	return strings.HasPrefix(p.Tag, ModuleTag)
}

// One entry of a write set. A nil Value deletes the cell.
type WriteOp struct {
	Path  AccessPath
	Value []byte
}

func (op WriteOp) IsDelete() bool {
	return op.Value == nil
}

type WriteSet []WriteOp

// Backend is the persistent store under the VM. Reads see only committed
// state; Apply commits a whole write set or nothing.
type Backend interface {
	Get(path AccessPath) ([]byte, bool, error)
	Apply(ws WriteSet) error
	Close() error
}

// Convenience for single-cell writes outside of a transaction, such as
// seeding genesis state.
func Put(b Backend, path AccessPath, value []byte) error {
	return b.Apply(WriteSet{{path, value}})
}

func Delete(b Backend, path AccessPath) error {
	return b.Apply(WriteSet{{path, nil}})
}
