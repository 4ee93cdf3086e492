// Package vm is the host facade over the interpreter: it publishes modules,
// runs scripts and entry functions, and commits their effects to a storage
// backend.
package vm

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/config"
	"github.com/glossopoeia/mvm/gas"
	"github.com/glossopoeia/mvm/natives"
	"github.com/glossopoeia/mvm/runtime"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/storage"
	"github.com/glossopoeia/mvm/verifier"
)

var log = commonlog.GetLogger("mvm.vm")

// The config cell holding the gas schedule, as TOML.
const GasScheduleCell = "gas"

// EventHandler receives the events of every committed transaction in
// emission order.
type EventHandler interface {
	OnEvent(ev runtime.Event)
}

type EventHandlerFunc func(ev runtime.Event)

func (f EventHandlerFunc) OnEvent(ev runtime.Event) {
	f(ev)
}

// Chain reports the block that a transaction starting now belongs to.
type Chain interface {
	ExecutionContext() runtime.ExecutionContext
}

type ChainFunc func() runtime.ExecutionContext

func (f ChainFunc) ExecutionContext() runtime.ExecutionContext {
	return f()
}

// Option configures the host services a VM exposes to natives.
type Option func(*VM)

func WithChain(c Chain) Option {
	return func(v *VM) {
		v.chain = c
	}
}

func WithOracle(o runtime.Oracle) Option {
	return func(v *VM) {
		v.oracle = o
	}
}

// VM owns everything shared between transactions: the backend, the linked
// module cache and the cost table. Each transaction gets its own machine and
// data cache; ExecuteBatch runs independent ones concurrently.
type VM struct {
	config   *config.Config
	backend  storage.Backend
	schedule *gas.Schedule
	natives  *runtime.NativeTable
	source   *moduleStore
	loader   *runtime.Loader
	codec    *runtime.ValueCodec
	verifier *verifier.Verifier
	events   EventHandler
	chain    Chain
	oracle   runtime.Oracle

	// Publishing takes the write side so that no transaction links against
	// a module that is still being checked.
	mu sync.RWMutex
	// Serializes transactions against each other. A batch holds it for its
	// whole run and orders its own transactions internally.
	txMu sync.Mutex
}

// New builds a VM over an existing backend. The gas schedule is the
// configured one overlaid with any schedule stored in the backend's config
// cell. The standard native modules are published if the backend does not
// hold them yet. events may be nil. Without WithChain, transactions see block
// height and time zero; without WithOracle, no prices.
func New(cfg *config.Config, backend storage.Backend, events EventHandler, opts ...Option) (*VM, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schedule, err := LoadGasSchedule(backend, cfg.Gas)
	if err != nil {
		return nil, err
	}

	v := &VM{
		config:   cfg,
		backend:  backend,
		schedule: schedule,
		verifier: verifier.New(cfg.MaxTypeDepth, cfg.KindCacheSize),
		events:   events,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.natives = runtime.NewNativeTable(schedule)
	natives.Register(v.natives)
	v.source = newModuleStore(backend)
	v.reset()

	if err := v.genesis(); err != nil {
		return nil, err
	}
	return v, nil
}

// Open builds a VM over the backend named by the configuration.
func Open(cfg *config.Config, events EventHandler, opts ...Option) (*VM, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	backend, err := OpenBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}
	v, err := New(cfg, backend, events, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return v, nil
}

func OpenBackend(s config.Storage) (storage.Backend, error) {
	switch s.Driver {
	case config.DriverMemory, "":
		return storage.NewMemory(), nil
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(s.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", s.Driver)
	}
}

func (v *VM) Close() error {
	return v.backend.Close()
}

func (v *VM) Backend() storage.Backend {
	return v.backend
}

func (v *VM) GasSchedule() *gas.Schedule {
	return v.schedule
}

// Clear drops every linked module. Later transactions relink from storage.
func (v *VM) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reset()
}

func (v *VM) reset() {
	v.loader = runtime.NewLoader(v.source, v.natives, v.config.MaxTypeDepth, v.config.KindCacheSize)
	v.codec = runtime.NewValueCodec(v.loader, v.config.MaxValueDepth)
}

// Publishes the standard native modules that the backend lacks. They skip
// gas and sender checks but are still verified.
func (v *VM) genesis() error {
	var ws storage.WriteSet
	for _, m := range natives.Modules() {
		path := storage.ModulePath(m.ID)
		_, ok, err := v.backend.Get(path)
		if err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		if ok {
			continue
		}
		if err := v.verifier.Verify(m, nil); err != nil {
			return status.Invariantf("core module %s: %v", m.ID, err)
		}
		blob, err := bytecode.EncodeModule(m)
		if err != nil {
			return errors.Wrapf(err, "encoding %s", m.ID)
		}
		ws = append(ws, storage.WriteOp{Path: path, Value: blob})
	}
	if len(ws) == 0 {
		return nil
	}
	if err := v.backend.Apply(ws); err != nil {
		return errors.Wrap(err, "writing core modules")
	}
	log.Infof("published %d core modules", len(ws))
	return nil
}

// LoadGasSchedule overlays the schedule stored in the backend's config cell,
// if any, onto base. base itself is left untouched.
func LoadGasSchedule(backend storage.Backend, base *gas.Schedule) (*gas.Schedule, error) {
	s := &gas.Schedule{}
	if base != nil {
		s.Merge(base)
	} else {
		s.Merge(gas.DefaultSchedule())
	}
	path := storage.ConfigPath(GasScheduleCell)
	blob, ok, err := backend.Get(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if !ok {
		return s, nil
	}
	stored, err := config.DecodeSchedule(blob)
	if err != nil {
		return nil, err
	}
	s.Merge(stored)
	log.Debugf("gas schedule overlaid from %s", path)
	return s, nil
}

// StoreGasSchedule writes a schedule into the backend's config cell. VMs
// built over the backend afterwards use it.
func StoreGasSchedule(backend storage.Backend, s *gas.Schedule) error {
	blob, err := config.EncodeSchedule(s)
	if err != nil {
		return err
	}
	return storage.Put(backend, storage.ConfigPath(GasScheduleCell), blob)
}
