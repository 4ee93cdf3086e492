package vm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/glossopoeia/mvm/bytecode"
	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/storage"
	"github.com/glossopoeia/mvm/types"
)

// moduleStore serves module code to the loader from the backend's module
// cells. A module being published is staged here so it can be linked before
// anything is written.
type moduleStore struct {
	backend storage.Backend
	mu      sync.Mutex
	staged  map[types.ModuleID]*bytecode.Module
}

func newModuleStore(backend storage.Backend) *moduleStore {
	return &moduleStore{backend: backend, staged: map[types.ModuleID]*bytecode.Module{}}
}

func (s *moduleStore) Module(id types.ModuleID) (*bytecode.Module, error) {
	s.mu.Lock()
	m, ok := s.staged[id]
	s.mu.Unlock()
	if ok {
		return m, nil
	}

	path := storage.ModulePath(id)
	blob, ok, err := s.backend.Get(path)
	if err != nil {
		return nil, status.Wrap(status.StorageError, errors.Wrapf(err, "reading %s", path))
	}
	if !ok {
		return nil, status.Newf(status.LinkerError, "module %s is not published", id)
	}
	return bytecode.DecodeModule(blob)
}

func (s *moduleStore) stage(m *bytecode.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[m.ID] = m
}

func (s *moduleStore) unstage(id types.ModuleID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, id)
}

func (s *moduleStore) published(id types.ModuleID) (bool, error) {
	path := storage.ModulePath(id)
	_, ok, err := s.backend.Get(path)
	if err != nil {
		return false, status.Wrap(status.StorageError, errors.Wrapf(err, "reading %s", path))
	}
	return ok, nil
}
