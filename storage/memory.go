package storage

import (
	"sync"
)

// Memory is a Backend over a map, for tests and throwaway sessions. It is
// safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	cells map[AccessPath][]byte
}

func NewMemory() *Memory {
	return &Memory{cells: map[AccessPath][]byte{}}
}

func (m *Memory) Get(path AccessPath) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.cells[path]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, v...), true, nil
}

func (m *Memory) Apply(ws WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ws {
		if op.IsDelete() {
			delete(m.cells, op.Path)
		} else {
			m.cells[op.Path] = append([]byte{}, op.Value...)
		}
	}
	log.Debugf("applied %d writes to memory storage", len(ws))
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Len reports the number of live cells.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cells)
}
