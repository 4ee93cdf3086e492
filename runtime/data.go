package runtime

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/glossopoeia/mvm/status"
	"github.com/glossopoeia/mvm/storage"
	"github.com/glossopoeia/mvm/types"
)

// CellKey names a global storage cell: an address plus a fully instantiated
// resource type.
type CellKey = storage.AccessPath

// A cell as seen by the running transaction. value is nil when the cell is
// empty. borrows counts live references into the cell: mutable ones in
// mutBorrows and immutable ones in immBorrows.
type cell struct {
	ty         types.Type
	value      Value
	origin     bool
	dirty      bool
	mutBorrows int
	immBorrows int
}

// DataCache is the global storage adapter. It overlays a storage backend,
// loading cells lazily and keeping every change in memory until the host
// asks for the write set. Nothing reaches the backend from here, so an
// aborted transaction simply drops its cache.
type DataCache struct {
	backend storage.Backend
	codec   *ValueCodec
	cells   map[CellKey]*cell
	events  []Event
}

func NewDataCache(backend storage.Backend, codec *ValueCodec) *DataCache {
	return &DataCache{backend: backend, codec: codec, cells: map[CellKey]*cell{}}
}

func (d *DataCache) load(addr types.Address, t types.Type) (*cell, error) {
	key := storage.ResourcePath(addr, t)
	if c, ok := d.cells[key]; ok {
		return c, nil
	}
	blob, ok, err := d.backend.Get(key)
	if err != nil {
		return nil, status.Wrap(status.StorageError, errors.Wrapf(err, "reading %s", key))
	}
	c := &cell{ty: t}
	if ok {
		v, err := d.codec.Decode(blob, t)
		if err != nil {
			return nil, err
		}
		c.value = v
		c.origin = true
	}
	d.cells[key] = c
	return c, nil
}

// Read returns the live value stored at (addr, t), and false if the cell is
// empty. The value is not copied.
func (d *DataCache) Read(addr types.Address, t types.Type) (Value, bool, error) {
	c, err := d.load(addr, t)
	if err != nil {
		return nil, false, err
	}
	return c.value, c.value != nil, nil
}

// Write replaces the value at (addr, t). A nil value empties the cell.
func (d *DataCache) Write(addr types.Address, t types.Type, v Value) error {
	c, err := d.load(addr, t)
	if err != nil {
		return err
	}
	c.value = v
	c.dirty = true
	return nil
}

func (d *DataCache) Exists(addr types.Address, t types.Type) (bool, error) {
	_, ok, err := d.Read(addr, t)
	return ok, err
}

// MoveTo publishes a resource under an address that must not already hold
// one of the same type.
func (d *DataCache) MoveTo(addr types.Address, t types.Type, v Value) error {
	c, err := d.load(addr, t)
	if err != nil {
		return err
	}
	if c.value != nil {
		return status.Newf(status.ResourceAlreadyExists, "%s already holds %s", addr, t)
	}
	c.value = v
	c.dirty = true
	return nil
}

// MoveFrom removes and returns the resource at (addr, t). A cell with live
// references into it cannot be emptied.
func (d *DataCache) MoveFrom(addr types.Address, t types.Type) (Value, error) {
	c, err := d.load(addr, t)
	if err != nil {
		return nil, err
	}
	if c.value == nil {
		return nil, status.Newf(status.ResourceNotFound, "%s holds no %s", addr, t)
	}
	if c.mutBorrows > 0 || c.immBorrows > 0 {
		return nil, status.Newf(status.GlobalReferenceConflict, "moving %s from %s while borrowed", t, addr)
	}
	v := c.value
	c.value = nil
	c.dirty = true
	return v, nil
}

// Borrow returns a reference to the resource at (addr, t), enforcing that a
// mutable reference never coexists with any other reference to the cell.
func (d *DataCache) Borrow(addr types.Address, t types.Type, mutable bool) (Ref, error) {
	c, err := d.load(addr, t)
	if err != nil {
		return Ref{}, err
	}
	if c.value == nil {
		return Ref{}, status.Newf(status.ResourceNotFound, "%s holds no %s", addr, t)
	}
	ref := Ref{Root: Root{Kind: GlobalRoot, Cell: storage.ResourcePath(addr, t)}, Mutable: mutable}
	if err := d.acquire(ref); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// acquire records a reference taken directly from a cell by borrow_global,
// the only point where a new borrow can conflict with a live one. Local
// references are not tracked.
func (d *DataCache) acquire(r Ref) error {
	if r.Root.Kind != GlobalRoot {
		return nil
	}
	c, ok := d.cells[r.Root.Cell]
	if !ok {
		return status.Invariantf("reference into unloaded cell %s", r.Root.Cell)
	}
	if r.Mutable {
		if c.mutBorrows > 0 || c.immBorrows > 0 {
			return status.Newf(status.GlobalReferenceConflict, "mutable borrow of %s while borrowed", r.Root.Cell)
		}
		c.mutBorrows++
		return nil
	}
	if c.mutBorrows > 0 {
		return status.Newf(status.GlobalReferenceConflict, "borrow of %s while mutably borrowed", r.Root.Cell)
	}
	c.immBorrows++
	return nil
}

// derive records a reference produced from a live one: a field borrow, a
// freeze or a copy. The child inherits the parent's hold on the cell, so
// there is nothing to check; a mutable child is counted with the mutable
// borrows even while its own parent is still live.
func (d *DataCache) derive(r Ref) {
	if r.Root.Kind != GlobalRoot {
		return
	}
	if c, ok := d.cells[r.Root.Cell]; ok {
		if r.Mutable {
			c.mutBorrows++
		} else {
			c.immBorrows++
		}
	}
}

// release drops a live reference.
func (d *DataCache) release(r Ref) {
	if r.Root.Kind != GlobalRoot {
		return
	}
	if c, ok := d.cells[r.Root.Cell]; ok {
		if r.Mutable && c.mutBorrows > 0 {
			c.mutBorrows--
		} else if !r.Mutable && c.immBorrows > 0 {
			c.immBorrows--
		}
	}
}

// releaseAll drops every reference found directly in vals. References never
// nest inside containers.
func (d *DataCache) releaseAll(vals []Value) {
	for _, v := range vals {
		if r, ok := v.(Ref); ok {
			d.release(r)
		}
	}
}

// dropBorrows forgets every live reference, for when a run unwinds without
// returning through its frames.
func (d *DataCache) dropBorrows() {
	for _, c := range d.cells {
		c.mutBorrows, c.immBorrows = 0, 0
	}
}

func (d *DataCache) cellValue(key CellKey) (Value, bool) {
	c, ok := d.cells[key]
	if !ok || c.value == nil {
		return nil, false
	}
	return c.value, true
}

func (d *DataCache) setCellValue(key CellKey, v Value) bool {
	c, ok := d.cells[key]
	if !ok || c.value == nil {
		return false
	}
	c.value = v
	c.dirty = true
	return true
}

// Effects serializes every changed cell into a write set, sorted by access
// path so the same transaction always yields the same write set.
func (d *DataCache) Effects() (storage.WriteSet, []Event, error) {
	keys := make([]CellKey, 0, len(d.cells))
	for k, c := range d.cells {
		if c.dirty && (c.value != nil || c.origin) {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b CellKey) int { return strings.Compare(a.String(), b.String()) })

	ws := make(storage.WriteSet, 0, len(keys))
	for _, k := range keys {
		c := d.cells[k]
		if c.value == nil {
			ws = append(ws, storage.WriteOp{Path: k})
			continue
		}
		blob, err := d.codec.Encode(c.value, c.ty)
		if err != nil {
			return nil, nil, err
		}
		ws = append(ws, storage.WriteOp{Path: k, Value: blob})
	}
	return ws, d.events, nil
}

func (d *DataCache) Events() []Event {
	return d.events
}

// Touched lists every cell the transaction read or wrote, including cells it
// found empty.
func (d *DataCache) Touched() []CellKey {
	keys := make([]CellKey, 0, len(d.cells))
	for k := range d.cells {
		keys = append(keys, k)
	}
	return keys
}
