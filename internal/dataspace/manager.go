package dataspace

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/rcu"
	"github.com/Nils-TUD/NRE-sub002/internal/shared/id"
	"github.com/Nils-TUD/NRE-sub002/internal/usersm"
)

// Dataspace is one region known to a Manager.
type Dataspace struct {
	name    id.Name
	desc    Desc
	created time.Time
	unmap   *kobj.Sm
	sel     abi.Sel
	refs    atomic.Int64
	mem     atomic.Pointer[[]byte]
}

// Name returns the debug name.
func (d *Dataspace) Name() id.Name { return d.name }

// Desc returns the page-rounded description.
func (d *Dataspace) Desc() Desc { return d.desc }

// Sel returns the manager's selector of the unmap semaphore.
func (d *Dataspace) Sel() abi.Sel { return d.sel }

// Refs returns the number of images using the data space.
func (d *Dataspace) Refs() int64 { return d.refs.Load() }

// Bytes returns the backing memory, or nil once it has been reclaimed.
func (d *Dataspace) Bytes() []byte {
	if b := d.mem.Load(); b != nil {
		return *b
	}
	return nil
}

// Reclaim drops the memory. The manager calls it after the grace period.
func (d *Dataspace) Reclaim() { d.mem.Store(nil) }

// Info describes a data space for diagnostics.
type Info struct {
	Name    id.Name   `json:"name"`
	Desc    Desc      `json:"desc"`
	Sel     abi.Sel   `json:"sel"`
	Refs    int64     `json:"refs"`
	Created time.Time `json:"created"`
}

type table struct {
	slots []*Dataspace
	used  int
}

func (t *table) find(sel abi.Sel) int {
	for i, d := range t.slots {
		if d != nil && d.sel == sel {
			return i
		}
	}
	return -1
}

func (t *table) clone() *table {
	n := &table{slots: make([]*Dataspace, len(t.slots)), used: t.used}
	copy(n.slots, t.slots)
	return n
}

// Manager owns the data spaces of a machine.
type Manager struct {
	env  *kobj.Env
	log  *zap.Logger
	lock *usersm.UserSm

	table rcu.Pointer[table]
}

// NewManager creates a manager with room for regions data spaces.
func NewManager(env *kobj.Env, regions int) (*Manager, error) {
	if regions <= 0 {
		return nil, errs.Newf("dataspace.manager", errs.ArgsInvalid, "%d regions", regions)
	}
	lock, err := usersm.New(env)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		env:  env,
		log:  env.Log.Named("dataspace"),
		lock: lock,
	}
	m.table.Store(&table{slots: make([]*Dataspace, regions)})
	return m, nil
}

func (m *Manager) locked(fn func() error) error {
	if err := m.lock.Down(); err != nil {
		return err
	}
	defer func() {
		if err := m.lock.Up(); err != nil {
			m.log.Error("Cannot release manager lock", zap.Error(err))
		}
	}()
	return fn()
}

// publish makes t visible to readers and retires the previous table.
func (m *Manager) publish(t *table) {
	m.table.Replace(m.env.RCU, t, func(*table) {})
	m.env.Metrics.SetDataspacesActive(t.used)
}

func (m *Manager) record(op string, err error) {
	status := "ok"
	if err != nil {
		status = errs.CodeOf(err).String()
	}
	m.env.Metrics.RecordDataspaceOp(op, status)
}

// Create allocates a data space. It fails with errs.Capacity when the region
// table is full.
func (m *Manager) Create(desc Desc) (ds *Dataspace, err error) {
	const op = "dataspace.create"
	defer func() { m.record("create", err) }()

	desc, err = desc.validate(op)
	if err != nil {
		return nil, err
	}
	err = m.locked(func() error {
		cur := m.table.Load()
		slot := -1
		for i, d := range cur.slots {
			if d == nil {
				slot = i
				break
			}
		}
		if slot < 0 {
			return errs.Newf(op, errs.Capacity, "all %d regions in use", len(cur.slots))
		}

		unmap, err := kobj.NewSm(m.env, 0)
		if err != nil {
			return err
		}
		ds = &Dataspace{
			name:    id.New(id.DataspacePrefix),
			desc:    desc,
			created: time.Now(),
			unmap:   unmap,
			sel:     unmap.Sel(),
		}
		mem := make([]byte, desc.Size)
		ds.mem.Store(&mem)
		ds.refs.Store(1)

		next := cur.clone()
		next.slots[slot] = ds
		next.used++
		m.publish(next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Debug("Created data space", zap.Stringer("ds", ds.name), zap.Stringer("desc", desc), zap.Stringer("sel", ds.sel))
	return ds, nil
}

// Lookup finds the data space whose unmap semaphore sits at sel. It takes no
// locks; the result stays valid until the caller's next quiescent point.
func (m *Manager) Lookup(sel abi.Sel) *Dataspace {
	t := m.table.Load()
	if i := t.find(sel.Value()); i >= 0 {
		return t.slots[i]
	}
	return nil
}

// Join adds a reference to a shared data space.
func (m *Manager) Join(sel abi.Sel) (ds *Dataspace, err error) {
	const op = "dataspace.join"
	defer func() { m.record("join", err) }()

	err = m.locked(func() error {
		ds = m.Lookup(sel)
		if ds == nil {
			return errs.Newf(op, errs.NotFound, "no data space at %s", sel)
		}
		if ds.desc.Type != Shared {
			return errs.Newf(op, errs.ArgsInvalid, "%s data space cannot be joined", ds.desc.Type)
		}
		ds.refs.Add(1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// Release drops a reference. The last one unlinks the data space, revokes
// its unmap semaphore from every image and reclaims the memory after the
// grace period.
func (m *Manager) Release(sel abi.Sel) (err error) {
	const op = "dataspace.release"
	defer func() { m.record("release", err) }()

	var gone *Dataspace
	err = m.locked(func() error {
		cur := m.table.Load()
		i := cur.find(sel.Value())
		if i < 0 {
			return errs.Newf(op, errs.NotFound, "no data space at %s", sel)
		}
		ds := cur.slots[i]
		if ds.refs.Add(-1) > 0 {
			return nil
		}
		next := cur.clone()
		next.slots[i] = nil
		next.used--
		m.publish(next)
		gone = ds
		return nil
	})
	if err != nil || gone == nil {
		return err
	}

	gone.unmap.Close()
	m.env.RCU.Retire(gone)
	m.log.Debug("Destroyed data space", zap.Stringer("ds", gone.name))
	return nil
}

// List describes every data space.
func (m *Manager) List() []Info {
	t := m.table.Load()
	infos := make([]Info, 0, t.used)
	for _, d := range t.slots {
		if d == nil {
			continue
		}
		infos = append(infos, Info{Name: d.name, Desc: d.desc, Sel: d.sel, Refs: d.Refs(), Created: d.created})
	}
	return infos
}

// Len returns the number of data spaces.
func (m *Manager) Len() int { return m.table.Load().used }

// Cap returns the size of the region table.
func (m *Manager) Cap() int { return len(m.table.Load().slots) }

// Close destroys every data space and releases the manager lock.
func (m *Manager) Close() {
	_ = m.locked(func() error {
		cur := m.table.Load()
		for _, d := range cur.slots {
			if d != nil {
				d.unmap.Close()
				m.env.RCU.Retire(d)
			}
		}
		m.publish(&table{slots: make([]*Dataspace, len(cur.slots))})
		return nil
	})
	m.lock.Close()
}
