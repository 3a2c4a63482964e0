package dataspace

import (
	"math/bits"

	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/portal"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

// Opcodes of the data space protocol.
const (
	// OpCreate takes [size, type, perms] and answers [size] plus the delegated
	// unmap semaphore.
	OpCreate abi.Word = iota + 1
	// OpJoin takes a translated unmap semaphore and answers [size, type, perms]
	// plus a delegated copy of it.
	OpJoin
	// OpDestroy takes a translated unmap semaphore and drops one reference.
	OpDestroy
)

// ServiceName is the name the manager's service registers under.
const ServiceName = "dataspace"

// Serve starts the manager's portal service on every CPU.
func (m *Manager) Serve(opts ...portal.Option) (*portal.Service, error) {
	mux := portal.NewMux()
	mux.Handle(OpCreate, m.handleCreate)
	mux.Handle(OpJoin, m.handleJoin)
	mux.Handle(OpDestroy, m.handleDestroy)

	limit := uint64(m.env.Caps.Stats().Limit)
	win := abi.ObjCrd(0, uint(bits.Len64(limit-1)), abi.PermAll)
	opts = append([]portal.Option{portal.WithTranslateWindow(win)}, opts...)
	return portal.NewService(m.env, ServiceName, mux.Serve, opts...)
}

func (m *Manager) handleCreate(_ abi.Word, f *utcb.Frame) error {
	var size, typ, perms uint64
	if err := f.Get(&size, &typ, &perms); err != nil {
		return err
	}
	ds, err := m.Create(Desc{Size: size, Type: Type(typ), Perms: abi.Perm(perms)})
	if err != nil {
		return err
	}
	m.undoOnLoss(ds)
	if err := portal.Reply(f, ds.desc.Size); err != nil {
		return err
	}
	return f.Delegate(ds.unmap.Crd(abi.PermRW), 0)
}

// undoOnLoss drops the reference just taken on ds when the reply carrying
// its semaphore does not reach the client.
func (m *Manager) undoOnLoss(ds *Dataspace) {
	sel := ds.sel
	release := func() {
		if err := m.Release(sel); err != nil {
			m.log.Warn("Failed to drop undelivered reference", zap.Stringer("ds", ds.name), zap.Error(err))
		}
	}
	if cur := kobj.Current(); cur != nil {
		cur.OnUndelivered(release)
	}
}

// identify maps the translated item in f to the manager's selector.
func identify(op string, f *utcb.Frame) (abi.Sel, error) {
	crd, err := f.GetTranslated()
	if err != nil {
		return 0, err
	}
	if crd.Null() {
		return 0, errs.Newf(op, errs.NotFound, "capability is not a data space of this manager")
	}
	return crd.Base(), nil
}

func (m *Manager) handleJoin(_ abi.Word, f *utcb.Frame) error {
	sel, err := identify("dataspace.join", f)
	if err != nil {
		return err
	}
	ds, err := m.Join(sel)
	if err != nil {
		return err
	}
	m.undoOnLoss(ds)
	d := ds.desc
	if err := portal.Reply(f, d.Size, uint64(d.Type), uint64(d.Perms)); err != nil {
		return err
	}
	return f.Delegate(ds.unmap.Crd(abi.PermRW), 0)
}

func (m *Manager) handleDestroy(_ abi.Word, f *utcb.Frame) error {
	sel, err := identify("dataspace.destroy", f)
	if err != nil {
		return err
	}
	if err := m.Release(sel); err != nil {
		return err
	}
	return portal.Reply(f)
}
