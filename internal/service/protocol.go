package service

import (
	"math/bits"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/portal"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

// OpLookup takes [name] and answers [n, cpu...] followed by n delegated
// portals in the same order.
const OpLookup abi.Word = 1

// ServiceName is the name the registry's own service registers under.
const ServiceName = "registry"

// Serve starts the registry's portal service and registers it.
func (r *Registry) Serve(opts ...portal.Option) (*portal.Service, error) {
	mux := portal.NewMux()
	mux.Handle(OpLookup, r.handleLookup)
	svc, err := portal.NewService(r.env, ServiceName, mux.Serve, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Add(svc); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func (r *Registry) handleLookup(_ abi.Word, f *utcb.Frame) error {
	var name string
	if err := f.Get(&name); err != nil {
		return err
	}
	e, ok := r.Get(name)
	if !ok {
		return errs.Newf("service.lookup", errs.NotFound, "service %s not registered", name)
	}
	cpus := e.CPUs()
	f.Clear()
	if err := f.Put(errs.Success, len(cpus)); err != nil {
		return err
	}
	for _, cpu := range cpus {
		if err := f.PutInt(int64(cpu)); err != nil {
			return err
		}
	}
	for _, cpu := range cpus {
		if err := f.Delegate(e.Portals[cpu].Crd(abi.PermCall), 0); err != nil {
			return err
		}
	}
	return nil
}

// NewClient creates a client for the registry portals pts, indexed by CPU.
func NewClient(env *kobj.Env, pts map[int]*kobj.Pt) *portal.Client {
	return portal.NewClient(env, ServiceName, pts)
}

// Lookup asks the registry behind c for the service name and returns a client
// for the portals it delegated into env's selector space.
func Lookup(env *kobj.Env, c *portal.Client, name string) (*portal.Client, error) {
	order := uint(bits.Len(uint(env.CPUs() - 1)))
	win, err := env.Caps.Allocate(1<<order, 1<<order)
	if err != nil {
		return nil, err
	}

	pts := make(map[int]*kobj.Pt)
	err = c.Call(func(f *utcb.Frame) error {
		f.SetReceiveCrd(abi.ObjCrd(win, order, abi.PermAll))
		return f.Put(OpLookup, name)
	}, func(f *utcb.Frame) error {
		var n int
		if err := f.Get(&n); err != nil {
			return err
		}
		if n < 0 || n > f.Typed() {
			return errs.Newf("service.lookup", errs.Protocol, "registry announced %d portals", n)
		}
		cpus := make([]int, n)
		for i := range cpus {
			if err := f.Get(&cpus[i]); err != nil {
				return err
			}
		}
		for _, cpu := range cpus {
			crd, err := f.GetDelegated()
			if err != nil {
				return err
			}
			if crd.Null() {
				return errs.Newf("service.lookup", errs.Protocol, "no portal for %s on cpu %d", name, cpu)
			}
			pts[cpu] = kobj.AdoptPt(env, crd.Base())
		}
		return nil
	})
	if err != nil {
		_ = env.Caps.Free(win, 1<<order)
		return nil, err
	}
	return portal.NewClient(env, name, pts), nil
}
