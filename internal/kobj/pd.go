package kobj

import (
	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/hv"
	"github.com/Nils-TUD/NRE-sub002/internal/shared/id"
)

// Pd is a protection domain handle.
type Pd struct {
	ObjCap
	domain *hv.PD
}

// NewPd creates a protection domain.
func NewPd(env *Env, name string) (*Pd, error) {
	oc, err := alloc(env, id.PdPrefix)
	if err != nil {
		return nil, err
	}
	domain, err := env.Kernel.CreatePd(env.Pd, oc.sel, name)
	if err != nil {
		oc.release()
		return nil, err
	}
	return &Pd{ObjCap: oc, domain: domain}, nil
}

// SelfPd returns a handle on the image's own domain. Closing it is a no-op.
func SelfPd(env *Env) *Pd {
	return &Pd{
		ObjCap: adopt(env, hv.SelSelf|abi.KeepSel|abi.KeepCap, id.PdPrefix),
		domain: env.Pd,
	}
}

// Domain returns the kernel's handle of the domain, which a loader uses to
// start an image inside it.
func (p *Pd) Domain() *hv.PD { return p.domain }

// Close destroys the domain and every object it holds.
func (p *Pd) Close() { p.release() }
