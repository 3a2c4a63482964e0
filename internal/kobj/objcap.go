package kobj

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/shared/id"
)

// ObjCap is the part every kernel object handle shares: the selector it owns.
// env never changes after construction; closed is shared by every copy.
type ObjCap struct {
	env    *Env
	sel    abi.Sel
	name   id.Name
	closed *atomic.Bool
}

// alloc reserves a fresh selector for a handle under construction.
func alloc(env *Env, prefix string) (ObjCap, error) {
	sel, err := env.Caps.Alloc()
	if err != nil {
		return ObjCap{}, err
	}
	return ObjCap{env: env, sel: sel, name: id.New(prefix), closed: new(atomic.Bool)}, nil
}

// adopt wraps a selector the caller already holds, for example one received
// by delegation. Flags on sel decide what Close does with it.
func adopt(env *Env, sel abi.Sel, prefix string) ObjCap {
	return ObjCap{env: env, sel: sel, name: id.New(prefix), closed: new(atomic.Bool)}
}

// Sel returns the selector without keep flags.
func (o *ObjCap) Sel() abi.Sel { return o.sel.Value() }

// Name returns the handle's debug name.
func (o *ObjCap) Name() id.Name { return o.name }

// Env returns the runtime context the object was created in.
func (o *ObjCap) Env() *Env { return o.env }

// Crd describes the capability for use in typed message items.
func (o *ObjCap) Crd(perms abi.Perm) abi.Crd {
	return abi.ObjCrd(o.sel.Value(), 0, perms)
}

// live returns the environment of an open handle.
func (o *ObjCap) live(op string) (*Env, error) {
	if o.Closed() {
		return nil, errs.Newf(op, errs.Cap, "%s is closed", o.name)
	}
	return o.env, nil
}

// Closed reports whether the handle has been released.
func (o *ObjCap) Closed() bool { return o.closed == nil || o.closed.Load() }

// release revokes and frees the selector, honouring keep flags. It runs at most
// once and tolerates selectors whose create syscall never succeeded.
func (o *ObjCap) release() {
	if o.closed == nil || !o.closed.CompareAndSwap(false, true) {
		return
	}
	env := o.env

	if !o.sel.KeepsCap() {
		if err := env.Kernel.Revoke(env.Pd, abi.ObjCrd(o.sel.Value(), 0, abi.PermAll), true); err != nil {
			env.Log.Debug("Revoke failed during teardown", zap.Stringer("sel", o.sel), zap.Error(err))
		}
	}
	if !o.sel.KeepsSel() {
		if err := env.Caps.Free(o.sel, 1); err != nil {
			env.Log.Debug("Free failed during teardown", zap.Stringer("sel", o.sel), zap.Error(err))
		}
	}
}
