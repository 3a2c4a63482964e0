package kobj

import (
	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/shared/id"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

// PortalFunc handles one call. f is the handler thread's top-level frame
// holding the request; the handler reads it, clears it and writes the reply,
// which by convention starts with an errs.Code word. Returning an error instead
// replies with just the error's code.
type PortalFunc func(id abi.Word, f *utcb.Frame) error

// Pt is a portal handle.
type Pt struct {
	ObjCap
	ec *Ec
}

// NewPt creates a portal into the local thread ec. mtd is the message transfer
// descriptor the kernel hands to the handler.
func NewPt(ec *Ec, mtd abi.Word, fn PortalFunc) (*Pt, error) {
	const op = "kobj.pt"
	if ec.kind != EcLocal {
		return nil, errs.Newf(op, errs.ArgsInvalid, "portals need a local ec, got %s", ec.kind)
	}
	if fn == nil {
		return nil, errs.Newf(op, errs.ArgsInvalid, "no handler")
	}
	env := ec.env
	oc, err := alloc(env, id.PtPrefix)
	if err != nil {
		return nil, err
	}
	if err := env.Kernel.CreatePt(env.Pd, oc.sel, ec.sel.Value(), mtd, ec.trampoline(fn)); err != nil {
		oc.release()
		return nil, err
	}
	return &Pt{ObjCap: oc, ec: ec}, nil
}

// AdoptPt wraps a portal capability the image already holds, typically one it
// received from a service.
func AdoptPt(env *Env, sel abi.Sel) *Pt {
	return &Pt{ObjCap: adopt(env, sel, id.PtPrefix)}
}

// Ec returns the handler thread, or nil for adopted portals.
func (p *Pt) Ec() *Ec { return p.ec }

// SetID sets the value the handler receives as id.
func (p *Pt) SetID(v abi.Word) error {
	env, err := p.live("kobj.pt_ctrl")
	if err != nil {
		return err
	}
	return env.Kernel.PtCtrl(env.Pd, p.sel.Value(), v)
}

// Call sends the message in f through the portal and blocks until the
// handler has replied; f then holds the reply. The calling thread is
// quiescent afterwards.
func (p *Pt) Call(f *utcb.Frame) error {
	env, err := p.live("kobj.call")
	if err != nil {
		return err
	}
	return env.blocking(func() error {
		return env.Kernel.Call(env.Pd, p.sel.Value(), f)
	})
}

// Close revokes the portal.
func (p *Pt) Close() { p.release() }

// trampoline is what the kernel runs on the local thread for every call. The
// thread is an offline RCU reader whenever it waits for the next call.
func (e *Ec) trampoline(fn PortalFunc) func(abi.Word) {
	return func(pid abi.Word) {
		r := e.reader.Load()
		r.Online()
		defer r.Offline()
		e.undo = nil
		f := e.utcb.Frame()
		if err := fn(pid, f); err != nil {
			e.env.Log.Debug("Portal handler failed", zap.Stringer("ec", e.name), zap.Uint64("id", pid), zap.Error(err))
			e.runUndo()
			f = e.utcb.Frame()
			f.Clear()
			_ = f.PutWord(abi.Word(errs.CodeOf(err)))
		}
	}
}

// OnUndelivered registers fn to run on the handler thread if the reply of the
// call being handled never reaches the caller, or if the handler fails after
// registering it. Handlers use it to drop state the reply would have handed
// over. Undo functions run in reverse order of registration.
func (e *Ec) OnUndelivered(fn func()) {
	e.undo = append(e.undo, fn)
}

// rollback is called by the kernel after a failed reply transfer.
func (e *Ec) rollback(err error) {
	if len(e.undo) == 0 {
		return
	}
	e.env.Log.Debug("Reply not delivered", zap.Stringer("ec", e.name), zap.Int("undo", len(e.undo)), zap.Error(err))
	r := e.reader.Load()
	r.Online()
	defer r.Offline()
	e.runUndo()
}

func (e *Ec) runUndo() {
	undo := e.undo
	e.undo = nil
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}
