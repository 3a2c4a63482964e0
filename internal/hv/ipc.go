package hv

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

type call struct {
	pt     *Pt
	caller *PD
	frame  *utcb.Frame
	done   chan error
}

// Call performs a synchronous call through the portal at pt. The message in f
// is transferred to the portal's Ec; on return f holds the reply. The caller
// stays blocked until the handler has replied.
func (k *Kernel) Call(caller *PD, pt abi.Sel, f *utcb.Frame) error {
	const op = "hv.call"
	k.mu.Lock()
	n, err := caller.lookupKind(op, pt, KindPt)
	if err == nil && n.perms&abi.PermCall == 0 {
		err = errs.Newf(op, errs.Cap, "no call permission on %s", pt)
	}
	k.mu.Unlock()
	if err != nil {
		return err
	}

	p := n.obj.(*Pt)
	c := &call{pt: p, caller: caller, frame: f, done: make(chan error, 1)}
	select {
	case p.ec.calls <- c:
	case <-p.ec.quit:
		return errs.Newf(op, errs.Abort, "ec is gone")
	case <-k.stop:
		return errs.Newf(op, errs.Abort, "shutting down")
	}
	k.calls.Add(1)
	return <-c.done
}

// serve is the reply-and-wait loop of a local Ec.
func (k *Kernel) serve(ec *Ec) {
	defer k.wg.Done()
	if ec.exit != nil {
		defer ec.exit()
	}
	if ec.entry != nil {
		ec.entry()
	}
	for {
		select {
		case c := <-ec.calls:
			c.done <- k.handle(ec, c)
		case <-ec.quit:
			return
		case <-k.stop:
			return
		}
	}
}

func (k *Kernel) handle(ec *Ec, c *call) error {
	in := ec.utcb.Frame()
	if err := utcb.Transfer(in, c.frame, k.mapper(c.caller, ec.pd, in)); err != nil {
		return err
	}

	if err := k.invoke(ec, c.pt); err != nil {
		return err
	}

	out := ec.utcb.Frame()
	err := utcb.Transfer(c.frame, out, k.mapper(ec.pd, c.caller, c.frame))
	if err != nil && ec.lost != nil {
		ec.lost(err)
	}
	return err
}

// invoke runs the portal entry. A handler that panics aborts the call.
func (k *Kernel) invoke(ec *Ec, p *Pt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Error("Portal handler panicked",
				zap.Uint64("portal", p.id.Load()),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
			ec.utcb.Unwind()
			ec.utcb.Frame().Clear()
			err = errs.Newf("hv.call", errs.Abort, "handler panicked: %v", r)
		}
	}()
	p.entry(p.id.Load())
	if d := ec.utcb.Depth(); d != 0 {
		ec.utcb.Unwind()
		return errs.Newf("hv.call", errs.Abort, "handler left %d frames open", d)
	}
	return nil
}

// mapper performs delegation and translation of typed items from one domain
// into the receive windows of dst.
func (k *Kernel) mapper(from, to *PD, dst *utcb.Frame) utcb.MapFunc {
	win := dst.ReceiveCrd()
	xwin := dst.TranslateCrd()
	next := win.Base()
	return func(it utcb.Item) (abi.Crd, error) {
		k.mu.Lock()
		defer k.mu.Unlock()
		if it.Flags.Delegate() {
			return k.delegate(from, to, it.Crd, win, &next)
		}
		return k.translate(from, to, it.Crd, xwin), nil
	}
}

// delegate maps the capabilities in crd into the next aligned slot of the
// receive window. Capabilities landing on occupied selectors are dropped.
func (k *Kernel) delegate(from, to *PD, crd, win abi.Crd, next *abi.Sel) (abi.Crd, error) {
	const op = "hv.delegate"
	if crd.Null() {
		return abi.NullCrd, nil
	}
	if win.Null() {
		return abi.NullCrd, errs.Newf(op, errs.Protocol, "receiver accepts no capabilities")
	}
	if crd.Type() != abi.CrdObj || win.Type() != abi.CrdObj {
		return abi.NullCrd, errs.Newf(op, errs.Ftr, "only object capabilities can be delegated")
	}

	count := abi.Sel(crd.Count())
	at := (*next + count - 1) &^ (count - 1)
	if crd.Order() > win.Order() || !win.Contains(at) || !win.Contains(at+count-1) {
		return abi.NullCrd, errs.Newf(op, errs.Protocol, "%s does not fit into %s", crd, win)
	}
	*next = at + count

	perms := crd.Perms() & win.Perms()
	base := crd.Base()
	for i := abi.Sel(0); i < count; i++ {
		src := from.lookup(base + i)
		if src == nil || !to.free(at+i) {
			continue
		}
		n := &capNode{obj: src.obj, perms: src.perms & perms, parent: src}
		src.children = append(src.children, n)
		to.insert(at+i, n)
	}
	return abi.ObjCrd(at, crd.Order(), perms), nil
}

// translate looks for a capability of to, inside the translate window, that
// names the same object as crd names in from.
func (k *Kernel) translate(from, to *PD, crd, xwin abi.Crd) abi.Crd {
	if crd.Null() || xwin.Null() || crd.Type() != abi.CrdObj {
		return abi.NullCrd
	}
	src := from.lookup(crd.Base())
	if src == nil {
		return abi.NullCrd
	}
	// Prefer the lowest selector so the answer is stable.
	var best *capNode
	for sel, n := range to.caps {
		if n.obj != src.obj || !xwin.Contains(sel) {
			continue
		}
		if best == nil || sel < best.sel {
			best = n
		}
	}
	if best == nil {
		return abi.NullCrd
	}
	return abi.ObjCrd(best.sel, 0, best.perms&crd.Perms())
}
