package hv

import (
	"time"

	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
)

// install places a fresh object capability at dst in caller's space. k.mu must be held.
func (k *Kernel) install(op string, caller *PD, dst abi.Sel, o object) error {
	if !caller.free(dst) {
		return errs.Newf(op, errs.Cap, "sel %s in use", dst)
	}
	n := &capNode{obj: o, perms: abi.PermAll}
	o.base().root = n
	caller.insert(dst.Value(), n)
	k.register(o)
	return nil
}

// CreatePd creates a protection domain and installs its capability at dst.
// The returned handle is what a loader would start the new domain's first
// thread with.
func (k *Kernel) CreatePd(caller *PD, dst abi.Sel, name string) (*PD, error) {
	const op = "hv.create_pd"
	k.mu.Lock()
	defer k.mu.Unlock()

	if !caller.free(dst) {
		return nil, errs.Newf(op, errs.Cap, "sel %s in use", dst)
	}
	pd := k.newPD(name)
	// The self capability roots the child's mapping tree under the parent's.
	self := pd.caps[SelSelf]
	n := &capNode{obj: pd, perms: abi.PermAll}
	caller.insert(dst.Value(), n)
	pd.root = n
	n.children = append(n.children, self)
	self.parent = n

	k.log.Debug("Created pd", zap.String("name", name), zap.Stringer("sel", dst), zap.Stringer("id", pd.id))
	return pd, nil
}

// destroy runs once the creator's capability is gone. The self capability went
// with it; whatever the domain still holds is dropped here.
func (p *PD) destroy() {
	for _, n := range p.caps {
		p.k.remove(n, true)
	}
	delete(p.k.pds, p.id)
}

// CreateEc creates an execution context in the domain named by spec.Pd and
// installs its capability at dst. Local contexts start serving immediately.
func (k *Kernel) CreateEc(caller *PD, dst abi.Sel, spec EcSpec) error {
	const op = "hv.create_ec"
	if spec.CPU < 0 || spec.CPU >= k.cpus {
		return errs.Newf(op, errs.Cpu, "cpu %d of %d", spec.CPU, k.cpus)
	}
	if spec.Flavor > EcVCpu {
		return errs.Newf(op, errs.Par, "flavor %d", spec.Flavor)
	}
	if spec.Flavor != EcVCpu && spec.Utcb == nil {
		return errs.Newf(op, errs.Par, "no utcb")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	pdn, err := caller.lookupKind(op, spec.Pd, KindPd)
	if err != nil {
		return err
	}
	ec := &Ec{
		pd:     pdn.obj.(*PD),
		flavor: spec.Flavor,
		cpu:    spec.CPU,
		evt:    spec.Evt,
		utcb:   spec.Utcb,
		entry:  spec.Entry,
		exit:   spec.Exit,
		lost:   spec.Undelivered,
	}
	if ec.flavor == EcLocal {
		ec.calls = make(chan *call)
		ec.quit = make(chan struct{})
	}
	if err := k.install(op, caller, dst, ec); err != nil {
		return err
	}
	if ec.flavor == EcLocal {
		ec.started = true
		k.wg.Add(1)
		go k.serve(ec)
	}
	k.log.Debug("Created ec", zap.Stringer("flavor", ec.flavor), zap.Int("cpu", ec.cpu), zap.Stringer("sel", dst))
	return nil
}

// CreateSc binds a scheduling context to the global Ec at ecSel and starts it.
func (k *Kernel) CreateSc(caller *PD, dst, ecSel abi.Sel, prio uint) error {
	const op = "hv.create_sc"
	if prio == 0 {
		return errs.Newf(op, errs.Par, "priority 0")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	en, err := caller.lookupKind(op, ecSel, KindEc)
	if err != nil {
		return err
	}
	ec := en.obj.(*Ec)
	if ec.flavor != EcGlobal {
		return errs.Newf(op, errs.Par, "%s ec cannot be scheduled", ec.flavor)
	}
	if ec.started {
		return errs.Newf(op, errs.Par, "ec already has a scheduling context")
	}
	if err := k.install(op, caller, dst, &Sc{ec: ec, prio: prio}); err != nil {
		return err
	}
	ec.started = true
	if ec.entry != nil {
		go ec.entry()
	}
	return nil
}

// CreatePt creates a portal into the local Ec at ecSel. entry runs on that Ec
// for every call and receives the portal id.
func (k *Kernel) CreatePt(caller *PD, dst, ecSel abi.Sel, mtd abi.Word, entry func(id abi.Word)) error {
	const op = "hv.create_pt"
	if entry == nil {
		return errs.Newf(op, errs.Par, "no entry")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	en, err := caller.lookupKind(op, ecSel, KindEc)
	if err != nil {
		return err
	}
	ec := en.obj.(*Ec)
	if ec.flavor != EcLocal {
		return errs.Newf(op, errs.Par, "%s ec cannot serve portals", ec.flavor)
	}
	return k.install(op, caller, dst, &Pt{ec: ec, mtd: mtd, entry: entry})
}

// PtCtrl sets the id passed to the portal's entry function.
func (k *Kernel) PtCtrl(caller *PD, pt abi.Sel, id abi.Word) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	n, err := caller.lookupKind("hv.pt_ctrl", pt, KindPt)
	if err != nil {
		return err
	}
	if n.perms&abi.PermCtrl == 0 {
		return errs.Newf("hv.pt_ctrl", errs.Cap, "no ctrl permission on %s", pt)
	}
	n.obj.(*Pt).id.Store(id)
	return nil
}

// CreateSm creates a semaphore with the given initial count.
func (k *Kernel) CreateSm(caller *PD, dst abi.Sel, initial uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.install("hv.create_sm", caller, dst, &Sm{count: initial})
}

func (k *Kernel) sm(op string, caller *PD, sel abi.Sel) (*Sm, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	n, err := caller.lookupKind(op, sel, KindSm)
	if err != nil {
		return nil, err
	}
	return n.obj.(*Sm), nil
}

// SmUp signals the semaphore, waking the longest waiter if there is one.
func (k *Kernel) SmUp(caller *PD, sel abi.Sel) error {
	sm, err := k.sm("hv.sm_up", caller, sel)
	if err != nil {
		return err
	}
	return sm.up()
}

// SmDown waits on the semaphore. With zero set a successful down resets the
// count to zero. A positive timeout bounds the wait and yields Timeout.
func (k *Kernel) SmDown(caller *PD, sel abi.Sel, zero bool, timeout time.Duration) error {
	sm, err := k.sm("hv.sm_down", caller, sel)
	if err != nil {
		return err
	}
	return sm.down(zero, timeout)
}

// SmState reports the state of the semaphore at sel.
func (k *Kernel) SmState(caller *PD, sel abi.Sel) (SmState, error) {
	sm, err := k.sm("hv.sm_state", caller, sel)
	if err != nil {
		return SmState{}, err
	}
	return sm.state(), nil
}

// Revoke removes every capability derived from the capabilities in crd, and
// with self set also the capabilities themselves.
func (k *Kernel) Revoke(caller *PD, crd abi.Crd, self bool) error {
	if crd.Null() {
		return nil
	}
	if crd.Type() != abi.CrdObj {
		return errs.Newf("hv.revoke", errs.Ftr, "%s capabilities", crd.Type())
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	base := crd.Base()
	for i := uint64(0); i < crd.Count(); i++ {
		sel := base + abi.Sel(i)
		if self && sel == SelSelf {
			continue
		}
		if n := caller.lookup(sel); n != nil {
			k.remove(n, self)
		}
	}
	return nil
}

// Recall asks the Ec at sel to enter the kernel at its next opportunity.
func (k *Kernel) Recall(caller *PD, sel abi.Sel) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	n, err := caller.lookupKind("hv.recall", sel, KindEc)
	if err != nil {
		return err
	}
	n.obj.(*Ec).recall.Store(true)
	return nil
}

// Recalled reports and clears a pending recall of the Ec at sel.
func (k *Kernel) Recalled(caller *PD, sel abi.Sel) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	n, err := caller.lookupKind("hv.recalled", sel, KindEc)
	if err != nil {
		return false, err
	}
	return n.obj.(*Ec).recall.Swap(false), nil
}

// Lookup returns a descriptor for the capability at sel, or a null Crd.
func (k *Kernel) Lookup(caller *PD, sel abi.Sel) abi.Crd {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := caller.lookup(sel)
	if n == nil {
		return abi.NullCrd
	}
	return abi.ObjCrd(sel.Value(), 0, n.perms)
}

// ObjectID returns the kernel-wide id of the object behind sel. Two selectors,
// possibly in different domains, name the same object iff their ids match.
func (k *Kernel) ObjectID(caller *PD, sel abi.Sel) (uint64, Kind, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := caller.lookup(sel)
	if n == nil {
		return 0, 0, errs.Newf("hv.object_id", errs.Cap, "sel %s is empty", sel)
	}
	return n.obj.base().id, n.obj.kind(), nil
}

// Delegate maps the capabilities in crd from the caller into the domain at pd,
// starting at dst. It is how a parent equips a child outside of a call.
func (k *Kernel) Delegate(caller *PD, pd abi.Sel, crd abi.Crd, dst abi.Sel) (abi.Crd, error) {
	const op = "hv.delegate"
	k.mu.Lock()
	defer k.mu.Unlock()
	n, err := caller.lookupKind(op, pd, KindPd)
	if err != nil {
		return abi.NullCrd, err
	}
	if n.perms&abi.PermCtrl == 0 {
		return abi.NullCrd, errs.Newf(op, errs.Cap, "no ctrl permission on %s", pd)
	}
	next := dst
	return k.delegate(caller, n.obj.(*PD), crd, abi.ObjCrd(dst, crd.Order(), abi.PermAll), &next)
}
