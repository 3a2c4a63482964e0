package hv

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
)

// SelSelf is the selector under which every protection domain finds itself.
const SelSelf abi.Sel = 0

// Config describes the emulated machine.
type Config struct {
	CPUs int
}

// Kernel is the emulated microhypervisor: protection domains with capability
// spaces, kernel objects, and the syscalls operating on them.
type Kernel struct {
	cpus int
	log  *zap.Logger

	mu      sync.Mutex
	root    *PD
	pds     map[uuid.UUID]*PD
	objects [kindCount]int
	nextID  uint64

	calls atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New boots a kernel with a root protection domain.
func New(cfg Config, log *zap.Logger) *Kernel {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	k := &Kernel{
		cpus: cfg.CPUs,
		log:  log.Named("hv"),
		pds:  make(map[uuid.UUID]*PD),
		stop: make(chan struct{}),
	}
	k.mu.Lock()
	k.root = k.newPD("root")
	k.mu.Unlock()
	k.log.Info("Hypervisor booted", zap.Int("cpus", k.cpus), zap.Stringer("root", k.root.id))
	return k
}

// Root returns the root protection domain.
func (k *Kernel) Root() *PD { return k.root }

// CPUs returns the number of CPUs.
func (k *Kernel) CPUs() int { return k.cpus }

// Shutdown stops all local execution contexts and waits for them to exit.
// Outstanding and later calls fail with Abort.
func (k *Kernel) Shutdown() {
	k.stopOnce.Do(func() {
		close(k.stop)
	})
	k.wg.Wait()
}

func (k *Kernel) newPD(name string) *PD {
	pd := &PD{
		k:    k,
		id:   uuid.New(),
		name: name,
		caps: make(map[abi.Sel]*capNode),
	}
	k.register(pd)
	k.pds[pd.id] = pd
	pd.insert(SelSelf, &capNode{obj: pd, perms: abi.PermAll})
	return pd
}

func (k *Kernel) register(o object) {
	k.nextID++
	o.base().id = k.nextID
	k.objects[o.kind()]++
}

func (k *Kernel) unregister(o object) {
	k.objects[o.kind()]--
}

// PD is a protection domain: an address space and its capability space.
type PD struct {
	objHdr
	k    *Kernel
	id   uuid.UUID
	name string
	caps map[abi.Sel]*capNode
}

func (*PD) kind() Kind { return KindPd }

// ID returns the domain's instance id.
func (p *PD) ID() uuid.UUID { return p.id }

// Name returns the name given at creation.
func (p *PD) Name() string { return p.name }

// Caps returns the number of capabilities held by the domain.
func (p *PD) Caps() int {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return len(p.caps)
}

// capNode is one capability in one capability space. Nodes form the mapping
// database: a delegated capability is a child of the capability it came from.
type capNode struct {
	obj      object
	perms    abi.Perm
	pd       *PD
	sel      abi.Sel
	parent   *capNode
	children []*capNode
}

func (p *PD) insert(sel abi.Sel, n *capNode) {
	n.pd = p
	n.sel = sel
	p.caps[sel] = n
}

func (p *PD) lookup(sel abi.Sel) *capNode {
	return p.caps[sel.Value()]
}

// lookupKind resolves sel and checks the object kind. k.mu must be held.
func (p *PD) lookupKind(op string, sel abi.Sel, want Kind) (*capNode, error) {
	n := p.lookup(sel)
	if n == nil || n.obj.kind() != want {
		return nil, errs.Newf(op, errs.Cap, "sel %s is not a %s", sel, want)
	}
	return n, nil
}

// free reports whether sel is unused. k.mu must be held.
func (p *PD) free(sel abi.Sel) bool {
	_, used := p.caps[sel.Value()]
	return !used
}

// remove drops n and all capabilities derived from it.
func (k *Kernel) remove(n *capNode, self bool) {
	for _, c := range n.children {
		c.parent = nil
		k.remove(c, true)
	}
	n.children = nil
	if !self {
		return
	}
	if p := n.parent; p != nil {
		for i, c := range p.children {
			if c == n {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
		n.parent = nil
	}
	if n.pd.caps[n.sel] == n {
		delete(n.pd.caps, n.sel)
	}
	// The creator's capability is the root of the mapping tree; once it is gone
	// the object is unreachable.
	if n.obj.base().root == n {
		k.unregister(n.obj)
		n.obj.destroy()
	}
}

// Stats is a snapshot of the kernel's object population.
type Stats struct {
	PDs     int            `json:"pds"`
	Objects map[string]int `json:"objects"`
	Caps    int            `json:"caps"`
	Calls   uint64         `json:"calls"`
}

// Stats returns a snapshot of the kernel state.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := Stats{
		PDs:     len(k.pds),
		Objects: make(map[string]int, kindCount),
		Calls:   k.calls.Load(),
	}
	for kd := Kind(0); kd < kindCount; kd++ {
		s.Objects[kd.String()] = k.objects[kd]
	}
	for _, pd := range k.pds {
		s.Caps += len(pd.caps)
	}
	return s
}
