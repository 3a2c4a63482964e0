package kobj

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/hv"
	"github.com/Nils-TUD/NRE-sub002/internal/rcu"
	"github.com/Nils-TUD/NRE-sub002/internal/shared/id"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

// EcKind is the closed set of execution context variants.
type EcKind uint8

const (
	// EcGlobal is an independently scheduled thread.
	EcGlobal EcKind = iota
	// EcLocal only runs portal handlers on behalf of callers.
	EcLocal
	// EcVCpu is a virtual CPU.
	EcVCpu
)

func (k EcKind) String() string {
	switch k {
	case EcGlobal:
		return "global"
	case EcLocal:
		return "local"
	case EcVCpu:
		return "vcpu"
	default:
		return "unknown"
	}
}

func (k EcKind) flavor() hv.EcFlavor {
	switch k {
	case EcLocal:
		return hv.EcLocal
	case EcVCpu:
		return hv.EcVCpu
	default:
		return hv.EcGlobal
	}
}

// Ec is an execution context handle. Global and local contexts own a UTCB and
// are registered RCU readers while they run; a vCPU carries neither.
type Ec struct {
	ObjCap
	kind EcKind
	cpu  int
	evt  abi.Sel
	utcb *utcb.Utcb

	reader atomic.Pointer[rcu.Reader]
	gid    atomic.Int64

	// local only, touched by the serving goroutine
	undo []func()

	// global only
	fn      func(*Ec)
	sc      *Sc
	done    chan struct{}
	adopted bool

	closeOnce sync.Once
}

// EcOption customises a new execution context.
type EcOption func(*Ec)

// WithEventBase sets the first selector of the context's exception portals.
func WithEventBase(evt abi.Sel) EcOption {
	return func(e *Ec) { e.evt = evt }
}

func newEc(env *Env, kind EcKind, cpu int, opts []EcOption) (*Ec, error) {
	oc, err := alloc(env, id.EcPrefix)
	if err != nil {
		return nil, err
	}
	e := &Ec{ObjCap: oc, kind: kind, cpu: cpu}
	if kind != EcVCpu {
		e.utcb = utcb.New()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Ec) create(entry, exit func()) error {
	env := e.env
	err := env.Kernel.CreateEc(env.Pd, e.sel, hv.EcSpec{
		Flavor:      e.kind.flavor(),
		Pd:          hv.SelSelf,
		CPU:         e.cpu,
		Evt:         e.evt,
		Utcb:        e.utcb,
		Entry:       entry,
		Exit:        exit,
		Undelivered: e.rollback,
	})
	if err != nil {
		e.release()
	}
	return err
}

// NewGlobalEc creates a thread on cpu that runs fn once started.
func NewGlobalEc(env *Env, cpu int, fn func(*Ec), opts ...EcOption) (*Ec, error) {
	e, err := newEc(env, EcGlobal, cpu, opts)
	if err != nil {
		return nil, err
	}
	e.fn = fn
	e.done = make(chan struct{})
	if err := e.create(e.run, nil); err != nil {
		return nil, err
	}
	return e, nil
}

// NewLocalEc creates a handler thread on cpu. It starts waiting for calls
// immediately.
func NewLocalEc(env *Env, cpu int, opts ...EcOption) (*Ec, error) {
	e, err := newEc(env, EcLocal, cpu, opts)
	if err != nil {
		return nil, err
	}
	entry := func() {
		e.enter()
		e.reader.Load().Offline()
	}
	if err := e.create(entry, e.exit); err != nil {
		return nil, err
	}
	return e, nil
}

// NewVCpu creates a virtual CPU on cpu.
func NewVCpu(env *Env, cpu int, opts ...EcOption) (*Ec, error) {
	e, err := newEc(env, EcVCpu, cpu, opts)
	if err != nil {
		return nil, err
	}
	if err := e.create(nil, nil); err != nil {
		return nil, err
	}
	return e, nil
}

// Adopt turns the calling goroutine into a global thread on cpu, the way the
// first thread of an image is set up. The returned Ec is already running.
func Adopt(env *Env, cpu int, prio uint) (*Ec, error) {
	e, err := newEc(env, EcGlobal, cpu, nil)
	if err != nil {
		return nil, err
	}
	e.adopted = true
	if err := e.create(nil, nil); err != nil {
		return nil, err
	}
	if err := e.Start(prio); err != nil {
		e.Close()
		return nil, err
	}
	e.enter()
	return e, nil
}

// enter binds the calling goroutine to e and registers it as RCU reader.
func (e *Ec) enter() {
	bind(e)
	env := e.env
	if env == nil || env.RCU == nil {
		return
	}
	r, err := env.RCU.Register(string(e.name))
	if err != nil {
		env.Log.Warn("Thread runs without RCU registration", zap.Stringer("ec", e.name), zap.Error(err))
		return
	}
	e.reader.Store(r)
}

func (e *Ec) exit() {
	e.reader.Swap(nil).Unregister()
	unbind(e)
}

func (e *Ec) run() {
	defer close(e.done)
	e.enter()
	defer e.exit()
	if e.fn != nil {
		e.fn(e)
	}
}

// Start binds a scheduling context with priority prio; the thread begins to run.
func (e *Ec) Start(prio uint) error {
	if e.kind != EcGlobal {
		return errs.Newf("kobj.ec_start", errs.ArgsInvalid, "%s ec cannot be started", e.kind)
	}
	sc, err := newSc(e, prio)
	if err != nil {
		return err
	}
	e.sc = sc
	return nil
}

// Join waits for a started global thread to return from its function.
func (e *Ec) Join(ctx context.Context) error {
	if e.done == nil {
		return errs.Newf("kobj.ec_join", errs.ArgsInvalid, "%s ec cannot be joined", e.kind)
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kind returns the variant.
func (e *Ec) Kind() EcKind { return e.kind }

// CPU returns the CPU the context is bound to.
func (e *Ec) CPU() int { return e.cpu }

// Utcb returns the context's message buffer.
func (e *Ec) Utcb() *utcb.Utcb { return e.utcb }

// Reader returns the context's RCU registration, or nil.
func (e *Ec) Reader() *rcu.Reader { return e.reader.Load() }

// Recall forces the context into the kernel at its next opportunity.
func (e *Ec) Recall() error {
	env, err := e.live("kobj.recall")
	if err != nil {
		return err
	}
	return env.Kernel.Recall(env.Pd, e.sel.Value())
}

// Recalled reports and clears a pending recall.
func (e *Ec) Recalled() bool {
	env, err := e.live("kobj.recalled")
	if err != nil {
		return false
	}
	ok, err := env.Kernel.Recalled(env.Pd, e.sel.Value())
	return err == nil && ok
}

// Close releases the scheduling context and the execution context. A local
// context stops serving; an adopted one detaches from its goroutine.
func (e *Ec) Close() {
	e.closeOnce.Do(func() {
		if e.sc != nil {
			e.sc.Close()
		}
		if e.adopted {
			e.exit()
		}
		e.release()
	})
}

// Sc is a scheduling context handle.
type Sc struct {
	ObjCap
	prio uint
}

func newSc(ec *Ec, prio uint) (*Sc, error) {
	env := ec.env
	oc, err := alloc(env, id.ScPrefix)
	if err != nil {
		return nil, err
	}
	if err := env.Kernel.CreateSc(env.Pd, oc.sel, ec.sel.Value(), prio); err != nil {
		oc.release()
		return nil, err
	}
	return &Sc{ObjCap: oc, prio: prio}, nil
}

// Prio returns the priority.
func (s *Sc) Prio() uint { return s.prio }

// Close revokes the scheduling context.
func (s *Sc) Close() { s.release() }
