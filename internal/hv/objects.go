package hv

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

// Kind identifies a kernel object type.
type Kind uint8

const (
	KindPd Kind = iota
	KindEc
	KindSc
	KindPt
	KindSm

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindPd:
		return "pd"
	case KindEc:
		return "ec"
	case KindSc:
		return "sc"
	case KindPt:
		return "pt"
	case KindSm:
		return "sm"
	default:
		return "unknown"
	}
}

type object interface {
	kind() Kind
	base() *objHdr
	destroy()
}

// objHdr is embedded in every kernel object.
type objHdr struct {
	id   uint64
	root *capNode
}

func (h *objHdr) base() *objHdr { return h }

func (*objHdr) destroy() {}

// EcFlavor selects how an execution context runs.
type EcFlavor uint8

const (
	// EcGlobal runs its entry function once it is bound to a scheduling context.
	EcGlobal EcFlavor = iota
	// EcLocal has no time of its own; it serves calls through its portals.
	EcLocal
	// EcVCpu is a virtual CPU. It is accepted and accounted but never runs.
	EcVCpu
)

func (f EcFlavor) String() string {
	switch f {
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

// EcSpec are the creation parameters of an execution context.
type EcSpec struct {
	Flavor EcFlavor
	// Pd selects the protection domain the context runs in.
	Pd  abi.Sel
	CPU int
	// Evt is the event base: the first selector of the context's exception portals.
	Evt abi.Sel
	// Utcb is the context's message buffer. Required unless Flavor is EcVCpu.
	Utcb *utcb.Utcb
	// Entry runs first on the context's goroutine. For local contexts it may be
	// nil; they start serving calls right away.
	Entry func()
	// Exit runs on a local context's goroutine when it stops serving.
	Exit func()
	// Undelivered runs on a local context's goroutine when the reply of a call
	// could not be transferred back to the caller.
	Undelivered func(error)
}

// Ec is an execution context.
type Ec struct {
	objHdr
	pd     *PD
	flavor EcFlavor
	cpu    int
	evt    abi.Sel
	utcb   *utcb.Utcb
	entry  func()
	exit   func()
	lost   func(error)

	started bool
	recall  atomic.Bool

	calls    chan *call
	quit     chan struct{}
	quitOnce sync.Once
}

func (*Ec) kind() Kind { return KindEc }

func (e *Ec) destroy() {
	if e.quit != nil {
		e.quitOnce.Do(func() { close(e.quit) })
	}
}

// Sc is a scheduling context binding CPU time to a global Ec.
type Sc struct {
	objHdr
	ec   *Ec
	prio uint
}

func (*Sc) kind() Kind { return KindSc }

// Pt is a portal: an entry point into a local Ec.
type Pt struct {
	objHdr
	ec    *Ec
	mtd   abi.Word
	entry func(id abi.Word)
	id    atomic.Uint64
}

func (*Pt) kind() Kind { return KindPt }

// Sm is a kernel counting semaphore with a FIFO wait queue.
type Sm struct {
	objHdr
	mu      sync.Mutex
	count   uint64
	waiters []chan errs.Code
	dead    bool
	ups     uint64
	downs   uint64
}

func (*Sm) kind() Kind { return KindSm }

func (s *Sm) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
	for _, w := range s.waiters {
		w <- errs.Abort
	}
	s.waiters = nil
}

func (s *Sm) up() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return errs.New("hv.sm_up", errs.Abort)
	}
	s.ups++
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w <- errs.Success
		return nil
	}
	s.count++
	return nil
}

func (s *Sm) down(zero bool, timeout time.Duration) error {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return errs.New("hv.sm_down", errs.Abort)
	}
	s.downs++
	if s.count > 0 {
		if zero {
			s.count = 0
		} else {
			s.count--
		}
		s.mu.Unlock()
		return nil
	}
	w := make(chan errs.Code, 1)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	if timeout <= 0 {
		return errs.New("hv.sm_down", <-w)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-w:
		return errs.New("hv.sm_down", c)
	case <-timer.C:
	}

	s.mu.Lock()
	for i, x := range s.waiters {
		if x == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			s.mu.Unlock()
			return errs.New("hv.sm_down", errs.Timeout)
		}
	}
	s.mu.Unlock()
	// Woken between the timer firing and taking the lock.
	return errs.New("hv.sm_down", <-w)
}

// SmState is a snapshot of a kernel semaphore.
type SmState struct {
	Count   uint64 `json:"count"`
	Waiters int    `json:"waiters"`
	Ups     uint64 `json:"ups"`
	Downs   uint64 `json:"downs"`
}

func (s *Sm) state() SmState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SmState{Count: s.count, Waiters: len(s.waiters), Ups: s.ups, Downs: s.downs}
}
