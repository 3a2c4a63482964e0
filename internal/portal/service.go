package portal

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

// Option customises a Service.
type Option func(*Service)

// WithCPUs restricts the service to the given CPUs instead of all of them.
func WithCPUs(cpus ...int) Option {
	return func(s *Service) { s.cpus = cpus }
}

// WithReceiveWindow lets every handler thread accept delegations of up to
// 1<<order capabilities per call. A window that received capabilities is
// replaced by a fresh one after the handler returns; the handler owns what it
// got.
func WithReceiveWindow(order uint) Option {
	return func(s *Service) {
		s.recvOrder = order
		s.recv = true
	}
}

// WithTranslateWindow lets handlers identify capabilities of their own domain
// that callers pass by translation.
func WithTranslateWindow(crd abi.Crd) Option {
	return func(s *Service) { s.xlate = crd }
}

// WithPortalID sets the id every portal of the service passes to the handler.
func WithPortalID(v abi.Word) Option {
	return func(s *Service) {
		s.id = v
		s.hasID = true
	}
}

type thread struct {
	ec *kobj.Ec
	pt *kobj.Pt
}

// Service is a set of per-CPU handler threads and portals sharing one
// handler.
type Service struct {
	name string
	env  *kobj.Env
	log  *zap.Logger
	fn   kobj.PortalFunc

	cpus      []int
	recv      bool
	recvOrder uint
	xlate     abi.Crd
	id        abi.Word
	hasID     bool

	threads   map[int]*thread
	closeOnce sync.Once
}

// NewService starts a handler thread with a portal on every CPU.
func NewService(env *kobj.Env, name string, fn kobj.PortalFunc, opts ...Option) (*Service, error) {
	if fn == nil {
		return nil, errs.Newf("portal.service", errs.ArgsInvalid, "service %s has no handler", name)
	}
	s := &Service{
		name:    name,
		env:     env,
		log:     env.Log.Named("portal").With(zap.String("service", name)),
		fn:      fn,
		xlate:   abi.NullCrd,
		threads: make(map[int]*thread),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cpus == nil {
		for cpu := 0; cpu < env.CPUs(); cpu++ {
			s.cpus = append(s.cpus, cpu)
		}
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, cpu := range s.cpus {
		g.Go(func() error {
			t, err := s.start(cpu)
			if err != nil {
				return err
			}
			mu.Lock()
			s.threads[cpu] = t
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.Close()
		return nil, err
	}

	s.log.Info("Service started", zap.Ints("cpus", s.cpus))
	return s, nil
}

func (s *Service) start(cpu int) (*thread, error) {
	ec, err := kobj.NewLocalEc(s.env, cpu)
	if err != nil {
		return nil, err
	}
	top := ec.Utcb().Frame()
	top.SetTranslateCrd(s.xlate)
	if s.recv {
		if err := s.renewWindow(top); err != nil {
			ec.Close()
			return nil, err
		}
	}

	pt, err := kobj.NewPt(ec, 0, s.handler(ec))
	if err != nil {
		ec.Close()
		return nil, err
	}
	if s.hasID {
		if err := pt.SetID(s.id); err != nil {
			pt.Close()
			ec.Close()
			return nil, err
		}
	}
	return &thread{ec: ec, pt: pt}, nil
}

func (s *Service) renewWindow(f *utcb.Frame) error {
	count := uint64(1) << s.recvOrder
	base, err := s.env.Caps.Allocate(count, count)
	if err != nil {
		return err
	}
	f.SetReceiveCrd(abi.ObjCrd(base, s.recvOrder, abi.PermAll))
	return nil
}

func (s *Service) handler(ec *kobj.Ec) kobj.PortalFunc {
	return func(id abi.Word, f *utcb.Frame) error {
		delegated := false
		if s.recv {
			for i := 0; i < f.Typed(); i++ {
				if it, err := f.TypedItem(i); err == nil && it.Flags.Delegate() && !it.Crd.Null() {
					delegated = true
					break
				}
			}
		}
		err := s.fn(id, f)
		if delegated {
			if werr := s.renewWindow(ec.Utcb().Frame()); werr != nil {
				s.log.Warn("Cannot renew receive window", zap.Int("cpu", ec.CPU()), zap.Error(werr))
				ec.Utcb().Frame().SetReceiveCrd(abi.NullCrd)
			}
		}
		return err
	}
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// CPUs returns the CPUs the service runs on.
func (s *Service) CPUs() []int { return s.cpus }

// Portal returns the portal for callers on cpu.
func (s *Service) Portal(cpu int) (*kobj.Pt, error) {
	t, ok := s.threads[cpu]
	if !ok {
		return nil, errs.Newf("portal.portal", errs.NotFound, "service %s does not run on cpu %d", s.name, cpu)
	}
	return t.pt, nil
}

// Portals returns the portals indexed by CPU.
func (s *Service) Portals() map[int]*kobj.Pt {
	pts := make(map[int]*kobj.Pt, len(s.threads))
	for cpu, t := range s.threads {
		pts[cpu] = t.pt
	}
	return pts
}

// Close revokes every portal and stops the handler threads.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		for _, t := range s.threads {
			t.pt.Close()
			t.ec.Close()
		}
		s.log.Info("Service stopped")
	})
}
