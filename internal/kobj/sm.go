package kobj

import (
	"time"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/hv"
	"github.com/Nils-TUD/NRE-sub002/internal/shared/id"
)

// Sm is a kernel semaphore handle.
type Sm struct {
	ObjCap
}

// NewSm creates a kernel semaphore with initial credits.
func NewSm(env *Env, initial uint64) (*Sm, error) {
	oc, err := alloc(env, id.SmPrefix)
	if err != nil {
		return nil, err
	}
	if err := env.Kernel.CreateSm(env.Pd, oc.sel, initial); err != nil {
		oc.release()
		return nil, err
	}
	return &Sm{ObjCap: oc}, nil
}

// AdoptSm wraps a semaphore capability the image already holds.
func AdoptSm(env *Env, sel abi.Sel) *Sm {
	return &Sm{ObjCap: adopt(env, sel, id.SmPrefix)}
}

// Up adds one credit or wakes the longest waiting thread.
func (s *Sm) Up() error {
	env, err := s.live("kobj.sm_up")
	if err != nil {
		return err
	}
	return env.Kernel.SmUp(env.Pd, s.sel.Value())
}

// Down takes one credit, blocking until one is available.
func (s *Sm) Down() error {
	return s.down(false, 0)
}

// DownZero blocks until a credit is available and then drops all credits.
func (s *Sm) DownZero() error {
	return s.down(true, 0)
}

// DownTimeout is Down bounded by d; it fails with errs.Timeout.
func (s *Sm) DownTimeout(d time.Duration) error {
	return s.down(false, d)
}

func (s *Sm) down(zero bool, d time.Duration) error {
	env, err := s.live("kobj.sm_down")
	if err != nil {
		return err
	}
	return env.blocking(func() error {
		return env.Kernel.SmDown(env.Pd, s.sel.Value(), zero, d)
	})
}

// State reports the kernel-side state of the semaphore.
func (s *Sm) State() (hv.SmState, error) {
	env, err := s.live("kobj.sm_state")
	if err != nil {
		return hv.SmState{}, err
	}
	return env.Kernel.SmState(env.Pd, s.sel.Value())
}

// Close revokes the semaphore. Threads still blocked on it fail with Abort.
func (s *Sm) Close() { s.release() }
