// Package usersm implements a counting semaphore that only enters the kernel
// when the counter crosses zero.
//
// The counter is updated with a single atomic add. A thread that takes the
// last credit or finds none left parks on a kernel semaphore; a thread that
// returns a credit while others are parked wakes exactly one of them. At any
// quiescent moment the number of parked threads equals max(0, -Value()).
//
// There is no timeout and no cancellation: a parked thread only leaves by a
// matching Up, or with errs.Abort when the semaphore is closed underneath it.
package usersm

import (
	"sync/atomic"

	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
)

// DefaultInitial makes a fresh semaphore behave like an unlocked mutex.
const DefaultInitial = 1

// UserSm is a user-level semaphore backed by a kernel semaphore.
type UserSm struct {
	value atomic.Int64
	sm    *kobj.Sm
	env   *kobj.Env
}

// New creates a semaphore with DefaultInitial credits.
func New(env *kobj.Env) (*UserSm, error) {
	return NewWithValue(env, DefaultInitial)
}

// NewWithValue creates a semaphore with initial credits.
func NewWithValue(env *kobj.Env, initial int64) (*UserSm, error) {
	if initial < 0 {
		return nil, errs.Newf("usersm.new", errs.ArgsInvalid, "initial value %d", initial)
	}
	sm, err := kobj.NewSm(env, 0)
	if err != nil {
		return nil, err
	}
	s := &UserSm{sm: sm, env: env}
	s.value.Store(initial)
	return s, nil
}

// Down takes a credit, parking on the kernel semaphore if none is left.
func (s *UserSm) Down() error {
	if s.value.Add(-1) >= 0 {
		return nil
	}
	s.env.Metrics.IncSlowPath("down")
	return s.sm.Down()
}

// Up returns a credit, waking one parked thread if there is any.
func (s *UserSm) Up() error {
	if s.value.Add(1) > 0 {
		return nil
	}
	s.env.Metrics.IncSlowPath("up")
	return s.sm.Up()
}

// Value returns the current counter. Negative values count parked threads.
func (s *UserSm) Value() int64 { return s.value.Load() }

// Kernel returns the backing kernel semaphore.
func (s *UserSm) Kernel() *kobj.Sm { return s.sm }

// Close releases the kernel semaphore.
func (s *UserSm) Close() { s.sm.Close() }
