package rcu

import "sync/atomic"

// Pointer publishes a value to readers. Readers Load it without locking; a
// writer replaces it and hands the old value to the domain.
type Pointer[T any] struct {
	p atomic.Pointer[T]
}

// Load returns the current value. The result stays valid until the calling
// reader's next quiescent point.
func (p *Pointer[T]) Load() *T { return p.p.Load() }

// Store publishes v without retiring anything.
func (p *Pointer[T]) Store(v *T) { p.p.Store(v) }

// Replace publishes v and retires the previous value, if any, through d.
// reclaim runs on the old value once its grace period has ended.
func (p *Pointer[T]) Replace(d *Domain, v *T, reclaim func(*T)) {
	old := p.p.Swap(v)
	if old == nil {
		return
	}
	d.Retire(Func(func() { reclaim(old) }))
}
