// Package kobj wraps hypervisor objects in handles that own one capability
// selector each.
//
// Constructors allocate a selector, issue the create syscall and return the
// handle; on failure the selector is released again and no handle escapes.
// Close revokes the capability and frees its selector unless the selector
// carries keep flags. Close never fails: teardown errors are logged at debug
// level and dropped.
package kobj

import (
	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/caps"
	"github.com/Nils-TUD/NRE-sub002/internal/hv"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/monitoring"
	"github.com/Nils-TUD/NRE-sub002/internal/rcu"
)

// Env is the runtime context of one process image: the address space it runs
// in and the process-wide services every kernel object needs.
type Env struct {
	Kernel  *hv.Kernel
	Pd      *hv.PD
	Caps    *caps.Space
	RCU     *rcu.Domain
	Log     *zap.Logger
	Metrics *monitoring.Metrics
}

// CPUs returns the number of CPUs of the machine.
func (e *Env) CPUs() int { return e.Kernel.CPUs() }

// blocking runs a blocking syscall. A calling runtime thread is an offline
// RCU reader while it waits and quiescent once it returns.
func (e *Env) blocking(fn func() error) error {
	var r *rcu.Reader
	if cur := Current(); cur != nil {
		r = cur.reader.Load()
	}
	r.Offline()
	err := fn()
	r.Online()
	return err
}
