// Package boot brings up a runtime in a fixed order and hands back the context
// every other package works with.
//
// The order matters: metrics first (every component reports into them), then
// the hypervisor, the selector allocator of the root image, and its RCU
// domain. Nothing here is global; tests boot as many runtimes as they like.
package boot

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/caps"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/hv"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/config"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/monitoring"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/rcu"
)

// Runtime is a booted machine with its root image.
type Runtime struct {
	Config   *config.Config
	Kernel   *hv.Kernel
	Registry *prometheus.Registry
	Metrics  *monitoring.Metrics
	// Env is the root image's context.
	Env *kobj.Env

	log *zap.Logger

	mu     sync.Mutex
	images map[*Image]struct{}
}

// Init boots a runtime from cfg.
func Init(cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.Newf("boot.init", errs.ArgsInvalid, "%v", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	k := hv.New(hv.Config{CPUs: cfg.Runtime.CPUs}, log)
	r := &Runtime{
		Config:   cfg,
		Kernel:   k,
		Registry: reg,
		Metrics:  metrics,
		log:      log,
		images:   make(map[*Image]struct{}),
	}
	env, err := r.newEnv(k.Root(), "root")
	if err != nil {
		k.Shutdown()
		return nil, err
	}
	r.Env = env

	log.Info("Runtime booted",
		zap.Int("cpus", cfg.Runtime.CPUs),
		zap.Uint64("first_sel", cfg.Runtime.FirstSel),
		zap.Uint64("cap_space", cfg.Runtime.CapSpaceSize),
		zap.Int("rcu_readers", cfg.RCU.Readers))
	return r, nil
}

func (r *Runtime) newEnv(pd *hv.PD, name string) (*kobj.Env, error) {
	cfg := r.Config
	first := abi.Sel(cfg.Runtime.FirstSel)
	space, err := caps.New(first, abi.Sel(cfg.Runtime.CapSpaceSize), r.Metrics)
	if err != nil {
		return nil, err
	}
	log := r.log.With(zap.String("image", name))
	domain := rcu.New(rcu.Options{
		Name:              name,
		Readers:           cfg.RCU.Readers,
		StallWarnInterval: cfg.RCU.StallWarnInterval.Std(),
	}, log.Named("rcu"), r.Metrics)
	return &kobj.Env{
		Kernel:  r.Kernel,
		Pd:      pd,
		Caps:    space,
		RCU:     domain,
		Log:     log,
		Metrics: r.Metrics,
	}, nil
}

// Image is a child process image: its own domain, selector space and RCU
// domain on the runtime's machine.
type Image struct {
	Env *kobj.Env
	pd  *kobj.Pd
	rt  *Runtime
}

// InitChild creates a protection domain owned by the root image and boots a
// context for it.
func (r *Runtime) InitChild(name string) (*Image, error) {
	pd, err := kobj.NewPd(r.Env, name)
	if err != nil {
		return nil, err
	}
	env, err := r.newEnv(pd.Domain(), name)
	if err != nil {
		pd.Close()
		return nil, err
	}
	img := &Image{Env: env, pd: pd, rt: r}
	r.mu.Lock()
	r.images[img] = struct{}{}
	r.mu.Unlock()
	return img, nil
}

// Grant delegates the root image's capabilities in crd into the child. The
// child receives them at freshly allocated, suitably aligned selectors.
func (r *Runtime) Grant(img *Image, crd abi.Crd) (abi.Crd, error) {
	count := crd.Count()
	dst, err := img.Env.Caps.Allocate(count, count)
	if err != nil {
		return abi.NullCrd, err
	}
	return r.Kernel.Delegate(r.Env.Pd, img.pd.Sel(), crd, dst)
}

// Sel returns the root image's selector for the child's domain.
func (i *Image) Sel() abi.Sel { return i.pd.Sel() }

// Close destroys the child's domain and everything in it. Objects still
// waiting in its RCU domain are reclaimed by a last sweep.
func (i *Image) Close() {
	i.rt.mu.Lock()
	_, ok := i.rt.images[i]
	delete(i.rt.images, i)
	i.rt.mu.Unlock()
	if !ok {
		return
	}
	i.pd.Close()
	i.Env.RCU.Sweep()
}

// Children returns the number of live child images.
func (r *Runtime) Children() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}

// Sweep runs one reclamation pass over the root image and every child image
// and returns how many objects were freed.
func (r *Runtime) Sweep() int {
	r.mu.Lock()
	domains := make([]*rcu.Domain, 0, len(r.images)+1)
	domains = append(domains, r.Env.RCU)
	for img := range r.images {
		domains = append(domains, img.Env.RCU)
	}
	r.mu.Unlock()

	freed := 0
	for _, d := range domains {
		freed += d.Sweep()
	}
	return freed
}

// Run sweeps the RCU domains of all images until ctx is done, then performs
// a last sweep.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Config.RCU.SweepInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Sweep()
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown stops every thread of the machine.
func (r *Runtime) Shutdown() {
	start := time.Now()
	r.Kernel.Shutdown()
	r.log.Info("Runtime stopped", zap.Duration("took", time.Since(start)))
}
