package service

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/portal"
	"github.com/Nils-TUD/NRE-sub002/internal/shared/id"
)

// Entry is one registered service.
type Entry struct {
	ID         id.Name
	Name       string
	Portals    map[int]*kobj.Pt
	Registered time.Time
}

// CPUs returns the CPUs the service has portals on, in ascending order.
func (e *Entry) CPUs() []int {
	cpus := make([]int, 0, len(e.Portals))
	for cpu := range e.Portals {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus
}

// Info describes a registered service for the debug surface.
type Info struct {
	ID         id.Name   `json:"id"`
	Name       string    `json:"name"`
	CPUs       []int     `json:"cpus"`
	Registered time.Time `json:"registered"`
}

// Stats summarises the registry.
type Stats struct {
	Services int `json:"services"`
	Portals  int `json:"portals"`
}

// Registry maps service names to portals.
type Registry struct {
	env      *kobj.Env
	log      *zap.Logger
	services sync.Map
}

// NewRegistry creates an empty registry for the image env.
func NewRegistry(env *kobj.Env) *Registry {
	return &Registry{env: env, log: env.Log.Named("registry")}
}

// Register adds the portals pts, indexed by CPU, under name.
func (r *Registry) Register(name string, pts map[int]*kobj.Pt) error {
	const op = "service.register"
	if name == "" {
		return errs.Newf(op, errs.ArgsInvalid, "service name cannot be empty")
	}
	if len(pts) == 0 {
		return errs.Newf(op, errs.ArgsInvalid, "service %s has no portals", name)
	}
	e := &Entry{ID: id.New(id.ServicePrefix), Name: name, Portals: pts, Registered: time.Now()}
	if _, loaded := r.services.LoadOrStore(name, e); loaded {
		return errs.Newf(op, errs.Exists, "service %s already registered", name)
	}
	r.log.Info("Service registered", zap.String("service", name), zap.Stringer("id", e.ID), zap.Ints("cpus", e.CPUs()))
	return nil
}

// Add registers a running portal service under its own name.
func (r *Registry) Add(s *portal.Service) error {
	return r.Register(s.Name(), s.Portals())
}

// Unregister removes name. It reports whether the service was registered.
func (r *Registry) Unregister(name string) bool {
	_, ok := r.services.LoadAndDelete(name)
	if ok {
		r.log.Info("Service unregistered", zap.String("service", name))
	}
	return ok
}

// Get retrieves a service by name.
func (r *Registry) Get(name string) (*Entry, bool) {
	v, ok := r.services.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Client returns a client for the service name inside the registry's image.
func (r *Registry) Client(name string) (*portal.Client, error) {
	e, ok := r.Get(name)
	if !ok {
		return nil, errs.Newf("service.client", errs.NotFound, "service %s not registered", name)
	}
	return portal.NewClient(r.env, name, e.Portals), nil
}

// List returns all registered services ordered by name.
func (r *Registry) List() []Info {
	var out []Info
	r.services.Range(func(_, v any) bool {
		e := v.(*Entry)
		out = append(out, Info{ID: e.ID, Name: e.Name, CPUs: e.CPUs(), Registered: e.Registered})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns registry statistics.
func (r *Registry) Stats() Stats {
	var s Stats
	r.services.Range(func(_, v any) bool {
		s.Services++
		s.Portals += len(v.(*Entry).Portals)
		return true
	})
	return s
}
