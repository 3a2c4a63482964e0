package portal

import (
	"sort"

	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/monitoring"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

// Client calls a service through the portal of the calling thread's CPU.
type Client struct {
	name string
	env  *kobj.Env
	pts  map[int]*kobj.Pt
	// fallback serves callers on CPUs the service does not run on.
	fallback *kobj.Pt
}

// NewClient creates a client for the portals pts, indexed by CPU.
func NewClient(env *kobj.Env, name string, pts map[int]*kobj.Pt) *Client {
	c := &Client{name: name, env: env, pts: pts}
	cpus := make([]int, 0, len(pts))
	for cpu := range pts {
		cpus = append(cpus, cpu)
	}
	if len(cpus) > 0 {
		sort.Ints(cpus)
		c.fallback = pts[cpus[0]]
	}
	return c
}

// Portal returns the portal a call from cpu goes through.
func (c *Client) Portal(cpu int) (*kobj.Pt, error) {
	if pt, ok := c.pts[cpu]; ok {
		return pt, nil
	}
	if c.fallback == nil {
		return nil, errs.Newf("portal.client", errs.NotFound, "service %s has no portals", c.name)
	}
	return c.fallback, nil
}

// Call builds a request with build, calls the service and, if the reply code
// is errs.Success, hands the rest of the reply to parse. Runtime threads use
// a nested frame of their own UTCB so whatever message they are assembling
// survives the call. Either function may be nil.
func (c *Client) Call(build, parse func(f *utcb.Frame) error) error {
	cur := kobj.Current()
	cpu := 0
	if cur != nil {
		cpu = cur.CPU()
	}
	pt, err := c.Portal(cpu)
	if err != nil {
		return err
	}

	timer := monitoring.NewTimer(c.env.Metrics, c.name)
	call := func(f *utcb.Frame) error {
		if build != nil {
			if err := build(f); err != nil {
				return err
			}
		}
		if err := pt.Call(f); err != nil {
			return err
		}
		if err := f.CheckReply(); err != nil {
			return err
		}
		if parse != nil {
			return parse(f)
		}
		return nil
	}
	if cur != nil && cur.Utcb() != nil {
		err = cur.Utcb().Nested(call)
	} else {
		err = call(utcb.New().Frame())
	}
	timer.Stop(errs.CodeOf(err).String(), err != nil)
	return err
}
