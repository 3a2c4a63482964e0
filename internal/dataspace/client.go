package dataspace

import (
	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/portal"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

// Handle is a client's reference to a data space.
type Handle struct {
	Desc Desc
	// Sel is the client's copy of the unmap semaphore.
	Sel abi.Sel
}

// Client talks to a data space manager through its portals.
type Client struct {
	env *kobj.Env
	c   *portal.Client
}

// NewClient creates a client for the manager portals pts, indexed by CPU.
func NewClient(env *kobj.Env, pts map[int]*kobj.Pt) *Client {
	return &Client{env: env, c: portal.NewClient(env, ServiceName, pts)}
}

// call runs one request that answers with a delegated unmap semaphore.
func (c *Client) call(build func(f *utcb.Frame) error, parse func(f *utcb.Frame) error) (abi.Sel, error) {
	sel, err := c.env.Caps.Alloc()
	if err != nil {
		return 0, err
	}
	err = c.c.Call(func(f *utcb.Frame) error {
		f.SetReceiveCrd(abi.ObjCrd(sel, 0, abi.PermAll))
		return build(f)
	}, func(f *utcb.Frame) error {
		if err := parse(f); err != nil {
			return err
		}
		crd, err := f.GetDelegated()
		if err != nil {
			return err
		}
		if crd.Null() || crd.Base() != sel {
			return errs.Newf("dataspace.client", errs.Protocol, "manager answered with %s", crd)
		}
		return nil
	})
	if err != nil {
		_ = c.env.Caps.Free(sel, 1)
		return 0, err
	}
	return sel, nil
}

// Create asks the manager for a new data space.
func (c *Client) Create(desc Desc) (*Handle, error) {
	h := &Handle{Desc: desc}
	sel, err := c.call(func(f *utcb.Frame) error {
		return f.Put(OpCreate, desc.Size, uint64(desc.Type), uint64(desc.Perms))
	}, func(f *utcb.Frame) error {
		return f.Get(&h.Desc.Size)
	})
	if err != nil {
		return nil, err
	}
	h.Sel = sel
	return h, nil
}

// Join attaches to the shared data space whose unmap semaphore the client
// holds at sel, typically one another image passed on.
func (c *Client) Join(sel abi.Sel) (*Handle, error) {
	h := &Handle{}
	nsel, err := c.call(func(f *utcb.Frame) error {
		if err := f.Put(OpJoin); err != nil {
			return err
		}
		return f.Translate(abi.ObjCrd(sel, 0, abi.PermAll))
	}, func(f *utcb.Frame) error {
		var typ, perms uint64
		if err := f.Get(&h.Desc.Size, &typ, &perms); err != nil {
			return err
		}
		h.Desc.Type, h.Desc.Perms = Type(typ), abi.Perm(perms)
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.Sel = nsel
	return h, nil
}

// Destroy drops the client's reference and its copy of the unmap semaphore.
func (c *Client) Destroy(h *Handle) error {
	err := c.c.Call(func(f *utcb.Frame) error {
		if err := f.Put(OpDestroy); err != nil {
			return err
		}
		return f.Translate(abi.ObjCrd(h.Sel, 0, abi.PermAll))
	}, nil)
	if err != nil {
		return err
	}
	kobj.AdoptSm(c.env, h.Sel).Close()
	return nil
}

// Mapped reports whether the client still holds the data space, that is,
// whether the manager has not destroyed it.
func (c *Client) Mapped(h *Handle) bool {
	return !c.env.Kernel.Lookup(c.env.Pd, h.Sel).Null()
}
