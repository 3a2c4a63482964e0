package portal

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/boot"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/config"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

const (
	opEcho abi.Word = iota
	opCPU
	opTake
)

func newRuntime(t *testing.T) *boot.Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.CPUs = 4
	r, err := boot.Init(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func echoMux() *Mux {
	m := NewMux()
	m.Handle(opEcho, func(_ abi.Word, f *utcb.Frame) error {
		var msg string
		if err := f.Get(&msg); err != nil {
			return err
		}
		return Reply(f, msg)
	})
	m.Handle(opCPU, func(_ abi.Word, f *utcb.Frame) error {
		return Reply(f, kobj.Current().CPU())
	})
	return m
}

func TestServiceRunsOnEveryCPU(t *testing.T) {
	r := newRuntime(t)
	svc, err := NewService(r.Env, "echo", echoMux().Serve)
	require.NoError(t, err)
	defer svc.Close()

	assert.Len(t, svc.Portals(), 4)
	for cpu := 0; cpu < 4; cpu++ {
		pt, err := svc.Portal(cpu)
		require.NoError(t, err)

		f := utcb.New().Frame()
		require.NoError(t, f.Put(opCPU))
		require.NoError(t, pt.Call(f))
		require.NoError(t, f.CheckReply())
		got, err := f.Int()
		require.NoError(t, err)
		assert.Equal(t, int64(cpu), got)
	}

	_, err = svc.Portal(9)
	assert.True(t, errors.Is(err, errs.NotFound))
}

func TestMuxRejectsUnknownOpcode(t *testing.T) {
	r := newRuntime(t)
	svc, err := NewService(r.Env, "echo", echoMux().Serve, WithCPUs(0))
	require.NoError(t, err)
	defer svc.Close()

	c := NewClient(r.Env, "echo", svc.Portals())
	err = c.Call(func(f *utcb.Frame) error { return f.PutWord(77) }, nil)
	assert.True(t, errors.Is(err, errs.ArgsInvalid), "got %v", err)

	// No opcode at all.
	assert.Error(t, c.Call(nil, nil))
}

func TestClientEchoAndMetrics(t *testing.T) {
	r := newRuntime(t)
	svc, err := NewService(r.Env, "echo", echoMux().Serve)
	require.NoError(t, err)
	defer svc.Close()

	c := NewClient(r.Env, "echo", svc.Portals())
	var reply string
	err = c.Call(
		func(f *utcb.Frame) error { return f.Put(opEcho, "hello") },
		func(f *utcb.Frame) error { return f.Get(&reply) },
	)
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.PortalCalls.WithLabelValues("echo", "success")))
	assert.Equal(t, int64(1), r.Metrics.GetSnapshot().Calls)
}

func TestClientUsesNestedFrameOfRuntimeThread(t *testing.T) {
	r := newRuntime(t)
	svc, err := NewService(r.Env, "echo", echoMux().Serve)
	require.NoError(t, err)
	defer svc.Close()
	c := NewClient(r.Env, "echo", svc.Portals())

	ec, err := kobj.Adopt(r.Env, 2, 1)
	require.NoError(t, err)
	defer ec.Close()

	// A message under construction survives a call made in between.
	outer := ec.Utcb().Frame()
	require.NoError(t, outer.Put(1, 2, 3))

	var cpu int64
	err = c.Call(
		func(f *utcb.Frame) error { return f.Put(opCPU) },
		func(f *utcb.Frame) error {
			var err error
			cpu, err = f.Int()
			return err
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cpu)
	assert.Equal(t, 0, ec.Utcb().Depth())

	outer = ec.Utcb().Frame()
	var a, b, d int
	require.NoError(t, outer.Get(&a, &b, &d))
	assert.Equal(t, []int{1, 2, 3}, []int{a, b, d})
}

func TestConcurrentCallersAcrossCPUs(t *testing.T) {
	r := newRuntime(t)
	var served atomic.Int64
	m := echoMux()
	m.Handle(opTake, func(_ abi.Word, f *utcb.Frame) error {
		served.Add(1)
		return Reply(f)
	})
	svc, err := NewService(r.Env, "echo", m.Serve)
	require.NoError(t, err)
	defer svc.Close()
	c := NewClient(r.Env, "echo", svc.Portals())

	var g errgroup.Group
	for cpu := 0; cpu < 4; cpu++ {
		g.Go(func() error {
			ec, err := kobj.Adopt(r.Env, cpu, 1)
			if err != nil {
				return err
			}
			defer ec.Close()
			for i := 0; i < 200; i++ {
				if err := c.Call(func(f *utcb.Frame) error { return f.Put(opTake) }, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(800), served.Load())
}

func TestReceiveWindowIsRenewed(t *testing.T) {
	r := newRuntime(t)
	got := make(chan abi.Crd, 2)
	m := NewMux()
	m.Handle(opTake, func(_ abi.Word, f *utcb.Frame) error {
		crd, err := f.GetDelegated()
		if err != nil {
			return err
		}
		got <- crd
		return Reply(f)
	})
	svc, err := NewService(r.Env, "sink", m.Serve, WithCPUs(0), WithReceiveWindow(0))
	require.NoError(t, err)
	defer svc.Close()
	c := NewClient(r.Env, "sink", svc.Portals())

	for i := 0; i < 2; i++ {
		sm, err := kobj.NewSm(r.Env, 0)
		require.NoError(t, err)
		defer sm.Close()
		require.NoError(t, c.Call(func(f *utcb.Frame) error {
			if err := f.Put(opTake); err != nil {
				return err
			}
			return f.Delegate(sm.Crd(abi.PermRW), 0)
		}, nil))
	}
	first, second := <-got, <-got
	assert.False(t, first.Null())
	assert.False(t, second.Null())
	assert.NotEqual(t, first.Base(), second.Base())
}

func TestPortalID(t *testing.T) {
	r := newRuntime(t)
	svc, err := NewService(r.Env, "id", func(id abi.Word, f *utcb.Frame) error {
		return Reply(f, id)
	}, WithCPUs(1), WithPortalID(0x42))
	require.NoError(t, err)
	defer svc.Close()

	var id uint64
	c := NewClient(r.Env, "id", svc.Portals())
	require.NoError(t, c.Call(nil, func(f *utcb.Frame) error { return f.Get(&id) }))
	assert.Equal(t, uint64(0x42), id)
}

func TestCloseRevokesPortals(t *testing.T) {
	r := newRuntime(t)
	svc, err := NewService(r.Env, "echo", echoMux().Serve, WithCPUs(0))
	require.NoError(t, err)
	pt, err := svc.Portal(0)
	require.NoError(t, err)
	sel := pt.Sel()

	svc.Close()
	assert.True(t, r.Kernel.Lookup(r.Env.Pd, sel).Null())
	assert.True(t, errors.Is(pt.Call(utcb.New().Frame()), errs.Cap))
}

func TestNewServiceFailsOnBadCPU(t *testing.T) {
	r := newRuntime(t)
	_, err := NewService(r.Env, "echo", echoMux().Serve, WithCPUs(0, 8))
	assert.True(t, errors.Is(err, errs.Cpu))
	_, err = NewService(r.Env, "echo", nil)
	assert.True(t, errors.Is(err, errs.ArgsInvalid))
}
