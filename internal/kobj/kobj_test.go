package kobj

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/caps"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/hv"
	"github.com/Nils-TUD/NRE-sub002/internal/rcu"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

func newEnv(t *testing.T) *Env {
	t.Helper()
	k := hv.New(hv.Config{CPUs: 2}, nil)
	t.Cleanup(k.Shutdown)
	space, err := caps.New(0x1000, 0x2000, nil)
	require.NoError(t, err)
	return &Env{
		Kernel: k,
		Pd:     k.Root(),
		Caps:   space,
		RCU:    rcu.New(rcu.Options{Readers: 8}, nil, nil),
		Log:    zap.NewNop(),
	}
}

func newPortal(t *testing.T, env *Env, fn PortalFunc) (*Ec, *Pt) {
	t.Helper()
	ec, err := NewLocalEc(env, 1)
	require.NoError(t, err)
	t.Cleanup(ec.Close)
	pt, err := NewPt(ec, 0, fn)
	require.NoError(t, err)
	t.Cleanup(pt.Close)
	return ec, pt
}

func TestPortalCallDeliversWordsAndCapabilities(t *testing.T) {
	env := newEnv(t)
	for sel := abi.Sel(0x100); sel < 0x104; sel++ {
		require.NoError(t, env.Kernel.CreateSm(env.Pd, sel, 0))
	}
	win, err := env.Caps.Allocate(4, 4)
	require.NoError(t, err)

	var (
		gotN   int
		gotMsg string
		gotCrd abi.Crd
	)
	ec, pt := newPortal(t, env, func(_ abi.Word, f *utcb.Frame) error {
		if err := f.Get(&gotN, &gotMsg); err != nil {
			return err
		}
		crd, err := f.GetDelegated()
		if err != nil {
			return err
		}
		gotCrd = crd
		f.Clear()
		return f.PutWord(abi.Word(errs.Success))
	})
	ec.Utcb().Frame().SetReceiveCrd(abi.ObjCrd(win, 2, abi.PermAll))

	f := utcb.New().Frame()
	require.NoError(t, f.Put(5, "hello"))
	require.NoError(t, f.Delegate(abi.ObjCrd(0x100, 2, abi.PermRW), 0))
	require.NoError(t, pt.Call(f))
	require.NoError(t, f.CheckReply())

	assert.Equal(t, 5, gotN)
	assert.Equal(t, "hello", gotMsg)
	assert.Equal(t, win, gotCrd.Base())
	assert.Equal(t, uint(2), gotCrd.Order())
	assert.Equal(t, abi.PermRW, gotCrd.Perms())

	for i := abi.Sel(0); i < 4; i++ {
		want, _, err := env.Kernel.ObjectID(env.Pd, 0x100+i)
		require.NoError(t, err)
		got, kind, err := env.Kernel.ObjectID(env.Pd, win+i)
		require.NoError(t, err)
		assert.Equal(t, hv.KindSm, kind)
		assert.Equal(t, want, got)
	}
}

func TestPortalHandlerErrorRepliesWithCodeOnly(t *testing.T) {
	env := newEnv(t)
	_, pt := newPortal(t, env, func(_ abi.Word, f *utcb.Frame) error {
		// Partial reply must not leak to the caller.
		f.Clear()
		_ = f.PutWord(abi.Word(errs.Success))
		_ = f.PutString("half")
		return errs.Newf("test.handler", errs.ArgsInvalid, "bad opcode")
	})

	f := utcb.New().Frame()
	require.NoError(t, f.PutWord(99))
	require.NoError(t, pt.Call(f))
	assert.Equal(t, 1, f.Untyped())
	err := f.CheckReply()
	assert.True(t, errors.Is(err, errs.ArgsInvalid), "got %v", err)
}

func TestPortalID(t *testing.T) {
	env := newEnv(t)
	_, pt := newPortal(t, env, func(id abi.Word, f *utcb.Frame) error {
		f.Clear()
		return f.Put(errs.Success, id)
	})
	require.NoError(t, pt.SetID(0xabc))

	f := utcb.New().Frame()
	require.NoError(t, pt.Call(f))
	require.NoError(t, f.CheckReply())
	id, err := f.Word()
	require.NoError(t, err)
	assert.Equal(t, abi.Word(0xabc), id)
}

func TestNewPtNeedsLocalEc(t *testing.T) {
	env := newEnv(t)
	vcpu, err := NewVCpu(env, 0)
	require.NoError(t, err)
	defer vcpu.Close()

	_, err = NewPt(vcpu, 0, func(abi.Word, *utcb.Frame) error { return nil })
	assert.True(t, errors.Is(err, errs.ArgsInvalid))

	ec, err := NewLocalEc(env, 0)
	require.NoError(t, err)
	defer ec.Close()
	_, err = NewPt(ec, 0, nil)
	assert.True(t, errors.Is(err, errs.ArgsInvalid))
}

func TestCurrentInsideHandler(t *testing.T) {
	env := newEnv(t)
	var inside *Ec
	ec, pt := newPortal(t, env, func(_ abi.Word, f *utcb.Frame) error {
		inside = Current()
		f.Clear()
		return f.PutWord(abi.Word(errs.Success))
	})

	assert.Nil(t, Current())
	f := utcb.New().Frame()
	require.NoError(t, pt.Call(f))
	require.NoError(t, f.CheckReply())
	assert.Same(t, ec, inside)
	assert.NotNil(t, ec.Reader(), "handler threads are rcu readers")
}

func TestAdoptBindsCallingGoroutine(t *testing.T) {
	env := newEnv(t)
	e, err := Adopt(env, 0, 1)
	require.NoError(t, err)
	assert.Same(t, e, Current())
	assert.Equal(t, EcGlobal, e.Kind())
	require.NotNil(t, e.Reader())
	assert.Equal(t, 1, env.RCU.Stats().Readers)

	e.Close()
	assert.Nil(t, Current())
	assert.True(t, e.Closed())
	assert.Equal(t, 0, env.RCU.Stats().Readers)
}

func TestGlobalEcRunsAfterStart(t *testing.T) {
	env := newEnv(t)
	var self *Ec
	e, err := NewGlobalEc(env, 1, func(e *Ec) { self = Current() })
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, e.Join(ctx), context.DeadlineExceeded, "not started yet")
	cancel()

	require.NoError(t, e.Start(2))
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Join(ctx))
	assert.Same(t, e, self)
	assert.Nil(t, Current())

	assert.True(t, errors.Is(e.Start(2), errs.Par), "only one scheduling context")
}

func TestSmHandle(t *testing.T) {
	env := newEnv(t)
	sm, err := NewSm(env, 1)
	require.NoError(t, err)

	require.NoError(t, sm.Down())
	assert.True(t, errors.Is(sm.DownTimeout(10*time.Millisecond), errs.Timeout))

	done := make(chan error, 1)
	go func() { done <- sm.Down() }()
	require.Eventually(t, func() bool {
		st, err := sm.State()
		return err == nil && st.Waiters == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, sm.Up())
	require.NoError(t, <-done)

	sel := sm.Sel()
	sm.Close()
	assert.True(t, errors.Is(sm.Up(), errs.Cap))
	assert.True(t, env.Kernel.Lookup(env.Pd, sel).Null())
}

func TestCloseHonoursKeepFlags(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.Kernel.CreateSm(env.Pd, 0x200, 0))
	require.NoError(t, env.Kernel.CreateSm(env.Pd, 0x201, 0))

	AdoptSm(env, 0x200|abi.KeepCap).Close()
	assert.False(t, env.Kernel.Lookup(env.Pd, 0x200).Null(), "capability kept")

	AdoptSm(env, 0x201).Close()
	assert.True(t, env.Kernel.Lookup(env.Pd, 0x201).Null(), "capability revoked")

	// The own domain handle is fully kept.
	self := SelfPd(env)
	self.Close()
	assert.False(t, env.Kernel.Lookup(env.Pd, hv.SelSelf).Null())
}

func TestCloseToleratesHalfBuiltObjects(t *testing.T) {
	env := newEnv(t)
	// A selector whose create syscall never ran.
	oc, err := alloc(env, "sm")
	require.NoError(t, err)
	s := &Sm{ObjCap: oc}
	assert.NotPanics(t, s.Close)
	assert.NotPanics(t, s.Close)
}

func TestFailedCreateReleasesSelector(t *testing.T) {
	env := newEnv(t)
	before := env.Caps.Stats().Freed

	_, err := NewLocalEc(env, 7)
	assert.True(t, errors.Is(err, errs.Cpu))
	assert.Equal(t, before+1, env.Caps.Stats().Freed)
}

func TestPdCloseDestroysContents(t *testing.T) {
	env := newEnv(t)
	pd, err := NewPd(env, "child")
	require.NoError(t, err)
	assert.Equal(t, "child", pd.Domain().Name())

	before := env.Kernel.Stats().PDs
	pd.Close()
	assert.Equal(t, before-1, env.Kernel.Stats().PDs)
}

func TestRecall(t *testing.T) {
	env := newEnv(t)
	ec, err := NewLocalEc(env, 0)
	require.NoError(t, err)
	defer ec.Close()

	assert.False(t, ec.Recalled())
	require.NoError(t, ec.Recall())
	assert.True(t, ec.Recalled())
	assert.False(t, ec.Recalled())
}

func TestCallMarksCallerQuiescent(t *testing.T) {
	env := newEnv(t)
	_, pt := newPortal(t, env, func(_ abi.Word, f *utcb.Frame) error {
		f.Clear()
		return f.PutWord(abi.Word(errs.Success))
	})

	e, err := Adopt(env, 0, 1)
	require.NoError(t, err)
	defer e.Close()

	var freed int
	env.RCU.Retire(rcu.Func(func() { freed++ }))
	env.RCU.Sweep()
	assert.Equal(t, 0, freed)

	f := e.Utcb().Frame()
	require.NoError(t, pt.Call(f))
	require.NoError(t, f.CheckReply())
	env.RCU.Sweep()
	assert.Equal(t, 1, freed)
}

func TestCurrentIsNilOnPlainGoroutines(t *testing.T) {
	env := newEnv(t)
	ec, err := NewLocalEc(env, 1)
	require.NoError(t, err)
	defer ec.Close()
	require.Eventually(t, func() bool { return ec.Reader() != nil }, time.Second, time.Millisecond)

	assert.Nil(t, Current())
	other := make(chan *Ec, 1)
	go func() { other <- Current() }()
	assert.Nil(t, <-other)
}

func TestCurrentDistinguishesThreads(t *testing.T) {
	env := newEnv(t)
	threads := make([]*Ec, 4)
	seen := make([]*Ec, 4)
	var g errgroup.Group
	for i := range threads {
		g.Go(func() error {
			e, err := Adopt(env, i%2, 1)
			if err != nil {
				return err
			}
			defer e.Close()
			threads[i] = e
			time.Sleep(10 * time.Millisecond)
			seen[i] = Current()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for i := range threads {
		assert.Same(t, threads[i], seen[i])
	}
}

func TestCloseConcurrentWithCalls(t *testing.T) {
	env := newEnv(t)
	_, pt := newPortal(t, env, func(_ abi.Word, f *utcb.Frame) error {
		f.Clear()
		return f.PutWord(abi.Word(errs.Success))
	})

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				f := utcb.New().Frame()
				if err := pt.Call(f); err != nil {
					if !errors.Is(err, errs.Cap) && !errors.Is(err, errs.Abort) {
						return err
					}
					return nil
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		time.Sleep(time.Millisecond)
		pt.Close()
		return nil
	})
	require.NoError(t, g.Wait())
	assert.True(t, pt.Closed())
	assert.True(t, errors.Is(pt.Call(utcb.New().Frame()), errs.Cap))
}
