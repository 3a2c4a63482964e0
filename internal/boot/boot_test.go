package boot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/config"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/rcu"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Runtime.CPUs = 2
	cfg.RCU.SweepInterval = config.Duration(5 * time.Millisecond)
	return cfg
}

func TestInitBuildsRootImage(t *testing.T) {
	r, err := Init(testConfig(), nil)
	require.NoError(t, err)
	defer r.Shutdown()

	assert.Equal(t, 2, r.Env.CPUs())
	assert.Same(t, r.Kernel.Root(), r.Env.Pd)

	sel, err := r.Env.Caps.Alloc()
	require.NoError(t, err)
	assert.Equal(t, abi.Sel(0x100), sel)

	sm, err := kobj.NewSm(r.Env, 0)
	require.NoError(t, err)
	defer sm.Close()
	assert.Equal(t, 1, r.Kernel.Stats().Objects["sm"])

	n, err := testutil.GatherAndCount(r.Registry, "nre_selectors_allocated_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInitRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Runtime.CPUs = 0
	_, err := Init(cfg, nil)
	assert.True(t, errors.Is(err, errs.ArgsInvalid))
}

func TestInitChildHasOwnSpaces(t *testing.T) {
	r, err := Init(testConfig(), nil)
	require.NoError(t, err)
	defer r.Shutdown()

	img, err := r.InitChild("child")
	require.NoError(t, err)
	assert.Equal(t, "child", img.Env.Pd.Name())
	assert.NotSame(t, r.Env.RCU, img.Env.RCU)

	// The root spent 0x100 on the child's domain; the child starts fresh.
	a, err := img.Env.Caps.Alloc()
	require.NoError(t, err)
	assert.Equal(t, abi.Sel(0x100), a)
	b, err := r.Env.Caps.Alloc()
	require.NoError(t, err)
	assert.Equal(t, abi.Sel(0x101), b)

	_, err = kobj.NewSm(img.Env, 0)
	require.NoError(t, err)
	before := r.Kernel.Stats().Objects["sm"]
	img.Close()
	assert.Equal(t, before-1, r.Kernel.Stats().Objects["sm"])
	assert.True(t, r.Env.Kernel.Lookup(r.Env.Pd, img.Sel()).Null())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	r, err := Init(testConfig(), nil)
	require.NoError(t, err)
	defer r.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	freed := make(chan struct{})
	r.Env.RCU.Retire(rcu.Func(func() { close(freed) }))
	select {
	case <-freed:
	case <-time.After(time.Second):
		t.Fatal("retired object was never reclaimed")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestGrantHandsCapabilitiesToChild(t *testing.T) {
	r, err := Init(testConfig(), nil)
	require.NoError(t, err)
	defer r.Shutdown()
	img, err := r.InitChild("child")
	require.NoError(t, err)
	defer img.Close()

	sm, err := kobj.NewSm(r.Env, 0)
	require.NoError(t, err)
	defer sm.Close()

	crd, err := r.Grant(img, sm.Crd(abi.PermRW))
	require.NoError(t, err)
	child := kobj.AdoptSm(img.Env, crd.Base())

	done := make(chan error, 1)
	go func() { done <- sm.Down() }()
	require.Eventually(t, func() bool {
		st, err := child.State()
		return err == nil && st.Waiters == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, child.Up())
	require.NoError(t, <-done)
}

func TestRunSweepsChildImages(t *testing.T) {
	r, err := Init(testConfig(), nil)
	require.NoError(t, err)
	defer r.Shutdown()
	img, err := r.InitChild("child")
	require.NoError(t, err)
	defer img.Close()
	assert.Equal(t, 1, r.Children())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	freed := make(chan struct{})
	img.Env.RCU.Retire(rcu.Func(func() { close(freed) }))
	select {
	case <-freed:
	case <-time.After(time.Second):
		t.Fatal("object retired in the child was never reclaimed")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestChildCloseReclaimsPending(t *testing.T) {
	r, err := Init(testConfig(), nil)
	require.NoError(t, err)
	defer r.Shutdown()
	img, err := r.InitChild("child")
	require.NoError(t, err)

	var freed int
	img.Env.RCU.Retire(rcu.Func(func() { freed++ }))
	img.Close()
	img.Close()
	assert.Equal(t, 1, freed)
	assert.Equal(t, 0, r.Children())
	assert.Equal(t, 0, r.Sweep(), "closed children are no longer swept")
}

func TestRCUReadersArePerImage(t *testing.T) {
	r, err := Init(testConfig(), nil)
	require.NoError(t, err)
	defer r.Shutdown()
	img, err := r.InitChild("child")
	require.NoError(t, err)
	defer img.Close()

	ec, err := kobj.NewLocalEc(r.Env, 0)
	require.NoError(t, err)
	defer ec.Close()
	require.Eventually(t, func() bool { return ec.Reader() != nil }, time.Second, time.Millisecond)

	_, err = img.Env.RCU.Register("a")
	require.NoError(t, err)
	_, err = img.Env.RCU.Register("b")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.RCUReaders.WithLabelValues("root")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Metrics.RCUReaders.WithLabelValues("child")))
}
