package usersm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Nils-TUD/NRE-sub002/internal/boot"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/hv"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/config"
)

func newRuntime(t *testing.T) *boot.Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.CPUs = 2
	r, err := boot.Init(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func kernelState(t *testing.T, s *UserSm) hv.SmState {
	t.Helper()
	st, err := s.Kernel().State()
	require.NoError(t, err)
	return st
}

func TestUncontendedPairsStayOutOfKernel(t *testing.T) {
	r := newRuntime(t)
	s, err := New(r.Env)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(1), s.Value())

	for i := 0; i < 10000; i++ {
		require.NoError(t, s.Down())
		require.NoError(t, s.Up())
	}
	assert.Equal(t, int64(1), s.Value())
	st := kernelState(t, s)
	assert.Zero(t, st.Ups)
	assert.Zero(t, st.Downs)
	assert.Zero(t, r.Metrics.GetSnapshot().SlowPathDowns)
}

func TestDownWithoutCreditBlocks(t *testing.T) {
	r := newRuntime(t)
	s, err := NewWithValue(r.Env, 0)
	require.NoError(t, err)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Down() }()
	require.Eventually(t, func() bool {
		return s.Value() == -1 && kernelState(t, s).Waiters == 1
	}, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("down returned without credit")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, s.Up())
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), s.Value())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.UserSmSlowPath.WithLabelValues("down")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.UserSmSlowPath.WithLabelValues("up")))
}

func TestParkedThreadsMatchNegativeValue(t *testing.T) {
	r := newRuntime(t)
	s, err := NewWithValue(r.Env, 0)
	require.NoError(t, err)
	defer s.Close()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Down())
		}()
	}
	require.Eventually(t, func() bool {
		return s.Value() == -n && kernelState(t, s).Waiters == n
	}, time.Second, time.Millisecond)

	for i := n; i > 0; i-- {
		require.NoError(t, s.Up())
		want := i - 1
		require.Eventually(t, func() bool {
			return kernelState(t, s).Waiters == want && s.Value() == int64(-want)
		}, time.Second, time.Millisecond)
	}
	wg.Wait()
	assert.Equal(t, int64(0), s.Value())
	assert.Equal(t, uint64(n), kernelState(t, s).Ups)
}

func TestMutualExclusion(t *testing.T) {
	r := newRuntime(t)
	s, err := New(r.Env)
	require.NoError(t, err)
	defer s.Close()

	const workers, rounds = 8, 500
	counter := 0
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < rounds; j++ {
				if err := s.Down(); err != nil {
					return err
				}
				counter++
				if err := s.Up(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, workers*rounds, counter)
	assert.Equal(t, int64(1), s.Value())

	// Every slow down was matched by exactly one kernel up.
	st := kernelState(t, s)
	assert.Equal(t, st.Downs, st.Ups)
	assert.Zero(t, st.Waiters)
}

func TestCloseAbortsParkedThreads(t *testing.T) {
	r := newRuntime(t)
	s, err := NewWithValue(r.Env, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Down() }()
	require.Eventually(t, func() bool {
		return kernelState(t, s).Waiters == 1
	}, time.Second, time.Millisecond)

	s.Close()
	assert.True(t, errors.Is(<-done, errs.Abort))
}

func TestNegativeInitialRejected(t *testing.T) {
	r := newRuntime(t)
	_, err := NewWithValue(r.Env, -1)
	assert.True(t, errors.Is(err, errs.ArgsInvalid))
}
