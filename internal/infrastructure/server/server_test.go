package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/boot"
	"github.com/Nils-TUD/NRE-sub002/internal/dataspace"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/config"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/logging"
	"github.com/Nils-TUD/NRE-sub002/internal/service"
)

func setup(t *testing.T) (*boot.Runtime, *Server, *logging.Logger) {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.CPUs = 2
	cfg.Debug.Addr = "127.0.0.1:0"
	rt, err := boot.Init(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(rt.Shutdown)

	ds, err := dataspace.NewManager(rt.Env, 8)
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	_, err = ds.Create(dataspace.Desc{Size: 1, Type: dataspace.Shared, Perms: abi.PermRW})
	require.NoError(t, err)

	logger := logging.NewNop()
	return rt, NewServer(rt, ds, service.NewRegistry(rt.Env), logger), logger
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func TestSnapshots(t *testing.T) {
	rt, s, _ := setup(t)
	sm, err := kobj.NewSm(rt.Env, 0)
	require.NoError(t, err)
	defer sm.Close()

	tests := []struct {
		path string
		key  string
	}{
		{"/health", "status"},
		{"/kernel", "objects"},
		{"/caps", "offset"},
		{"/rcu", "version"},
		{"/dataspaces", "dataspaces"},
		{"/services", "stats"},
		{"/metrics/json", "calls"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, s, tt.path)
			require.Equal(t, http.StatusOK, w.Code)
			var body map[string]any
			require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
			assert.Contains(t, body, tt.key)
		})
	}

	var k struct {
		Objects map[string]int `json:"objects"`
	}
	require.NoError(t, sonic.Unmarshal(get(t, s, "/kernel").Body.Bytes(), &k))
	assert.Equal(t, 3, k.Objects["sm"], "manager lock, unmap semaphore and ours")
}

func TestNameDecoding(t *testing.T) {
	rt, s, _ := setup(t)
	sm, err := kobj.NewSm(rt.Env, 0)
	require.NoError(t, err)
	defer sm.Close()

	w := get(t, s, "/names/"+sm.Name().String())
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Kind    string    `json:"kind"`
		Created time.Time `json:"created"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "sm", body.Kind)
	assert.WithinDuration(t, time.Now(), body.Created, time.Minute)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/names/sm_bogus").Code)
}

func TestPrometheusEndpoint(t *testing.T) {
	_, s, _ := setup(t)
	get(t, s, "/health")

	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "nre_dataspaces_active 1")
	assert.Contains(t, body, `nre_http_requests_total{method="GET",path="/health",status="200"} 1`)
}

func TestSetLogLevel(t *testing.T) {
	_, s, logger := setup(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/log/level", bytes.NewBufferString(`{"level":"debug"}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "debug", logger.Level())

	w = httptest.NewRecorder()
	req = httptest.NewRequest("PUT", "/log/level", strings.NewReader(`{"level":"loud"}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunStopsWithContext(t *testing.T) {
	_, s, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
