package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of one runtime. A nil *Metrics is valid
// and records nothing, so components can be built without instrumentation.
type Metrics struct {
	// HTTP metrics of the debug server
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Portal metrics
	PortalCalls    *prometheus.CounterVec
	PortalDuration *prometheus.HistogramVec

	// Selector space metrics
	SelectorsAllocated prometheus.Counter
	SelectorsFreed     prometheus.Counter

	// Semaphore metrics
	UserSmSlowPath *prometheus.CounterVec

	// RCU metrics
	RCUReaders *prometheus.GaugeVec
	RCUPending *prometheus.GaugeVec
	RCURetired prometheus.Counter
	RCUFreed   prometheus.Counter
	RCUStalls  prometheus.Counter

	// Data space metrics
	DataspacesActive prometheus.Gauge
	DataspaceOps     *prometheus.CounterVec

	startTime time.Time

	// Snapshot for the JSON API
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON API.
type Snapshot struct {
	Calls         int64   `json:"calls"`
	CallErrors    int64   `json:"call_errors"`
	TotalDuration float64 `json:"total_duration_seconds"`
	SlowPathDowns int64   `json:"slow_path_downs"`
	SlowPathUps   int64   `json:"slow_path_ups"`
	Freed         int64   `json:"rcu_freed"`
}

// NewMetrics registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nre_http_requests_total",
				Help: "Total number of debug HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nre_http_request_duration_seconds",
				Help:    "Debug HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		PortalCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nre_portal_calls_total",
				Help: "Total number of portal calls by service and reply code",
			},
			[]string{"service", "code"},
		),
		PortalDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nre_portal_call_duration_seconds",
				Help:    "Portal round-trip time in seconds",
				Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, .001, .005, .01},
			},
			[]string{"service"},
		),

		SelectorsAllocated: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nre_selectors_allocated_total",
				Help: "Total number of capability selectors handed out",
			},
		),
		SelectorsFreed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nre_selectors_freed_total",
				Help: "Total number of capability selectors released",
			},
		),

		UserSmSlowPath: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nre_usersm_slow_path_total",
				Help: "User semaphore operations that had to enter the kernel",
			},
			[]string{"op"},
		),

		RCUReaders: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nre_rcu_readers",
				Help: "Number of registered RCU readers per image",
			},
			[]string{"image"},
		),
		RCUPending: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nre_rcu_pending",
				Help: "Objects waiting for a grace period per image",
			},
			[]string{"image"},
		),
		RCURetired: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nre_rcu_retired_total",
				Help: "Total number of objects handed to RCU",
			},
		),
		RCUFreed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nre_rcu_freed_total",
				Help: "Total number of objects reclaimed by RCU",
			},
		),
		RCUStalls: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nre_rcu_stalls_total",
				Help: "Sweeps that found objects held back by a stalled reader",
			},
		),

		DataspacesActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "nre_dataspaces_active",
				Help: "Number of live data spaces",
			},
		),
		DataspaceOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nre_dataspace_ops_total",
				Help: "Data space operations by kind and result",
			},
			[]string{"op", "status"},
		),
	}

	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "nre_uptime_seconds",
			Help: "Runtime uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records a debug HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPortalCall records a completed portal call
func (m *Metrics) RecordPortalCall(service, code string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.PortalCalls.WithLabelValues(service, code).Inc()
	m.PortalDuration.WithLabelValues(service).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Calls++
	m.snapshot.TotalDuration += duration.Seconds()
	if failed {
		m.snapshot.CallErrors++
	}
	m.mu.Unlock()
}

// AddSelectors records n allocated selectors
func (m *Metrics) AddSelectors(n int) {
	if m == nil {
		return
	}
	m.SelectorsAllocated.Add(float64(n))
}

// FreeSelectors records n released selectors
func (m *Metrics) FreeSelectors(n int) {
	if m == nil {
		return
	}
	m.SelectorsFreed.Add(float64(n))
}

// IncSlowPath records a user semaphore operation that entered the kernel
func (m *Metrics) IncSlowPath(op string) {
	if m == nil {
		return
	}
	m.UserSmSlowPath.WithLabelValues(op).Inc()
	m.mu.Lock()
	if op == "down" {
		m.snapshot.SlowPathDowns++
	} else {
		m.snapshot.SlowPathUps++
	}
	m.mu.Unlock()
}

// SetRCUReaders sets the number of registered readers of an image
func (m *Metrics) SetRCUReaders(image string, n int) {
	if m == nil {
		return
	}
	m.RCUReaders.WithLabelValues(image).Set(float64(n))
}

// RecordRetire records an object queued for reclamation
func (m *Metrics) RecordRetire(image string, pending int) {
	if m == nil {
		return
	}
	m.RCURetired.Inc()
	m.RCUPending.WithLabelValues(image).Set(float64(pending))
}

// RecordSweep records the outcome of one reclamation pass
func (m *Metrics) RecordSweep(image string, freed, pending int, stalled bool) {
	if m == nil {
		return
	}
	m.RCUFreed.Add(float64(freed))
	m.RCUPending.WithLabelValues(image).Set(float64(pending))
	if stalled {
		m.RCUStalls.Inc()
	}
	m.mu.Lock()
	m.snapshot.Freed += int64(freed)
	m.mu.Unlock()
}

// SetDataspacesActive sets the number of live data spaces
func (m *Metrics) SetDataspacesActive(n int) {
	if m == nil {
		return
	}
	m.DataspacesActive.Set(float64(n))
}

// RecordDataspaceOp records a data space operation
func (m *Metrics) RecordDataspaceOp(op, status string) {
	if m == nil {
		return
	}
	m.DataspaceOps.WithLabelValues(op, status).Inc()
}

// GetSnapshot returns a copy of the JSON snapshot
func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Uptime returns the time since the metrics were created
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}
