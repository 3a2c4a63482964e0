package http

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Nils-TUD/NRE-sub002/internal/boot"
	"github.com/Nils-TUD/NRE-sub002/internal/dataspace"
	"github.com/Nils-TUD/NRE-sub002/internal/logging"
	"github.com/Nils-TUD/NRE-sub002/internal/service"
	"github.com/Nils-TUD/NRE-sub002/internal/shared/id"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	rt     *boot.Runtime
	ds     *dataspace.Manager
	reg    *service.Registry
	logger *logging.Logger
	start  time.Time
}

// NewHandlers creates a new handler set. ds and reg may be nil when the
// runtime runs without a data space manager or service registry.
func NewHandlers(rt *boot.Runtime, ds *dataspace.Manager, reg *service.Registry, logger *logging.Logger) *Handlers {
	return &Handlers{rt: rt, ds: ds, reg: reg, logger: logger, start: time.Now()}
}

// writeJSON encodes v with sonic.
func writeJSON(c *gin.Context, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		c.String(http.StatusInternalServerError, "encode: %v", err)
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

// Health handles health check
func (h *Handlers) Health(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"status": "healthy",
		"cpus":   h.rt.Env.CPUs(),
		"uptime": time.Since(h.start).Seconds(),
	})
}

// Kernel reports the hypervisor's object population
func (h *Handlers) Kernel(c *gin.Context) {
	writeJSON(c, http.StatusOK, h.rt.Kernel.Stats())
}

// Caps reports the root image's selector allocator
func (h *Handlers) Caps(c *gin.Context) {
	writeJSON(c, http.StatusOK, h.rt.Env.Caps.Stats())
}

// RCU reports the root image's reclamation domain
func (h *Handlers) RCU(c *gin.Context) {
	writeJSON(c, http.StatusOK, h.rt.Env.RCU.Stats())
}

// Dataspaces lists the data spaces of the manager
func (h *Handlers) Dataspaces(c *gin.Context) {
	if h.ds == nil {
		writeJSON(c, http.StatusNotFound, gin.H{"error": "no data space manager"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"capacity":   h.ds.Cap(),
		"dataspaces": h.ds.List(),
	})
}

// Services lists the registered services
func (h *Handlers) Services(c *gin.Context) {
	if h.reg == nil {
		writeJSON(c, http.StatusNotFound, gin.H{"error": "no service registry"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"stats":    h.reg.Stats(),
		"services": h.reg.List(),
	})
}

// Name decodes an object name from the logs into its kind and creation time
func (h *Handlers) Name(c *gin.Context) {
	n := id.Name(c.Param("name"))
	if !id.IsValid(n) {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "not an object name", "name": n})
		return
	}
	created, _ := id.Timestamp(n)
	writeJSON(c, http.StatusOK, gin.H{
		"name":    n,
		"kind":    n.Prefix(),
		"created": created,
		"age":     time.Since(created).Seconds(),
	})
}

// MetricsJSON returns the metrics summary
func (h *Handlers) MetricsJSON(c *gin.Context) {
	s := h.rt.Metrics.GetSnapshot()
	avg := 0.0
	if s.Calls > 0 {
		avg = s.TotalDuration / float64(s.Calls) * 1e6
	}
	writeJSON(c, http.StatusOK, gin.H{
		"calls":           s.Calls,
		"call_errors":     s.CallErrors,
		"avg_call_micros": avg,
		"slow_path_downs": s.SlowPathDowns,
		"slow_path_ups":   s.SlowPathUps,
		"uptime_seconds":  h.rt.Metrics.Uptime().Seconds(),
	})
}

// SetLogLevel changes the log level at runtime
func (h *Handlers) SetLogLevel(c *gin.Context) {
	var req struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := h.logger.SetLevel(req.Level); err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("Log level changed", zap.String("level", req.Level))
	writeJSON(c, http.StatusOK, gin.H{"level": h.logger.Level()})
}
