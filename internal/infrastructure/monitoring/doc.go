/*
Package monitoring provides metrics collection for the runtime.

# Overview

Every runtime owns a private Prometheus registry. Metrics track portal calls,
capability selector consumption, user semaphore slow paths, RCU reclamation and
data spaces, plus the requests served by the debug HTTP server.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	// Add middleware to the debug router
	router.Use(monitoring.Middleware(metrics))

	// Time a portal call
	timer := monitoring.NewTimer(metrics, "echo")
	err := pt.Call(f)
	timer.Stop(errs.CodeOf(err).String(), err != nil)

A nil *Metrics records nothing.

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
