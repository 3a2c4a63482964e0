// Package http provides the debug HTTP handlers of a running runtime.
//
// Endpoints:
//   - Health: /health
//   - Kernel: /kernel (object population, capability and call counts)
//   - Capabilities: /caps (selector allocator of the root image)
//   - RCU: /rcu (version, readers, pending and freed objects)
//   - Data spaces: /dataspaces
//   - Services: /services (registered names and their CPUs)
//   - Metrics: /metrics/json (call and slow-path summary)
//   - Logging: PUT /log/level
//
// Responses are encoded with sonic.
//
// Example Usage:
//
//	handlers := http.NewHandlers(rt, manager, registry, logger)
//	router.GET("/kernel", handlers.Kernel)
package http
