// Package main boots an NRE runtime on the emulated hypervisor.
//
// The command starts the service registry, the data space manager and an
// echo service on every CPU, measures portal round trips with a ping
// benchmark and serves the debug HTTP surface until it is interrupted.
//
// Configuration:
//   - Boot file in TOML or YAML (-config)
//   - Environment variables (override the file)
//   - Defaults for everything else
//
// Usage:
//
//	# Benchmark and exit
//	./nre -bench-only
//
//	# Keep serving /metrics on 127.0.0.1:8090
//	NRE_CPUS=8 ./nre -config nre.toml
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
