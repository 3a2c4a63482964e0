// Package config provides configuration management for the runtime.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional boot file (TOML or YAML, chosen by extension) and environment
// variables.
//
// Configuration Sections:
//   - Runtime: CPU count and capability space bounds
//   - RCU: reader slots, sweep interval, stall warning interval
//   - Dataspace: region table size
//   - Debug: debug HTTP server
//   - Logging: log level and output format
//   - Bench: ping benchmark of the nre command
//
// Example Usage:
//
//	cfg, err := config.Load("nre.toml")
//	if err != nil {
//		return err
//	}
//	fmt.Printf("booting %d cpus\n", cfg.Runtime.CPUs)
//
// Environment Variables:
//   - NRE_CPUS, NRE_FIRST_SEL, NRE_CAP_SPACE_SIZE
//   - NRE_RCU_READERS, NRE_RCU_SWEEP_INTERVAL, NRE_RCU_STALL_WARN
//   - NRE_DS_REGIONS, NRE_DEBUG, NRE_DEBUG_ADDR
//   - LOG_LEVEL, LOG_DEV, NRE_BENCH_CALLS, NRE_BENCH_CLIENTS
package config
