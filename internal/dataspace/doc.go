// Package dataspace manages data spaces: page-granular memory regions that
// images create, share and release.
//
// Every data space is identified by an "unmap" semaphore. The manager keeps
// the kernel's original capability; clients hold delegated copies. Revoking
// the original on destruction unmaps the region from every client at once,
// and a client names a data space to the manager by translating its copy.
//
// The region table has a fixed capacity. Lookups read it without locks; the
// manager publishes a new table on every change and hands the old one, and
// every data space whose last reference went away, to RCU.
package dataspace
