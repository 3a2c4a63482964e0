// Package hv emulates the capability microhypervisor the runtime is built on.
//
// Protection domains own capability spaces mapping selectors to kernel objects:
// execution contexts (Ec), scheduling contexts (Sc), portals (Pt), semaphores
// (Sm) and other domains. Every syscall takes the calling domain explicitly and
// fails with a *errs.Error carrying one of the kernel codes.
//
// Execution contexts are goroutines. A global Ec runs its entry function once a
// scheduling context is bound to it. A local Ec has no time of its own; it sits
// in a reply-and-wait loop and runs portal handlers on behalf of callers, which
// stay blocked until the handler returns. Messages move between the caller's
// frame and the top-level frame of the callee's UTCB with utcb.Transfer; typed
// items are delegated into the receiver's receive window or translated through
// its translate window on the way.
//
// Delegated capabilities remember where they came from. Revoke removes a whole
// subtree of that mapping database, and removing the creator's capability
// destroys the object.
package hv
