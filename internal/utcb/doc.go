// Package utcb implements the user thread control block: the fixed-size per-thread
// buffer used to marshal portal call and reply payloads, and the Message Frame
// protocol on top of it.
//
// Layout (64-bit words):
//
//	word 0                active frame bounds: bottom | top<<16
//	bottom+0              MTR word: untyped count | typed count<<16
//	bottom+1              receive window for delegations (Crd)
//	bottom+2              receive window for translations (Crd)
//	bottom+3              link: bounds of the enclosing frame
//	bottom+4 ...          untyped words, growing up
//	... top-1             typed items (Crd, flags), growing down
//
// A nested frame occupies the gap between the untyped and typed areas of the
// frame that was active when it was pushed. Frames are strictly LIFO.
//
// Example Usage:
//
//	f := u.Frame()
//	f.Clear()
//	_ = f.Put(opPing, "hello")
//	_ = f.Delegate(abi.ObjCrd(sel, 0, abi.PermAll), 0)
package utcb
