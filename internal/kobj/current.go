package kobj

import (
	"sync"

	"github.com/petermattis/goid"
)

// threads maps goroutine ids to the Ec running on them. Entries are written
// once at thread entry and removed at exit, so lookups stay on sync.Map's
// lock-free read path.
var threads sync.Map

// Current returns the Ec the calling goroutine runs as, or nil for goroutines
// that are not runtime threads.
func Current() *Ec {
	v, ok := threads.Load(goid.Get())
	if !ok {
		return nil
	}
	return v.(*Ec)
}

// bind makes the calling goroutine run as e.
func bind(e *Ec) {
	g := goid.Get()
	e.gid.Store(g)
	threads.Store(g, e)
}

func unbind(e *Ec) {
	if g := e.gid.Swap(0); g != 0 {
		threads.CompareAndDelete(g, e)
	}
}
