package portal

import (
	"sync"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
	"github.com/Nils-TUD/NRE-sub002/internal/kobj"
	"github.com/Nils-TUD/NRE-sub002/internal/utcb"
)

// Mux dispatches calls on their leading opcode word.
type Mux struct {
	mu       sync.RWMutex
	handlers map[abi.Word]kobj.PortalFunc
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[abi.Word]kobj.PortalFunc)}
}

// Handle registers fn for op. The handler sees the frame with the opcode
// already consumed.
func (m *Mux) Handle(op abi.Word, fn kobj.PortalFunc) {
	errs.Assert(fn != nil, "handler for opcode must not be nil")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[op] = fn
}

// Serve is the portal handler of the Mux. Unknown opcodes fail with
// errs.ArgsInvalid.
func (m *Mux) Serve(id abi.Word, f *utcb.Frame) error {
	op, err := f.Word()
	if err != nil {
		return err
	}
	m.mu.RLock()
	fn, ok := m.handlers[op]
	m.mu.RUnlock()
	if !ok {
		return errs.Newf("portal.mux", errs.ArgsInvalid, "unknown opcode %d", op)
	}
	return fn(id, f)
}

// Reply replaces the request in f by a successful reply carrying vals.
func Reply(f *utcb.Frame, vals ...any) error {
	f.Clear()
	if err := f.PutWord(abi.Word(errs.Success)); err != nil {
		return err
	}
	return f.Put(vals...)
}
