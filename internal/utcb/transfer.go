package utcb

import (
	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
)

// MapFunc decides what the receiver sees for one typed item. The kernel uses it
// to perform delegation and translation between capability spaces.
type MapFunc func(it Item) (abi.Crd, error)

// Transfer replaces the message in dst by the message in src. Untyped words are
// copied verbatim; every typed item passes through xlate (a nil xlate copies the
// items unchanged). The receive windows of dst are preserved. On failure dst is
// left empty.
func Transfer(dst, src *Frame, xlate MapFunc) error {
	untyped, typed := src.Untyped(), src.Typed()
	need := untyped + itemWords*typed
	if room := dst.top - dst.bottom - hdrWords; need > room {
		dst.Clear()
		return errs.Newf("utcb.transfer", errs.UtcbUntypedFull, "message of %d words, receiver holds %d", need, room)
	}

	dst.Clear()
	copy(dst.u.words[dst.bottom+hdrWords:], src.u.words[src.bottom+hdrWords:src.bottom+hdrWords+untyped])
	dst.setMtr(untyped, 0)

	for i := 0; i < typed; i++ {
		it, _ := src.TypedItem(i)
		crd := it.Crd
		if xlate != nil {
			var err error
			if crd, err = xlate(it); err != nil {
				dst.Clear()
				return err
			}
		}
		if err := dst.pushItem("utcb.transfer", crd, it.Flags); err != nil {
			dst.Clear()
			return err
		}
	}
	return nil
}
