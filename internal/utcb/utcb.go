package utcb

import (
	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
)

const (
	// Size is the UTCB size in bytes (one page).
	Size = 4096
	// Words is the UTCB size in words.
	Words = Size / 8

	// boundsSlot holds the active frame as bottom | top<<16.
	boundsSlot = 0
	firstFrame = 1

	hdrMtr          = 0
	hdrCrd          = 1
	hdrCrdTranslate = 2
	hdrLink         = 3
	hdrWords        = 4

	itemWords = 2
)

// Utcb is the per-thread message buffer. It is only ever touched by its owning
// thread, or by the kernel while that thread is blocked in a call.
type Utcb struct {
	words [Words]abi.Word
	depth int
}

// New returns a UTCB with an empty top-level frame covering the whole buffer.
func New() *Utcb {
	u := &Utcb{}
	u.setBounds(firstFrame, Words)
	return u
}

func (u *Utcb) bounds() (bottom, top int) {
	b := u.words[boundsSlot]
	return int(b & 0xffff), int(b >> 16 & 0xffff)
}

func (u *Utcb) setBounds(bottom, top int) {
	u.words[boundsSlot] = abi.Word(bottom) | abi.Word(top)<<16
}

// Bounds returns the word offsets of the active frame.
func (u *Utcb) Bounds() (bottom, top int) { return u.bounds() }

// Depth is the number of nested frames currently open.
func (u *Utcb) Depth() int { return u.depth }

// Frame returns a fresh view of the active frame with its read cursors at the start.
func (u *Utcb) Frame() *Frame {
	b, t := u.bounds()
	return &Frame{u: u, bottom: b, top: t}
}

// Push opens a nested frame in the free space of the active frame. The enclosing
// frame stays intact and becomes active again once the returned frame is closed.
func (u *Utcb) Push() (*Frame, error) {
	cur := u.Frame()
	nb := cur.untypedEnd()
	nt := cur.typedStart()
	if nt-nb < hdrWords {
		return nil, errs.Newf("utcb.push", errs.Capacity, "%d words left", nt-nb)
	}

	link := u.words[boundsSlot]
	u.words[nb+hdrMtr] = 0
	u.words[nb+hdrCrd] = abi.Word(abi.NullCrd)
	u.words[nb+hdrCrdTranslate] = abi.Word(abi.NullCrd)
	u.words[nb+hdrLink] = link
	u.setBounds(nb, nt)
	u.depth++
	return &Frame{u: u, bottom: nb, top: nt, nested: true}, nil
}

// Nested runs fn on a freshly pushed frame and always restores the enclosing
// frame afterwards, including when fn fails or panics.
func (u *Utcb) Nested(fn func(f *Frame) error) error {
	f, err := u.Push()
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

// Check verifies the frame chain: every frame lies within the buffer, its untyped
// and typed areas do not overlap, and each nested frame sits inside the free gap
// of its parent.
func (u *Utcb) Check() error {
	bottom, top := u.bounds()
	for depth := u.depth; ; depth-- {
		if bottom < firstFrame || top > Words || top-bottom < hdrWords {
			return errs.Newf("utcb.check", errs.Protocol, "bad bounds [%d,%d)", bottom, top)
		}
		f := &Frame{u: u, bottom: bottom, top: top}
		if f.untypedEnd() > f.typedStart() {
			return errs.Newf("utcb.check", errs.Protocol, "overlap in [%d,%d)", bottom, top)
		}
		if depth == 0 {
			if bottom != firstFrame || top != Words {
				return errs.Newf("utcb.check", errs.Protocol, "top frame is [%d,%d)", bottom, top)
			}
			return nil
		}
		link := u.words[bottom+hdrLink]
		pb, pt := int(link&0xffff), int(link>>16&0xffff)
		parent := &Frame{u: u, bottom: pb, top: pt}
		if parent.untypedEnd() != bottom || parent.typedStart() != top {
			return errs.Newf("utcb.check", errs.Protocol, "frame [%d,%d) outside parent gap", bottom, top)
		}
		bottom, top = pb, pt
	}
}

// Unwind drops every nested frame and makes the top-level frame active again.
// Frames still held by callers become stale.
func (u *Utcb) Unwind() {
	u.setBounds(firstFrame, Words)
	u.depth = 0
}
