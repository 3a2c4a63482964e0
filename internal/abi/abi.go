// Package abi defines the word-level encodings shared between the runtime and the
// hypervisor: capability selectors, capability range descriptors (Crd), the
// message-transfer word and typed-item flags. These are wire formats; do not
// reorder fields.
package abi

import "fmt"

// Word is the unit of every UTCB slot and syscall parameter.
type Word = uint64

// Sel is a capability selector. The two most significant bits are keep flags that
// tell an owning wrapper not to revoke the capability or not to free the selector.
type Sel uint64

const (
	// KeepSel keeps the selector allocated when the owner is closed.
	KeepSel Sel = 1 << 63
	// KeepCap keeps the capability (no revoke) when the owner is closed.
	KeepCap Sel = 1 << 62

	selMask = ^(KeepSel | KeepCap)
)

// Value strips the keep flags.
func (s Sel) Value() Sel { return s & selMask }

// KeepsSel reports whether the selector must not be freed.
func (s Sel) KeepsSel() bool { return s&KeepSel != 0 }

// KeepsCap reports whether the capability must not be revoked.
func (s Sel) KeepsCap() bool { return s&KeepCap != 0 }

func (s Sel) String() string {
	v := fmt.Sprintf("%#x", uint64(s.Value()))
	if s.KeepsSel() {
		v += "+ksel"
	}
	if s.KeepsCap() {
		v += "+kcap"
	}
	return v
}

// CrdType selects the capability space a Crd refers to.
type CrdType uint8

const (
	CrdNull CrdType = iota
	CrdMem
	CrdIO
	CrdObj
)

func (t CrdType) String() string {
	switch t {
	case CrdNull:
		return "null"
	case CrdMem:
		return "mem"
	case CrdIO:
		return "io"
	case CrdObj:
		return "obj"
	default:
		return "unknown"
	}
}

// Perm is the 5-bit permission mask of a Crd.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
	PermCtrl
	PermCall

	PermRW       = PermR | PermW
	PermRWX      = PermR | PermW | PermX
	PermAll Perm = 0x1f
)

func (p Perm) String() string {
	b := []byte("-----")
	for i, c := range "rwxcp" {
		if p&(1<<i) != 0 {
			b[i] = byte(c)
		}
	}
	return string(b)
}

const (
	crdTypeBits  = 2
	crdPermShift = 2
	crdPermMask  = 0x1f
	crdOrdShift  = 7
	crdOrdMask   = 0x1f
	crdBaseShift = 12
)

// Crd describes a naturally aligned range of 2^order capabilities starting at base.
//
// Layout: type[1:0] perms[6:2] order[11:7] base[63:12].
type Crd Word

// NullCrd is the empty descriptor; as a receive window it accepts nothing.
const NullCrd Crd = 0

// NewCrd builds a descriptor.
func NewCrd(t CrdType, base Sel, order uint, perms Perm) Crd {
	return Crd(Word(base.Value())<<crdBaseShift |
		Word(order&crdOrdMask)<<crdOrdShift |
		Word(perms&crdPermMask)<<crdPermShift |
		Word(t)&(1<<crdTypeBits-1))
}

// ObjCrd builds an object-capability descriptor.
func ObjCrd(base Sel, order uint, perms Perm) Crd {
	return NewCrd(CrdObj, base, order, perms)
}

// Type returns the kind of range described.
func (c Crd) Type() CrdType { return CrdType(Word(c) & (1<<crdTypeBits - 1)) }

// Perms returns the permissions the descriptor carries or, as a receive
// window, the most a delegation into it may grant.
func (c Crd) Perms() Perm { return Perm(Word(c) >> crdPermShift & crdPermMask) }

// Order is the log2 of the range size.
func (c Crd) Order() uint { return uint(Word(c) >> crdOrdShift & crdOrdMask) }

// Base is the first selector of the range.
func (c Crd) Base() Sel { return Sel(Word(c) >> crdBaseShift) }

// Count is the number of capabilities covered.
func (c Crd) Count() uint64 {
	if c.Type() == CrdNull {
		return 0
	}
	return 1 << c.Order()
}

// Contains reports whether sel lies inside the range.
func (c Crd) Contains(sel Sel) bool {
	if c.Type() == CrdNull {
		return false
	}
	base := c.Base()
	return sel >= base && uint64(sel-base) < c.Count()
}

// Null reports whether the descriptor is empty.
func (c Crd) Null() bool { return c.Type() == CrdNull }

func (c Crd) String() string {
	if c.Null() {
		return "Crd[null]"
	}
	return fmt.Sprintf("Crd[%s base=%#x order=%d perms=%s]", c.Type(), uint64(c.Base()), c.Order(), c.Perms())
}

// Mtr is the message-transfer word at the head of each frame.
//
// Layout: untyped[15:0] typed[31:16].
type Mtr Word

const (
	mtrUntypedMask = 0xffff
	mtrTypedShift  = 16
)

// NewMtr packs the item counts.
func NewMtr(untyped, typed int) Mtr {
	return Mtr(Word(untyped)&mtrUntypedMask | (Word(typed)&mtrUntypedMask)<<mtrTypedShift)
}

// Untyped is the number of untyped words in the frame.
func (m Mtr) Untyped() int { return int(Word(m) & mtrUntypedMask) }

// Typed is the number of typed items, each two words long.
func (m Mtr) Typed() int { return int(Word(m) >> mtrTypedShift & mtrUntypedMask) }

// XferFlags is the second word of a typed item.
//
// Layout: delegate[0] hotspot[63:12].
type XferFlags Word

const (
	xferDelegate     = 1
	xferHotspotShift = 12
)

// NewXfer builds the flag word for a typed item.
func NewXfer(delegate bool, hotspot Word) XferFlags {
	f := XferFlags(hotspot << xferHotspotShift)
	if delegate {
		f |= xferDelegate
	}
	return f
}

// Delegate reports whether the item is delegated; otherwise it is translated.
func (f XferFlags) Delegate() bool { return f&xferDelegate != 0 }

// Hotspot returns the sender's placement hint. Delegations land in the next
// aligned slot of the receive window regardless.
func (f XferFlags) Hotspot() Word { return Word(f) >> xferHotspotShift }
