package utcb

import (
	"encoding/binary"
	"fmt"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
)

// Item is one typed item: a capability range plus its transfer flags.
type Item struct {
	Crd   abi.Crd
	Flags abi.XferFlags
}

// Frame is a reader/writer over one frame of a UTCB. Untyped words are appended
// after the frame header; typed items are pushed down from the frame top.
//
// Writes are only allowed on the active (innermost) frame. Reads keep their own
// cursors, so several views of the same frame do not disturb each other.
type Frame struct {
	u      *Utcb
	bottom int
	top    int

	upos int
	tpos int

	nested bool
	closed bool
}

func (f *Frame) mtr() abi.Mtr { return abi.Mtr(f.u.words[f.bottom+hdrMtr]) }

func (f *Frame) setMtr(untyped, typed int) {
	f.u.words[f.bottom+hdrMtr] = abi.Word(abi.NewMtr(untyped, typed))
}

func (f *Frame) untypedEnd() int { return f.bottom + hdrWords + f.mtr().Untyped() }
func (f *Frame) typedStart() int { return f.top - itemWords*f.mtr().Typed() }

func (f *Frame) free() int { return f.typedStart() - f.untypedEnd() }

func (f *Frame) writable() {
	b, t := f.u.bounds()
	errs.Assert(!f.closed && b == f.bottom && t == f.top, "writes go to the active frame")
}

// Untyped is the number of untyped words in the frame.
func (f *Frame) Untyped() int { return f.mtr().Untyped() }

// Typed is the number of typed items in the frame.
func (f *Frame) Typed() int { return f.mtr().Typed() }

// Free is the number of words still available for untyped data.
func (f *Frame) Free() int { return f.free() }

// Bounds returns the frame's word offsets inside its UTCB.
func (f *Frame) Bounds() (bottom, top int) { return f.bottom, f.top }

// Utcb returns the buffer the frame lives in.
func (f *Frame) Utcb() *Utcb { return f.u }

// Clear drops all untyped words and typed items and rewinds the read cursors. The
// receive windows are kept.
func (f *Frame) Clear() {
	f.writable()
	f.setMtr(0, 0)
	f.upos, f.tpos = 0, 0
}

// Reset clears the frame and its receive windows.
func (f *Frame) Reset() {
	f.Clear()
	f.u.words[f.bottom+hdrCrd] = abi.Word(abi.NullCrd)
	f.u.words[f.bottom+hdrCrdTranslate] = abi.Word(abi.NullCrd)
}

// Rewind moves the read cursors back to the first item.
func (f *Frame) Rewind() { f.upos, f.tpos = 0, 0 }

// Close leaves a nested frame and reactivates the enclosing one. Closing a
// top-level view is a no-op; closing twice is harmless.
func (f *Frame) Close() {
	if !f.nested || f.closed {
		return
	}
	b, t := f.u.bounds()
	errs.Assert(b == f.bottom && t == f.top, "nested frames are closed in LIFO order")
	f.u.words[boundsSlot] = f.u.words[f.bottom+hdrLink]
	f.u.depth--
	f.closed = true
}

// SetReceiveCrd declares the window into which delegated capabilities of the next
// incoming message are mapped.
func (f *Frame) SetReceiveCrd(crd abi.Crd) {
	f.writable()
	f.u.words[f.bottom+hdrCrd] = abi.Word(crd)
}

// ReceiveCrd returns the delegation receive window.
func (f *Frame) ReceiveCrd() abi.Crd { return abi.Crd(f.u.words[f.bottom+hdrCrd]) }

// SetTranslateCrd declares the window searched when translating capabilities.
func (f *Frame) SetTranslateCrd(crd abi.Crd) {
	f.writable()
	f.u.words[f.bottom+hdrCrdTranslate] = abi.Word(crd)
}

// TranslateCrd returns the translation receive window.
func (f *Frame) TranslateCrd() abi.Crd { return abi.Crd(f.u.words[f.bottom+hdrCrdTranslate]) }

func (f *Frame) putWords(op string, ws ...abi.Word) error {
	f.writable()
	if len(ws) > f.free() {
		return errs.Newf(op, errs.UtcbUntypedFull, "need %d words, %d free", len(ws), f.free())
	}
	n := f.Untyped()
	copy(f.u.words[f.untypedEnd():], ws)
	f.setMtr(n+len(ws), f.Typed())
	return nil
}

// PutWord appends one raw word.
func (f *Frame) PutWord(w abi.Word) error { return f.putWords("utcb.put", w) }

// PutInt appends a signed integer.
func (f *Frame) PutInt(v int64) error { return f.putWords("utcb.put", abi.Word(v)) }

// PutUint appends an unsigned integer.
func (f *Frame) PutUint(v uint64) error { return f.putWords("utcb.put", v) }

// PutBool appends a boolean as 0 or 1.
func (f *Frame) PutBool(v bool) error {
	var w abi.Word
	if v {
		w = 1
	}
	return f.putWords("utcb.put", w)
}

// PutBytes appends a length-prefixed byte string packed 8 bytes per word.
func (f *Frame) PutBytes(b []byte) error {
	const op = "utcb.put_bytes"
	n := 1 + (len(b)+7)/8
	if n > f.free() {
		f.writable()
		return errs.Newf(op, errs.UtcbUntypedFull, "need %d words, %d free", n, f.free())
	}
	ws := make([]abi.Word, n)
	ws[0] = abi.Word(len(b))
	var tmp [8]byte
	for i := 0; i < len(b); i += 8 {
		tmp = [8]byte{}
		copy(tmp[:], b[i:])
		ws[1+i/8] = binary.LittleEndian.Uint64(tmp[:])
	}
	return f.putWords(op, ws...)
}

// PutString appends a length-prefixed string.
func (f *Frame) PutString(s string) error { return f.PutBytes([]byte(s)) }

// Put appends each value in order. Each value is written completely or not at all.
func (f *Frame) Put(vals ...any) error {
	for _, v := range vals {
		var err error
		switch x := v.(type) {
		case abi.Sel:
			err = f.PutWord(abi.Word(x))
		case abi.Crd:
			err = f.PutWord(abi.Word(x))
		case errs.Code:
			err = f.PutWord(abi.Word(x))
		case int:
			err = f.PutInt(int64(x))
		case int32:
			err = f.PutInt(int64(x))
		case int64:
			err = f.PutInt(x)
		case uint:
			err = f.PutUint(uint64(x))
		case uint32:
			err = f.PutUint(uint64(x))
		case uint64:
			err = f.PutUint(x)
		case uintptr:
			err = f.PutUint(uint64(x))
		case bool:
			err = f.PutBool(x)
		case string:
			err = f.PutString(x)
		case []byte:
			err = f.PutBytes(x)
		default:
			err = errs.Newf("utcb.put", errs.ArgsInvalid, "unsupported type %T", v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Frame) word(op string) (abi.Word, error) {
	if f.upos >= f.Untyped() {
		return 0, errs.Newf(op, errs.Protocol, "read past %d untyped words", f.Untyped())
	}
	w := f.u.words[f.bottom+hdrWords+f.upos]
	f.upos++
	return w, nil
}

// Word reads the next raw word.
func (f *Frame) Word() (abi.Word, error) { return f.word("utcb.get") }

// Int reads the next word as a signed integer.
func (f *Frame) Int() (int64, error) {
	w, err := f.word("utcb.get")
	return int64(w), err
}

// Uint reads the next word as an unsigned integer.
func (f *Frame) Uint() (uint64, error) { return f.word("utcb.get") }

// Bool reads the next word as a boolean.
func (f *Frame) Bool() (bool, error) {
	w, err := f.word("utcb.get")
	return w != 0, err
}

// Bytes reads the next length-prefixed byte string.
func (f *Frame) Bytes() ([]byte, error) {
	start := f.upos
	n, err := f.word("utcb.get_bytes")
	if err != nil {
		return nil, err
	}
	if n > Size || f.upos+int((n+7)/8) > f.Untyped() {
		f.upos = start
		return nil, errs.Newf("utcb.get_bytes", errs.Protocol, "string of %d bytes exceeds frame", n)
	}
	words := int((n + 7) / 8)
	b := make([]byte, words*8)
	for i := 0; i < words; i++ {
		binary.LittleEndian.PutUint64(b[i*8:], f.u.words[f.bottom+hdrWords+f.upos+i])
	}
	f.upos += words
	return b[:n], nil
}

// Text reads the next length-prefixed string.
func (f *Frame) Text() (string, error) {
	b, err := f.Bytes()
	return string(b), err
}

// Get reads into each pointer in order.
func (f *Frame) Get(ptrs ...any) error {
	for _, p := range ptrs {
		var err error
		switch x := p.(type) {
		case *abi.Sel:
			var w abi.Word
			w, err = f.Word()
			*x = abi.Sel(w)
		case *abi.Crd:
			var w abi.Word
			w, err = f.Word()
			*x = abi.Crd(w)
		case *errs.Code:
			var w abi.Word
			w, err = f.Word()
			*x = errs.Code(w)
		case *int:
			var v int64
			v, err = f.Int()
			*x = int(v)
		case *int64:
			*x, err = f.Int()
		case *uint:
			var v uint64
			v, err = f.Uint()
			*x = uint(v)
		case *uint32:
			var v uint64
			v, err = f.Uint()
			*x = uint32(v)
		case *uint64:
			*x, err = f.Uint()
		case *bool:
			*x, err = f.Bool()
		case *string:
			*x, err = f.Text()
		case *[]byte:
			*x, err = f.Bytes()
		default:
			err = errs.Newf("utcb.get", errs.ArgsInvalid, "unsupported type %T", p)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Frame) pushItem(op string, crd abi.Crd, flags abi.XferFlags) error {
	f.writable()
	if f.free() < itemWords {
		return errs.Newf(op, errs.UtcbTypedFull, "%d typed items", f.Typed())
	}
	n := f.Typed()
	off := f.top - itemWords*(n+1)
	f.u.words[off] = abi.Word(crd)
	f.u.words[off+1] = abi.Word(flags)
	f.setMtr(f.Untyped(), n+1)
	return nil
}

// Delegate adds a typed item that maps crd into the receiver's receive window.
func (f *Frame) Delegate(crd abi.Crd, hotspot abi.Word) error {
	return f.pushItem("utcb.delegate", crd, abi.NewXfer(true, hotspot))
}

// Translate adds a typed item asking the kernel to name crd in the receiver's
// capability space.
func (f *Frame) Translate(crd abi.Crd) error {
	return f.pushItem("utcb.translate", crd, abi.NewXfer(false, 0))
}

// TypedItem returns the i-th typed item in insertion order.
func (f *Frame) TypedItem(i int) (Item, error) {
	if i < 0 || i >= f.Typed() {
		return Item{}, errs.Newf("utcb.typed", errs.Protocol, "no typed item %d", i)
	}
	off := f.top - itemWords*(i+1)
	return Item{Crd: abi.Crd(f.u.words[off]), Flags: abi.XferFlags(f.u.words[off+1])}, nil
}

func (f *Frame) nextItem(op string, delegate bool) (abi.Crd, error) {
	it, err := f.TypedItem(f.tpos)
	if err != nil {
		return abi.NullCrd, err
	}
	if it.Flags.Delegate() != delegate {
		return abi.NullCrd, errs.Newf(op, errs.Protocol, "typed item %d has the wrong kind", f.tpos)
	}
	f.tpos++
	return it.Crd, nil
}

// GetDelegated returns the next typed item, which must have been delegated.
func (f *Frame) GetDelegated() (abi.Crd, error) { return f.nextItem("utcb.get_delegated", true) }

// GetTranslated returns the next typed item, which must have been translated. A
// null Crd means the receiver holds no capability for the sent object.
func (f *Frame) GetTranslated() (abi.Crd, error) { return f.nextItem("utcb.get_translated", false) }

// CheckReply consumes the leading reply code and turns a failure into an error.
func (f *Frame) CheckReply() error {
	w, err := f.word("utcb.check_reply")
	if err != nil {
		return err
	}
	if c := errs.Code(w); c != errs.Success {
		return &errs.Error{Op: "reply", Code: c}
	}
	return nil
}

// Format prints the frame's bounds and item counts for any verb.
func (f *Frame) Format(s fmt.State, _ rune) {
	fmt.Fprintf(s, "Frame[%d,%d) untyped=%d typed=%d free=%d", f.bottom, f.top, f.Untyped(), f.Typed(), f.free())
}
