package utcb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nils-TUD/NRE-sub002/internal/abi"
	"github.com/Nils-TUD/NRE-sub002/internal/errs"
)

func TestFrameRoundTrip(t *testing.T) {
	u := New()
	f := u.Frame()

	require.NoError(t, f.Put(5, "hello", true, uint64(1<<63), int64(-7), []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	require.NoError(t, f.Delegate(abi.ObjCrd(0x100, 2, abi.PermRW), 0))
	require.NoError(t, f.Translate(abi.ObjCrd(0x200, 0, abi.PermR)))

	var (
		n   int
		s   string
		b   bool
		big uint64
		neg int64
		raw []byte
	)
	r := u.Frame()
	require.NoError(t, r.Get(&n, &s, &b, &big, &neg, &raw))
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", s)
	assert.True(t, b)
	assert.Equal(t, uint64(1<<63), big)
	assert.Equal(t, int64(-7), neg)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, raw)

	d, err := r.GetDelegated()
	require.NoError(t, err)
	assert.Equal(t, abi.ObjCrd(0x100, 2, abi.PermRW), d)

	tr, err := r.GetTranslated()
	require.NoError(t, err)
	assert.Equal(t, abi.ObjCrd(0x200, 0, abi.PermR), tr)

	// "hello" is one length word plus one data word.
	assert.Equal(t, 1+2+1+1+1+3, r.Untyped())
	assert.Equal(t, 2, r.Typed())
}

func TestFrameReadPastEnd(t *testing.T) {
	u := New()
	f := u.Frame()
	require.NoError(t, f.PutWord(1))

	_, err := f.Word()
	require.NoError(t, err)
	_, err = f.Word()
	assert.True(t, errors.Is(err, errs.Protocol))

	_, err = f.GetDelegated()
	assert.True(t, errors.Is(err, errs.Protocol))
}

func TestFrameTypedKindMismatch(t *testing.T) {
	f := New().Frame()
	require.NoError(t, f.Translate(abi.ObjCrd(1, 0, abi.PermAll)))

	_, err := f.GetDelegated()
	assert.True(t, errors.Is(err, errs.Protocol))

	// The cursor did not move; the item is still readable with the right kind.
	crd, err := f.GetTranslated()
	require.NoError(t, err)
	assert.Equal(t, abi.Sel(1), crd.Base())
}

func TestFrameShortString(t *testing.T) {
	f := New().Frame()
	require.NoError(t, f.PutWord(64)) // claims 64 bytes, carries none

	_, err := f.Text()
	assert.True(t, errors.Is(err, errs.Protocol))

	// The failed read does not consume the length word.
	w, err := f.Word()
	require.NoError(t, err)
	assert.Equal(t, abi.Word(64), w)
}

func TestFrameUntypedCapacity(t *testing.T) {
	f := New().Frame()
	room := Words - firstFrame - hdrWords
	assert.Equal(t, room, f.Free())

	for i := 0; i < room; i++ {
		require.NoError(t, f.PutWord(abi.Word(i)))
	}
	err := f.PutWord(0xdead)
	assert.True(t, errors.Is(err, errs.UtcbUntypedFull))
	assert.Equal(t, room, f.Untyped())

	err = f.Delegate(abi.ObjCrd(1, 0, abi.PermAll), 0)
	assert.True(t, errors.Is(err, errs.UtcbTypedFull))

	for i := 0; i < room; i++ {
		w, err := f.Word()
		require.NoError(t, err)
		require.Equal(t, abi.Word(i), w)
	}
}

func TestFramePutBytesChecksRoomFirst(t *testing.T) {
	f := New().Frame()
	room := Words - firstFrame - hdrWords

	err := f.PutBytes(make([]byte, 64*Words))
	assert.True(t, errors.Is(err, errs.UtcbUntypedFull))
	assert.Equal(t, 0, f.Untyped())

	for i := 0; i < room-2; i++ {
		require.NoError(t, f.PutWord(abi.Word(i)))
	}
	err = f.PutString("123456789")
	assert.True(t, errors.Is(err, errs.UtcbUntypedFull))
	assert.Equal(t, room-2, f.Untyped())
	require.NoError(t, f.PutString("1234567"))
	assert.Equal(t, 0, f.Free())
}

func TestFrameTypedCapacityProtectsUntyped(t *testing.T) {
	f := New().Frame()
	require.NoError(t, f.Put(1, 2, 3))

	items := 0
	for {
		err := f.Delegate(abi.ObjCrd(abi.Sel(items), 0, abi.PermAll), abi.Word(items))
		if err != nil {
			assert.True(t, errors.Is(err, errs.UtcbTypedFull))
			break
		}
		items++
	}
	assert.Equal(t, (Words-firstFrame-hdrWords-3)/itemWords, items)

	// A multi-word value that does not fit fails as a whole.
	err := f.PutString("does not fit")
	assert.True(t, errors.Is(err, errs.UtcbUntypedFull))

	var a, b, c int
	require.NoError(t, f.Get(&a, &b, &c))
	assert.Equal(t, []int{1, 2, 3}, []int{a, b, c})
	for i := 0; i < items; i++ {
		it, err := f.TypedItem(i)
		require.NoError(t, err)
		require.Equal(t, abi.Sel(i), it.Crd.Base())
		require.Equal(t, abi.Word(i), it.Flags.Hotspot())
	}
}

func TestFrameClearKeepsWindows(t *testing.T) {
	f := New().Frame()
	win := abi.ObjCrd(0x1000, 4, abi.PermAll)
	f.SetReceiveCrd(win)
	f.SetTranslateCrd(abi.ObjCrd(0, 10, abi.PermAll))
	require.NoError(t, f.Put(1, 2))
	require.NoError(t, f.Delegate(win, 0))

	f.Clear()
	assert.Equal(t, 0, f.Untyped())
	assert.Equal(t, 0, f.Typed())
	assert.Equal(t, win, f.ReceiveCrd())

	f.Reset()
	assert.True(t, f.ReceiveCrd().Null())
	assert.True(t, f.TranslateCrd().Null())
}

func TestFramePutUnsupported(t *testing.T) {
	f := New().Frame()
	err := f.Put(struct{}{})
	assert.True(t, errors.Is(err, errs.ArgsInvalid))
}

func TestCheckReply(t *testing.T) {
	f := New().Frame()
	require.NoError(t, f.Put(errs.Success))
	assert.NoError(t, f.CheckReply())

	f.Clear()
	require.NoError(t, f.Put(errs.NotFound))
	err := f.CheckReply()
	assert.True(t, errors.Is(err, errs.NotFound))

	f.Clear()
	assert.True(t, errors.Is(f.CheckReply(), errs.Protocol))
}
