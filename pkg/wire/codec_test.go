package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeArena is a minimal bump allocator over a plain byte slice,
// standing in for *arena.Arena so this package's tests carry no
// dependency on pkg/arena.
type fakeArena struct {
	mem []byte
	wm  uint64
}

func newFakeArena(size int) *fakeArena {
	return &fakeArena{mem: make([]byte, size)}
}

var errFakeArenaFull = errors.New("fake arena: out of capacity")

func (f *fakeArena) Map(size uint64) (uint64, error) {
	off := f.wm
	f.wm += size
	if f.wm > uint64(len(f.mem)) {
		return 0, errFakeArenaFull
	}
	return off, nil
}

func (f *fakeArena) MapOffset(offset, size uint64) ([]byte, error) {
	return f.mem[offset : offset+size], nil
}

func TestSaveLoadStringRoundTrip(t *testing.T) {
	a := newFakeArena(4096)
	off, err := SaveString(a, "hello world")
	require.NoError(t, err)

	got, err := LoadString(a, off)
	require.NoError(t, err)
	require.Equal(t, "hello world", got)
}

func TestSaveLoadEmptyString(t *testing.T) {
	a := newFakeArena(4096)
	off, err := SaveString(a, "")
	require.NoError(t, err)

	got, err := LoadString(a, off)
	require.NoError(t, err)
	require.Equal(t, "", got)
}

func TestSaveLoadMapRoundTrip(t *testing.T) {
	a := newFakeArena(4096)
	m := map[string]string{"model": "resnet50", "precision": "fp16"}
	off, err := SaveMap(a, m)
	require.NoError(t, err)

	got, err := LoadMap(a, off)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestSaveLoadEmptyMap(t *testing.T) {
	a := newFakeArena(4096)
	off, err := SaveMap(a, map[string]string{})
	require.NoError(t, err)

	got, err := LoadMap(a, off)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSaveTensorRoundTrip(t *testing.T) {
	a := newFakeArena(8192)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	off, err := SaveTensor(a, TensorSpec{
		Name:     "input_ids",
		DType:    DType(1),
		Dims:     []int64{1, 8},
		ByteSize: uint64(len(payload)),
		CopyInto: func(dst []byte) error {
			copy(dst, payload)
			return nil
		},
	})
	require.NoError(t, err)

	descMem, err := a.MapOffset(off, TensorSize)
	require.NoError(t, err)
	desc := NewTensor(descMem)

	name, err := LoadString(a, desc.NameOffset())
	require.NoError(t, err)
	require.Equal(t, "input_ids", name)
	require.Equal(t, DType(1), desc.DType())

	dims, err := LoadDims(a, desc)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 8}, dims)

	rawMem, err := a.MapOffset(desc.RawDataOffset(), RawDataSize)
	require.NoError(t, err)
	raw := NewRawData(rawMem)
	require.Equal(t, uint64(len(payload)), raw.ByteSize())

	got, err := a.MapOffset(raw.PayloadOffset(), raw.ByteSize())
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSaveTensorPropagatesCopyError(t *testing.T) {
	a := newFakeArena(4096)
	boom := errors.New("copy failed")
	_, err := SaveTensor(a, TensorSpec{
		Name:     "x",
		ByteSize: 4,
		CopyInto: func(dst []byte) error { return boom },
	})
	require.ErrorIs(t, err, boom)
}

func TestSaveTensorFailsWhenArenaExhausted(t *testing.T) {
	a := newFakeArena(8)
	_, err := SaveTensor(a, TensorSpec{
		Name:     "too_big",
		ByteSize: 4096,
	})
	require.Error(t, err)
}
