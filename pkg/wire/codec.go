package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// Mapper is the subset of *arena.Arena the codec needs. It is defined
// here, not imported from pkg/arena, so pkg/wire has no dependency on
// pkg/arena's concrete type and can be tested with a fake.
type Mapper interface {
	Map(size uint64) (uint64, error)
	MapOffset(offset, size uint64) ([]byte, error)
}

const lengthPrefixSize = 4

// SaveString length-prefixes s and copies it into the arena, returning
// its offset. The record layout is a uint32 length followed by the raw
// bytes, with no trailing NUL.
func SaveString(a Mapper, s string) (Offset, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var lenBytes [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(s)))
	buf.Write(lenBytes[:])
	buf.WriteString(s)

	off, err := a.Map(uint64(buf.Len()))
	if err != nil {
		return 0, fmt.Errorf("wire: save_string: %w", err)
	}
	dst, err := a.MapOffset(off, uint64(buf.Len()))
	if err != nil {
		return 0, fmt.Errorf("wire: save_string: %w", err)
	}
	copy(dst, buf.B)
	return off, nil
}

// LoadString reads a length-prefixed string previously written by
// SaveString.
func LoadString(a Mapper, offset Offset) (string, error) {
	hdr, err := a.MapOffset(offset, lengthPrefixSize)
	if err != nil {
		return "", fmt.Errorf("wire: load_string header: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr)
	body, err := a.MapOffset(offset+lengthPrefixSize, uint64(n))
	if err != nil {
		return "", fmt.Errorf("wire: load_string body: %w", err)
	}
	return string(body), nil
}

const mapPairSize = 16 // (key offset, value offset), both uint64

// SaveMap stores m as an array of (key-offset, value-offset) string
// pairs prefixed by a uint32 count, and returns the array's offset.
func SaveMap(a Mapper, m map[string]string) (Offset, error) {
	keyOffs := make([]Offset, 0, len(m))
	valOffs := make([]Offset, 0, len(m))
	for k, v := range m {
		ko, err := SaveString(a, k)
		if err != nil {
			return 0, err
		}
		vo, err := SaveString(a, v)
		if err != nil {
			return 0, err
		}
		keyOffs = append(keyOffs, ko)
		valOffs = append(valOffs, vo)
	}

	size := uint64(lengthPrefixSize) + uint64(len(m))*mapPairSize
	off, err := a.Map(size)
	if err != nil {
		return 0, fmt.Errorf("wire: save_map: %w", err)
	}
	dst, err := a.MapOffset(off, size)
	if err != nil {
		return 0, fmt.Errorf("wire: save_map: %w", err)
	}
	binary.LittleEndian.PutUint32(dst[:lengthPrefixSize], uint32(len(m)))
	for i := range keyOffs {
		base := lengthPrefixSize + i*mapPairSize
		putU64(dst, base, keyOffs[i])
		putU64(dst, base+8, valOffs[i])
	}
	return off, nil
}

// LoadMap reads a map previously written by SaveMap.
func LoadMap(a Mapper, offset Offset) (map[string]string, error) {
	hdr, err := a.MapOffset(offset, lengthPrefixSize)
	if err != nil {
		return nil, fmt.Errorf("wire: load_map header: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr)
	out := make(map[string]string, n)
	if n == 0 {
		return out, nil
	}
	body, err := a.MapOffset(offset+lengthPrefixSize, uint64(n)*mapPairSize)
	if err != nil {
		return nil, fmt.Errorf("wire: load_map body: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		base := int(i) * mapPairSize
		ko := u64(body, base)
		vo := u64(body, base+8)
		k, err := LoadString(a, ko)
		if err != nil {
			return nil, err
		}
		v, err := LoadString(a, vo)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

const offsetSlotSize = 8

// SaveStringArray stores each element of ss as its own length-prefixed
// string, then writes their offsets as a contiguous uint64 array
// prefixed by a uint32 count, returning that array's offset. Used for
// a request's requested-output-names list.
func SaveStringArray(a Mapper, ss []string) (Offset, error) {
	offs := make([]Offset, len(ss))
	for i, s := range ss {
		off, err := SaveString(a, s)
		if err != nil {
			return 0, err
		}
		offs[i] = off
	}

	size := uint64(lengthPrefixSize) + uint64(len(ss))*offsetSlotSize
	arrOff, err := a.Map(size)
	if err != nil {
		return 0, fmt.Errorf("wire: save_string_array: %w", err)
	}
	dst, err := a.MapOffset(arrOff, size)
	if err != nil {
		return 0, fmt.Errorf("wire: save_string_array: %w", err)
	}
	binary.LittleEndian.PutUint32(dst[:lengthPrefixSize], uint32(len(ss)))
	for i, off := range offs {
		putU64(dst, lengthPrefixSize+i*offsetSlotSize, off)
	}
	return arrOff, nil
}

// LoadStringArray reads an array previously written by SaveStringArray.
func LoadStringArray(a Mapper, offset Offset) ([]string, error) {
	hdr, err := a.MapOffset(offset, lengthPrefixSize)
	if err != nil {
		return nil, fmt.Errorf("wire: load_string_array header: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr)
	if n == 0 {
		return nil, nil
	}
	body, err := a.MapOffset(offset+lengthPrefixSize, uint64(n)*offsetSlotSize)
	if err != nil {
		return nil, fmt.Errorf("wire: load_string_array body: %w", err)
	}
	out := make([]string, n)
	for i := range out {
		s, err := LoadString(a, u64(body, i*offsetSlotSize))
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// TensorSpec is the host-supplied description of a tensor's shape and
// backing bytes, independent of how those bytes are staged into the
// arena (see the CopyInto field).
type TensorSpec struct {
	Name  string
	DType DType
	Dims  []int64
	// ByteSize is the total raw payload size; the caller is
	// responsible for having already rejected sizes above
	// arena.MaxTensorBytes before calling SaveTensor.
	ByteSize uint64
	// CopyInto copies the tensor's raw bytes into dst, which is
	// exactly ByteSize bytes long, from whatever host-side buffers
	// back the tensor (potentially several, potentially
	// device-resident and requiring a host-side copy first).
	CopyInto func(dst []byte) error
}

// WriteTensor populates dst, a TensorSize-byte slice previously
// reserved by the caller (typically one slot of a contiguous Tensor
// array), with t's descriptor fields. It allocates and copies t's dims
// array and its RawData plus payload elsewhere in the arena, so dst
// itself need not be freshly allocated by this call.
func WriteTensor(a Mapper, dst []byte, t TensorSpec) error {
	nameOff, err := SaveString(a, t.Name)
	if err != nil {
		return err
	}

	dimsSize := uint64(len(t.Dims)) * 8
	var dimsOff Offset
	if dimsSize > 0 {
		dimsOff, err = a.Map(dimsSize)
		if err != nil {
			return fmt.Errorf("wire: save_tensor dims: %w", err)
		}
		dimsMem, err := a.MapOffset(dimsOff, dimsSize)
		if err != nil {
			return fmt.Errorf("wire: save_tensor dims: %w", err)
		}
		for i, d := range t.Dims {
			putU64(dimsMem, i*8, uint64(d))
		}
	}

	rawOff, err := a.Map(RawDataSize)
	if err != nil {
		return fmt.Errorf("wire: save_tensor raw_data record: %w", err)
	}
	payloadOff, err := a.Map(t.ByteSize)
	if err != nil {
		return fmt.Errorf("wire: save_tensor payload: %w", err)
	}
	payload, err := a.MapOffset(payloadOff, t.ByteSize)
	if err != nil {
		return fmt.Errorf("wire: save_tensor payload: %w", err)
	}
	if t.CopyInto != nil {
		if err := t.CopyInto(payload); err != nil {
			return fmt.Errorf("wire: save_tensor copy: %w", err)
		}
	}
	rawMem, err := a.MapOffset(rawOff, RawDataSize)
	if err != nil {
		return err
	}
	raw := NewRawData(rawMem)
	raw.SetByteSize(t.ByteSize)
	raw.SetPayloadOffset(payloadOff)

	desc := NewTensor(dst)
	desc.SetNameOffset(nameOff)
	desc.SetDType(t.DType)
	desc.SetDimsCount(uint32(len(t.Dims)))
	desc.SetDimsOffset(dimsOff)
	desc.SetRawDataOffset(rawOff)
	return nil
}

// SaveTensor allocates a fresh TensorSize slot and writes t into it,
// returning the slot's offset. Used where a tensor descriptor is
// referenced by offset rather than embedded in an array, such as a
// response output.
func SaveTensor(a Mapper, t TensorSpec) (Offset, error) {
	off, err := a.Map(TensorSize)
	if err != nil {
		return 0, fmt.Errorf("wire: save_tensor descriptor: %w", err)
	}
	mem, err := a.MapOffset(off, TensorSize)
	if err != nil {
		return 0, err
	}
	if err := WriteTensor(a, mem, t); err != nil {
		return 0, err
	}
	return off, nil
}

// LoadDims reads a tensor's dims array.
func LoadDims(a Mapper, t Tensor) ([]int64, error) {
	n := t.DimsCount()
	if n == 0 {
		return nil, nil
	}
	mem, err := a.MapOffset(t.DimsOffset(), uint64(n)*8)
	if err != nil {
		return nil, fmt.Errorf("wire: load_dims: %w", err)
	}
	dims := make([]int64, n)
	for i := range dims {
		dims[i] = int64(u64(mem, i*8))
	}
	return dims, nil
}
