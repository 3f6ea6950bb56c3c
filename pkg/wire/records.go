// Package wire implements the typed record writers and readers over an
// Arena that make up the wire codec: strings, maps, request
// and response batches, tensor descriptors, and raw tensor payloads.
// This package is the only one that writes domain records into the
// arena; the execution loop and supervisor call only through it.
package wire

import "unsafe"

// DType mirrors the host's tensor datatype enumeration. The runtime
// treats it as an opaque wire value; it never interprets tensor bytes.
type DType uint32

// Offset is a byte offset relative to an arena's base address.
type Offset = uint64

// Sizes and field offsets of the fixed-layout records shared with
// the stub. Every record is packed plain-old-data; uint64 fields are
// kept 8-byte aligned so they can be read with unsafe pointer casts on
// every supported architecture.

const (
	// IPCMessageSize covers the request/response batch offsets and the
	// arena-capacity field used for cross-process growth visibility.
	IPCMessageSize = 24
	ipcReqOff      = 0
	ipcRespOff     = 8
	ipcCapOff      = 16

	RequestBatchSize = 16
	rbBatchSizeOff   = 0
	rbRequestsOff    = 8

	RequestSize        = 48
	reqIDOff           = 0
	reqCorrelationOff  = 8
	reqInputCountOff   = 16
	reqInputsOff       = 24
	reqOutputCountOff  = 32
	reqOutNamesOff     = 40

	TensorSize     = 32
	tNameOff       = 0
	tDTypeOff      = 8
	tDimsCountOff  = 12
	tDimsOff       = 16
	tRawDataOff    = 24

	RawDataSize  = 16
	rdByteSzOff  = 0
	rdPayloadOff = 8

	ResponseBatchSize = 32
	rspbBatchSizeOff  = 0
	rspbHasErrOff     = 4
	rspbIsErrSetOff   = 8
	rspbMessageOff    = 16
	rspbResponsesOff  = 24

	ResponseSize     = 32
	rHasErrOff       = 0
	rMessageOff      = 8
	rOutputCountOff  = 16
	rOutputsOff      = 24
)

func u32(mem []byte, off int) uint32     { return *(*uint32)(unsafe.Pointer(&mem[off])) }
func putU32(mem []byte, off int, v uint32) { *(*uint32)(unsafe.Pointer(&mem[off])) = v }
func u64(mem []byte, off int) uint64     { return *(*uint64)(unsafe.Pointer(&mem[off])) }
func putU64(mem []byte, off int, v uint64) { *(*uint64)(unsafe.Pointer(&mem[off])) = v }

// IPCMessage is the fixed record created once
// per instance, mutated by whichever side currently holds the
// appropriate mutex.
type IPCMessage struct{ mem []byte }

func NewIPCMessage(mem []byte) IPCMessage { return IPCMessage{mem: mem[:IPCMessageSize]} }

func (m IPCMessage) RequestBatchOffset() Offset      { return u64(m.mem, ipcReqOff) }
func (m IPCMessage) SetRequestBatchOffset(o Offset)  { putU64(m.mem, ipcReqOff, o) }
func (m IPCMessage) ResponseBatchOffset() Offset     { return u64(m.mem, ipcRespOff) }
func (m IPCMessage) SetResponseBatchOffset(o Offset) { putU64(m.mem, ipcRespOff, o) }
func (m IPCMessage) Capacity() uint64                { return u64(m.mem, ipcCapOff) }
func (m IPCMessage) SetCapacity(c uint64)            { putU64(m.mem, ipcCapOff, c) }

// RequestBatch is {batch_size, offset-of-requests-array}. A batch_size
// of zero is the reserved graceful-shutdown signal.
type RequestBatch struct{ mem []byte }

func NewRequestBatch(mem []byte) RequestBatch { return RequestBatch{mem: mem[:RequestBatchSize]} }

func (b RequestBatch) BatchSize() uint32          { return u32(b.mem, rbBatchSizeOff) }
func (b RequestBatch) SetBatchSize(n uint32)      { putU32(b.mem, rbBatchSizeOff, n) }
func (b RequestBatch) RequestsOffset() Offset     { return u64(b.mem, rbRequestsOff) }
func (b RequestBatch) SetRequestsOffset(o Offset) { putU64(b.mem, rbRequestsOff, o) }

// IsGracefulShutdown reports whether this batch is the batch_size == 0
// shutdown marker.
func (b RequestBatch) IsGracefulShutdown() bool { return b.BatchSize() == 0 }

// Request is {id-offset, correlation_id, input_count, inputs-offset,
// output_count, requested-output-names-offset}.
type Request struct{ mem []byte }

func NewRequest(mem []byte) Request { return Request{mem: mem[:RequestSize]} }

func (r Request) IDOffset() Offset                  { return u64(r.mem, reqIDOff) }
func (r Request) SetIDOffset(o Offset)              { putU64(r.mem, reqIDOff, o) }
func (r Request) CorrelationID() uint64             { return u64(r.mem, reqCorrelationOff) }
func (r Request) SetCorrelationID(v uint64)         { putU64(r.mem, reqCorrelationOff, v) }
func (r Request) InputCount() uint32                { return u32(r.mem, reqInputCountOff) }
func (r Request) SetInputCount(n uint32)            { putU32(r.mem, reqInputCountOff, n) }
func (r Request) InputsOffset() Offset              { return u64(r.mem, reqInputsOff) }
func (r Request) SetInputsOffset(o Offset)          { putU64(r.mem, reqInputsOff, o) }
func (r Request) OutputCount() uint32               { return u32(r.mem, reqOutputCountOff) }
func (r Request) SetOutputCount(n uint32)           { putU32(r.mem, reqOutputCountOff, n) }
func (r Request) RequestedOutputNamesOffset() Offset { return u64(r.mem, reqOutNamesOff) }
func (r Request) SetRequestedOutputNamesOffset(o Offset) {
	putU64(r.mem, reqOutNamesOff, o)
}

// Tensor is {name-offset, dtype, dims_count, dims-offset,
// raw_data-offset}, used both for request inputs and response outputs.
type Tensor struct{ mem []byte }

func NewTensor(mem []byte) Tensor { return Tensor{mem: mem[:TensorSize]} }

func (t Tensor) NameOffset() Offset        { return u64(t.mem, tNameOff) }
func (t Tensor) SetNameOffset(o Offset)    { putU64(t.mem, tNameOff, o) }
func (t Tensor) DType() DType              { return DType(u32(t.mem, tDTypeOff)) }
func (t Tensor) SetDType(d DType)          { putU32(t.mem, tDTypeOff, uint32(d)) }
func (t Tensor) DimsCount() uint32         { return u32(t.mem, tDimsCountOff) }
func (t Tensor) SetDimsCount(n uint32)     { putU32(t.mem, tDimsCountOff, n) }
func (t Tensor) DimsOffset() Offset        { return u64(t.mem, tDimsOff) }
func (t Tensor) SetDimsOffset(o Offset)    { putU64(t.mem, tDimsOff, o) }
func (t Tensor) RawDataOffset() Offset     { return u64(t.mem, tRawDataOff) }
func (t Tensor) SetRawDataOffset(o Offset) { putU64(t.mem, tRawDataOff, o) }

// RawData is {byte_size, payload-offset}, a separate arena allocation
// from its owning Tensor's descriptor so descriptors stay small and
// relocatable.
type RawData struct{ mem []byte }

func NewRawData(mem []byte) RawData { return RawData{mem: mem[:RawDataSize]} }

func (d RawData) ByteSize() uint64      { return u64(d.mem, rdByteSzOff) }
func (d RawData) SetByteSize(n uint64)  { putU64(d.mem, rdByteSzOff, n) }
func (d RawData) PayloadOffset() Offset { return u64(d.mem, rdPayloadOff) }
func (d RawData) SetPayloadOffset(o Offset) {
	putU64(d.mem, rdPayloadOff, o)
}

// ResponseBatch is the symmetric counterpart of RequestBatch. HasError
// with IsErrorSet distinguishes "batch-level failure with message"
// from "batch-level failure without a retrievable message".
type ResponseBatch struct{ mem []byte }

func NewResponseBatch(mem []byte) ResponseBatch { return ResponseBatch{mem: mem[:ResponseBatchSize]} }

func (b ResponseBatch) BatchSize() uint32      { return u32(b.mem, rspbBatchSizeOff) }
func (b ResponseBatch) SetBatchSize(n uint32)  { putU32(b.mem, rspbBatchSizeOff, n) }
func (b ResponseBatch) HasError() bool         { return u32(b.mem, rspbHasErrOff) != 0 }
func (b ResponseBatch) SetHasError(v bool)     { putU32(b.mem, rspbHasErrOff, boolU32(v)) }
func (b ResponseBatch) IsErrorSet() bool       { return u32(b.mem, rspbIsErrSetOff) != 0 }
func (b ResponseBatch) SetIsErrorSet(v bool)   { putU32(b.mem, rspbIsErrSetOff, boolU32(v)) }
func (b ResponseBatch) MessageOffset() Offset  { return u64(b.mem, rspbMessageOff) }
func (b ResponseBatch) SetMessageOffset(o Offset) {
	putU64(b.mem, rspbMessageOff, o)
}
func (b ResponseBatch) ResponsesOffset() Offset { return u64(b.mem, rspbResponsesOff) }
func (b ResponseBatch) SetResponsesOffset(o Offset) {
	putU64(b.mem, rspbResponsesOff, o)
}

// Response carries per-request HasError, an optional message, and its
// output tensors.
type Response struct{ mem []byte }

func NewResponse(mem []byte) Response { return Response{mem: mem[:ResponseSize]} }

func (r Response) HasError() bool          { return u32(r.mem, rHasErrOff) != 0 }
func (r Response) SetHasError(v bool)      { putU32(r.mem, rHasErrOff, boolU32(v)) }
func (r Response) MessageOffset() Offset   { return u64(r.mem, rMessageOff) }
func (r Response) SetMessageOffset(o Offset) {
	putU64(r.mem, rMessageOff, o)
}
func (r Response) OutputCount() uint32     { return u32(r.mem, rOutputCountOff) }
func (r Response) SetOutputCount(n uint32) { putU32(r.mem, rOutputCountOff, n) }
func (r Response) OutputsOffset() Offset   { return u64(r.mem, rOutputsOff) }
func (r Response) SetOutputsOffset(o Offset) {
	putU64(r.mem, rOutputsOff, o)
}

func boolU32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
