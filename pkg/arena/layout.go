package arena

import "unsafe"

func putU32(mem []byte, off int, v uint32) {
	*(*uint32)(unsafe.Pointer(&mem[off])) = v
}

func getU32(mem []byte, off int) uint32 {
	return *(*uint32)(unsafe.Pointer(&mem[off]))
}

func u64ptr(mem []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[off]))
}
