package rendezvous

import "unsafe"

func u32ptr(mem []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}
