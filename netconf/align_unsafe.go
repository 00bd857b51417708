package netconf

import "unsafe"

func sliceAddr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}
