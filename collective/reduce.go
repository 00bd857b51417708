package collective

import (
	"unsafe"

	"github.com/x448/float16"

	"github.com/distnn/distnn/netconf"
)

// alignedChunk is the number of f32 lanes reduceSum copies through a
// stack-local buffer at a time, mirroring the original kernel's
// 256-element chunking. netconf pipes are allocated aligned to a f32 boundary
// (netconf.NewAlignedBuffer), so this chunking exists to bound stack
// use on very large slices, not to dodge misaligned loads.
const alignedChunk = 256

// reduceSum adds the elements of src into dst in place, interpreting
// both according to floatType. dst and src must be the
// same length.
func reduceSum(dst, src []byte, floatType netconf.FloatType) {
	switch floatType {
	case netconf.F32, netconf.FQ80, netconf.FQ40:
		reduceSumF32(dst, src)
	case netconf.F16:
		reduceSumF16(dst, src)
	default:
		reduceSumBytes(dst, src)
	}
}

func reduceSumF32(dst, src []byte) {
	if len(dst) == 0 {
		return
	}
	n := len(dst) / 4
	dstF := unsafe.Slice((*float32)(unsafe.Pointer(&dst[0])), n)
	srcF := unsafe.Slice((*float32)(unsafe.Pointer(&src[0])), n)

	var buf [alignedChunk]float32
	for off := 0; off < n; off += alignedChunk {
		end := off + alignedChunk
		if end > n {
			end = n
		}
		chunk := buf[:end-off]
		copy(chunk, dstF[off:end])
		for i, v := range srcF[off:end] {
			chunk[i] += v
		}
		copy(dstF[off:end], chunk)
	}

	// Any tail bytes not covered by a whole f32 element fall through
	// to byte-wise add. This should not occur on well-formed pipes.
	tailStart := n * 4
	reduceSumBytes(dst[tailStart:], src[tailStart:])
}

func reduceSumF16(dst, src []byte) {
	if len(dst) == 0 {
		return
	}
	n := len(dst) / 2
	for i := 0; i < n; i++ {
		off := i * 2
		a := float16.Frombits(uint16(dst[off]) | uint16(dst[off+1])<<8)
		b := float16.Frombits(uint16(src[off]) | uint16(src[off+1])<<8)
		sum := float16.Fromfloat32(a.Float32() + b.Float32())
		bits := sum.Bits()
		dst[off] = byte(bits)
		dst[off+1] = byte(bits >> 8)
	}
	tailStart := n * 2
	reduceSumBytes(dst[tailStart:], src[tailStart:])
}

func reduceSumBytes(dst, src []byte) {
	for i := range dst {
		dst[i] += src[i]
	}
}
