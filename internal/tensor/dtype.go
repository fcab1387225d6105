package tensor

import (
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType identifies the element encoding of a Mat's backing storage.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// ElemSize returns the byte width of one element, or 0 for unknown dtypes.
func (d DType) ElemSize() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

func u16le(b []byte, off int) uint16 {
	_ = b[off+1]
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func putU16le(b []byte, off int, u uint16) {
	b[off] = byte(u)
	b[off+1] = byte(u >> 8)
}

// decodeRange decodes n consecutive elements of dtype d starting at byte
// offset off into dst.
func decodeRange(dst []float32, d DType, raw []byte, off, n int) {
	switch d {
	case F16:
		for j := 0; j < n; j++ {
			dst[j] = float16.Frombits(u16le(raw, off+j*2)).Float32()
		}
	case BF16:
		for j := 0; j < n; j++ {
			dst[j] = bfloat16.ToFloat32(bfloat16.FromBytes(raw[off+j*2:]))
		}
	default:
		panic("tensor: unsupported dtype for raw decode")
	}
}

// EncodeF32 encodes src into a fresh byte slice in dtype d.
func EncodeF32(d DType, src []float32) []byte {
	raw := make([]byte, len(src)*d.ElemSize())
	switch d {
	case F32:
		for i, v := range src {
			u := math.Float32bits(v)
			raw[i*4] = byte(u)
			raw[i*4+1] = byte(u >> 8)
			raw[i*4+2] = byte(u >> 16)
			raw[i*4+3] = byte(u >> 24)
		}
	case F16:
		for i, v := range src {
			putU16le(raw, i*2, float16.Fromfloat32(v).Bits())
		}
	case BF16:
		return bfloat16.EncodeFloat32(src)
	default:
		panic("tensor: unsupported dtype for encode")
	}
	return raw
}

func encodeRaw(dst []byte, d DType, src []float32) {
	switch d {
	case F16:
		for i, v := range src {
			putU16le(dst, i*2, float16.Fromfloat32(v).Bits())
		}
	case BF16:
		for i, v := range src {
			putU16le(dst, i*2, uint16(bfloat16.FromFloat32(v)))
		}
	default:
		panic("tensor: unsupported dtype for raw encode")
	}
}
