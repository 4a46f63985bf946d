package dtype

import (
	"encoding/binary"
	"math"
	"strconv"
)

//See: https://en.wikipedia.org/wiki/Bfloat16_floating-point_format
//See: https://cloud.google.com/tpu/docs/bfloat16

type BFloat16 uint16

func (bf BFloat16) Bits() uint16 {
	return uint16(bf)
}

func (bf BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(bf) << 16)
}

func (bf BFloat16) Float64() float64 {
	return float64(bf.Float32())
}

func (bf BFloat16) String() string {
	return strconv.FormatFloat(bf.Float64(), 'f', -1, 32)
}

// BFloat16fromFloat32 truncates the lower 16 bits of the mantissa.
func BFloat16fromFloat32(f32 float32) BFloat16 {
	return BFloat16(math.Float32bits(f32) >> 16)
}

func ReadBFloat16LittleEndian(b []byte) BFloat16 {
	return BFloat16(binary.LittleEndian.Uint16(b))
}

func WriteBFloat16LittleEndian(b []byte, v BFloat16) {
	binary.LittleEndian.PutUint16(b, v.Bits())
}
