package dtype

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType names follow the safetensors header vocabulary.
type DataType string

const (
	F32  DataType = "F32"
	F64  DataType = "F64"
	BF16 DataType = "BF16"
)

func (dt DataType) ItemSize() (int, error) {
	switch dt {
	case F32:
		return 4, nil
	case F64:
		return 8, nil
	case BF16:
		return 2, nil
	}
	return 0, fmt.Errorf("unsupported data type \"%s\"", dt)
}

// DecodeLittleEndian converts raw little endian items of the given type into float64 values.
func DecodeLittleEndian(dt DataType, raw []byte) ([]float64, error) {
	itemSize, err := dt.ItemSize()
	if err != nil {
		return nil, err
	}
	if len(raw)%itemSize != 0 {
		return nil, fmt.Errorf("byte count %d is not a multiple of %s item size %d", len(raw), dt, itemSize)
	}
	result := make([]float64, len(raw)/itemSize)
	for i := range result {
		offset := i * itemSize
		switch dt {
		case F32:
			result[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[offset:])))
		case F64:
			result[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[offset:]))
		case BF16:
			result[i] = ReadBFloat16LittleEndian(raw[offset:]).Float64()
		}
	}
	return result, nil
}

// EncodeLittleEndian is the inverse of DecodeLittleEndian, used when writing weight files.
func EncodeLittleEndian(dt DataType, values []float64) ([]byte, error) {
	itemSize, err := dt.ItemSize()
	if err != nil {
		return nil, err
	}
	result := make([]byte, len(values)*itemSize)
	for i, val := range values {
		offset := i * itemSize
		switch dt {
		case F32:
			binary.LittleEndian.PutUint32(result[offset:], math.Float32bits(float32(val)))
		case F64:
			binary.LittleEndian.PutUint64(result[offset:], math.Float64bits(val))
		case BF16:
			WriteBFloat16LittleEndian(result[offset:], BFloat16fromFloat32(float32(val)))
		}
	}
	return result, nil
}
