package kerasfile

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/dtype"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/ml"
)

// See: https://github.com/huggingface/safetensors#format

const (
	metadataKey       = "__metadata__"
	maxHeaderByteSize = 100 * 1024 * 1024
)

type tensorHeader struct {
	DataType    dtype.DataType `json:"dtype"`
	Shape       []int          `json:"shape"`
	DataOffsets [2]int64       `json:"data_offsets"`
}

func ReadSafetensors(data []byte) (*OrderedDict[*ml.Tensor], map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("safetensors data is too short: %d bytes", len(data))
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > maxHeaderByteSize || headerSize > uint64(len(data)-8) {
		return nil, nil, fmt.Errorf("safetensors header size %d is invalid for data of %d bytes", headerSize, len(data))
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, nil, fmt.Errorf("error parsing safetensors header: %w", err)
	}
	body := data[8+headerSize:]

	metadata := map[string]string{}
	headers := make(map[string]tensorHeader, len(rawHeader))
	names := make([]string, 0, len(rawHeader))
	for name, raw := range rawHeader {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return nil, nil, fmt.Errorf("error parsing safetensors metadata: %w", err)
			}
			continue
		}
		var header tensorHeader
		if err := json.Unmarshal(raw, &header); err != nil {
			return nil, nil, fmt.Errorf("error parsing header of tensor \"%s\": %w", name, err)
		}
		headers[name] = header
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := headers[names[i]].DataOffsets[0], headers[names[j]].DataOffsets[0]
		if a == b {
			return names[i] < names[j]
		}
		return a < b
	})

	result := NewOrderedDict[*ml.Tensor]()
	for _, name := range names {
		tensor, err := decodeTensor(name, headers[name], body)
		if err != nil {
			return nil, nil, err
		}
		result.Set(name, tensor)
	}
	return result, metadata, nil
}

func decodeTensor(name string, header tensorHeader, body []byte) (*ml.Tensor, error) {
	start, end := header.DataOffsets[0], header.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(body)) {
		return nil, fmt.Errorf("tensor \"%s\" has data offsets [%d, %d] outside of data section of %d bytes", name, start, end, len(body))
	}
	itemSize, err := header.DataType.ItemSize()
	if err != nil {
		return nil, fmt.Errorf("tensor \"%s\": %w", name, err)
	}
	elementCount := 1
	for _, dim := range header.Shape {
		if dim < 0 {
			return nil, fmt.Errorf("tensor \"%s\" has negative dimension in shape %v", name, header.Shape)
		}
		elementCount *= dim
	}
	if int64(elementCount*itemSize) != end-start {
		return nil, fmt.Errorf("tensor \"%s\" with shape %v and dtype %s needs %d bytes, got %d", name, header.Shape, header.DataType, elementCount*itemSize, end-start)
	}
	values, err := dtype.DecodeLittleEndian(header.DataType, body[start:end])
	if err != nil {
		return nil, fmt.Errorf("tensor \"%s\": %w", name, err)
	}
	return ml.NewTensor(name, header.Shape, header.DataType, values)
}

// WriteSafetensors serializes tensors in the given order.
func WriteSafetensors(w io.Writer, tensors []*ml.Tensor, metadata map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	bodies := make([][]byte, len(tensors))
	offset := int64(0)
	for i, tensor := range tensors {
		raw, err := dtype.EncodeLittleEndian(tensor.DataType, tensor.Data)
		if err != nil {
			return fmt.Errorf("tensor \"%s\": %w", tensor.Name, err)
		}
		bodies[i] = raw
		header[tensor.Name] = tensorHeader{
			DataType:    tensor.DataType,
			Shape:       tensor.Size,
			DataOffsets: [2]int64{offset, offset + int64(len(raw))},
		}
		offset += int64(len(raw))
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// The header is padded with spaces to keep the data section 8-byte aligned.
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}
	sizeBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(sizeBytes, uint64(len(headerBytes)))
	if _, err := w.Write(sizeBytes); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	for _, body := range bodies {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}
