//go:build !linux && !darwin && !windows

package common

import (
	"os"
)

type MemoryMapper struct {
	FilePath string
	Size     int64

	Data []byte
}

// NewMemoryMapper reads the whole file on platforms without a mapping implementation.
func NewMemoryMapper(filePath string) (*MemoryMapper, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return &MemoryMapper{
		FilePath: filePath,
		Size:     int64(len(data)),
		Data:     data,
	}, nil
}

func (mm *MemoryMapper) Unmap() error {
	if mm != nil {
		mm.Data = nil
	}
	return nil
}
