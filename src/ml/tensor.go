package ml

import (
	"fmt"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/dtype"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a named, shaped block of weights as read from a model archive.
// Values are widened to float64 so they can be handed to gonum without copying again.
type Tensor struct {
	Name     string
	Size     []int
	DataType dtype.DataType
	Data     []float64
}

func NewTensor(name string, size []int, dataType dtype.DataType, data []float64) (*Tensor, error) {
	result := &Tensor{
		Name:     name,
		Size:     size,
		DataType: dataType,
		Data:     data,
	}
	if result.GetElementCount() != len(data) {
		return nil, fmt.Errorf("tensor \"%s\" with shape %v expects %d elements, got %d", name, size, result.GetElementCount(), len(data))
	}
	return result, nil
}

func (t *Tensor) GetShape() []int {
	return t.Size
}

func (t *Tensor) GetElementCount() int {
	result := 1
	for _, shapeItem := range t.Size {
		result = result * shapeItem
	}
	return result
}

func (t *Tensor) GetBytesCount() int {
	itemSize, err := t.DataType.ItemSize()
	if err != nil {
		return 0
	}
	return t.GetElementCount() * itemSize
}

func (t *Tensor) IsMatrix() bool {
	return len(t.Size) == 2
}

// Dense views a 2D tensor as a gonum matrix sharing the same backing slice.
func (t *Tensor) Dense() (*mat.Dense, error) {
	if err := checkIsMatrix(t); err != nil {
		return nil, err
	}
	return mat.NewDense(t.Size[0], t.Size[1], t.Data), nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s %v %s", t.Name, t.Size, t.DataType)
}
