package ml

import (
	"fmt"
	"reflect"
)

func checkIsMatrix(t *Tensor) error {
	if t.IsMatrix() {
		return nil
	}
	return fmt.Errorf("tensor \"%s\" with shape %v is not a matrix", t.Name, t.GetShape())
}

func CheckShape(t *Tensor, expectedShape []int) error {
	if reflect.DeepEqual(t.Size, expectedShape) {
		return nil
	}
	return fmt.Errorf("tensor \"%s\" has incorrect shape; expected %v, got %v", t.Name, expectedShape, t.Size)
}
