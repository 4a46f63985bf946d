package ml

import (
	"fmt"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"gonum.org/v1/gonum/mat"
)

func CompareTestMatrix(expected [][]float64, actual *mat.Dense, floatThreshold float64) error {
	if actual == nil {
		return fmt.Errorf("actual matrix is nil")
	}
	rows, cols := actual.Dims()
	if len(expected) != rows {
		return fmt.Errorf("expected %d rows, but got %d", len(expected), rows)
	}
	for r, expectedRow := range expected {
		if len(expectedRow) != cols {
			return fmt.Errorf("expected %d columns at row %d, but got %d", len(expectedRow), r, cols)
		}
		if err := CompareTestRow(expectedRow, actual.RawRowView(r), floatThreshold); err != nil {
			return fmt.Errorf("row %d: %w", r, err)
		}
	}
	return nil
}

func CompareTestRow(expected []float64, actual []float64, floatThreshold float64) error {
	if len(expected) != len(actual) {
		return fmt.Errorf("expected length %d, but got %d", len(expected), len(actual))
	}
	for i := range expected {
		if !common.AlmostEqualFloat64(actual[i], expected[i], floatThreshold) {
			return fmt.Errorf("expected %g, but got %g at index: %d", expected[i], actual[i], i)
		}
	}
	return nil
}
