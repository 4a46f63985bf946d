package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LinearTransformation computes input·kernel + bias; kernel is [in_features, out_features]
// and bias may be nil.
func LinearTransformation(input mat.Matrix, kernel *mat.Dense, bias []float64) (*mat.Dense, error) {
	_, inputCols := input.Dims()
	kernelRows, kernelCols := kernel.Dims()
	if inputCols != kernelRows {
		return nil, fmt.Errorf("input with %d features is not compatible with kernel of shape [%d %d]", inputCols, kernelRows, kernelCols)
	}
	if bias != nil && len(bias) != kernelCols {
		return nil, fmt.Errorf("bias length %d is not compatible with kernel of shape [%d %d]", len(bias), kernelRows, kernelCols)
	}
	var dst mat.Dense
	dst.Mul(input, kernel)
	if bias != nil {
		AddRowVector(&dst, bias)
	}
	return &dst, nil
}

// AddRowVector broadcasts vec over every row of x.
func AddRowVector(x *mat.Dense, vec []float64) {
	rows, _ := x.Dims()
	for r := 0; r < rows; r++ {
		floats.Add(x.RawRowView(r), vec)
	}
}

// DivToScalar returns a copy of row divided by scalar.
func DivToScalar(row []float64, scalar float64) ([]float64, error) {
	if scalar == 0 || math.IsNaN(scalar) {
		return nil, fmt.Errorf("cannot divide by scalar %g", scalar)
	}
	dst := make([]float64, len(row))
	copy(dst, row)
	floats.Scale(1/scalar, dst)
	return dst, nil
}

// Argmax returns the index of the first maximum, as numpy does for ties.
func Argmax(row []float64) (int, error) {
	if len(row) == 0 {
		return -1, fmt.Errorf("cannot take argmax of an empty row")
	}
	return floats.MaxIdx(row), nil
}

// Reverse returns the rows of x in reverse order.
func Reverse(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	dst := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		dst.SetRow(rows-1-r, x.RawRowView(r))
	}
	return dst
}

// ConcatColumns joins a and b side by side.
func ConcatColumns(a *mat.Dense, b *mat.Dense) (*mat.Dense, error) {
	aRows, aCols := a.Dims()
	bRows, bCols := b.Dims()
	if aRows != bRows {
		return nil, fmt.Errorf("cannot concatenate matrices with %d and %d rows", aRows, bRows)
	}
	dst := mat.NewDense(aRows, aCols+bCols, nil)
	for r := 0; r < aRows; r++ {
		row := dst.RawRowView(r)
		copy(row, a.RawRowView(r))
		copy(row[aCols:], b.RawRowView(r))
	}
	return dst, nil
}

// LastRow returns a copy of the last row of x.
func LastRow(x *mat.Dense) []float64 {
	rows, cols := x.Dims()
	dst := make([]float64, cols)
	copy(dst, x.RawRowView(rows-1))
	return dst
}
