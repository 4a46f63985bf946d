package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	seluAlpha = 1.6732632423543772848170429916717
	seluScale = 1.0507009873554804934193349852946
)

// Activation transforms x in place.
type Activation func(x *mat.Dense)

func elementwise(fn func(float64) float64) Activation {
	return func(x *mat.Dense) {
		x.Apply(func(_, _ int, v float64) float64 { return fn(v) }, x)
	}
}

var scalarActivations = map[string]func(float64) float64{
	"linear":       func(v float64) float64 { return v },
	"relu":         Relu,
	"sigmoid":      Sigmoid,
	"hard_sigmoid": HardSigmoid,
	"tanh":         math.Tanh,
	"elu":          elu,
	"selu":         selu,
	"softplus":     softplus,
	"softsign":     func(v float64) float64 { return v / (1 + math.Abs(v)) },
	"silu":         Silu,
	"swish":        Silu,
	"gelu":         gelu,
	"exponential":  math.Exp,
}

// GetScalarActivation resolves an element-wise activation, as used inside recurrent cells.
// An empty name means linear.
func GetScalarActivation(name string) (func(float64) float64, error) {
	if name == "" {
		name = "linear"
	}
	result, ok := scalarActivations[name]
	if !ok {
		return nil, fmt.Errorf("unsupported activation \"%s\"", name)
	}
	return result, nil
}

// GetActivation resolves a layer activation name, an empty name means linear.
func GetActivation(name string) (Activation, error) {
	if name == "softmax" {
		return SoftmaxRows, nil
	}
	fn, err := GetScalarActivation(name)
	if err != nil {
		return nil, err
	}
	return elementwise(fn), nil
}

func Relu(x float64) float64 {
	return math.Max(0, x)
}

func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// HardSigmoid is relu6(x + 3) / 6.
func HardSigmoid(x float64) float64 {
	return math.Min(math.Max((x+3)/6, 0), 1)
}

func Silu(x float64) float64 {
	return x * Sigmoid(x)
}

func elu(x float64) float64 {
	if x > 0 {
		return x
	}
	return math.Exp(x) - 1
}

func selu(x float64) float64 {
	if x > 0 {
		return seluScale * x
	}
	return seluScale * seluAlpha * (math.Exp(x) - 1)
}

func softplus(x float64) float64 {
	return math.Log1p(math.Exp(x))
}

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

// SoftmaxRows normalizes each row of x in place.
func SoftmaxRows(x *mat.Dense) {
	rows, _ := x.Dims()
	for r := 0; r < rows; r++ {
		Softmax(x.RawRowView(r))
	}
}

// Softmax normalizes row in place; the row maximum is subtracted for stability.
func Softmax(row []float64) {
	if len(row) == 0 {
		return
	}
	maxVal := floats.Max(row)
	sum := 0.0
	for i, v := range row {
		row[i] = math.Exp(v - maxVal)
		sum += row[i]
	}
	floats.Scale(1/sum, row)
}
