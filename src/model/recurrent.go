package model

import (
	"encoding/json"
	"fmt"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/ml"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Weight layout follows Keras: kernel [in_features, gates*units], recurrent
// kernel [units, gates*units], gates concatenated along the last axis.
// LSTM gate order is i, f, c, o; GRU gate order is z, r, h.

type recurrentCell interface {
	Units() int
	ParamCount() int
	// project computes the input contribution of all steps at once.
	project(x *mat.Dense) (*mat.Dense, error)
	// step advances state by one step given the projected input row.
	step(xProj []float64, state *cellState)
	newState() *cellState
}

type cellState struct {
	h []float64 // output of the previous step
	c []float64 // LSTM carry

	scratch  []float64
	scratch2 []float64
}

type RecurrentLayer struct {
	layerInfo
	ReturnSequences bool
	GoBackwards     bool
	// ZeroOutputForMask writes zeros instead of the carried output at masked steps.
	ZeroOutputForMask bool

	cell recurrentCell
}

func newRecurrentLayer(cfg layerConfig, input layerShape, tensors tensorSource, prefix string) (Layer, layerShape, error) {
	result, err := newRecurrentLayerFromConfig(cfg, input, tensors, prefix)
	if err != nil {
		return nil, input, err
	}
	return result, result.outputShape(input), nil
}

func newRecurrentLayerFromConfig(cfg layerConfig, input layerShape, tensors tensorSource, prefix string) (*RecurrentLayer, error) {
	var config recurrentConfig
	if err := cfg.decode(&config); err != nil {
		return nil, err
	}
	if !input.Sequence {
		return nil, fmt.Errorf("%s expects a sequence input, got %s", cfg.ClassName, input)
	}
	if config.Units < 1 {
		return nil, fmt.Errorf("invalid units %d", config.Units)
	}
	activation, err := ml.GetScalarActivation(stringOrDefault(config.Activation, "tanh"))
	if err != nil {
		return nil, err
	}
	recurrentActivation, err := ml.GetScalarActivation(stringOrDefault(config.RecurrentActivation, "sigmoid"))
	if err != nil {
		return nil, err
	}
	weights := &recurrentWeights{
		tensors:    tensors,
		prefix:     prefix + "/cell",
		inputDim:   input.Features,
		units:      config.Units,
		useBias:    boolOrDefault(config.UseBias, true),
		activation: activation,
		recurrent:  recurrentActivation,
		resetAfter: boolOrDefault(config.ResetAfter, true),
	}

	result := &RecurrentLayer{
		layerInfo:         layerInfo{name: config.Name, className: cfg.ClassName},
		ReturnSequences:   config.ReturnSequences,
		GoBackwards:       config.GoBackwards,
		ZeroOutputForMask: config.ZeroOutputForMask,
	}
	switch cfg.ClassName {
	case "LSTM":
		result.cell, err = newLSTMCell(weights)
	case "GRU":
		result.cell, err = newGRUCell(weights)
	case "SimpleRNN":
		result.cell, err = newSimpleRNNCell(weights)
	default:
		err = fmt.Errorf("unsupported recurrent layer class \"%s\"", cfg.ClassName)
	}
	if err != nil {
		return nil, err
	}
	result.paramCount = result.cell.ParamCount()
	return result, nil
}

func (l *RecurrentLayer) outputShape(input layerShape) layerShape {
	if l.ReturnSequences {
		return layerShape{Steps: input.Steps, Features: l.cell.Units(), Sequence: true}
	}
	return layerShape{Features: l.cell.Units()}
}

// Forward runs the cell over all steps. Masked steps carry the previous state
// over unchanged. Their output is the carried one, or zeros with ZeroOutputForMask.
func (l *RecurrentLayer) Forward(input *Activations) (*Activations, error) {
	if !input.Sequence {
		return nil, fmt.Errorf("%s expects a sequence input", l.className)
	}
	xProj, err := l.cell.project(input.Data)
	if err != nil {
		return nil, err
	}
	steps, _ := xProj.Dims()
	units := l.cell.Units()
	state := l.cell.newState()

	var outputs *mat.Dense
	if l.ReturnSequences {
		outputs = mat.NewDense(steps, units, nil)
	}
	for i := 0; i < steps; i++ {
		t := i
		if l.GoBackwards {
			t = steps - 1 - i
		}
		masked := input.Mask != nil && !input.Mask[t]
		if !masked {
			l.cell.step(xProj.RawRowView(t), state)
		}
		if outputs != nil && !(masked && l.ZeroOutputForMask) {
			outputs.SetRow(i, state.h)
		}
	}
	if outputs != nil {
		return &Activations{Data: outputs, Mask: input.Mask, Sequence: true}, nil
	}
	last := make([]float64, units)
	copy(last, state.h)
	return &Activations{Data: mat.NewDense(1, units, last)}, nil
}

type recurrentWeights struct {
	tensors  tensorSource
	prefix   string
	inputDim int
	units    int
	useBias  bool

	activation func(float64) float64
	recurrent  func(float64) float64
	resetAfter bool
}

func (rw *recurrentWeights) load(gates int, biasShape []int) (kernel *mat.Dense, recurrentKernel *mat.Dense, bias []float64, err error) {
	if kernel, err = getLayerMatrix(rw.tensors, rw.prefix, 0, rw.inputDim, gates*rw.units); err != nil {
		return
	}
	if recurrentKernel, err = getLayerMatrix(rw.tensors, rw.prefix, 1, rw.units, gates*rw.units); err != nil {
		return
	}
	if rw.useBias {
		var biasTensor *ml.Tensor
		if biasTensor, err = getLayerTensor(rw.tensors, rw.prefix, 2, biasShape); err != nil {
			return
		}
		bias = biasTensor.Data
	}
	return
}

func (rw *recurrentWeights) paramCount(gates int, biasSize int) int {
	result := gates * rw.units * (rw.inputDim + rw.units)
	if rw.useBias {
		result += biasSize
	}
	return result
}

func newCellState(units int, scratchSize int) *cellState {
	return &cellState{
		h:        make([]float64, units),
		c:        make([]float64, units),
		scratch:  make([]float64, scratchSize),
		scratch2: make([]float64, units),
	}
}

// LSTM

type lstmCell struct {
	*recurrentWeights
	kernel          *mat.Dense
	recurrentKernel *mat.Dense
	bias            []float64
}

func newLSTMCell(weights *recurrentWeights) (*lstmCell, error) {
	result := &lstmCell{recurrentWeights: weights}
	var err error
	if result.kernel, result.recurrentKernel, result.bias, err = weights.load(4, []int{4 * weights.units}); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *lstmCell) Units() int {
	return c.units
}

func (c *lstmCell) ParamCount() int {
	return c.paramCount(4, 4*c.units)
}

func (c *lstmCell) newState() *cellState {
	return newCellState(c.units, 4*c.units)
}

func (c *lstmCell) project(x *mat.Dense) (*mat.Dense, error) {
	return ml.LinearTransformation(x, c.kernel, c.bias)
}

func (c *lstmCell) step(xProj []float64, state *cellState) {
	u := c.units
	z := state.scratch
	mat.NewVecDense(4*u, z).MulVec(c.recurrentKernel.T(), mat.NewVecDense(u, state.h))
	floats.Add(z, xProj)
	for j := 0; j < u; j++ {
		i := c.recurrent(z[j])
		f := c.recurrent(z[u+j])
		g := c.activation(z[2*u+j])
		o := c.recurrent(z[3*u+j])
		state.c[j] = f*state.c[j] + i*g
		state.h[j] = o * c.activation(state.c[j])
	}
}

// GRU

type gruCell struct {
	*recurrentWeights
	kernel          *mat.Dense
	recurrentKernel *mat.Dense
	inputBias       []float64
	recurrentBias   []float64 // only with reset_after
}

func newGRUCell(weights *recurrentWeights) (*gruCell, error) {
	u := weights.units
	biasShape := []int{3 * u}
	if weights.resetAfter {
		biasShape = []int{2, 3 * u}
	}
	result := &gruCell{recurrentWeights: weights}
	var bias []float64
	var err error
	if result.kernel, result.recurrentKernel, bias, err = weights.load(3, biasShape); err != nil {
		return nil, err
	}
	if bias != nil {
		result.inputBias = bias[:3*u]
		if weights.resetAfter {
			result.recurrentBias = bias[3*u:]
		}
	}
	return result, nil
}

func (c *gruCell) Units() int {
	return c.units
}

func (c *gruCell) ParamCount() int {
	if c.resetAfter {
		return c.paramCount(3, 6*c.units)
	}
	return c.paramCount(3, 3*c.units)
}

func (c *gruCell) newState() *cellState {
	return newCellState(c.units, 3*c.units)
}

func (c *gruCell) project(x *mat.Dense) (*mat.Dense, error) {
	return ml.LinearTransformation(x, c.kernel, c.inputBias)
}

func (c *gruCell) step(xProj []float64, state *cellState) {
	u := c.units
	inner := state.scratch
	h := mat.NewVecDense(u, state.h)
	if c.resetAfter {
		mat.NewVecDense(3*u, inner).MulVec(c.recurrentKernel.T(), h)
		if c.recurrentBias != nil {
			floats.Add(inner, c.recurrentBias)
		}
		for j := 0; j < u; j++ {
			z := c.recurrent(xProj[j] + inner[j])
			r := c.recurrent(xProj[u+j] + inner[u+j])
			hh := c.activation(xProj[2*u+j] + r*inner[2*u+j])
			state.h[j] = z*state.h[j] + (1-z)*hh
		}
		return
	}

	// reset gate is applied to the previous state before the recurrent projection
	mat.NewVecDense(2*u, inner[:2*u]).MulVec(c.recurrentKernel.Slice(0, u, 0, 2*u).T(), h)
	zs := inner[:u]
	rh := state.scratch2
	for j := 0; j < u; j++ {
		zs[j] = c.recurrent(xProj[j] + inner[j])
		rh[j] = c.recurrent(xProj[u+j]+inner[u+j]) * state.h[j]
	}
	innerH := inner[2*u:]
	mat.NewVecDense(u, innerH).MulVec(c.recurrentKernel.Slice(0, u, 2*u, 3*u).T(), mat.NewVecDense(u, rh))
	for j := 0; j < u; j++ {
		hh := c.activation(xProj[2*u+j] + innerH[j])
		state.h[j] = zs[j]*state.h[j] + (1-zs[j])*hh
	}
}

// SimpleRNN

type simpleRNNCell struct {
	*recurrentWeights
	kernel          *mat.Dense
	recurrentKernel *mat.Dense
	bias            []float64
}

func newSimpleRNNCell(weights *recurrentWeights) (*simpleRNNCell, error) {
	result := &simpleRNNCell{recurrentWeights: weights}
	var err error
	if result.kernel, result.recurrentKernel, result.bias, err = weights.load(1, []int{weights.units}); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *simpleRNNCell) Units() int {
	return c.units
}

func (c *simpleRNNCell) ParamCount() int {
	return c.paramCount(1, c.units)
}

func (c *simpleRNNCell) newState() *cellState {
	return newCellState(c.units, c.units)
}

func (c *simpleRNNCell) project(x *mat.Dense) (*mat.Dense, error) {
	return ml.LinearTransformation(x, c.kernel, c.bias)
}

func (c *simpleRNNCell) step(xProj []float64, state *cellState) {
	inner := state.scratch
	mat.NewVecDense(c.units, inner).MulVec(c.recurrentKernel.T(), mat.NewVecDense(c.units, state.h))
	for j := range state.h {
		state.h[j] = c.activation(xProj[j] + inner[j])
	}
}

// Bidirectional

type BidirectionalLayer struct {
	layerInfo
	MergeMode string

	forward  *RecurrentLayer
	backward *RecurrentLayer
}

func newBidirectionalLayer(cfg layerConfig, input layerShape, tensors tensorSource, prefix string) (Layer, layerShape, error) {
	var config bidirectionalConfig
	if err := cfg.decode(&config); err != nil {
		return nil, input, err
	}
	result := &BidirectionalLayer{
		layerInfo: layerInfo{name: config.Name, className: cfg.ClassName},
	}
	var err error
	if result.MergeMode, err = config.mergeMode(); err != nil {
		return nil, input, err
	}
	switch result.MergeMode {
	case "concat", "sum", "mul", "ave":
	default:
		return nil, input, fmt.Errorf("unsupported merge mode \"%s\"", result.MergeMode)
	}

	if result.forward, err = newRecurrentLayerFromConfig(config.Layer, input, tensors, prefix+"/forward_layer"); err != nil {
		return nil, input, err
	}
	backwardConfig := config.BackwardLayer
	if backwardConfig == nil {
		if backwardConfig, err = flippedDirection(config.Layer); err != nil {
			return nil, input, err
		}
	}
	if result.backward, err = newRecurrentLayerFromConfig(*backwardConfig, input, tensors, prefix+"/backward_layer"); err != nil {
		return nil, input, err
	}
	if result.forward.ReturnSequences != result.backward.ReturnSequences || result.forward.cell.Units() != result.backward.cell.Units() {
		return nil, input, fmt.Errorf("forward and backward layers have different output shapes")
	}
	// padded steps of both directions come out as zeros, so the reversed
	// backward sequence stays aligned with the forward one
	result.forward.ZeroOutputForMask = result.forward.ReturnSequences
	result.backward.ZeroOutputForMask = result.backward.ReturnSequences
	result.paramCount = result.forward.ParamCount() + result.backward.ParamCount()

	outputShape := result.forward.outputShape(input)
	if result.MergeMode == "concat" {
		outputShape.Features *= 2
	}
	return result, outputShape, nil
}

// flippedDirection returns a copy of cfg with go_backwards inverted.
func flippedDirection(cfg layerConfig) (*layerConfig, error) {
	var raw map[string]any
	if err := cfg.decode(&raw); err != nil {
		return nil, err
	}
	goBackwards, _ := raw["go_backwards"].(bool)
	raw["go_backwards"] = !goBackwards
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return &layerConfig{ClassName: cfg.ClassName, Config: data}, nil
}

func (l *BidirectionalLayer) Forward(input *Activations) (*Activations, error) {
	forwardOut, err := l.forward.Forward(input)
	if err != nil {
		return nil, err
	}
	backwardOut, err := l.backward.Forward(input)
	if err != nil {
		return nil, err
	}
	backwardData := backwardOut.Data
	if backwardOut.Sequence {
		// realign the backward outputs with the input steps
		backwardData = ml.Reverse(backwardData)
	}

	var merged *mat.Dense
	switch l.MergeMode {
	case "concat":
		if merged, err = ml.ConcatColumns(forwardOut.Data, backwardData); err != nil {
			return nil, err
		}
	case "sum":
		merged = mat.DenseCopyOf(forwardOut.Data)
		merged.Add(merged, backwardData)
	case "mul":
		merged = mat.DenseCopyOf(forwardOut.Data)
		merged.MulElem(merged, backwardData)
	case "ave":
		merged = mat.DenseCopyOf(forwardOut.Data)
		merged.Add(merged, backwardData)
		merged.Scale(0.5, merged)
	}
	return &Activations{Data: merged, Mask: forwardOut.Mask, Sequence: forwardOut.Sequence}, nil
}
