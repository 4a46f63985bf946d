package model

import (
	"fmt"
	"math"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/ml"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Activations flow between layers: one row per time step for sequences, a single row otherwise.
type Activations struct {
	Data     *mat.Dense
	Mask     []bool // per step, false = padding step; nil when nothing is masked
	Sequence bool
}

type Layer interface {
	Name() string
	ClassName() string
	ParamCount() int
	Forward(input *Activations) (*Activations, error)
}

type tensorSource interface {
	GetTensor(name string, expectedShape []int) (*ml.Tensor, error)
}

type layerShape struct {
	Steps    int
	Features int
	Sequence bool
}

func (ls layerShape) String() string {
	if ls.Sequence {
		return fmt.Sprintf("(None, %d, %d)", ls.Steps, ls.Features)
	}
	return fmt.Sprintf("(None, %d)", ls.Features)
}

type LayerSummary struct {
	Name        string
	ClassName   string
	OutputShape string
	ParamCount  int
}

func getLayerTensor(tensors tensorSource, prefix string, varIndex int, expectedShape []int) (*ml.Tensor, error) {
	return tensors.GetTensor(fmt.Sprintf("%s/vars/%d", prefix, varIndex), expectedShape)
}

func getLayerMatrix(tensors tensorSource, prefix string, varIndex int, rows int, cols int) (*mat.Dense, error) {
	tensor, err := getLayerTensor(tensors, prefix, varIndex, []int{rows, cols})
	if err != nil {
		return nil, err
	}
	return tensor.Dense()
}

func getLayerVector(tensors tensorSource, prefix string, varIndex int, size int) ([]float64, error) {
	tensor, err := getLayerTensor(tensors, prefix, varIndex, []int{size})
	if err != nil {
		return nil, err
	}
	return tensor.Data, nil
}

func buildLayers(modelArgs *ModelArgs, steps int, tensors tensorSource) ([]Layer, []LayerSummary, error) {
	layers := make([]Layer, 0, len(modelArgs.layers))
	summaries := make([]LayerSummary, 0, len(modelArgs.layers))
	shape := layerShape{Steps: steps, Features: 1, Sequence: true}
	for _, cfg := range modelArgs.layers {
		if cfg.ClassName == "InputLayer" {
			continue
		}
		if len(layers) == 0 && cfg.ClassName != "Embedding" {
			return nil, nil, fmt.Errorf("first layer must be an Embedding layer, got %s", cfg.ClassName)
		}
		base, err := cfg.base()
		if err != nil {
			return nil, nil, err
		}
		layer, outputShape, err := buildLayer(cfg, shape, tensors, "layers/"+base.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("error building layer \"%s\": %w", base.Name, err)
		}
		layers = append(layers, layer)
		summaries = append(summaries, LayerSummary{
			Name:        layer.Name(),
			ClassName:   layer.ClassName(),
			OutputShape: outputShape.String(),
			ParamCount:  layer.ParamCount(),
		})
		shape = outputShape
	}
	if len(layers) == 0 {
		return nil, nil, fmt.Errorf("model has no computing layers")
	}
	modelArgs.OutputDim = shape.Features
	return layers, summaries, nil
}

func buildLayer(cfg layerConfig, input layerShape, tensors tensorSource, prefix string) (Layer, layerShape, error) {
	switch cfg.ClassName {
	case "Embedding":
		return newEmbeddingLayer(cfg, input, tensors, prefix)
	case "LSTM", "GRU", "SimpleRNN":
		return newRecurrentLayer(cfg, input, tensors, prefix)
	case "Bidirectional":
		return newBidirectionalLayer(cfg, input, tensors, prefix)
	case "Dense":
		return newDenseLayer(cfg, input, tensors, prefix)
	case "Activation":
		return newActivationLayer(cfg, input)
	case "Dropout", "SpatialDropout1D", "GaussianNoise", "GaussianDropout", "AlphaDropout":
		return newIdentityLayer(cfg, input)
	case "Flatten":
		return newFlattenLayer(cfg, input)
	case "GlobalAveragePooling1D", "GlobalMaxPooling1D":
		return newPoolingLayer(cfg, input)
	}
	return nil, input, fmt.Errorf("unsupported layer class \"%s\"", cfg.ClassName)
}

type layerInfo struct {
	name       string
	className  string
	paramCount int
}

func (li layerInfo) Name() string {
	return li.name
}

func (li layerInfo) ClassName() string {
	return li.className
}

func (li layerInfo) ParamCount() int {
	return li.paramCount
}

func newLayerInfo(cfg layerConfig) (layerInfo, error) {
	base, err := cfg.base()
	if err != nil {
		return layerInfo{}, err
	}
	return layerInfo{name: base.Name, className: cfg.ClassName}, nil
}

// Embedding

type EmbeddingLayer struct {
	layerInfo
	InputDim  int
	OutputDim int
	MaskZero  bool

	embeddings *mat.Dense // [InputDim, OutputDim]
}

func newEmbeddingLayer(cfg layerConfig, input layerShape, tensors tensorSource, prefix string) (Layer, layerShape, error) {
	var config embeddingConfig
	if err := cfg.decode(&config); err != nil {
		return nil, input, err
	}
	if config.InputDim < 1 || config.OutputDim < 1 {
		return nil, input, fmt.Errorf("invalid embedding dimensions [%d %d]", config.InputDim, config.OutputDim)
	}
	result := &EmbeddingLayer{
		layerInfo: layerInfo{name: config.Name, className: cfg.ClassName, paramCount: config.InputDim * config.OutputDim},
		InputDim:  config.InputDim,
		OutputDim: config.OutputDim,
		MaskZero:  config.MaskZero,
	}
	var err error
	if result.embeddings, err = getLayerMatrix(tensors, prefix, 0, config.InputDim, config.OutputDim); err != nil {
		return nil, input, err
	}
	return result, layerShape{Steps: input.Steps, Features: config.OutputDim, Sequence: true}, nil
}

// Forward reads token ids from the single input column.
func (l *EmbeddingLayer) Forward(input *Activations) (*Activations, error) {
	steps, _ := input.Data.Dims()
	result := &Activations{
		Data:     mat.NewDense(steps, l.OutputDim, nil),
		Sequence: true,
	}
	if l.MaskZero {
		result.Mask = make([]bool, steps)
	}
	for t := 0; t < steps; t++ {
		id := int(input.Data.At(t, 0))
		if id < 0 || id >= l.InputDim {
			return nil, fmt.Errorf("token id %d is out of range [0, %d)", id, l.InputDim)
		}
		result.Data.SetRow(t, l.embeddings.RawRowView(id))
		if l.MaskZero {
			result.Mask[t] = id != int(PadId)
		}
	}
	return result, nil
}

// Dense

type DenseLayer struct {
	layerInfo
	Units int

	kernel     *mat.Dense // [in_features, Units]
	bias       []float64
	activation ml.Activation
}

func newDenseLayer(cfg layerConfig, input layerShape, tensors tensorSource, prefix string) (Layer, layerShape, error) {
	var config denseConfig
	if err := cfg.decode(&config); err != nil {
		return nil, input, err
	}
	if config.Units < 1 {
		return nil, input, fmt.Errorf("invalid units %d", config.Units)
	}
	activation, err := ml.GetActivation(stringOrDefault(config.Activation, "linear"))
	if err != nil {
		return nil, input, err
	}
	result := &DenseLayer{
		layerInfo:  layerInfo{name: config.Name, className: cfg.ClassName},
		Units:      config.Units,
		activation: activation,
	}
	if result.kernel, err = getLayerMatrix(tensors, prefix, 0, input.Features, config.Units); err != nil {
		return nil, input, err
	}
	result.paramCount = input.Features * config.Units
	if boolOrDefault(config.UseBias, true) {
		if result.bias, err = getLayerVector(tensors, prefix, 1, config.Units); err != nil {
			return nil, input, err
		}
		result.paramCount += config.Units
	}
	return result, layerShape{Steps: input.Steps, Features: config.Units, Sequence: input.Sequence}, nil
}

func (l *DenseLayer) Forward(input *Activations) (*Activations, error) {
	output, err := ml.LinearTransformation(input.Data, l.kernel, l.bias)
	if err != nil {
		return nil, err
	}
	l.activation(output)
	return &Activations{Data: output, Mask: input.Mask, Sequence: input.Sequence}, nil
}

// Activation

type ActivationLayer struct {
	layerInfo
	activation ml.Activation
}

func newActivationLayer(cfg layerConfig, input layerShape) (Layer, layerShape, error) {
	var config activationConfig
	if err := cfg.decode(&config); err != nil {
		return nil, input, err
	}
	activation, err := ml.GetActivation(config.Activation)
	if err != nil {
		return nil, input, err
	}
	return &ActivationLayer{
		layerInfo:  layerInfo{name: config.Name, className: cfg.ClassName},
		activation: activation,
	}, input, nil
}

func (l *ActivationLayer) Forward(input *Activations) (*Activations, error) {
	output := mat.DenseCopyOf(input.Data)
	l.activation(output)
	return &Activations{Data: output, Mask: input.Mask, Sequence: input.Sequence}, nil
}

// IdentityLayer covers layers that only act during training, like Dropout.
type IdentityLayer struct {
	layerInfo
}

func newIdentityLayer(cfg layerConfig, input layerShape) (Layer, layerShape, error) {
	info, err := newLayerInfo(cfg)
	if err != nil {
		return nil, input, err
	}
	return &IdentityLayer{layerInfo: info}, input, nil
}

func (l *IdentityLayer) Forward(input *Activations) (*Activations, error) {
	return input, nil
}

// Flatten

type FlattenLayer struct {
	layerInfo
}

func newFlattenLayer(cfg layerConfig, input layerShape) (Layer, layerShape, error) {
	info, err := newLayerInfo(cfg)
	if err != nil {
		return nil, input, err
	}
	if !input.Sequence {
		return &FlattenLayer{layerInfo: info}, input, nil
	}
	return &FlattenLayer{layerInfo: info}, layerShape{Features: input.Steps * input.Features}, nil
}

func (l *FlattenLayer) Forward(input *Activations) (*Activations, error) {
	if !input.Sequence {
		return input, nil
	}
	rows, cols := input.Data.Dims()
	data := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		data = append(data, input.Data.RawRowView(r)...)
	}
	return &Activations{Data: mat.NewDense(1, rows*cols, data)}, nil
}

// Global pooling over time steps

type PoolingLayer struct {
	layerInfo
}

func newPoolingLayer(cfg layerConfig, input layerShape) (Layer, layerShape, error) {
	info, err := newLayerInfo(cfg)
	if err != nil {
		return nil, input, err
	}
	if !input.Sequence {
		return nil, input, fmt.Errorf("%s expects a sequence input, got %s", cfg.ClassName, input)
	}
	return &PoolingLayer{layerInfo: info}, layerShape{Features: input.Features}, nil
}

func (l *PoolingLayer) Forward(input *Activations) (*Activations, error) {
	rows, cols := input.Data.Dims()
	result := make([]float64, cols)
	switch l.className {
	case "GlobalMaxPooling1D":
		for c := range result {
			result[c] = math.Inf(-1)
		}
		for r := 0; r < rows; r++ {
			for c, v := range input.Data.RawRowView(r) {
				result[c] = math.Max(result[c], v)
			}
		}
	default:
		// average over the steps kept by the mask; all-padding input stays zero
		count := 0
		for r := 0; r < rows; r++ {
			if input.Mask != nil && !input.Mask[r] {
				continue
			}
			floats.Add(result, input.Data.RawRowView(r))
			count++
		}
		if count > 0 {
			floats.Scale(1/float64(count), result)
		}
	}
	return &Activations{Data: mat.NewDense(1, cols, result)}, nil
}
