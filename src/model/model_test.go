package model

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/dtype"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/kerasfile"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/ml"
)

func newTestTensor(t *testing.T, name string, size []int, data []float64) *ml.Tensor {
	t.Helper()
	result, err := ml.NewTensor(name, size, dtype.F32, data)
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func sequentialJSON(inputLength int, layers ...string) string {
	return fmt.Sprintf(`{"module": "keras", "class_name": "Sequential", "config": {"name": "sequential", "layers": [
		{"class_name": "InputLayer", "config": {"name": "input_layer", "batch_shape": [null, %d], "dtype": "float32"}},
		%s]}}`, inputLength, strings.Join(layers, ",\n"))
}

func buildTestModel(t *testing.T, configJSON string, steps int, tensors ...*ml.Tensor) *Model {
	t.Helper()
	modelArgs, err := parseModelArgs([]byte(configJSON))
	if err != nil {
		t.Fatal(err)
	}
	dict := kerasfile.NewOrderedDict[*ml.Tensor]()
	for _, tensor := range tensors {
		dict.Set(tensor.Name, tensor)
	}
	result := &Model{Tensors: dict, ModelArgs: modelArgs, SequenceLength: steps}
	if result.Layers, result.LayerSummary, err = buildLayers(modelArgs, steps, &kerasfile.ModelArchive{Tensors: dict}); err != nil {
		t.Fatal(err)
	}
	return result
}

func forwardTestModel(t *testing.T, model *Model, window []TokenId) []float64 {
	t.Helper()
	result, err := model.Forward(window)
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

const embeddingLayerJSON = `{"class_name": "Embedding", "config": {"name": "embedding", "input_dim": 4, "output_dim": 1, "mask_zero": %t}}`

// Embedding rows: id 0 -> 0.7, id 1 -> 1, id 2 -> -1, id 3 -> 2
func testEmbeddingTensor(t *testing.T) *ml.Tensor {
	return newTestTensor(t, "layers/embedding/vars/0", []int{4, 1}, []float64{0.7, 1, -1, 2})
}

func TestParseModelArgs(t *testing.T) {
	modelArgs, err := parseModelArgs([]byte(sequentialJSON(7,
		`{"class_name": "Embedding", "config": {"name": "embedding", "input_dim": 120, "output_dim": 16}}`,
		`{"class_name": "LSTM", "config": {"name": "lstm", "units": 8}}`,
	)))
	if err != nil {
		t.Fatal(err)
	}
	if modelArgs.InputLength != 7 || modelArgs.VocabSize != 120 || modelArgs.EmbeddingDim != 16 {
		t.Errorf("Expected input length 7, vocab size 120, embedding dim 16, but got %v", modelArgs)
	}
	expectedClasses := "InputLayer,Embedding,LSTM"
	if actual := strings.Join(modelArgs.LayerClasses, ","); actual != expectedClasses {
		t.Errorf("Expected layer classes %s, but got %s", expectedClasses, actual)
	}

	// older configs carry the window length on the Embedding layer
	modelArgs, err = parseModelArgs([]byte(`{"class_name": "Sequential", "config": {"name": "sequential", "layers": [
		{"class_name": "Embedding", "config": {"name": "embedding", "input_dim": 50, "output_dim": 4, "input_length": 12, "batch_input_shape": [null, 12]}}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	if modelArgs.InputLength != 12 {
		t.Errorf("Expected input length %d, but got %d", 12, modelArgs.InputLength)
	}

	if _, err := parseModelArgs([]byte(`{"class_name": "Functional", "config": {"layers": []}}`)); err == nil {
		t.Errorf("error expected for functional model")
	}
	if _, err := parseModelArgs([]byte(`{"class_name": "Sequential", "config": {"layers": []}}`)); err == nil {
		t.Errorf("error expected for model without layers")
	}
}

func TestEmbeddingFlattenDense(t *testing.T) {
	model := buildTestModel(t, sequentialJSON(2,
		`{"class_name": "Embedding", "config": {"name": "embedding", "input_dim": 3, "output_dim": 2}}`,
		`{"class_name": "Dropout", "config": {"name": "dropout", "rate": 0.2}}`,
		`{"class_name": "Flatten", "config": {"name": "flatten"}}`,
		`{"class_name": "Dense", "config": {"name": "dense", "units": 2, "activation": "linear"}}`,
	), 2,
		newTestTensor(t, "layers/embedding/vars/0", []int{3, 2}, []float64{0, 0, 1, 2, 3, 4}),
		newTestTensor(t, "layers/dense/vars/0", []int{4, 2}, []float64{1, 0, 0, 1, 1, 0, 0, 1}),
		newTestTensor(t, "layers/dense/vars/1", []int{2}, []float64{0.5, -0.5}),
	)
	actual := forwardTestModel(t, model, []TokenId{1, 2})
	if err := ml.CompareTestRow([]float64{4.5, 5.5}, actual, common.THRESHOLD_EXACT); err != nil {
		t.Error(err)
	}
	if model.ModelArgs.OutputDim != 2 {
		t.Errorf("Expected output dim %d, but got %d", 2, model.ModelArgs.OutputDim)
	}
	if model.LayerSummary[2].OutputShape != "(None, 4)" || model.LayerSummary[3].ParamCount != 10 {
		t.Errorf("Unexpected layer summary %+v", model.LayerSummary)
	}
	if _, err := model.Forward([]TokenId{1, 3}); err == nil {
		t.Errorf("error expected for token id out of embedding range")
	}
}

func lstmTestModel(t *testing.T, maskZero bool) *Model {
	return buildTestModel(t, sequentialJSON(3,
		fmt.Sprintf(embeddingLayerJSON, maskZero),
		`{"class_name": "LSTM", "config": {"name": "lstm", "units": 1, "activation": "tanh", "recurrent_activation": "sigmoid", "return_sequences": false}}`,
		`{"class_name": "Dense", "config": {"name": "dense", "units": 4, "activation": "linear", "use_bias": false}}`,
	), 3,
		testEmbeddingTensor(t),
		newTestTensor(t, "layers/lstm/cell/vars/0", []int{1, 4}, []float64{0.5, 0.5, 0.5, 0.5}),
		newTestTensor(t, "layers/lstm/cell/vars/1", []int{1, 4}, []float64{0.1, 0.2, 0.3, 0.4}),
		newTestTensor(t, "layers/lstm/cell/vars/2", []int{4}, []float64{0, 1, 0, 0}),
		newTestTensor(t, "layers/dense/vars/0", []int{1, 4}, []float64{1, 2, 3, 4}),
	)
}

func lstmReference(inputs ...float64) []float64 {
	h, c := 0.0, 0.0
	for _, x := range inputs {
		i := sigmoid(0.5*x + 0.1*h)
		f := sigmoid(0.5*x + 0.2*h + 1)
		g := math.Tanh(0.5*x + 0.3*h)
		o := sigmoid(0.5*x + 0.4*h)
		c = f*c + i*g
		h = o * math.Tanh(c)
	}
	return []float64{h, 2 * h, 3 * h, 4 * h}
}

func TestLSTMForward(t *testing.T) {
	model := lstmTestModel(t, false)
	actual := forwardTestModel(t, model, []TokenId{1, 2, 3})
	if err := ml.CompareTestRow(lstmReference(1, -1, 2), actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
	// padding steps are regular inputs without a mask
	actual = forwardTestModel(t, model, []TokenId{0, 0, 3})
	if err := ml.CompareTestRow(lstmReference(0.7, 0.7, 2), actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
	if model.LayerSummary[1].ParamCount != 12 {
		t.Errorf("Expected %d LSTM params, but got %d", 12, model.LayerSummary[1].ParamCount)
	}
}

func TestLSTMForwardMasked(t *testing.T) {
	model := lstmTestModel(t, true)
	actual := forwardTestModel(t, model, []TokenId{0, 0, 3})
	if err := ml.CompareTestRow(lstmReference(2), actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
	actual = forwardTestModel(t, model, []TokenId{0, 1, 3})
	if err := ml.CompareTestRow(lstmReference(1, 2), actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
}

func TestGRUForward(t *testing.T) {
	gruJSON := `{"class_name": "GRU", "config": {"name": "gru", "units": 1, "reset_after": %t}}`
	denseJSON := `{"class_name": "Dense", "config": {"name": "dense", "units": 1, "use_bias": false}}`
	kernel := []float64{0.5, -0.5, 1}
	recurrentKernel := []float64{0.2, 0.3, 0.4}
	denseKernel := newTestTensor(t, "layers/dense/vars/0", []int{1, 1}, []float64{1})

	model := buildTestModel(t, sequentialJSON(2, fmt.Sprintf(embeddingLayerJSON, false), fmt.Sprintf(gruJSON, true), denseJSON), 2,
		testEmbeddingTensor(t),
		newTestTensor(t, "layers/gru/cell/vars/0", []int{1, 3}, kernel),
		newTestTensor(t, "layers/gru/cell/vars/1", []int{1, 3}, recurrentKernel),
		newTestTensor(t, "layers/gru/cell/vars/2", []int{2, 3}, []float64{0.1, 0.2, 0.3, 0.01, 0.02, 0.03}),
		denseKernel,
	)
	h := 0.0
	for _, x := range []float64{1, 2} {
		z := sigmoid(0.5*x + 0.1 + 0.2*h + 0.01)
		r := sigmoid(-0.5*x + 0.2 + 0.3*h + 0.02)
		hh := math.Tanh(x + 0.3 + r*(0.4*h+0.03))
		h = z*h + (1-z)*hh
	}
	actual := forwardTestModel(t, model, []TokenId{1, 3})
	if err := ml.CompareTestRow([]float64{h}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}

	model = buildTestModel(t, sequentialJSON(2, fmt.Sprintf(embeddingLayerJSON, false), fmt.Sprintf(gruJSON, false), denseJSON), 2,
		testEmbeddingTensor(t),
		newTestTensor(t, "layers/gru/cell/vars/0", []int{1, 3}, kernel),
		newTestTensor(t, "layers/gru/cell/vars/1", []int{1, 3}, recurrentKernel),
		newTestTensor(t, "layers/gru/cell/vars/2", []int{3}, []float64{0.1, 0.2, 0.3}),
		denseKernel,
	)
	h = 0.0
	for _, x := range []float64{1, 2} {
		z := sigmoid(0.5*x + 0.1 + 0.2*h)
		r := sigmoid(-0.5*x + 0.2 + 0.3*h)
		hh := math.Tanh(x + 0.3 + 0.4*(r*h))
		h = z*h + (1-z)*hh
	}
	actual = forwardTestModel(t, model, []TokenId{1, 3})
	if err := ml.CompareTestRow([]float64{h}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
}

func simpleRNNReference(kernel float64, recurrentKernel float64, bias float64, inputs ...float64) []float64 {
	result := make([]float64, len(inputs))
	h := 0.0
	for i, x := range inputs {
		h = math.Tanh(kernel*x + bias + recurrentKernel*h)
		result[i] = h
	}
	return result
}

func bidirectionalTestModel(t *testing.T, mergeMode string, returnSequences bool) *Model {
	return bidirectionalTestModelWith(t, 2, false, fmt.Sprintf(`"merge_mode": "%s", `, mergeMode), returnSequences)
}

// mergeModeJSON is spliced into the Bidirectional config as is, so it may be empty.
func bidirectionalTestModelWith(t *testing.T, steps int, maskZero bool, mergeModeJSON string, returnSequences bool, layers ...string) *Model {
	layers = append([]string{
		fmt.Sprintf(embeddingLayerJSON, maskZero),
		fmt.Sprintf(`{"class_name": "Bidirectional", "config": {"name": "bidirectional", %s
			"layer": {"class_name": "SimpleRNN", "config": {"name": "simple_rnn", "units": 1, "return_sequences": %t}}}}`, mergeModeJSON, returnSequences),
	}, layers...)
	return buildTestModel(t, sequentialJSON(steps, layers...), steps,
		testEmbeddingTensor(t),
		newTestTensor(t, "layers/bidirectional/forward_layer/cell/vars/0", []int{1, 1}, []float64{0.5}),
		newTestTensor(t, "layers/bidirectional/forward_layer/cell/vars/1", []int{1, 1}, []float64{0.3}),
		newTestTensor(t, "layers/bidirectional/forward_layer/cell/vars/2", []int{1}, []float64{0.1}),
		newTestTensor(t, "layers/bidirectional/backward_layer/cell/vars/0", []int{1, 1}, []float64{-0.4}),
		newTestTensor(t, "layers/bidirectional/backward_layer/cell/vars/1", []int{1, 1}, []float64{0.6}),
		newTestTensor(t, "layers/bidirectional/backward_layer/cell/vars/2", []int{1}, []float64{0.2}),
	)
}

func TestBidirectionalForward(t *testing.T) {
	forwardOut := simpleRNNReference(0.5, 0.3, 0.1, 1, 2)
	backwardOut := simpleRNNReference(-0.4, 0.6, 0.2, 2, 1)

	actual := forwardTestModel(t, bidirectionalTestModel(t, "concat", false), []TokenId{1, 3})
	if err := ml.CompareTestRow([]float64{forwardOut[1], backwardOut[1]}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}

	actual = forwardTestModel(t, bidirectionalTestModel(t, "sum", false), []TokenId{1, 3})
	if err := ml.CompareTestRow([]float64{forwardOut[1] + backwardOut[1]}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}

	// with sequences, the last position pairs the full forward pass with the first backward step
	actual = forwardTestModel(t, bidirectionalTestModel(t, "ave", true), []TokenId{1, 3})
	if err := ml.CompareTestRow([]float64{(forwardOut[1] + backwardOut[0]) / 2}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}

	// merge_mode defaults to concat
	actual = forwardTestModel(t, bidirectionalTestModelWith(t, 2, false, "", false), []TokenId{1, 3})
	if err := ml.CompareTestRow([]float64{forwardOut[1], backwardOut[1]}, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
}

func TestBidirectionalForwardMasked(t *testing.T) {
	forwardOut := simpleRNNReference(0.5, 0.3, 0.1, 1, 2)
	backwardOut := simpleRNNReference(-0.4, 0.6, 0.2, 2, 1)

	// the padded first step is zero in both directions, the backward state
	// reached after the last two steps is not carried into it
	model := bidirectionalTestModelWith(t, 3, true, `"merge_mode": "concat", `, true,
		`{"class_name": "Flatten", "config": {"name": "flatten"}}`)
	actual := forwardTestModel(t, model, []TokenId{0, 1, 3})
	expected := []float64{
		0, 0,
		forwardOut[0], backwardOut[1],
		forwardOut[1], backwardOut[0],
	}
	if err := ml.CompareTestRow(expected, actual, common.THRESHOLD_F32); err != nil {
		t.Error(err)
	}
}

func TestPoolingAndActivation(t *testing.T) {
	poolingModel := func(className string, maskZero bool) *Model {
		return buildTestModel(t, sequentialJSON(3,
			fmt.Sprintf(embeddingLayerJSON, maskZero),
			fmt.Sprintf(`{"class_name": "%s", "config": {"name": "pooling"}}`, className),
			`{"class_name": "Activation", "config": {"name": "activation", "activation": "relu"}}`,
		), 3, testEmbeddingTensor(t))
	}
	testCases := []struct {
		className string
		maskZero  bool
		window    []TokenId
		expected  float64
	}{
		{"GlobalAveragePooling1D", false, []TokenId{1, 3, 3}, 5.0 / 3},
		{"GlobalAveragePooling1D", true, []TokenId{0, 1, 3}, 1.5},
		{"GlobalAveragePooling1D", false, []TokenId{2, 2, 2}, 0},
		{"GlobalMaxPooling1D", false, []TokenId{2, 0, 1}, 1},
	}
	for _, testCase := range testCases {
		actual := forwardTestModel(t, poolingModel(testCase.className, testCase.maskZero), testCase.window)
		if err := ml.CompareTestRow([]float64{testCase.expected}, actual, common.THRESHOLD_F32); err != nil {
			t.Errorf("%s %v: %v", testCase.className, testCase.window, err)
		}
	}
}

func TestBuildLayersErrors(t *testing.T) {
	testCases := map[string]string{
		"unknown layer": sequentialJSON(2, fmt.Sprintf(embeddingLayerJSON, false),
			`{"class_name": "Conv1D", "config": {"name": "conv1d"}}`),
		"missing embedding": sequentialJSON(2,
			`{"class_name": "Dense", "config": {"name": "dense", "units": 1}}`),
		"missing tensor": sequentialJSON(2, fmt.Sprintf(embeddingLayerJSON, false),
			`{"class_name": "LSTM", "config": {"name": "lstm", "units": 1}}`),
		"unsupported merge mode": sequentialJSON(2, fmt.Sprintf(embeddingLayerJSON, false),
			`{"class_name": "Bidirectional", "config": {"name": "bidirectional", "merge_mode": null,
				"layer": {"class_name": "LSTM", "config": {"name": "lstm", "units": 1}}}}`),
		"unknown activation": sequentialJSON(2, fmt.Sprintf(embeddingLayerJSON, false),
			`{"class_name": "Activation", "config": {"name": "activation", "activation": "mish"}}`),
	}
	for name, configJSON := range testCases {
		modelArgs, err := parseModelArgs([]byte(configJSON))
		if err != nil {
			t.Fatal(err)
		}
		dict := kerasfile.NewOrderedDict[*ml.Tensor]()
		dict.Set("layers/embedding/vars/0", testEmbeddingTensor(t))
		if _, _, err := buildLayers(modelArgs, 2, &kerasfile.ModelArchive{Tensors: dict}); err == nil {
			t.Errorf("%s: error expected", name)
		}
	}
}

func writeTestArtifacts(t *testing.T, embeddingInputDim int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	datasetPath := filepath.Join(dir, "dataset.csv")
	dataset := "Poet,Poetry\nA,\"ek do ek\nteen do ek\"\nB,do teen\n"
	if err := os.WriteFile(datasetPath, []byte(dataset), 0o644); err != nil {
		t.Fatal(err)
	}

	modelPath := filepath.Join(dir, "model.keras")
	config := sequentialJSON(3,
		fmt.Sprintf(`{"class_name": "Embedding", "config": {"name": "embedding", "input_dim": %d, "output_dim": 2}}`, embeddingInputDim),
		`{"class_name": "GlobalAveragePooling1D", "config": {"name": "global_average_pooling1d"}}`,
		`{"class_name": "Dense", "config": {"name": "dense", "units": 6, "activation": "softmax"}}`,
	)
	embeddings := make([]float64, embeddingInputDim*2)
	for i := range embeddings {
		embeddings[i] = float64(i%5) * 0.1
	}
	tensors := []*ml.Tensor{
		newTestTensor(t, "layers/embedding/vars/0", []int{embeddingInputDim, 2}, embeddings),
		newTestTensor(t, "layers/dense/vars/0", []int{2, 6}, []float64{1, 2, 3, 4, 5, 6, -1, -2, -3, -4, -5, -6}),
		newTestTensor(t, "layers/dense/vars/1", []int{6}, []float64{0, 0, 0, 0, 0, 0}),
	}
	metadata := &kerasfile.Metadata{KerasVersion: "3.4.1", DateSaved: "2024-12-01@12:00:00"}
	if err := kerasfile.WriteArchive(modelPath, []byte(config), metadata, tensors); err != nil {
		t.Fatal(err)
	}
	return modelPath, datasetPath
}

func TestLoadModel(t *testing.T) {
	modelPath, datasetPath := writeTestArtifacts(t, 6)
	var meta bytes.Buffer
	model, err := LoadModel(LoadOptions{ModelPath: modelPath, DatasetPath: datasetPath, MetaOutput: &meta})
	if err != nil {
		t.Fatal(err)
	}
	if model.SequenceLength != 3 {
		t.Errorf("Expected sequence length %d, but got %d", 3, model.SequenceLength)
	}
	// "do" is the most frequent word; "ek\nteen" and "ek\ndo" keep their newlines
	expectedWords := []string{"", "do", "ek", "ek\nteen", "ek\ndo", "teen"}
	if strings.Join(model.Vocabulary.IndexWord, "|") != strings.Join(expectedWords, "|") {
		t.Errorf("Expected words %q, but got %q", expectedWords, model.Vocabulary.IndexWord)
	}
	if model.GetElementCount() != 12+12+6 {
		t.Errorf("Expected element count %d, but got %d", 30, model.GetElementCount())
	}

	probabilities := forwardTestModel(t, model, []TokenId{0, 1, 2})
	if len(probabilities) != 6 {
		t.Fatalf("Expected %d probabilities, but got %d", 6, len(probabilities))
	}
	sum := 0.0
	for _, p := range probabilities {
		sum += p
	}
	if !common.AlmostEqualFloat64(sum, 1, common.THRESHOLD_F32) {
		t.Errorf("Expected probabilities to sum to 1, but got %g", sum)
	}
	for _, expected := range []string{"layers/dense/vars/0", "GlobalAveragePooling1D", "3.4.1"} {
		if !strings.Contains(meta.String(), expected) {
			t.Errorf("Expected model summary to contain %q", expected)
		}
	}
}

func TestLoadModelVocabularyTooLarge(t *testing.T) {
	modelPath, datasetPath := writeTestArtifacts(t, 4)
	_, err := LoadModel(LoadOptions{ModelPath: modelPath, DatasetPath: datasetPath})
	if err == nil || !strings.Contains(err.Error(), "exceeds Embedding input_dim") {
		t.Errorf("Expected vocabulary size error, but got %v", err)
	}
}

func TestLoadModelRequiresVocabularySource(t *testing.T) {
	modelPath, _ := writeTestArtifacts(t, 6)
	if _, err := LoadModel(LoadOptions{ModelPath: modelPath}); err == nil {
		t.Errorf("error expected without dataset and tokenizer")
	}
}
