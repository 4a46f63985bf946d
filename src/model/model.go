package model

import (
	"fmt"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/corpus"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/kerasfile"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/ml"
	"gonum.org/v1/gonum/mat"
)

type TokenId int32

type Model struct {
	Tensors    *kerasfile.OrderedDict[*ml.Tensor]
	ModelArgs  *ModelArgs
	Vocabulary *Vocabulary
	Metadata   *kerasfile.Metadata
	Dataset    *corpus.Dataset // nil when the vocabulary comes from a tokenizer file

	// SequenceLength is the window fed to the model: the word count of the
	// longest verse in the dataset.
	SequenceLength int

	Layers       []Layer
	LayerSummary []LayerSummary

	ArchivePath      string
	VocabularySource string // dataset or tokenizer file the vocabulary was built from
}

// Forward runs one window of token ids through the layers and returns the
// prediction row of the last position.
func (m *Model) Forward(window []TokenId) ([]float64, error) {
	if len(window) == 0 {
		return nil, fmt.Errorf("empty token window")
	}
	ids := mat.NewDense(len(window), 1, nil)
	for i, id := range window {
		ids.Set(i, 0, float64(id))
	}
	x := &Activations{Data: ids, Sequence: true}
	var err error
	for _, layer := range m.Layers {
		if x, err = layer.Forward(x); err != nil {
			return nil, fmt.Errorf("error in layer \"%s\": %w", layer.Name(), err)
		}
	}
	return ml.LastRow(x.Data), nil
}

func (m *Model) GetElementCount() int {
	result := 0
	for _, key := range m.Tensors.GetKeys() {
		tensor, _ := m.Tensors.Get(key)
		result += tensor.GetElementCount()
	}
	return result
}

func (m *Model) GetBytesCount() int {
	result := 0
	for _, key := range m.Tensors.GetKeys() {
		tensor, _ := m.Tensors.Get(key)
		result += tensor.GetBytesCount()
	}
	return result
}
