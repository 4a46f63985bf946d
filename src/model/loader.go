package model

import (
	"fmt"
	"io"
	"strings"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/corpus"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/kerasfile"
)

const (
	BYTES_KILOBYTE = 1024
	BYTES_MEGABYTE = 1024 * 1024
	BYTES_GIGABYTE = 1024 * 1024 * 1024
)

type LoadOptions struct {
	ModelPath     string
	DatasetPath   string
	DatasetColumn string
	TokenizerPath string // when set, the vocabulary is read from it instead of being fitted on the dataset

	MetaOutput io.Writer // model summary is printed here when not nil
}

func LoadModel(options LoadOptions) (*Model, error) {
	archive, err := kerasfile.Open(options.ModelPath)
	if err != nil {
		return nil, err
	}
	model := &Model{
		Tensors:     archive.Tensors,
		Metadata:    archive.Metadata,
		ArchivePath: archive.Path,
	}
	if err = loadModelArgs(archive.Config, model); err != nil {
		return nil, err
	}
	if err = loadDataset(options, model); err != nil {
		return nil, err
	}
	if err = loadVocab(options, model); err != nil {
		return nil, err
	}

	common.GLogger.ConsolePrintf("Found %d tensors in the model.", len(model.Tensors.GetKeys()))

	if model.SequenceLength < 1 {
		if model.ModelArgs.InputLength < 1 {
			return nil, fmt.Errorf("cannot determine the input window: dataset has no verses and the model has no fixed input length")
		}
		common.GLogger.Warn("dataset has no verses, using the input length of the model", "input_length", model.ModelArgs.InputLength)
		model.SequenceLength = model.ModelArgs.InputLength
	}

	buildSteps := model.ModelArgs.InputLength
	if buildSteps < 1 {
		buildSteps = model.SequenceLength
	}
	if model.Layers, model.LayerSummary, err = buildLayers(model.ModelArgs, buildSteps, archive); err != nil {
		printMeta(options.MetaOutput, model)
		return nil, err
	}

	if err = checkModelArgs(model); err != nil {
		return nil, err
	}

	printMeta(options.MetaOutput, model)

	return model, nil
}

func loadModelArgs(configJSON []byte, model *Model) error {
	common.GLogger.ConsolePrintf("Loading model configuration: \"%s\"...", kerasfile.ConfigFileName)
	modelArgs, err := parseModelArgs(configJSON)
	if err != nil {
		return err
	}
	model.ModelArgs = modelArgs
	common.GLogger.ConsolePrintf("Model configuration: %v", *model.ModelArgs)
	return nil
}

func loadDataset(options LoadOptions, model *Model) error {
	if options.DatasetPath == "" {
		return nil
	}
	dataset, err := corpus.LoadDataset(options.DatasetPath, options.DatasetColumn)
	if err != nil {
		return err
	}
	model.Dataset = dataset
	model.SequenceLength = dataset.MaxVerseLength
	return nil
}

func loadVocab(options LoadOptions, model *Model) error {
	if options.TokenizerPath != "" {
		common.GLogger.ConsolePrintf("Loading vocabulary/tokenizer file: \"%s\"...", options.TokenizerPath)
		vocabulary, err := LoadVocabularyFromTokenizerJSON(options.TokenizerPath)
		if err != nil {
			return err
		}
		model.Vocabulary = vocabulary
		model.VocabularySource = options.TokenizerPath
	} else {
		if model.Dataset == nil {
			return fmt.Errorf("either a dataset or a tokenizer file is required to build the vocabulary")
		}
		common.GLogger.ConsolePrintf("Building vocabulary from dataset: \"%s\"...", model.Dataset.Path)
		// the whole corpus is a single document
		model.Vocabulary = NewVocabulary(model.Dataset.Text)
		model.VocabularySource = model.Dataset.Path
	}
	common.GLogger.ConsolePrintf("Found %d words in the vocabulary.", model.Vocabulary.Size()-1)
	return nil
}

func checkModelArgs(model *Model) error {
	errList := make([]string, 0)
	modelArgs := model.ModelArgs

	// Compare vocabulary size vs. input_dim of the Embedding layer
	if modelArgs.VocabSize < model.Vocabulary.Size() {
		errList = append(errList, fmt.Sprintf("vocabulary size=%d exceeds Embedding input_dim=%d", model.Vocabulary.Size(), modelArgs.VocabSize))
	}
	if modelArgs.InputLength > 0 && modelArgs.InputLength != model.SequenceLength {
		common.GLogger.Warn("input window differs from the input length of the model",
			"sequence_length", model.SequenceLength, "input_length", modelArgs.InputLength)
	}
	if modelArgs.OutputDim != model.Vocabulary.Size() {
		common.GLogger.Warn("prediction width differs from the vocabulary size, unknown ids generate empty words",
			"output_dim", modelArgs.OutputDim, "vocab_size", model.Vocabulary.Size())
	}

	if len(errList) == 0 {
		return nil
	} else {
		return fmt.Errorf("error while checking config and model: %s", errList)
	}
}

func printMeta(w io.Writer, model *Model) {
	if w == nil {
		return
	}
	fmt.Fprint(w, "\nTensors:\n")
	fmt.Fprint(w, "=================================\n")
	for i, tensorName := range model.Tensors.GetKeys() {
		tensor, _ := model.Tensors.Get(tensorName)
		fmt.Fprintf(w, "Tensor %4d: %-48s | %-6s | %v\n", i, tensorName, tensor.DataType, tensor.Size)
	}

	fmt.Fprint(w, "\nLayers:\n")
	fmt.Fprint(w, "=================================\n")
	for i, layer := range model.LayerSummary {
		fmt.Fprintf(w, "Layer %4d: %-24s | %-22s | %-16s | %d params\n", i, layer.Name, layer.ClassName, layer.OutputShape, layer.ParamCount)
	}

	fmt.Fprint(w, "\nModel Metadata:\n")
	fmt.Fprint(w, "=================================\n")

	fmt.Fprintf(w, "Properties from model files:\n")
	fmt.Fprintf(w, "%-60s = %s\n", "Format", "Keras archive (safetensors weights)")
	fmt.Fprintf(w, "%-60s = %s\n", "Architecture", strings.Join(model.ModelArgs.LayerClasses, " > "))
	if model.Metadata != nil {
		fmt.Fprintf(w, "%-60s = %s\n", "Keras version", model.Metadata.KerasVersion)
		fmt.Fprintf(w, "%-60s = %s\n", "Date saved", model.Metadata.DateSaved)
	}
	fmt.Fprintf(w, "%-60s = %s\n", "Vocabulary type", "Word index")

	fmt.Fprintf(w, "\nProperties from model configuration:\n")

	fmt.Fprintf(w, "%-60s = %d\n", "VocabSize (Embedding input_dim)", model.ModelArgs.VocabSize)
	fmt.Fprintf(w, "%-60s = %d\n", "EmbeddingDim (Embedding output_dim)", model.ModelArgs.EmbeddingDim)
	if model.ModelArgs.InputLength > 0 {
		fmt.Fprintf(w, "%-60s = %d\n", "InputLength (fixed input length)", model.ModelArgs.InputLength)
	} else {
		fmt.Fprintf(w, "%-60s = %s\n", "InputLength (fixed input length)", "None")
	}
	fmt.Fprintf(w, "%-60s = %d\n", "OutputDim (prediction width)", model.ModelArgs.OutputDim)

	fmt.Fprintf(w, "\nProperties by calculation:\n")

	if model.Vocabulary != nil {
		fmt.Fprintf(w, "%-60s = %d\n", "Vocabulary size (words + padding)", model.Vocabulary.Size())
		fmt.Fprintf(w, "%-60s = %s\n", "Vocabulary source", model.VocabularySource)
	}
	if model.Dataset != nil {
		fmt.Fprintf(w, "%-60s = %d\n", "Poem count", len(model.Dataset.Poems))
	}
	fmt.Fprintf(w, "%-60s = %d\n", "SequenceLength (longest verse in words)", model.SequenceLength)

	fmt.Fprintf(w, "\nModel statistics:\n")

	elementCount := float64(model.GetElementCount())
	fmt.Fprintf(w, "%-60s = %.2f M\n", "Model element count", elementCount*1e-6)
	bytesCount := float64(model.GetBytesCount())
	bitsPerElement := 0.0
	if elementCount > 0 {
		bitsPerElement = 8 * bytesCount / elementCount
	}
	switch {
	case bytesCount < BYTES_MEGABYTE:
		fmt.Fprintf(w, "%-60s = %.2f KB (%.2f bits per element)\n", "Model size", bytesCount/BYTES_KILOBYTE, bitsPerElement)
	case bytesCount < BYTES_GIGABYTE:
		fmt.Fprintf(w, "%-60s = %.2f MB (%.2f bits per element)\n", "Model size", bytesCount/BYTES_MEGABYTE, bitsPerElement)
	default:
		fmt.Fprintf(w, "%-60s = %.2f GB (%.2f bits per element)\n", "Model size", bytesCount/BYTES_GIGABYTE, bitsPerElement)
	}
	fmt.Fprintln(w)
}
