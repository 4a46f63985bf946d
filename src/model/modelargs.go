package model

import (
	"encoding/json"
	"fmt"
)

type ModelArgs struct {
	Name string `json:"name"`

	InputLength  int `json:"input_length"`  // fixed window length of the saved model, 0 when not fixed
	VocabSize    int `json:"vocab_size"`    // input_dim of the Embedding layer
	EmbeddingDim int `json:"embedding_dim"` // output_dim of the Embedding layer
	OutputDim    int `json:"output_dim"`    // width of the prediction row, set while building layers

	LayerClasses []string `json:"layers"`

	layers []layerConfig
}

func (ma ModelArgs) String() string {
	result, _ := json.Marshal(ma)
	return string(result)
}

func parseModelArgs(configJSON []byte) (*ModelArgs, error) {
	var config sequentialConfig
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("error parsing model configuration: %w", err)
	}
	if config.ClassName != "Sequential" {
		return nil, fmt.Errorf("unsupported model class \"%s\", only Sequential models are supported", config.ClassName)
	}
	if len(config.Config.Layers) == 0 {
		return nil, fmt.Errorf("model configuration has no layers")
	}

	result := &ModelArgs{
		Name:         config.Config.Name,
		LayerClasses: make([]string, 0, len(config.Config.Layers)),
		layers:       config.Config.Layers,
	}
	for _, layer := range config.Config.Layers {
		result.LayerClasses = append(result.LayerClasses, layer.ClassName)
		base, err := layer.base()
		if err != nil {
			return nil, err
		}
		if result.InputLength == 0 {
			result.InputLength = max(fixedSteps(base.BatchShape), fixedSteps(base.BatchInputShape))
		}
		if layer.ClassName == "Embedding" {
			var embedding embeddingConfig
			if err := layer.decode(&embedding); err != nil {
				return nil, err
			}
			result.VocabSize = embedding.InputDim
			result.EmbeddingDim = embedding.OutputDim
			if result.InputLength == 0 && embedding.InputLength != nil {
				result.InputLength = *embedding.InputLength
			}
		}
	}
	if result.InputLength == 0 {
		result.InputLength = fixedSteps(config.Config.BuildInputShape)
	}
	if result.InputLength == 0 && config.BuildConfig != nil {
		result.InputLength = fixedSteps(config.BuildConfig.InputShape)
	}
	return result, nil
}
