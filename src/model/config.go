package model

import (
	"encoding/json"
	"fmt"
)

// See: https://keras.io/api/models/model_saving_apis/model_saving_and_loading/
// Only the fields needed for inference are decoded from config.json.

type sequentialConfig struct {
	ClassName string `json:"class_name"`
	Config    struct {
		Name            string        `json:"name"`
		Layers          []layerConfig `json:"layers"`
		BuildInputShape []*int        `json:"build_input_shape"`
	} `json:"config"`
	BuildConfig *struct {
		InputShape []*int `json:"input_shape"`
	} `json:"build_config"`
}

type layerConfig struct {
	ClassName string          `json:"class_name"`
	Config    json.RawMessage `json:"config"`
}

type baseLayerConfig struct {
	Name            string `json:"name"`
	BatchShape      []*int `json:"batch_shape"`       // InputLayer
	BatchInputShape []*int `json:"batch_input_shape"` // older format, any first layer
	InputLength     *int   `json:"input_length"`      // older format, Embedding
}

type embeddingConfig struct {
	baseLayerConfig
	InputDim  int  `json:"input_dim"`
	OutputDim int  `json:"output_dim"`
	MaskZero  bool `json:"mask_zero"`
}

type recurrentConfig struct {
	baseLayerConfig
	Units               int     `json:"units"`
	Activation          *string `json:"activation"`
	RecurrentActivation *string `json:"recurrent_activation"`
	UseBias             *bool   `json:"use_bias"`
	ReturnSequences     bool    `json:"return_sequences"`
	GoBackwards         bool    `json:"go_backwards"`
	ZeroOutputForMask   bool    `json:"zero_output_for_mask"`
	ResetAfter          *bool   `json:"reset_after"` // GRU only
}

type bidirectionalConfig struct {
	baseLayerConfig
	Layer         layerConfig     `json:"layer"`
	BackwardLayer *layerConfig    `json:"backward_layer"`
	MergeMode     json.RawMessage `json:"merge_mode"` // null means separate outputs
}

// mergeMode returns "concat" when merge_mode is missing.
func (bc *bidirectionalConfig) mergeMode() (string, error) {
	if len(bc.MergeMode) == 0 {
		return "concat", nil
	}
	var result *string
	if err := json.Unmarshal(bc.MergeMode, &result); err != nil {
		return "", fmt.Errorf("invalid merge mode %s: %w", bc.MergeMode, err)
	}
	if result == nil {
		return "", fmt.Errorf("merge mode null (separate outputs) is not supported")
	}
	return *result, nil
}

type denseConfig struct {
	baseLayerConfig
	Units      int     `json:"units"`
	Activation *string `json:"activation"`
	UseBias    *bool   `json:"use_bias"`
}

type activationConfig struct {
	baseLayerConfig
	Activation string `json:"activation"`
}

func (lc layerConfig) decode(target any) error {
	if len(lc.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(lc.Config, target); err != nil {
		return fmt.Errorf("error parsing configuration of %s layer: %w", lc.ClassName, err)
	}
	return nil
}

func (lc layerConfig) base() (baseLayerConfig, error) {
	var result baseLayerConfig
	err := lc.decode(&result)
	return result, err
}

func stringOrDefault(val *string, defaultVal string) string {
	if val == nil {
		return defaultVal
	}
	return *val
}

func boolOrDefault(val *bool, defaultVal bool) bool {
	if val == nil {
		return defaultVal
	}
	return *val
}

// fixedSteps returns the time dimension of a [batch, steps, ...] shape, 0 when it is not fixed.
func fixedSteps(shape []*int) int {
	if len(shape) < 2 || shape[1] == nil {
		return 0
	}
	return *shape[1]
}
