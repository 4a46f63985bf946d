package common

import (
	"errors"
	"fmt"
)

var ErrInvalidArgument = errors.New("invalid argument")

const (
	DefaultNumGenerate = 50
	DefaultTemperature = 1.0
)

type InferenceArgs struct {
	NumGenerate    int     // count of generation steps; steps predicting the padding id produce no word
	Temperature    float64 // divisor applied to the predicted distribution, must be > 0
	SequenceLength int     // input window, 0 = from model
}

func NewInferenceArgs() InferenceArgs {
	return InferenceArgs{
		NumGenerate:    DefaultNumGenerate,
		Temperature:    DefaultTemperature,
		SequenceLength: 0,
	}
}

func (ia InferenceArgs) Validate() error {
	if ia.NumGenerate < 0 {
		return fmt.Errorf("%w: number of words must not be negative, got %d", ErrInvalidArgument, ia.NumGenerate)
	}
	if !(ia.Temperature > 0) {
		return fmt.Errorf("%w: temperature must be greater than 0, got %g", ErrInvalidArgument, ia.Temperature)
	}
	if ia.SequenceLength < 0 {
		return fmt.Errorf("%w: sequence length must not be negative, got %d", ErrInvalidArgument, ia.SequenceLength)
	}
	return nil
}
