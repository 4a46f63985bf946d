package model

import (
	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
)

type InferenceContext struct {
	SequenceLength int // window size used during inference
	VocabSize      int

	logFn func(format string, v ...any)
}

func NewInferenceContext(model *Model, inferenceArgs common.InferenceArgs, logFn func(format string, v ...any)) *InferenceContext {
	context := &InferenceContext{
		VocabSize: model.Vocabulary.Size(),
		logFn:     logFn,
	}
	if inferenceArgs.SequenceLength > 0 {
		context.SequenceLength = inferenceArgs.SequenceLength
	} else {
		context.SequenceLength = model.SequenceLength
	}
	common.GLogger.DebugPrintf("Inference Context created with SequenceLength: %d", context.SequenceLength)
	return context
}

func (ic *InferenceContext) Logf(format string, v ...any) {
	if ic.logFn != nil {
		ic.logFn(format, v...)
	}
}
