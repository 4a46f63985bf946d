package inference

import (
	"context"
	"strings"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/ml"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/model"
)

const newlineWord = "\n"

// GeneratedWord is emitted once per generation step. Fragment is the text
// appended to the output: empty when the padding id was predicted, a bare
// newline for the "\n" word, otherwise the word after a space.
type GeneratedWord struct {
	Step     int
	TokenId  model.TokenId
	Word     string
	Fragment string
}

type InferenceEngine struct {
	model         *model.Model
	inferenceArgs common.InferenceArgs
	logFn         func(format string, v ...any)
}

func NewInferenceEngine(model *model.Model, inferenceArgs common.InferenceArgs, logFn func(format string, v ...any)) *InferenceEngine {
	return &InferenceEngine{
		model:         model,
		inferenceArgs: inferenceArgs,
		logFn:         logFn,
	}
}

func (ie *InferenceEngine) Model() *model.Model {
	return ie.model
}

// DefaultArgs returns the arguments the engine was created with.
func (ie *InferenceEngine) DefaultArgs() common.InferenceArgs {
	return ie.inferenceArgs
}

// Generate streams one GeneratedWord per step. Both channels are closed when
// generation ends; at most one error is sent.
func (ie *InferenceEngine) Generate(ctx context.Context, seedText string, inferenceArgs common.InferenceArgs) (<-chan GeneratedWord, <-chan error) {
	// See: https://betterprogramming.pub/writing-a-stream-api-in-go-afbc3c4350e2
	generatedWordsCh := make(chan GeneratedWord)
	errorCh := make(chan error, 1)
	go func() {
		defer func() {
			close(errorCh)
			close(generatedWordsCh)
		}()
		if err := ie.generateInternal(ctx, seedText, inferenceArgs, generatedWordsCh); err != nil {
			errorCh <- err
		}
	}()
	return generatedWordsCh, errorCh
}

func (ie *InferenceEngine) generateInternal(ctx context.Context, seedText string, inferenceArgs common.InferenceArgs, generatedWordsCh chan<- GeneratedWord) error {
	if inferenceArgs.SequenceLength == 0 {
		inferenceArgs.SequenceLength = ie.inferenceArgs.SequenceLength
	}
	if err := inferenceArgs.Validate(); err != nil {
		return err
	}
	inferenceContext := ie.CreateInferenceContext(inferenceArgs)

	generatedText := seedText
	for step := 0; step < inferenceArgs.NumGenerate; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		// the whole text is tokenized again because a bare newline joins the previous word
		tokens := PadSequence(ie.Tokenize(generatedText), inferenceContext.SequenceLength)
		predictions, err := ie.model.Forward(tokens)
		if err != nil {
			return err
		}
		if predictions, err = ml.DivToScalar(predictions, inferenceArgs.Temperature); err != nil {
			return err
		}
		nextId, err := ml.Argmax(predictions)
		if err != nil {
			return err
		}

		generated := GeneratedWord{Step: step, TokenId: model.TokenId(nextId)}
		if generated.TokenId != model.PadId {
			generated.Word = ie.TokenToString(generated.TokenId)
			if generated.Word == newlineWord {
				generated.Fragment = newlineWord
			} else {
				generated.Fragment = " " + generated.Word
			}
			generatedText += generated.Fragment
		}
		inferenceContext.Logf("step %d/%d, predicted %s", step+1, inferenceArgs.NumGenerate, ie.TokenBatchToDebugString([]model.TokenId{generated.TokenId}))

		select {
		case generatedWordsCh <- generated:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// GenerateText runs all steps and returns the seed followed by the generated words.
func (ie *InferenceEngine) GenerateText(ctx context.Context, seedText string, inferenceArgs common.InferenceArgs) (string, error) {
	var sb strings.Builder
	sb.WriteString(seedText)
	generatedWordsCh, errorCh := ie.Generate(ctx, seedText, inferenceArgs)
	for generated := range generatedWordsCh {
		sb.WriteString(generated.Fragment)
	}
	if err := <-errorCh; err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (ie *InferenceEngine) CreateInferenceContext(inferenceArgs common.InferenceArgs) *model.InferenceContext {
	return model.NewInferenceContext(ie.model, inferenceArgs, ie.logFn)
}
