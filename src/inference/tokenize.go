package inference

import (
	"fmt"
	"strings"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/model"
)

// Tokenize maps the words of text to ids. Words missing from the vocabulary are dropped.
func (ie *InferenceEngine) Tokenize(text string) []model.TokenId {
	vocabulary := ie.model.Vocabulary
	result := vocabulary.WordsToIds(vocabulary.TextToWordSequence(text))
	common.GLogger.DebugPrintf("Tokenized %d characters into %d token ids", len(text), len(result))
	return result
}

// PadSequence keeps the last maxLen ids and fills the front with the padding id.
func PadSequence(tokens []model.TokenId, maxLen int) []model.TokenId {
	if len(tokens) > maxLen {
		tokens = tokens[len(tokens)-maxLen:]
	}
	result := make([]model.TokenId, maxLen)
	copy(result[maxLen-len(tokens):], tokens)
	return result
}

// TokenToString returns an empty string for the padding id and unknown ids.
func (ie *InferenceEngine) TokenToString(tokenId model.TokenId) string {
	word, _ := ie.model.Vocabulary.IdToWord(tokenId)
	return word
}

func (ie *InferenceEngine) TokenBatchToString(tokenIdBatch []model.TokenId) string {
	words := make([]string, 0, len(tokenIdBatch))
	for _, tokenId := range tokenIdBatch {
		if tokenId == model.PadId {
			continue
		}
		words = append(words, ie.TokenToString(tokenId))
	}
	return strings.Join(words, " ")
}

func (ie *InferenceEngine) TokenBatchToDebugString(tokenIdBatch []model.TokenId) string {
	resultStrArray := make([]string, 0, len(tokenIdBatch))
	for _, tokenId := range tokenIdBatch {
		if tokenId == model.PadId {
			resultStrArray = append(resultStrArray, fmt.Sprintf("[id: %d, PAD]", tokenId))
			continue
		}
		word, ok := ie.model.Vocabulary.IdToWord(tokenId)
		if !ok {
			resultStrArray = append(resultStrArray, fmt.Sprintf("[id: %d, UNKNOWN ID]", tokenId))
			continue
		}
		resultStrArray = append(resultStrArray, fmt.Sprintf("[id: %d, %q]", tokenId, emojisToAliases(word)))
	}
	return strings.Join(resultStrArray, ", ")
}
