package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	PadId TokenId = 0

	defaultSplit = " "
)

// Vocabulary is a word-level index fitted on the corpus. Words are ordered by
// frequency, ties keep the order in which the words were first seen, and ids
// start at 1 because 0 is the padding id.
type Vocabulary struct {
	WordIndex  map[string]TokenId
	IndexWord  []string // IndexWord[0] is the padding slot and stays empty
	WordCounts map[string]int

	DocumentCount int

	Lower    bool
	Split    string
	Filters  string  // characters replaced by Split before splitting
	NumWords int     // ids >= NumWords are treated as unknown, 0 = unlimited
	OOVToken *string // unknown words map to the id of this word when set
}

func newEmptyVocabulary() *Vocabulary {
	return &Vocabulary{
		WordIndex:  make(map[string]TokenId),
		IndexWord:  []string{""},
		WordCounts: make(map[string]int),
		Lower:      true,
		Split:      defaultSplit,
	}
}

// NewVocabulary fits a vocabulary on texts, lower-casing and splitting on a
// single space with no character filters, so "\n" stays part of the words.
func NewVocabulary(texts ...string) *Vocabulary {
	result := newEmptyVocabulary()
	firstSeen := make([]string, 0)
	for _, text := range texts {
		result.DocumentCount++
		for _, word := range result.TextToWordSequence(text) {
			if _, ok := result.WordCounts[word]; !ok {
				firstSeen = append(firstSeen, word)
			}
			result.WordCounts[word]++
		}
	}
	sort.SliceStable(firstSeen, func(i, j int) bool {
		return result.WordCounts[firstSeen[i]] > result.WordCounts[firstSeen[j]]
	})
	for _, word := range firstSeen {
		result.WordIndex[word] = TokenId(len(result.IndexWord))
		result.IndexWord = append(result.IndexWord, word)
	}
	return result
}

// Size includes the padding id.
func (v *Vocabulary) Size() int {
	return len(v.IndexWord)
}

func (v *Vocabulary) TextToWordSequence(text string) []string {
	if v.Lower {
		text = cases.Lower(language.Und).String(text)
	}
	split := v.Split
	if split == "" {
		split = defaultSplit
	}
	if v.Filters != "" {
		text = strings.NewReplacer(filterReplacements(v.Filters, split)...).Replace(text)
	}
	pieces := strings.Split(text, split)
	result := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		if piece != "" {
			result = append(result, piece)
		}
	}
	return result
}

func filterReplacements(filters string, split string) []string {
	result := make([]string, 0, 2*len(filters))
	for _, r := range filters {
		result = append(result, string(r), split)
	}
	return result
}

// WordsToIds maps words to ids. Unknown words are skipped unless an OOV token is configured.
func (v *Vocabulary) WordsToIds(words []string) []TokenId {
	oovId, hasOOV := PadId, false
	if v.OOVToken != nil {
		oovId, hasOOV = v.WordIndex[*v.OOVToken]
	}
	result := make([]TokenId, 0, len(words))
	for _, word := range words {
		id, ok := v.WordIndex[word]
		switch {
		case ok && (v.NumWords == 0 || int(id) < v.NumWords):
			result = append(result, id)
		case hasOOV:
			result = append(result, oovId)
		}
	}
	return result
}

// IdToWord returns false for the padding id and ids outside the vocabulary.
func (v *Vocabulary) IdToWord(id TokenId) (string, bool) {
	if id <= PadId || int(id) >= len(v.IndexWord) {
		return "", false
	}
	return v.IndexWord[id], true
}

type tokenizerJSON struct {
	ClassName string `json:"class_name"`
	Config    struct {
		NumWords      *int    `json:"num_words"`
		Filters       string  `json:"filters"`
		Lower         bool    `json:"lower"`
		Split         string  `json:"split"`
		CharLevel     bool    `json:"char_level"`
		OOVToken      *string `json:"oov_token"`
		DocumentCount int     `json:"document_count"`
		WordCounts    string  `json:"word_counts"`
		WordIndex     string  `json:"word_index"`
	} `json:"config"`
}

// LoadVocabularyFromTokenizerJSON reads a tokenizer exported with tokenizer.to_json(),
// which lets the exact vocabulary used in training be supplied instead of refitting it.
func LoadVocabularyFromTokenizerJSON(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading tokenizer file: %w", err)
	}
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("error parsing tokenizer file \"%s\": %w", path, err)
	}
	if tj.ClassName != "Tokenizer" {
		return nil, fmt.Errorf("unsupported tokenizer class \"%s\" in \"%s\"", tj.ClassName, path)
	}
	if tj.Config.CharLevel {
		return nil, fmt.Errorf("character level tokenizers are not supported")
	}
	// word_index and word_counts are JSON documents encoded as strings
	wordIndex := make(map[string]TokenId)
	if err := json.Unmarshal([]byte(tj.Config.WordIndex), &wordIndex); err != nil {
		return nil, fmt.Errorf("error parsing word_index of tokenizer \"%s\": %w", path, err)
	}
	wordCounts := make(map[string]int)
	if tj.Config.WordCounts != "" {
		if err := json.Unmarshal([]byte(tj.Config.WordCounts), &wordCounts); err != nil {
			return nil, fmt.Errorf("error parsing word_counts of tokenizer \"%s\": %w", path, err)
		}
	}

	result := newEmptyVocabulary()
	result.WordCounts = wordCounts
	result.DocumentCount = tj.Config.DocumentCount
	result.Lower = tj.Config.Lower
	result.Split = tj.Config.Split
	result.Filters = tj.Config.Filters
	result.OOVToken = tj.Config.OOVToken
	if tj.Config.NumWords != nil {
		result.NumWords = *tj.Config.NumWords
	}
	maxId := TokenId(0)
	for word, id := range wordIndex {
		if id <= PadId {
			return nil, fmt.Errorf("word \"%s\" has invalid id %d in tokenizer \"%s\"", word, id, path)
		}
		maxId = max(maxId, id)
	}
	result.IndexWord = make([]string, maxId+1)
	for word, id := range wordIndex {
		result.WordIndex[word] = id
		result.IndexWord[id] = word
	}
	return result, nil
}
