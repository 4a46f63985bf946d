package corpus

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
)

const DefaultColumn = "Poetry"

// Cells read as missing values by pandas.read_csv with default settings.
var missingValues = map[string]struct{}{
	"": {}, "#N/A": {}, "#N/A N/A": {}, "#NA": {}, "-1.#IND": {}, "-1.#QNAN": {}, "-NaN": {}, "-nan": {},
	"1.#IND": {}, "1.#QNAN": {}, "<NA>": {}, "N/A": {}, "NA": {}, "NULL": {}, "NaN": {}, "None": {},
	"n/a": {}, "nan": {}, "null": {},
}

type Dataset struct {
	Path   string
	Column string

	Poems          []string // non-missing cells of Column, in file order
	Text           string   // Poems joined by "\n"
	MaxVerseLength int
}

func LoadDataset(path string, column string) (*Dataset, error) {
	if column == "" {
		column = DefaultColumn
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening dataset: %w", err)
	}
	defer file.Close()
	common.GLogger.ConsolePrintf("Loading dataset file: \"%s\"...", path)

	poems, err := readColumn(file, column)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset \"%s\": %w", path, err)
	}
	result := &Dataset{
		Path:           path,
		Column:         column,
		Poems:          poems,
		Text:           strings.Join(poems, "\n"),
		MaxVerseLength: MaxVerseLength(poems),
	}
	common.GLogger.ConsolePrintf("Found %d poems in column \"%s\", longest verse has %d words.", len(poems), column, result.MaxVerseLength)
	return result, nil
}

func readColumn(r io.Reader, column string) ([]string, error) {
	bufferedReader := bufio.NewReader(r)
	crlf := hasCRLFLineEndings(bufferedReader)
	reader := csv.NewReader(bufferedReader)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing header row")
		}
		return nil, err
	}
	columnIdx := -1
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if name == column {
			columnIdx = i
			break
		}
	}
	if columnIdx < 0 {
		return nil, fmt.Errorf("column \"%s\" not found in header %v", column, header)
	}

	result := make([]string, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if columnIdx >= len(record) {
			continue
		}
		cell := record[columnIdx]
		if _, missing := missingValues[cell]; missing {
			continue
		}
		if crlf {
			// csv.Reader turns "\r\n" inside quoted cells into "\n", pandas keeps it
			cell = strings.ReplaceAll(cell, "\n", "\r\n")
		}
		result = append(result, cell)
	}
	return result, nil
}

// hasCRLFLineEndings reports whether the first line of r ends with "\r\n", without consuming it.
func hasCRLFLineEndings(r *bufio.Reader) bool {
	data, _ := r.Peek(r.Size())
	idx := bytes.IndexByte(data, '\n')
	return idx > 0 && data[idx-1] == '\r'
}

// MaxVerseLength returns the word count of the longest verse, where verses are
// the "\n" separated lines of each poem.
func MaxVerseLength(poems []string) int {
	result := 0
	for _, poem := range poems {
		for _, verse := range strings.Split(poem, "\n") {
			result = max(result, len(strings.Fields(verse)))
		}
	}
	return result
}
