package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/xeipuuv/gojsonschema"
)

const maxSeedTextLength = 2000

// GenerateRequest is shared by the form, the JSON API and the WebSocket stream.
// Missing numbers fall back to the configured defaults.
type GenerateRequest struct {
	SeedText    string   `json:"seed_text"`
	NumWords    *int     `json:"num_words,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type GenerateResponse struct {
	GeneratedText string `json:"generated_text"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestId string `json:"request_id,omitempty"`
}

type requestValidator struct {
	schema *gojsonschema.Schema
}

func newRequestValidator(generation *common.GenerationConfig) (*requestValidator, error) {
	schemaJSON := fmt.Sprintf(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"required": ["seed_text"],
	"properties": {
		"seed_text": {"type": "string", "maxLength": %d},
		"num_words": {"type": "integer", "minimum": %d, "maximum": %d},
		"temperature": {"type": "number", "minimum": %g, "maximum": %g}
	}
}`, maxSeedTextLength, generation.MinWords, generation.MaxWords, generation.MinTemperature, generation.MaxTemperature)

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("error compiling request schema: %w", err)
	}
	return &requestValidator{schema: schema}, nil
}

func (rv *requestValidator) validate(document gojsonschema.JSONLoader) error {
	result, err := rv.schema.Validate(document)
	if err != nil {
		return fmt.Errorf("%w: malformed request: %v", common.ErrInvalidArgument, err)
	}
	if result.Valid() {
		return nil
	}
	errList := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errList = append(errList, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%w: %s", common.ErrInvalidArgument, strings.Join(errList, "; "))
}

// decodeJSON validates data before decoding it, so type errors are reported
// with field names.
func (rv *requestValidator) decodeJSON(data []byte) (GenerateRequest, error) {
	var result GenerateRequest
	if err := rv.validate(gojsonschema.NewBytesLoader(data)); err != nil {
		return result, err
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	return result, nil
}

// decodeForm reads the fields of a submitted form. Empty number fields keep their defaults.
func (rv *requestValidator) decodeForm(r *http.Request) (GenerateRequest, error) {
	var result GenerateRequest
	if err := r.ParseForm(); err != nil {
		return result, fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
	}
	result.SeedText = r.PostForm.Get("seed_text")
	if value := strings.TrimSpace(r.PostForm.Get("num_words")); value != "" {
		numWords, err := strconv.Atoi(value)
		if err != nil {
			return result, fmt.Errorf("%w: num_words must be an integer, got \"%s\"", common.ErrInvalidArgument, value)
		}
		result.NumWords = &numWords
	}
	if value := strings.TrimSpace(r.PostForm.Get("temperature")); value != "" {
		temperature, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return result, fmt.Errorf("%w: temperature must be a number, got \"%s\"", common.ErrInvalidArgument, value)
		}
		result.Temperature = &temperature
	}
	if err := rv.validate(gojsonschema.NewGoLoader(result)); err != nil {
		return result, err
	}
	return result, nil
}

func inferenceArgsFor(defaults common.InferenceArgs, generation *common.GenerationConfig, req GenerateRequest) common.InferenceArgs {
	result := defaults
	result.NumGenerate = generation.DefaultWords
	result.Temperature = generation.DefaultTemperature
	if req.NumWords != nil {
		result.NumGenerate = *req.NumWords
	}
	if req.Temperature != nil {
		result.Temperature = *req.Temperature
	}
	return result
}
