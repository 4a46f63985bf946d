package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
)

const (
	PageTitle       = "Roman Urdu Poetry Generator"
	PageDescription = "Enter a seed word and generate poetry in Roman Urdu with newline support."
)

//go:embed templates/index.html
var templateFS embed.FS

type pageData struct {
	Title             string
	Description       string
	Generation        *common.GenerationConfig
	MaxSeedTextLength int

	SeedText      string
	NumWords      int
	Temperature   float64
	GeneratedText string
	Error         string
}

type pageRenderer struct {
	template   *template.Template
	generation *common.GenerationConfig
}

func newPageRenderer(generation *common.GenerationConfig) (*pageRenderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("error parsing page template: %w", err)
	}
	return &pageRenderer{template: tmpl, generation: generation}, nil
}

func (pr *pageRenderer) newPageData(req GenerateRequest) pageData {
	result := pageData{
		Title:             PageTitle,
		Description:       PageDescription,
		Generation:        pr.generation,
		MaxSeedTextLength: maxSeedTextLength,
		SeedText:          req.SeedText,
		NumWords:          pr.generation.DefaultWords,
		Temperature:       pr.generation.DefaultTemperature,
	}
	if req.NumWords != nil {
		result.NumWords = *req.NumWords
	}
	if req.Temperature != nil {
		result.Temperature = *req.Temperature
	}
	return result
}

// render executes the template into a buffer first, so a template error
// still produces a clean 500 response.
func (pr *pageRenderer) render(w http.ResponseWriter, status int, data pageData) {
	var buf bytes.Buffer
	if err := pr.template.Execute(&buf, data); err != nil {
		common.GLogger.Error("error rendering page", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
