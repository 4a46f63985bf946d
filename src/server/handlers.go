package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
)

type healthResponse struct {
	Status         string `json:"status"`
	Model          string `json:"model"`
	VocabularySize int    `json:"vocabulary_size"`
	SequenceLength int    `json:"sequence_length"`
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	s.page.render(w, http.StatusOK, s.page.newPageData(GenerateRequest{}))
}

func (s *Server) handleFormSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxRequestBytes)
	req, err := s.validator.decodeForm(r)
	if err == nil {
		var generatedText string
		if generatedText, err = s.generate(r.Context(), "form", req, nil); err == nil {
			data := s.page.newPageData(req)
			data.GeneratedText = generatedText
			s.page.render(w, http.StatusOK, data)
			return
		}
	}
	data := s.page.newPageData(req)
	data.Error = err.Error()
	s.page.render(w, statusCodeFor(err), data)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxRequestBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error:     fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit),
				RequestId: requestIdFrom(r.Context()),
			})
			return
		}
		writeJSONError(w, r, fmt.Errorf("%w: error reading request body: %v", common.ErrInvalidArgument, err))
		return
	}
	req, err := s.validator.decodeJSON(body)
	if err != nil {
		writeJSONError(w, r, err)
		return
	}
	generatedText, err := s.generate(r.Context(), "api", req, nil)
	if err != nil {
		writeJSONError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{GeneratedText: generatedText})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	poetryModel := s.engine.Model()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Model:          poetryModel.ModelArgs.Name,
		VocabularySize: poetryModel.Vocabulary.Size(),
		SequenceLength: poetryModel.SequenceLength,
	})
}
