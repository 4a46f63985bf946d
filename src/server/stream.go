package server

import (
	"net/http"
	"time"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/inference"
	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 10 * time.Second

// Frames sent over the stream: one wordFrame per generated word, then a
// doneFrame, or an errorResponse when generation fails.
type wordFrame struct {
	Step     int    `json:"step"`
	Word     string `json:"word"`
	Fragment string `json:"fragment"`
}

type doneFrame struct {
	Done          bool   `json:"done"`
	GeneratedText string `json:"generated_text"`
}

// handleStream reads one GenerateRequest message and streams the words as they are generated.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// the handshake response only carries the headers passed here
	conn, err := s.upgrader.Upgrade(w, r, http.Header{RequestIdHeader: {requestIdFrom(r.Context())}})
	if err != nil {
		// the upgrader has already written the error response
		common.GLogger.Warn("websocket upgrade failed", "id", requestIdFrom(r.Context()), "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.config.Server.MaxRequestBytes)

	_, data, err := conn.ReadMessage()
	if err != nil {
		common.GLogger.Warn("error reading stream request", "id", requestIdFrom(r.Context()), "error", err)
		return
	}
	req, err := s.validator.decodeJSON(data)
	if err != nil {
		s.writeFrame(conn, errorResponse{Error: err.Error(), RequestId: requestIdFrom(r.Context())})
		s.closeStream(conn, websocket.ClosePolicyViolation)
		return
	}

	generatedText, err := s.generate(r.Context(), "stream", req, func(generated inference.GeneratedWord) error {
		return s.writeFrame(conn, wordFrame{Step: generated.Step, Word: generated.Word, Fragment: generated.Fragment})
	})
	if err != nil {
		s.writeFrame(conn, errorResponse{Error: err.Error(), RequestId: requestIdFrom(r.Context())})
		s.closeStream(conn, websocket.CloseInternalServerErr)
		return
	}
	if err := s.writeFrame(conn, doneFrame{Done: true, GeneratedText: generatedText}); err != nil {
		return
	}
	s.closeStream(conn, websocket.CloseNormalClosure)
}

func (s *Server) writeFrame(conn *websocket.Conn, frame any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		common.GLogger.Warn("error writing stream frame", "error", err)
		return err
	}
	return nil
}

func (s *Server) closeStream(conn *websocket.Conn, code int) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(streamWriteTimeout))
}
