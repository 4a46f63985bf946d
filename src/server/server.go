package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/adalkiran/poetry-nuts-and-bolts/src/common"
	"github.com/adalkiran/poetry-nuts-and-bolts/src/inference"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
)

const RequestIdHeader = "X-Request-ID"

var errBusy = errors.New("generation slot not available")

type requestIdKey struct{}

type Server struct {
	engine    *inference.InferenceEngine
	config    *common.AppConfig
	validator *requestValidator
	page      *pageRenderer
	limiter   *semaphore.Weighted
	metrics   *serverMetrics
	upgrader  websocket.Upgrader

	requestTimeout  time.Duration
	shutdownTimeout time.Duration

	mux *http.ServeMux
}

// New builds the HTTP handlers around engine. Metrics are registered with
// registry and served at /metrics; a nil registry disables both.
func New(engine *inference.InferenceEngine, config *common.AppConfig, registry *prometheus.Registry) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	requestTimeout, _ := config.Server.RequestTimeoutDuration()
	shutdownTimeout, _ := config.Server.ShutdownTimeoutDuration()

	validator, err := newRequestValidator(config.Generation)
	if err != nil {
		return nil, err
	}
	page, err := newPageRenderer(config.Generation)
	if err != nil {
		return nil, err
	}

	s := &Server{
		engine:    engine,
		config:    config,
		validator: validator,
		page:      page,
		limiter:   semaphore.NewWeighted(int64(config.Server.MaxConcurrentGenerations)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		requestTimeout:  requestTimeout,
		shutdownTimeout: shutdownTimeout,
		mux:             http.NewServeMux(),
	}
	if registry != nil {
		s.metrics = newServerMetrics(registry)
		s.handle("GET /metrics", "metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	s.handle("GET /{$}", "form", http.HandlerFunc(s.handleForm))
	s.handle("POST /{$}", "form", http.HandlerFunc(s.handleFormSubmit))
	s.handle("POST /api/generate", "api_generate", http.HandlerFunc(s.handleGenerate))
	s.handle("GET /api/generate/stream", "api_stream", http.HandlerFunc(s.handleStream))
	s.handle("GET /healthz", "healthz", http.HandlerFunc(s.handleHealth))
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Server.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(common.GLogger.Slog().Handler(), slog.LevelWarn),
	}
	serveErrCh := make(chan error, 1)
	go func() {
		common.GLogger.ConsolePrintf("Listening on %s", s.config.Server.ListenAddr)
		serveErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErrCh:
		return err
	case <-ctx.Done():
	}

	common.GLogger.ConsolePrintf("Shutting down, waiting up to %s for running generations...", s.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	if err := <-serveErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handle(pattern string, route string, handler http.Handler) {
	s.mux.Handle(pattern, s.withRequestContext(route, handler))
}

// withRequestContext assigns the request id, counts the response code and logs the request.
func (s *Server) withRequestContext(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestId := r.Header.Get(RequestIdHeader)
		if requestId == "" {
			requestId = uuid.New().String()
		}
		w.Header().Set(RequestIdHeader, requestId)
		r = r.WithContext(context.WithValue(r.Context(), requestIdKey{}, requestId))

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startTime := time.Now()
		next.ServeHTTP(recorder, r)

		s.metrics.observeRequest(route, strconv.Itoa(recorder.status))
		common.GLogger.Info("request",
			"id", requestId, "method", r.Method, "path", r.URL.Path,
			"status", recorder.status, "duration", time.Since(startTime))
	})
}

func requestIdFrom(ctx context.Context) string {
	requestId, _ := ctx.Value(requestIdKey{}).(string)
	return requestId
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// generate runs one generation within the concurrency limit and the request
// timeout. onWord is called for every step that appended text.
func (s *Server) generate(ctx context.Context, endpoint string, req GenerateRequest, onWord func(inference.GeneratedWord) error) (string, error) {
	args := inferenceArgsFor(s.engine.DefaultArgs(), s.config.Generation, req)
	if err := args.Validate(); err != nil {
		return "", err
	}
	var cancel context.CancelFunc
	if s.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if err := s.limiter.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: %w", errBusy, err)
	}
	defer s.limiter.Release(1)
	s.metrics.addInFlight(1)
	defer s.metrics.addInFlight(-1)

	startTime := time.Now()
	words := 0
	generatedText := req.SeedText
	generatedWordsCh, errorCh := s.engine.Generate(ctx, req.SeedText, args)
	var callbackErr error
	for generated := range generatedWordsCh {
		if generated.Fragment == "" || callbackErr != nil {
			continue
		}
		generatedText += generated.Fragment
		words++
		if onWord != nil {
			if callbackErr = onWord(generated); callbackErr != nil {
				cancel()
			}
		}
	}
	err := <-errorCh
	if callbackErr != nil {
		err = callbackErr
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.observeGeneration(endpoint, result, time.Since(startTime).Seconds(), words)
	common.GLogger.Info("generation finished",
		"id", requestIdFrom(ctx), "endpoint", endpoint, "words", words, "steps", args.NumGenerate,
		"temperature", args.Temperature, "duration", time.Since(startTime), "error", err)
	if err != nil {
		return "", err
	}
	return generatedText, nil
}

func statusCodeFor(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, common.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		common.GLogger.Error("error writing response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, statusCodeFor(err), errorResponse{Error: err.Error(), RequestId: requestIdFrom(r.Context())})
}
