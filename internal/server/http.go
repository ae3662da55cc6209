package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/matt-riley/variantz"
	"github.com/matt-riley/variantz/internal/metrics"
	"github.com/matt-riley/variantz/internal/middleware"
	"github.com/matt-riley/variantz/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service      Service
	metrics      *metrics.Metrics
	maxBodyBytes int64
	payloadAuth  func(http.Handler) http.Handler
}

// HTTPOption configures optional HTTP handler parameters.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize limits request bodies, including uploaded payloads.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithMetrics records per-route request metrics and serves them on
// GET /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithPayloadAuth protects PUT /v1/payload with bearer-token auth. Without
// it uploads are rejected.
func WithPayloadAuth(validator middleware.TokenValidator, opts ...middleware.AuthOption) HTTPOption {
	return func(s *HTTPServer) {
		s.payloadAuth = middleware.HTTPBearerAuthMiddleware(validator, opts...)
	}
}

// NewHTTPHandler serves the evaluation API.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	server := newHTTPServer(svc, opts)

	mux := http.NewServeMux()
	server.handle(mux, "POST /v1/evaluate", "/v1/evaluate", http.HandlerFunc(server.handleEvaluate))
	server.handle(mux, "POST /v1/experiments/run", "/v1/experiments/run", http.HandlerFunc(server.handleRunExperiment))

	var putPayload http.Handler = http.HandlerFunc(server.handlePutPayload)
	if server.payloadAuth != nil {
		putPayload = server.payloadAuth(putPayload)
	}
	server.handle(mux, "PUT /v1/payload", "/v1/payload", putPayload)

	server.registerReadOnly(mux)
	return mux
}

// NewDebugHandler serves only the read-only routes, for the tailnet debug
// portal.
func NewDebugHandler(svc Service, opts ...HTTPOption) http.Handler {
	server := newHTTPServer(svc, opts)

	mux := http.NewServeMux()
	server.registerReadOnly(mux)
	return mux
}

func newHTTPServer(svc Service, opts []HTTPOption) *HTTPServer {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:      svc,
		maxBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}
	return server
}

func (s *HTTPServer) registerReadOnly(mux *http.ServeMux) {
	s.handle(mux, "GET /v1/payload", "/v1/payload", http.HandlerFunc(s.handleGetPayload))
	s.handle(mux, "GET /v1/features", "/v1/features", http.HandlerFunc(s.handleFeatures))
	s.handle(mux, "GET /v1/debug/evaluations", "/v1/debug/evaluations", http.HandlerFunc(s.handleEvaluations))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern, route string, handler http.Handler) {
	if s.metrics != nil {
		handler = s.metrics.InstrumentHTTP(route, handler)
	}
	mux.Handle(pattern, handler)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, &request, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	requests, err := request.toEvaluateRequests()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.service.EvaluateBatch(r.Context(), requests)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleRunExperiment(w http.ResponseWriter, r *http.Request) {
	var request experimentJSONRequest
	if err := decodeJSONBody(w, r, &request, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	experiment, err := request.toExperimentRequest()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.service.RunExperiment(r.Context(), experiment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePutPayload(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		writeJSONError(w, http.StatusBadRequest, "payload body is required")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeJSONDecodeError(w, normalizeJSONDecodeError(err))
		return
	}

	info, err := installPayload(r.Context(), s.service, raw)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) handleGetPayload(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Payload())
}

func (s *HTTPServer) handleFeatures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, featuresJSONResponse{
		Features: s.service.Features(),
		Payload:  s.service.Payload(),
	})
}

func (s *HTTPServer) handleEvaluations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, evaluationsJSONResponse{Evaluations: s.service.RecentEvaluations()})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, variantz.ErrDecode):
		writeJSONError(w, http.StatusBadRequest, payloadErrorMessage(err))
	case errors.Is(err, service.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errUploadsDisabled):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
