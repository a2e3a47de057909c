package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/gatez/internal/core"
	"github.com/matt-riley/gatez/internal/middleware"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the flag evaluation and administration API.
type HTTPServer struct {
	service          Service
	maxJSONBodyBytes int64
	metricsHandler   http.Handler
	mutationGuard    func(http.Handler) http.Handler
	recordRequest    RequestObserver
}

// RequestObserver receives one call per served request. Route is the
// matched mux pattern, or empty when no route matched.
type RequestObserver func(method, route string, status int, elapsed time.Duration)

// HTTPOption configures optional HTTP server parameters.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps the accepted JSON request body size in bytes.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithMetricsHandler mounts handler at GET /metrics.
func WithMetricsHandler(handler http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = handler }
}

// WithMutationGuard wraps every mutating route (flag writes, context
// writes, flush) with the given middleware, typically bearer auth.
func WithMutationGuard(guard func(http.Handler) http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.mutationGuard = guard }
}

// WithRequestObserver records method, matched route, status, and latency
// for every request.
func WithRequestObserver(observe RequestObserver) HTTPOption {
	return func(s *HTTPServer) { s.recordRequest = observe }
}

type evaluationContextJSON struct {
	UserID string   `json:"userId"`
	Groups []string `json:"groups"`
}

type evaluateJSONRequest struct {
	Key      string                  `json:"key,omitempty"`
	Context  *evaluationContextJSON  `json:"context,omitempty"`
	Requests []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	Key     string                 `json:"key"`
	Context *evaluationContextJSON `json:"context,omitempty"`
}

type evaluateJSONResult struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

type evaluateJSONResponse struct {
	Results []evaluateJSONResult `json:"results"`
}

// NewHTTPHandler builds the full route table for the gatez API.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:          svc,
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, o := range opts {
		o(server)
	}

	guard := server.mutationGuard
	if guard == nil {
		guard = func(next http.Handler) http.Handler { return next }
	}
	guarded := func(handler http.HandlerFunc) http.Handler {
		return guard(handler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/enabled", server.handleEnabledFlags)
	mux.HandleFunc("GET /v1/flags/{key}", server.handleGetFlag)
	mux.HandleFunc("GET /v1/stats", server.handleStats)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	mux.Handle("POST /v1/flags", guarded(server.handleCreateFlag))
	mux.Handle("PUT /v1/flags", guarded(server.handleReplaceFlags))
	mux.Handle("PUT /v1/flags/{key}", guarded(server.handleUpdateFlag))
	mux.Handle("DELETE /v1/flags/{key}", guarded(server.handleDeleteFlag))
	mux.Handle("DELETE /v1/flags", guarded(server.handleClearFlags))
	mux.Handle("PUT /v1/context", guarded(server.handleSetContext))
	mux.Handle("DELETE /v1/context", guarded(server.handleClearContext))
	mux.Handle("POST /v1/flush", guarded(server.handleFlush))

	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}

	if server.recordRequest == nil {
		return mux
	}

	return observeRequests(mux, server.recordRequest)
}

// observeRequests wraps the mux so every served request is reported with
// its matched route pattern rather than the raw URL path.
func observeRequests(mux *http.ServeMux, observe RequestObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, route := mux.Handler(r)
		recorder, status := middleware.StatusRecorder(w)

		start := time.Now()
		mux.ServeHTTP(recorder, r)
		observe(r.Method, route, status(), time.Since(start))
	})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	items := make([]evaluateJSONBatchItem, 0)
	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.Key) != "":
		writeJSONError(w, http.StatusBadRequest, "use either key or requests")
		return
	case len(request.Requests) > 0:
		for idx, item := range request.Requests {
			if strings.TrimSpace(item.Key) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].key is required", idx))
				return
			}
		}
		items = request.Requests
	case strings.TrimSpace(request.Key) != "":
		items = append(items, evaluateJSONBatchItem{Key: request.Key, Context: request.Context})
	default:
		writeJSONError(w, http.StatusBadRequest, "key or requests is required")
		return
	}

	results := make([]evaluateJSONResult, 0, len(items))
	for _, item := range items {
		var decision core.Decision
		if item.Context != nil {
			decision = s.service.ExplainFor(item.Key, core.EvaluationContext{
				SubjectID: item.Context.UserID,
				Groups:    item.Context.Groups,
			})
		} else {
			decision = s.service.Explain(item.Key)
		}
		results = append(results, evaluateJSONResult{
			Key:     item.Key,
			Enabled: decision.Enabled,
			Reason:  string(decision.Reason),
		})
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: results})
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag core.FlagDefinition
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	s.service.SetFlag(flag)
	stored, ok := s.service.GetFlag(flag.Key)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "flag not stored")
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

func (s *HTTPServer) handleReplaceFlags(w http.ResponseWriter, r *http.Request) {
	var flags []core.FlagDefinition
	if err := s.decodeJSONBody(w, r, &flags); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	for idx, flag := range flags {
		if strings.TrimSpace(flag.Key) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("flags[%d].key is required", idx))
			return
		}
	}

	s.service.UpdateFlags(flags)
	writeJSON(w, http.StatusOK, s.service.GetAllFlags())
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.GetAllFlags())
}

func (s *HTTPServer) handleEnabledFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.GetEnabledFlags())
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	flag, ok := s.service.GetFlag(key)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var flag core.FlagDefinition
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	flag.Key = key

	s.service.SetFlag(flag)
	stored, ok := s.service.GetFlag(key)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "flag not stored")
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	s.service.RemoveFlag(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleClearFlags(w http.ResponseWriter, _ *http.Request) {
	s.service.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetContext(w http.ResponseWriter, r *http.Request) {
	var ectx evaluationContextJSON
	if err := s.decodeJSONBody(w, r, &ectx); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	s.service.SetUserContext(ectx.UserID, ectx.Groups)
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleClearContext(w http.ResponseWriter, _ *http.Request) {
	s.service.ClearUserContext()
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Flush(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "flush failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.GetStats())
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON value")
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
