// Package server exposes the broker facade over HTTP.
//
// Every route except /health sits behind a bearer-token middleware that
// constant-time-compares the presented token with the configured one.
// Errors serialize as {error, statusCode}; 5xx responses never leak the
// internal message.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/twokc/2kc/common/trace"
	"github.com/twokc/2kc/internal/broker/inject"
	"github.com/twokc/2kc/internal/broker/request"
	"github.com/twokc/2kc/internal/broker/secrets"
	"github.com/twokc/2kc/internal/broker/service"
)

// ErrNoAuthToken is returned at startup when no auth token is configured.
// Running an unauthenticated secret broker is never acceptable.
var ErrNoAuthToken = errors.New("server: auth token is not configured")

const shutdownTimeout = 5 * time.Second

// Server is the broker HTTP server.
type Server struct {
	facade service.Facade
	token  string
	logger *slog.Logger
	http   *http.Server
}

// New creates a server for the facade.  The token must be non-empty.
func New(facade service.Facade, addr, token string, logger *slog.Logger) (*Server, error) {
	if token == "" {
		return nil, ErrNoAuthToken
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{facade: facade, token: token, logger: logger}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.http.Addr, err)
	}
	s.logger.Info("broker server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/secrets", s.auth(s.handleListSecrets))
	mux.HandleFunc("POST /api/secrets", s.auth(s.handleAddSecret))
	mux.HandleFunc("GET /api/secrets/resolve/{refOrUuid}", s.auth(s.handleResolveSecret))
	mux.HandleFunc("GET /api/secrets/{uuid}", s.auth(s.handleGetSecret))
	mux.HandleFunc("DELETE /api/secrets/{uuid}", s.auth(s.handleRemoveSecret))
	mux.HandleFunc("POST /api/requests", s.auth(s.handleCreateRequest))
	mux.HandleFunc("GET /api/grants/{requestId}", s.auth(s.handleValidateGrant))
	mux.HandleFunc("POST /api/inject", s.auth(s.handleInject))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	return s.traced(mux)
}

// traced attaches a trace ID to every request so server log lines and
// client-side failures can be correlated.  Clients may supply their own
// via X-Trace-ID.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = trace.GenerateID()
		}
		w.Header().Set("X-Trace-ID", traceID)
		ctx := trace.WithTraceID(r.Context(), traceID)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "trace_id", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// auth is the bearer-token middleware.  The comparison is constant-time
// over the token bytes so timing does not reveal a prefix match.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !tokenMatches(token, s.token) {
			writeError(w, http.StatusUnauthorized, "Invalid or missing auth token")
			return
		}
		next(w, r)
	}
}

func tokenMatches(presented, configured string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.facade.Health(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	items, err := s.facade.ListSecrets(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if items == nil {
		items = []secrets.Metadata{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ref   string   `json:"ref"`
		Value string   `json:"value"`
		Tags  []string `json:"tags"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	uuid, err := s.facade.AddSecret(r.Context(), body.Ref, body.Value, body.Tags)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"uuid": uuid})
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	meta, err := s.facade.GetSecretMetadata(r.Context(), r.PathValue("uuid"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleResolveSecret(w http.ResponseWriter, r *http.Request) {
	meta, err := s.facade.ResolveSecret(r.Context(), r.PathValue("refOrUuid"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleRemoveSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.RemoveSecret(r.Context(), r.PathValue("uuid")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SecretUUIDs []string `json:"secretUuids"`
		Reason      string   `json:"reason"`
		TaskRef     string   `json:"taskRef"`
		Duration    int      `json:"duration"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := s.facade.CreateRequest(r.Context(), body.SecretUUIDs, body.Reason, body.TaskRef, body.Duration)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleValidateGrant(w http.ResponseWriter, r *http.Request) {
	valid, err := s.facade.ValidateGrant(r.Context(), r.PathValue("requestId"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valid)
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID  string   `json:"requestId"`
		EnvVarName string   `json:"envVarName"`
		Command    []string `json:"command"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.facade.Inject(r.Context(), body.RequestID, body.EnvVarName, body.Command)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeFailure maps domain errors onto HTTP statuses.  Anything
// unrecognized is a 500 whose internals stay in the server log.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, secrets.ErrNotFound),
		errors.Is(err, inject.ErrGrantNotFound):
		return http.StatusNotFound
	case errors.Is(err, secrets.ErrDuplicateRef):
		return http.StatusConflict
	case errors.Is(err, secrets.ErrInvalidRef),
		errors.Is(err, request.ErrInvalidInput),
		errors.Is(err, inject.ErrEmptyCommand),
		errors.Is(err, inject.ErrPlaceholderOutOfScope):
		return http.StatusBadRequest
	case errors.Is(err, inject.ErrGrantNotValid):
		return http.StatusForbidden
	case errors.Is(err, inject.ErrTimeout),
		errors.Is(err, inject.ErrBufferExceeded):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":      message,
		"statusCode": status,
	})
}
