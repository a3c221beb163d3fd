// Package gateway exposes the registry and the task queue over HTTP and
// fans bus notifications out to websocket and SSE clients by room.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/missionctl/internal/agent"
	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/lifecycle"
	"github.com/basket/missionctl/internal/orchestrator"
	otelPkg "github.com/basket/missionctl/internal/otel"
	"github.com/basket/missionctl/internal/schema"
	"github.com/basket/missionctl/internal/shared"
	"github.com/basket/missionctl/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Agents *agent.Registry
	Tasks  *orchestrator.Queue
	Store  Pinger
	Bus    *bus.Bus

	// Payloads validates task payloads on create. Nil accepts any JSON.
	Payloads *schema.Validator

	AuthToken string
	// AllowOrigins lists browser origins for CORS and websocket upgrades.
	AllowOrigins []string
	// RateLimit, when set, throttles every route except /healthz.
	RateLimit *RateLimiter

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Logger *slog.Logger
	Tracer trace.Tracer
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelPkg.NoopTracer()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		clients: map[*wsClient]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/agents/{id}/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("POST /api/agents/{id}/transition", s.handleAgentTransition)
	mux.HandleFunc("POST /api/agents/{id}/control", s.handleAgentControl)
	mux.HandleFunc("GET /api/agents/{id}/transitions", s.handleAgentTransitions)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("POST /api/tasks/claim", s.handleClaimTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("POST /api/tasks/{id}/assign", s.handleAssignTask)
	mux.HandleFunc("POST /api/tasks/{id}/start", s.handleStartTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/fail", s.handleFailTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/heartbeat", s.handleTaskHeartbeat)

	var h http.Handler = mux
	h = limitBody(maxBodyBytes, h)
	h = requireToken(s.cfg.AuthToken, h)
	if s.cfg.RateLimit != nil {
		h = s.cfg.RateLimit.Wrap(h)
	}
	h = withCORS(s.cfg.AllowOrigins, h)
	return s.instrument(h)
}

// instrument tags each request with a trace id and actor, wraps it in a
// server span and logs the outcome.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		if actor := r.Header.Get("X-Actor"); actor != "" {
			ctx = shared.WithActor(ctx, actor)
		}
		ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, r.Header, r.Method+" "+r.URL.Path,
			otelPkg.AttrRoute.String(r.URL.Path))
		w.Header().Set("X-Trace-Id", traceID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		var spanErr error
		if rec.status >= http.StatusInternalServerError {
			spanErr = errors.New(http.StatusText(rec.status))
		}
		otelPkg.EndSpan(span, spanErr)
		if r.URL.Path != "/healthz" {
			s.logger.Debug("http request", "trace_id", traceID, "method", r.Method, "path", r.URL.Path,
				"status", rec.status, "duration", time.Since(start))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController and the
// websocket upgrader.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		dbOK = s.cfg.Store.Ping(ctx) == nil
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_clients":         s.clientCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Agents.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tasks, err := s.cfg.Tasks.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payload := map[string]any{"agents": agents, "tasks": tasks}
	if s.cfg.Bus != nil {
		payload["bus"] = map[string]any{
			"subscribers": s.cfg.Bus.SubscriberCount(),
			"dropped":     s.cfg.Bus.Dropped(),
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. Not-found and ownership
// failures carry a fixed message so they reveal nothing about other
// agents' work; transition and state errors keep their detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  int
		message string
		schemaE *schema.ValidationError
	)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, lifecycle.ErrOwnershipMismatch):
		status, message = http.StatusForbidden, lifecycle.ErrOwnershipMismatch.Error()
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrInvalidState):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, lifecycle.ErrInvalidInput), errors.As(err, &schemaE):
		status, message = http.StatusBadRequest, err.Error()
	default:
		status, message = http.StatusInternalServerError, "internal error"
		telemetry.WithTrace(r.Context(), s.logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: message})
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return lifecycle.Invalidf("decode body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, lifecycle.Invalidf("%s must be a non-negative integer", key)
	}
	return n, nil
}
