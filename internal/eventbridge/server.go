package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/pathway/internal/logging"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// ExpectedVersionHeader carries the state version on resource routes.
const ExpectedVersionHeader = "If-Match"

var errServerDisabled = errors.New("eventbridge: server disabled")

// StateReader returns the JSON-encodable view of one execution. Returning a
// *RejectError selects the response status.
type StateReader func(ctx context.Context, executionID string) (any, error)

// Server is the HTTP intake for review decisions, integration results and
// cancellation requests.
//
//	GET  /health
//	POST /events                            full Event envelope
//	POST /executions/{id}/decision          DecisionPayload, node via ?node=
//	POST /executions/{id}/integration       IntegrationPayload, node via ?node=
//	POST /executions/{id}/cancel            CancelPayload
//	GET  /executions/{id}                   requires WithStateReader
//
// Resource routes take the expected state version from the If-Match header.
type Server struct {
	settings  Settings
	processor EventProcessor
	reader    StateReader
	logger    *slog.Logger
	clock     func() time.Time

	accepted atomic.Int64
	rejected atomic.Int64

	mu        sync.RWMutex
	http      *http.Server
	listener  net.Listener
	status    ServerStatus
	startedAt time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithProcessor sets the consumer of accepted events.
func WithProcessor(p EventProcessor) Option {
	return func(s *Server) {
		if p != nil {
			s.processor = p
		}
	}
}

// WithStateReader enables GET /executions/{id}.
func WithStateReader(r StateReader) Option {
	return func(s *Server) { s.reader = r }
}

// WithLogger overrides the default discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used to stamp server time.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer builds an intake server. Events are discarded until a processor
// is configured.
func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings:  settings.WithDefaults(),
		processor: EventProcessorFunc(func(Event) error { return nil }),
		logger:    logging.Discard(),
		clock:     time.Now,
		status:    StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routing table. Start serves it; tests may mount it
// directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /events", s.handleEnvelope)
	mux.HandleFunc("POST /executions/{id}/decision", s.handleResource(TypeReviewDecision))
	mux.HandleFunc("POST /executions/{id}/integration", s.handleResource(TypeIntegrationResult))
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleResource(TypeExecutionCancel))
	mux.HandleFunc("GET /executions/{id}", s.handleState)
	return mux
}

// Start binds the listener and serves in the background. Request contexts
// derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("eventbridge: server already started")
	}
	listener, err := net.Listen("tcp", s.settings.Address())
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", s.settings.Address(), err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.listener, s.http = listener, srv
	s.startedAt = s.clock()
	s.status = StatusReady
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("eventbridge: serve", "error", err)
		}
	}()
	s.logger.Info("eventbridge: listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown drains in-flight requests. Safe to call on a server that never
// started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http == nil {
		return nil
	}
	s.status = StatusDraining
	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	s.listener, s.http = nil, nil
	return nil
}

// BaseURL returns the URL of the bound listener, or the configured address
// before Start.
func (s *Server) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.settings.URL()
	}
	return "http://" + s.listener.Addr().String()
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	resp := healthResponse{
		Status:   string(s.status),
		Version:  ProtocolVersion,
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
	if !s.startedAt.IsZero() {
		resp.UptimeSeconds = int64(s.clock().Sub(s.startedAt).Seconds())
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		s.refuse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.submit(w, evt)
}

// handleResource builds the envelope from the path, query and header so
// callers only post the payload.
func (s *Server) handleResource(eventType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		evt := Event{
			EventID:     r.Header.Get("Idempotency-Key"),
			Type:        eventType,
			ExecutionID: r.PathValue("id"),
			NodeID:      r.URL.Query().Get("node"),
		}
		if evt.EventID == "" {
			evt.EventID = uuid.NewString()
		}
		if raw := strings.Trim(r.Header.Get(ExpectedVersionHeader), `" `); raw != "" {
			version, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || version < 1 {
				s.refuse(w, http.StatusBadRequest, ExpectedVersionHeader+" must be a positive state version")
				return
			}
			evt.StateVersion = version
		}
		if len(body) > 0 {
			evt.Payload = json.RawMessage(body)
		}
		s.submit(w, evt)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		s.refuse(w, http.StatusNotFound, "state reads are not enabled")
		return
	}
	view, err := s.reader(r.Context(), r.PathValue("id"))
	if err != nil {
		var rejected *RejectError
		if errors.As(err, &rejected) {
			writeJSON(w, rejected.Status, errorResponse{Error: rejected.Error()})
			return
		}
		s.logger.Error("eventbridge: read state", "execution_id", r.PathValue("id"), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "state read failed"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes))
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.refuse(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
	} else {
		s.refuse(w, http.StatusBadRequest, "unable to read body")
	}
	return nil, false
}

// submit validates evt and hands it to the processor, mapping a
// *RejectError to its status.
func (s *Server) submit(w http.ResponseWriter, evt Event) {
	evt.Normalize()
	if err := evt.Validate(); err != nil {
		s.refuse(w, http.StatusBadRequest, err.Error())
		return
	}
	evt.StampServerTime(s.clock())
	err := s.processor.HandleEvent(evt)
	var rejected *RejectError
	switch {
	case err == nil:
		s.accepted.Add(1)
		writeJSON(w, http.StatusAccepted, eventResponse{Status: "accepted", EventID: evt.EventID, ServerTime: evt.ServerTime})
	case errors.As(err, &rejected):
		s.logger.Warn("eventbridge: event rejected", "type", evt.Type, "execution_id", evt.ExecutionID, "error", err)
		s.refuse(w, rejected.Status, rejected.Error())
	default:
		s.logger.Error("eventbridge: processor", "type", evt.Type, "execution_id", evt.ExecutionID, "error", err)
		s.refuse(w, http.StatusInternalServerError, "event processing failed")
	}
}

func (s *Server) refuse(w http.ResponseWriter, status int, message string) {
	s.rejected.Add(1)
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
