// Package web provides an HTTP status and command server for the tracker.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sweeney/fmip-tracker/internal/command"
	"github.com/sweeney/fmip-tracker/internal/logger"
	"github.com/sweeney/fmip-tracker/internal/registry"
	"github.com/sweeney/fmip-tracker/internal/status"
)

const maxCommandBytes = 64 << 10

// CommandHandler handles a raw command payload. *command.Dispatcher satisfies it.
type CommandHandler interface {
	Handle(ctx context.Context, payload []byte) error
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	commands   CommandHandler
	metrics    http.Handler
	log        zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithCommands enables POST /command.
func WithCommands(h CommandHandler) Option {
	return func(s *Server) { s.commands = h }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts ...Option) *Server {
	s := &Server{tracker: tracker, log: logger.WithComponent("web")}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	if s.commands != nil {
		mux.HandleFunc("/command", s.handleCommand)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Error().Err(err).Msg("render index")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// CommandResponse is the body returned by POST /command.
type CommandResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeCommandResponse(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
	if err != nil {
		writeCommandResponse(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > maxCommandBytes {
		writeCommandResponse(w, http.StatusRequestEntityTooLarge, errors.New("command too large"))
		return
	}

	err = s.commands.Handle(r.Context(), body)
	writeCommandResponse(w, commandStatus(err), err)
}

// commandStatus maps a command error to an HTTP status code.
func commandStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, command.ErrInvalidCommand), errors.Is(err, command.ErrUnknownService):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnknownAccount):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func writeCommandResponse(w http.ResponseWriter, code int, err error) {
	resp := CommandResponse{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
