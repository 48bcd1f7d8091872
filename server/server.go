// Package server exposes the embedding service and the agent over HTTP.
//
// The two surfaces run as separate processes: MountEmbedding serves
// /health, /embed, /embed-doc and /embed-search; MountAgent serves /health,
// /text, /messages and /ws, where DELETE /messages resets the collection.
// Errors are answered as {"error", "code"} with a status derived from the
// error code.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	recallerr "github.com/becomeliminal/nim-recall/errors"
)

// Config holds HTTP server configuration.
type Config struct {
	Listen       string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
}

// DefaultConfig listens on :8080.
var DefaultConfig = Config{
	Listen:       ":8080",
	ReadTimeout:  30 * time.Second,
	WriteTimeout: 60 * time.Second,
	MaxBodyBytes: 1 << 20,
}

// Server wraps a chi router and its HTTP server lifecycle.
type Server struct {
	router chi.Router
	cfg    Config
	logger *slog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a server with recovery and CORS middleware and no routes.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Listen == "" {
		return nil, recallerr.New(recallerr.CodeConfigValidateInvalidValue, "listen address is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultConfig.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultConfig.WriteTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig.MaxBodyBytes
	}

	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	s.router = r

	return s, nil
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return recallerr.Wrapf(err, recallerr.CodeServerInternalFailure, "listen on %s", s.cfg.Listen)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("listening", "addr", ln.Addr().String())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return recallerr.Wrap(err, recallerr.CodeServerInternalFailure, "shut down")
	}
	return <-errCh
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return recallerr.Wrap(err, recallerr.CodeServerRequestInvalid, "invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := recallerr.HTTPStatus(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status,
			"error", err, "fields", recallerr.FieldsOf(err))
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody(err))
}

func errorBody(err error) ErrorBody {
	return ErrorBody{Error: err.Error(), Code: string(recallerr.CodeOf(err))}
}
