package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/playbook-crawler/internal/metrics"
	"github.com/JakeFAU/playbook-crawler/internal/toolkit"
)

// Invoker runs a named tool.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) toolkit.Envelope
}

// ReadyFunc reports whether downstream dependencies are usable.
type ReadyFunc func(ctx context.Context) error

// Config controls the HTTP surface.
type Config struct {
	// RequestTimeout bounds each tool call. Crawls can be long, so zero disables it.
	RequestTimeout time.Duration
	// APIKey, when set, is required in X-API-Key or the api_key query parameter.
	APIKey string
	// MaxBodyBytes caps the request body. Defaults to 1MB.
	MaxBodyBytes int64
}

// Server wires HTTP handlers to the toolkit.
type Server struct {
	router  chi.Router
	tools   Invoker
	ready   ReadyFunc
	cfg     Config
	logger  *zap.Logger
	catalog []toolkit.Spec
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(tools Invoker, ready ReadyFunc, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		tools:   tools,
		ready:   ready,
		cfg:     cfg,
		logger:  logger,
		catalog: toolkit.Specs(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/tools", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		if cfg.RequestTimeout > 0 {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
		}
		r.Get("/", s.listTools)
		r.Post("/{tool}", s.invokeTool)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type toolInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Required    []string `json:"required,omitempty"`
	Optional    []string `json:"optional,omitempty"`
}

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	out := make([]toolInfo, 0, len(s.catalog))
	for _, spec := range s.catalog {
		info := toolInfo{Name: spec.Name, Description: spec.Description}
		for _, p := range spec.Params {
			if p.Required {
				info.Required = append(info.Required, p.Name)
			} else {
				info.Optional = append(info.Optional, p.Name)
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) known(tool string) bool {
	for _, spec := range s.catalog {
		if spec.Name == tool {
			return true
		}
	}
	return false
}

func (s *Server) invokeTool(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	if !s.known(tool) {
		writeJSON(w, http.StatusNotFound, toolkit.Failure(errors.New("unknown tool "+tool)))
		return
	}

	args := map[string]any{}
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, toolkit.Failure(errors.New("invalid JSON")))
		return
	}

	env := s.tools.Invoke(r.Context(), tool, args)
	status := http.StatusOK
	if !env.OK() {
		status = http.StatusUnprocessableEntity
		if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.logger.Warn("Tool call failed",
			zap.String("tool", tool),
			zap.String("request_id", requestID(r.Context())),
			zap.String("error", env.Error),
		)
	}
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
