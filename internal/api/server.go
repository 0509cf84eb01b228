// Package api exposes asks over a small HTTP JSON API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"comet-auto/internal/browser"
	"comet-auto/internal/cdp"
	"comet-auto/internal/config"
	"comet-auto/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"
)

const serviceName = "comet_auto"

// Asker is the part of the session layer the API needs.
type Asker interface {
	Ask(ctx context.Context, prompt string, opts session.AskOptions) (session.Answer, error)
	State() session.State
}

// Server routes HTTP requests to an Asker.
type Server struct {
	cfg            config.APIConfig
	asker          Asker
	defaultTimeout time.Duration
	router         chi.Router
}

func NewServer(cfg config.APIConfig, polling config.PollingConfig, asker Asker) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		cfg:            cfg,
		asker:          asker,
		defaultTimeout: polling.AskTimeout(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/health", s.handleHealth)
		r.Post("/ask", s.handleAsk)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

type askRequest struct {
	Prompt   string   `json:"prompt"`
	NewChat  bool     `json:"new_chat"`
	TimeoutS *float64 `json:"timeout_s"`
}

type askResponse struct {
	OK        bool    `json:"ok"`
	Response  string  `json:"response,omitempty"`
	Completed bool    `json:"completed"`
	ElapsedS  float64 `json:"elapsed_s"`
	AskID     string  `json:"ask_id,omitempty"`
	Polls     int     `json:"polls,omitempty"`
	Retries   int     `json:"retries,omitempty"`
	Error     string  `json:"error,omitempty"`
	Kind      string  `json:"kind,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"service": serviceName,
		"addr":    s.cfg.Addr,
		"state":   s.asker.State(),
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeAsk(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "body too large", "bad_request")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}

	timeout := s.defaultTimeout
	if req.TimeoutS != nil {
		timeout = config.Seconds(*req.TimeoutS, s.defaultTimeout)
	}

	started := time.Now()
	answer, err := s.asker.Ask(r.Context(), req.Prompt, session.AskOptions{NewChat: req.NewChat, Timeout: timeout})
	elapsed := roundSeconds(time.Since(started))
	if err != nil {
		status, kind := classify(err)
		pslog.Ctx(r.Context()).Warn("ask failed", "kind", kind, "err", err)
		respondJSON(w, status, askResponse{
			OK:       false,
			Error:    err.Error(),
			Kind:     kind,
			ElapsedS: elapsed,
			AskID:    answer.AskID,
			Polls:    answer.Polls,
		})
		return
	}

	respondJSON(w, http.StatusOK, askResponse{
		OK:        true,
		Response:  answer.Text,
		Completed: !answer.Partial,
		ElapsedS:  elapsed,
		AskID:     answer.AskID,
		Polls:     answer.Polls,
		Retries:   answer.Retries,
	})
}

func (s *Server) decodeAsk(w http.ResponseWriter, r *http.Request) (askRequest, error) {
	var req askRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return req, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return req, errors.New("prompt is required")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errors.New("invalid JSON: " + err.Error())
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return req, errors.New("prompt is required")
	}
	return req, nil
}

// classify maps ask failures to an HTTP status and a short machine-readable kind.
func classify(err error) (int, string) {
	var remote *session.RemoteTaskError
	var conn *cdp.ConnectionError
	switch {
	case errors.Is(err, session.ErrEmptyPrompt):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, session.ErrNoActivity):
		return http.StatusGatewayTimeout, "no_activity"
	case errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &remote):
		return http.StatusBadGateway, "remote_error"
	case errors.Is(err, session.ErrNoInputFound), errors.Is(err, session.ErrInputRejected):
		return http.StatusServiceUnavailable, "no_input"
	case errors.As(err, &conn), errors.Is(err, cdp.ErrNotConnected),
		errors.Is(err, browser.ErrNotReachable),
		errors.Is(err, browser.ErrExecutableNotFound),
		errors.Is(err, browser.ErrNoDebuggerURL):
		return http.StatusServiceUnavailable, "connection"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message, kind string) {
	respondJSON(w, status, askResponse{OK: false, Error: message, Kind: kind})
}
