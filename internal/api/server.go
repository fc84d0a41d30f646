// Package api exposes the calculation and locate engine over HTTP.
//
// Every route under /api/v1 requires a bearer token; /health and /metrics
// are open. Errors are written as {error, message}, with an errors map for
// field-level validation failures.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/events"
	"github.com/ims/calc-engine/internal/inventory"
	"github.com/ims/calc-engine/internal/limits"
	"github.com/ims/calc-engine/internal/locate"
	"github.com/ims/calc-engine/internal/metrics"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/position"
	"github.com/ims/calc-engine/internal/rules"
	"github.com/ims/calc-engine/internal/validation"
	"github.com/ims/calc-engine/internal/workflow"
)

// Services are the engine components behind the routes.
type Services struct {
	Positions  *position.Service
	Inventory  *inventory.Calculator
	Rules      *rules.Service
	Limits     *limits.Service
	Validation *validation.Engine
	Locates    *locate.Service
	Workflow   *workflow.Orchestrator
	Jobs       *workflow.Jobs
	Hub        *events.Hub // optional
}

// Options configure the HTTP surface.
type Options struct {
	// Tokens are the accepted bearer tokens. Empty disables authentication.
	Tokens         []string
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server routes HTTP requests to the engine.
type Server struct {
	svc    Services
	opts   Options
	tokens [][]byte
}

// NewServer creates a server.
func NewServer(svc Services, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{svc: svc, opts: opts}
	for _, t := range opts.Tokens {
		if t != "" {
			s.tokens = append(s.tokens, []byte(t))
		}
	}
	if len(s.tokens) == 0 {
		slog.Warn("no API tokens configured, authentication disabled")
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ims-calc-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		if s.svc.Hub != nil {
			r.Get("/ws", s.svc.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))

			r.Route("/calculations", func(r chi.Router) {
				r.Route("/positions", s.positionRoutes)
				r.Route("/inventory", s.inventoryRoutes)
				r.Route("/limits", s.limitRoutes)
				r.Route("/rules", s.ruleRoutes)
			})
			r.Route("/short-sell", s.shortSellRoutes)
			r.Route("/locates", s.locateRoutes)
		})
	})
	return r
}

// authenticate accepts "Authorization: Bearer <token>". WebSocket clients
// that cannot set headers may pass access_token as a query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" || !s.validToken(token) {
			writeError(w, apperr.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validToken(token string) bool {
	presented := []byte(token)
	valid := false
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare(presented, t) == 1 {
			valid = true
		}
	}
	return valid
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes. Conflicts are
// reported as 400 so clients treat "already processed" as a caller error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: http.StatusText(status), Message: apperr.Message(err)}
	switch status {
	case http.StatusBadRequest:
		body.Errors = apperr.FieldErrors(err)
	case http.StatusUnauthorized:
		body.Message = "missing or invalid bearer token"
	case http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("body", "invalid request body: "+err.Error())
	}
	return nil
}

// businessDate reads the businessDate query parameter, defaulting to today.
// A present but malformed date is a validation error.
func businessDate(r *http.Request) (string, error) {
	d := r.URL.Query().Get("businessDate")
	if d == "" {
		return model.Today(time.Now()), nil
	}
	if _, err := model.ParseBusinessDate(d); err != nil {
		return "", err
	}
	return d, nil
}
