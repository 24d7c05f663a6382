// Package api exposes the pipeline, prompt composer and exam gate over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/pipeline"
	"github.com/sells-group/callcoach/internal/store"
)

// Server holds the handlers' dependencies.
type Server struct {
	pipeline *pipeline.Pipeline
	store    store.Store
}

// New creates a Server.
func New(p *pipeline.Pipeline, st store.Store) *Server {
	return &Server{pipeline: p, store: st}
}

// Router builds the chi router with middleware from cfg.
func (s *Server) Router(cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeoutS > 0 {
		r.Use(middleware.Timeout(time.Duration(cfg.RequestTimeoutS) * time.Second))
	}
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/calls/{callID}", func(r chi.Router) {
		r.Post("/complete", s.handleCompleteCall)
		r.Post("/pipeline", s.handleRunPipeline)
		r.Post("/stages/{stage}", s.handleRunStage)
	})

	r.Route("/callers/{callerID}", func(r chi.Router) {
		r.Post("/calls", s.handleStartCall)
		r.Get("/prompt", s.handleGetPrompt)
		r.Post("/prompt", s.handleComposePrompt)

		r.Get("/exams/{specSlug}/gate", s.handleExamGate)
		r.Post("/exams/{specSlug}/result", s.handleExamResult)
		r.Post("/exams/{specSlug}/formative", s.handleFormative)

		r.Post("/curricula/{specSlug}/enroll", s.handleEnroll)
		r.Post("/curricula/{specSlug}/mastery", s.handleMastery)
		r.Get("/curricula/{specSlug}/progress", s.handleProgress)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// writeOK writes {"ok": true} merged with fields.
func writeOK(w http.ResponseWriter, status int, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// errBadRequest marks client input errors.
var errBadRequest = errors.New("bad request")

type badRequest struct{ msg string }

func (e badRequest) Error() string        { return e.msg }
func (e badRequest) Is(target error) bool { return target == errBadRequest }

func invalid(msg string) error { return badRequest{msg: msg} }

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrRunInProgress),
		errors.Is(err, model.ErrCallInProgress),
		errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrConfigMissing), errors.Is(err, model.ErrConfigContractMissing):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err)
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return invalid("invalid request body: " + err.Error())
	}
	return nil
}
