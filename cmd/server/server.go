package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/liamcoop/ruleassist/internal/bootstrap"
	"github.com/liamcoop/ruleassist/internal/logger"
)

type Server struct {
	app      *bootstrap.Container
	router   *chi.Mux
	validate *validator.Validate
}

func NewServer(app *bootstrap.Container) *Server {
	s := &Server{app: app, validate: validator.New()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if timeout := s.app.Config.Server.RequestTimeout; timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/industries", s.handleIndustries)

		r.Get("/workflow/stages", s.handleStages)
		r.Post("/workflow/runs", s.handleRunWorkflow)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/evaluate", s.handleEvaluateRule)
				r.Get("/artifacts/{kind}", s.handleGetArtifact)
			})
		})

		r.Post("/knowledge/documents", s.handleIngestDocument)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request and feeds the HTTP status counters.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx()
		}
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		if status >= 500 {
			logger.Error(message, "error", err)
		} else {
			response.Details = err.Error()
		}
	}
	respondJSON(w, status, response)
}
