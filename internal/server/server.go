package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/models"
	"github.com/cyderes/findings-ingestion-service/internal/storage"
)

const (
	defaultLimit = 10
	maxLimit     = 500
)

// Server handles HTTP requests
type Server struct {
	config  config.ServerConfig
	storage storage.Storage
	logger  *slog.Logger
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a new HTTP server. metricsHandler may be nil, in which case
// /metrics is not mounted.
func NewServer(cfg config.ServerConfig, store storage.Storage, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  cfg,
		storage: store,
		logger:  logger.With("component", "http"),
		router:  chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/findings", s.handleFindings)
	s.router.Get("/findings/{id}", s.handleFindingByID)
	if metricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Debug("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// handleHealth answers liveness probes with a plain "Healthy".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Healthy")
}

// handleFindings handles GET requests for findings
func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), defaultLimit, 1)
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := queryInt(q.Get("offset"), 0, 0)

	filter := models.FindingFilter{
		Subscription:         q.Get("subscription"),
		ResourceGroup:        q.Get("resourceGroup"),
		StorageAreaName:      q.Get("storageAreaName"),
		StorageAreaContainer: q.Get("storageAreaContainer"),
		FileName:             q.Get("fileName"),
		Operation:            q.Get("operation"),
		FieldName:            q.Get("fieldName"),
		FieldType:            q.Get("fieldType"),
	}
	if filter.Operation != "" && !models.Operation(filter.Operation).Valid() {
		http.Error(w, "Invalid operation", http.StatusBadRequest)
		return
	}

	findings, err := s.storage.GetFindings(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("failed to retrieve findings", "error", err)
		http.Error(w, fmt.Sprintf("Failed to retrieve findings: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"findings": findings,
		"count":    len(findings),
		"limit":    limit,
		"offset":   offset,
	})
}

// handleFindingByID handles GET requests for a specific finding
func (s *Server) handleFindingByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	finding, err := s.storage.GetFindingByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to retrieve finding", "id", id, "error", err)
		http.Error(w, fmt.Sprintf("Failed to retrieve finding: %v", err), http.StatusInternalServerError)
		return
	}
	if finding == nil {
		http.Error(w, "Finding not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, finding)
}

// handleStatus handles GET requests for ingestion status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.storage.GetIngestionStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to retrieve status", "error", err)
		http.Error(w, fmt.Sprintf("Failed to retrieve status: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// queryInt parses raw, falling back to def when it is missing, malformed or below floor.
func queryInt(raw string, def, floor int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < floor {
		return def
	}
	return v
}
