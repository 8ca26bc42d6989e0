// Package api provides the non-streaming HTTP handlers of the chat adapter.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/keo571/netquery-insight-chat/internal/domain"
	"github.com/keo571/netquery-insight-chat/internal/netquery"
	"github.com/keo571/netquery-insight-chat/internal/observability"
	"github.com/keo571/netquery-insight-chat/internal/protocol"
	"github.com/keo571/netquery-insight-chat/internal/store"
)

const (
	defaultFeedbackLimit = 50
	maxFeedbackBody      = 1 << 20
	defaultSchemaTTL     = 5 * time.Minute

	downloadTimeoutMessage = "Download timeout - dataset too large or server busy. Please try again."
)

// Config holds the handler settings taken from the server configuration.
type Config struct {
	// Database is used when a request names none.
	Database       string
	SchemaCacheTTL time.Duration
	// AnalyzedRows is how many rows the backend interprets.
	AnalyzedRows int
}

// Handler serves health, schema, interpretation, download and feedback.
type Handler struct {
	backend netquery.Backend
	repo    store.Repository
	cfg     Config
	schemas *cache.Cache
	group   singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(backend netquery.Backend, repo store.Repository, cfg Config, logger *slog.Logger) *Handler {
	if cfg.SchemaCacheTTL <= 0 {
		cfg.SchemaCacheTTL = defaultSchemaTTL
	}
	if cfg.AnalyzedRows <= 0 {
		cfg.AnalyzedRows = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		backend: backend,
		repo:    repo,
		cfg:     cfg,
		schemas: cache.New(cfg.SchemaCacheTTL, 2*cfg.SchemaCacheTTL),
		logger:  logger,
		now:     time.Now,
	}
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/schema/overview", h.SchemaOverview)
	r.Route("/api", func(r chi.Router) {
		r.Get("/interpret/{query_id}", h.Interpret)
		r.Get("/download/{query_id}", h.Download)
		r.Post("/feedback", h.SubmitFeedback)
		r.Get("/feedback", h.ListFeedback)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Health probes the Netquery backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	res, err := h.backend.Health(r.Context())
	if err != nil {
		h.logger.Warn("Netquery health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, protocol.Health{
			Status:      "unhealthy",
			NetqueryAPI: "disconnected",
			Error:       err.Error(),
		})
		return
	}
	size := res.CacheSize
	JSON(w, http.StatusOK, protocol.Health{
		Status:            "healthy",
		NetqueryAPI:       "connected",
		NetqueryCacheSize: &size,
	})
}

// SchemaOverview returns the tables and starter questions of a database.
// Results are cached and concurrent misses share one backend call.
func (h *Handler) SchemaOverview(w http.ResponseWriter, r *http.Request) {
	database := h.database(r)
	key := "schema:" + database
	if v, ok := h.schemas.Get(key); ok {
		JSON(w, http.StatusOK, v)
		return
	}

	v, err, shared := h.group.Do(key, func() (interface{}, error) {
		// Detached so one caller going away does not fail the others.
		ctx := context.WithoutCancel(r.Context())
		start := time.Now()
		overview, err := h.backend.SchemaOverview(ctx, database)
		observability.ObserveBackendCall("schema_overview", err, time.Since(start))
		if err != nil {
			return nil, err
		}
		h.schemas.Set(key, overview, cache.DefaultExpiration)
		return overview, nil
	})
	if err != nil {
		h.logger.Error("Failed to load schema overview", "database", database, "error", err)
		Error(w, http.StatusServiceUnavailable, "schema overview unavailable")
		return
	}
	h.logger.Debug("Schema overview loaded", "database", database, "shared", shared)
	JSON(w, http.StatusOK, v)
}

// Interpret runs the on-demand analysis of a finished query.
func (h *Handler) Interpret(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")
	database := h.database(r)

	var (
		exec   *netquery.ExecuteResult
		interp *netquery.InterpretResult
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		start := time.Now()
		res, err := h.backend.Execute(ctx, queryID, database)
		observability.ObserveBackendCall("execute", err, time.Since(start))
		if err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		exec = res
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		res, err := h.backend.Interpret(ctx, queryID, database)
		observability.ObserveBackendCall("interpret", err, time.Since(start))
		if err != nil {
			return fmt.Errorf("interpret: %w", err)
		}
		interp = res
		return nil
	})
	if err := g.Wait(); err != nil {
		h.logger.Error("Interpretation failed", "query_id", queryID, "error", err)
		Error(w, StatusFor(err), err.Error())
		return
	}

	JSON(w, http.StatusOK, interp.Payload(exec.TotalCount, h.cfg.AnalyzedRows))
}

// Download streams the full CSV of a query from the backend.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "query_id")
	dl, err := h.backend.Download(r.Context(), queryID, h.database(r))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.logger.Warn("Download timed out", "query_id", queryID)
			Error(w, http.StatusGatewayTimeout, downloadTimeoutMessage)
			return
		}
		h.logger.Error("Download failed", "query_id", queryID, "error", err)
		Error(w, StatusFor(err), err.Error())
		return
	}
	defer func() { _ = dl.Body.Close() }()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, downloadFilename(queryID, h.now())))
	if dl.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, dl.Body)
	if err != nil {
		h.logger.Warn("Download interrupted", "query_id", queryID, "bytes", n, "error", err)
		return
	}
	h.logger.Info("Download finished", "query_id", queryID, "bytes", n)
}

func downloadFilename(queryID string, now time.Time) string {
	prefix := queryID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("query_results_%s_%s.csv", prefix, now.Format("2006-01-02"))
}

// SubmitFeedback stores a thumbs up or down.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFeedbackBody)
	var req protocol.Feedback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := protocol.Validate(req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	fb := &domain.Feedback{
		Type:         req.Type,
		QueryID:      req.QueryID,
		UserQuestion: strings.TrimSpace(req.UserQuestion),
		SQLQuery:     req.SQLQuery,
		Description:  strings.TrimSpace(req.Description),
		Tags:         req.Tags,
		SubmittedAt:  req.Timestamp,
	}
	if err := h.repo.SaveFeedback(r.Context(), fb); err != nil {
		h.logger.Error("Failed to save feedback", "error", err, "query_id", req.QueryID)
		Error(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}
	observability.IncrementFeedback(fb.Type)
	h.logger.Info("Feedback received",
		"feedback_id", fb.ID,
		"type", fb.Type,
		"query_id", fb.QueryID,
		"tags", fb.Tags,
	)
	JSON(w, http.StatusOK, protocol.FeedbackAck{
		Status:  "success",
		Message: "Feedback submitted successfully",
	})
}

// ListFeedback returns recent feedback, newest first.
func (h *Handler) ListFeedback(w http.ResponseWriter, r *http.Request) {
	limit := defaultFeedbackLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := h.repo.ListFeedback(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list feedback", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list feedback")
		return
	}
	if items == nil {
		items = []*domain.Feedback{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"feedback": items,
		"count":    len(items),
	})
}

func (h *Handler) database(r *http.Request) string {
	if db := strings.TrimSpace(r.URL.Query().Get("database")); db != "" {
		return db
	}
	return h.cfg.Database
}
