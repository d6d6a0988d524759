package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/services"
)

// maxLogsLimit caps the limit query parameter of GET /api/cleanup/logs.
const maxLogsLimit = services.StatsWindow

// CleanupRunner starts a cleanup run on demand.
type CleanupRunner interface {
	RunNow(ctx context.Context) (models.CleanupResult, error)
}

// CleanupReporter reads the cleanup audit log.
type CleanupReporter interface {
	Stats(ctx context.Context) (models.CleanupStats, error)
	Logs(ctx context.Context, limit int) ([]models.CleanupLog, error)
}

// CleanupHandler contains HTTP handlers for the maintenance job.
type CleanupHandler struct {
	runner   CleanupRunner
	reporter CleanupReporter
	secret   string
	log      zerolog.Logger
}

// NewCleanupHandler creates a new CleanupHandler instance. secret
// authenticates POST /api/cleanup; when it is empty every run request is
// rejected.
func NewCleanupHandler(runner CleanupRunner, reporter CleanupReporter, secret string, log zerolog.Logger) *CleanupHandler {
	return &CleanupHandler{runner: runner, reporter: reporter, secret: secret, log: log}
}

// Run handles POST /api/cleanup
// Triggered by the external cron with Authorization: Bearer <secret>.
func (h *CleanupHandler) Run(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	result, err := h.runner.RunNow(r.Context())
	if errors.Is(err, services.ErrCleanupRunning) {
		writeError(w, http.StatusConflict, "Cleanup already running")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("cleanup request failed")
		writeError(w, http.StatusInternalServerError, "Cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Stats handles GET /api/cleanup/stats
func (h *CleanupHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reporter.Stats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load cleanup stats")
		writeError(w, http.StatusInternalServerError, "Failed to load cleanup stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Logs handles GET /api/cleanup/logs?limit=N
func (h *CleanupHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit := services.DefaultLogsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogsLimit)
	}

	logs, err := h.reporter.Logs(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load cleanup logs")
		writeError(w, http.StatusInternalServerError, "Failed to load cleanup logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *CleanupHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	got := r.Header.Get("Authorization")
	want := "Bearer " + h.secret
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
