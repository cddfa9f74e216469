// Package handlers provides the local debug API of the edge daemon.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/eventstore"
	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
	syncer "github.com/IRSPlays/ProjectCortexV2-sub000/internal/sync"
)

// Store is the part of the event store the handlers read.
type Store interface {
	Stats(ctx context.Context) (eventstore.Stats, error)
	SyncNow(ctx context.Context) (syncer.CycleResult, error)
	FetchRecent(ctx context.Context, c models.Category, limit int) ([]*models.EventRecord, error)
}

// StatusHandler serves health, stats, manual sync and recent events.
type StatusHandler struct {
	store    Store
	deviceID string
	log      *logging.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(store Store, deviceID string) *StatusHandler {
	return &StatusHandler{
		store:    store,
		deviceID: deviceID,
		log:      logging.Get().WithComponent("api"),
	}
}

// Register installs the routes on mux.
func (h *StatusHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", h.Health)
	mux.HandleFunc("/api/stats", h.Stats)
	mux.HandleFunc("/api/sync", h.TriggerSync)
	mux.HandleFunc("/api/events", h.Recent)
}

// Health handles GET /api/health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "cortex-edge",
		"device_id": h.deviceID,
	})
}

// Stats handles GET /api/stats
func (h *StatusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// TriggerSync handles POST /api/sync
// Runs one cycle and reports its outcome.
func (h *StatusHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := h.store.SyncNow(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"run_id":       res.RunID,
		"outcome":      res.Outcome,
		"batches":      res.Batches,
		"synced":       res.Synced,
		"rejected":     res.Rejected,
		"poison_pills": res.PoisonPills,
	}
	if res.Err != nil {
		response["error"] = res.Err.Error()
		response["error_code"] = apperrors.CodeOf(res.Err)
	}
	writeJSON(w, http.StatusOK, response)
}

// Recent handles GET /api/events?category=detection&limit=20
func (h *StatusHandler) Recent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, err := models.ParseCategory(r.URL.Query().Get("category"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := h.store.FetchRecent(r.Context(), c, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"category": c,
		"events":   recs,
	})
}

func (h *StatusHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrClosed:
		status = http.StatusServiceUnavailable
	}
	h.log.Error("Request failed", err)
	writeJSON(w, status, map[string]interface{}{
		"error":      err.Error(),
		"error_code": apperrors.CodeOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
