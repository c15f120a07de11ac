package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// BatchHandler exposes the operator surface of the batch lifecycle. Every
// endpoint is a thin wrapper over the batch service; the scheduler performs
// the same operations on its own tick.
type BatchHandler struct {
	batch  interfaces.BatchService
	logger arbor.ILogger
}

// NewBatchHandler creates a new BatchHandler
func NewBatchHandler(batch interfaces.BatchService, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{batch: batch, logger: logger}
}

type registerRequest struct {
	ItemID string `json:"item_id"`
}

// RegisterHandler handles POST /api/batch/register
func (h *BatchHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ItemID == "" {
		WriteError(w, http.StatusBadRequest, "item_id is required")
		return
	}

	registered, err := h.batch.Register(r.Context(), req.ItemID, 0)
	if err != nil {
		h.logger.Error().Err(err).Str("item_id", req.ItemID).Msg("Registration failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"item_id":    req.ItemID,
		"registered": registered,
	})
}

// RegisterAllHandler handles POST /api/batch/register/all
func (h *BatchHandler) RegisterAllHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	queued, err := h.batch.RegisterAll(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Register-all failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"queued": queued})
}

// SubmitHandler handles POST /api/batch/submit
func (h *BatchHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	handles, err := h.batch.SubmitPending(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Submit failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if handles == nil {
		handles = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"submitted": handles})
}

// PollHandler handles POST /api/batch/poll
func (h *BatchHandler) PollHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	advanced, err := h.batch.PollSubmitted(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Poll failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if advanced == nil {
		advanced = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"advanced": advanced})
}

// CompleteHandler handles POST /api/batch/complete
func (h *BatchHandler) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	stats, err := h.batch.CompleteProcessed(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Complete failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// ResetHandler handles POST /api/batch/reset
func (h *BatchHandler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	flipped, err := h.batch.Reset(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Reset failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"failed_jobs": flipped})
}

// StatsHandler handles GET /api/batch/stats
func (h *BatchHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	stats, err := h.batch.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Stats failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
