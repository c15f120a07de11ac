package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// StatusHandler reports process identity and batch progress.
type StatusHandler struct {
	batch     interfaces.BatchService
	logger    arbor.ILogger
	startedAt time.Time
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(batch interfaces.BatchService, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		batch:     batch,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status := map[string]interface{}{
		"service": "vigil",
		"version": common.GetVersion(),
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	}

	if stats, err := h.batch.Stats(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read batch stats for status")
	} else {
		status["batch"] = stats
	}

	WriteJSON(w, http.StatusOK, status)
}
