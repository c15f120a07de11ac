package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// SearchHandler starts crawl pipelines from keyword lists.
type SearchHandler struct {
	queue  interfaces.QueueManager
	logger arbor.ILogger
}

// NewSearchHandler creates a new SearchHandler
func NewSearchHandler(queue interfaces.QueueManager, logger arbor.ILogger) *SearchHandler {
	return &SearchHandler{queue: queue, logger: logger}
}

type searchRequest struct {
	Keywords []string `json:"keywords"`
	Limit    int      `json:"limit"`
}

// StartHandler handles POST /api/search. The search itself runs on the
// search queue; the response only confirms the task was queued.
func (h *SearchHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Keywords) == 0 {
		WriteError(w, http.StatusBadRequest, "keywords are required")
		return
	}

	msg, err := models.NewMessage("search", "", models.SearchPayload{
		Keywords: req.Keywords,
		Limit:    req.Limit,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.queue.Enqueue(r.Context(), models.QueueSearch, msg); err != nil {
		h.logger.Error().Err(err).Msg("Failed to enqueue search task")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteStarted(w, fmt.Sprintf("search started for %d keywords", len(req.Keywords)))
}
