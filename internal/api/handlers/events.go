package handlers

import (
	"net/http"

	"github.com/loanpilot/orchestrator/internal/api/middleware"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// PublishEvent accepts one domain event. The response arrives before any
// agent runs; 429 means nothing was stored.
func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if err := decode(w, r, &ev); err != nil {
		h.respondError(w, err)
		return
	}
	if ev.ActorID == "" && ev.Type == models.EventManualRequest {
		ev.ActorID = middleware.GetActor(r.Context())
	}
	res, err := h.Events.Publish(r.Context(), &ev)
	if err != nil {
		h.respondError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}
