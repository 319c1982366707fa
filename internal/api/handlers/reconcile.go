package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loanpilot/orchestrator/internal/api/middleware"
	"github.com/loanpilot/orchestrator/internal/reconcile"
	"github.com/loanpilot/orchestrator/pkg/models"
)

func (h *Handlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.respondError(w, err)
		return
	}
	filter := models.ConflictFilter{
		ProfileType: models.ProfileType(q.Get("profile_type")),
		Urgency:     models.Urgency(q.Get("urgency")),
		Status:      models.ConflictStatus(q.Get("status")),
		ProfileID:   q.Get("profile_id"),
		Limit:       limit,
	}
	if filter.ProfileType != "" && !filter.ProfileType.Valid() {
		h.badRequest(w, "unknown profile_type %q", filter.ProfileType)
		return
	}
	conflicts, err := h.Reconcile.ListConflicts(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(conflicts))
}

func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req reconcile.ResolveRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = middleware.GetActor(r.Context())
	}
	c, err := h.Reconcile.Resolve(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handlers) ListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Reconcile.ListPending(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(pending))
}

// Feed is the merged human review queue.
func (h *Handlers) Feed(w http.ResponseWriter, r *http.Request) {
	items, err := h.Reconcile.Feed(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(items))
}

// FeedStream upgrades to a websocket that sends the feed snapshot and then
// every new item.
func (h *Handlers) FeedStream(w http.ResponseWriter, r *http.Request) {
	if h.FeedHub == nil {
		respondJSON(w, http.StatusNotFound, errorBody{Error: "feed stream not enabled", Kind: models.KindNotFound})
		return
	}
	h.FeedHub.ServeHTTP(w, r)
}
