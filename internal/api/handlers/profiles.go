package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loanpilot/orchestrator/pkg/models"
)

func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.respondError(w, err)
		return
	}
	pt := models.ProfileType(r.URL.Query().Get("type"))
	if pt != "" && !pt.Valid() {
		h.badRequest(w, "unknown profile type %q", pt)
		return
	}
	profiles, err := h.Profiles.List(r.Context(), pt, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(profiles))
}

func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.Profiles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ProfileHistory lists every field change on a profile, oldest first.
func (h *Handlers) ProfileHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.Profiles.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(history))
}
