package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loanpilot/orchestrator/internal/email"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// IngestEmail stores a raw email and publishes EmailReceived. Processing is
// asynchronous; poll GET /emails/{id} for the outcome.
func (h *Handlers) IngestEmail(w http.ResponseWriter, r *http.Request) {
	var req email.IngestRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	e, err := h.Emails.Ingest(r.Context(), req)
	if err != nil {
		if e != nil {
			// Stored but not announced; the id lets the caller retry it.
			w.Header().Set("X-Email-Id", e.ID)
		}
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, e)
}

func (h *Handlers) ListEmails(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.respondError(w, err)
		return
	}
	emails, err := h.Emails.List(r.Context(), models.SyncStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(emails))
}

func (h *Handlers) GetEmail(w http.ResponseWriter, r *http.Request) {
	e, err := h.Emails.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (h *Handlers) RetryEmail(w http.ResponseWriter, r *http.Request) {
	e, err := h.Emails.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, e)
}
