package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loanpilot/orchestrator/pkg/models"
)

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "window_days", 7)
	if err != nil {
		h.respondError(w, err)
		return
	}
	report, err := h.Ledger.Health(r.Context(), days, r.URL.Query().Get("agent_id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) ListActions(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		h.respondError(w, err)
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		h.respondError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.respondError(w, err)
		return
	}
	actions, err := h.Ledger.List(r.Context(), models.ActionFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Outcome: models.Outcome(r.URL.Query().Get("outcome")),
		Since:   since,
		Until:   until,
		Limit:   limit,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(actions))
}

func (h *Handlers) GetAction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// Rollup returns the daily rollup for date (today when omitted), for one
// agent or all agents.
func (h *Handlers) Rollup(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	rollup, err := h.Ledger.DailyRollup(r.Context(), date, r.URL.Query().Get("agent_id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rollup)
}
