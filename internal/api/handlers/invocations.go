package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loanpilot/orchestrator/internal/agent"
	"github.com/loanpilot/orchestrator/internal/api/middleware"
	"github.com/loanpilot/orchestrator/pkg/models"
)

func (h *Handlers) ListInvocations(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		h.respondError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.respondError(w, err)
		return
	}
	q := r.URL.Query()
	invs, err := h.Invocations.ListInvocations(r.Context(), models.InvocationFilter{
		AgentID: q.Get("agent_id"),
		EventID: q.Get("event_id"),
		Status:  q.Get("status"),
		Since:   since,
		Limit:   limit,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(invs))
}

// invocationDetail is an invocation with its audited tool calls.
type invocationDetail struct {
	*models.Invocation
	ToolCalls []models.ToolCall `json:"tool_calls"`
	Running   bool              `json:"running"`
}

func (h *Handlers) GetInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inv, err := h.Invocations.GetInvocation(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	calls, err := h.ToolCalls.ListToolCalls(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, invocationDetail{
		Invocation: inv,
		ToolCalls:  emptyIfNil(calls),
		Running:    h.Runner.IsRunning(id),
	})
}

func (h *Handlers) ApproveInvocation(w http.ResponseWriter, r *http.Request) {
	var req agent.ApproveRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = middleware.GetActor(r.Context())
	}
	inv, err := h.Runner.Approve(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inv)
}

func (h *Handlers) RejectInvocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reviewer string `json:"reviewer"`
		Reason   string `json:"reason"`
	}
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = middleware.GetActor(r.Context())
	}
	inv, err := h.Runner.Reject(r.Context(), chi.URLParam(r, "id"), req.Reviewer, req.Reason)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inv)
}

func (h *Handlers) CancelInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Runner.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inv)
}

func (h *Handlers) RetryInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Runner.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, inv)
}

// UpdateOutcome records a late outcome (customer reply, measured impact) on
// the ledger row of an invocation.
func (h *Handlers) UpdateOutcome(w http.ResponseWriter, r *http.Request) {
	var u models.OutcomeUpdate
	if err := decode(w, r, &u); err != nil {
		h.respondError(w, err)
		return
	}
	rec, err := h.Ledger.UpdateOutcomeForInvocation(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
