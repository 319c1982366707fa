package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loanpilot/orchestrator/internal/agent"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// ── Agents ───────────────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	filter := models.AgentFilter{
		Status:    models.AgentStatus(r.URL.Query().Get("status")),
		EventType: models.EventType(r.URL.Query().Get("event_type")),
	}
	agents, err := h.Agents.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	type row struct {
		models.Agent
		Load int `json:"load"`
	}
	out := make([]row, len(agents))
	for i, a := range agents {
		out[i] = row{Agent: a}
		if h.Bus != nil {
			out[i].Load = h.Bus.Load(a.ID)
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var a models.Agent
	if err := decode(w, r, &a); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.Agents.Register(r.Context(), &a); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	var p agent.Patch
	if err := decode(w, r, &p); err != nil {
		h.respondError(w, err)
		return
	}
	a, err := h.Agents.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType models.EventType `json:"event_type"`
	}
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	a, err := h.Agents.Subscribe(r.Context(), chi.URLParam(r, "id"), req.EventType)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Unsubscribe(r.Context(), chi.URLParam(r, "id"), models.EventType(chi.URLParam(r, "eventType")))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// ── Tools ────────────────────────────────────────────────────

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	defs, err := h.Tools.List(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(defs))
}

func (h *Handlers) GetTool(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tools.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}
