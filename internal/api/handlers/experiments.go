package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loanpilot/orchestrator/internal/experiments"
)

func (h *Handlers) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req experiments.CreateRequest
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	exp, err := h.Experiments.Create(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exp)
}

func (h *Handlers) ListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := h.Experiments.List(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, emptyIfNil(exps))
}

func (h *Handlers) GetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.Experiments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (h *Handlers) StartExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.Experiments.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (h *Handlers) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.Experiments.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (h *Handlers) StopExperiment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeclareWinner bool `json:"declare_winner"`
	}
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	exp, err := h.Experiments.Stop(r.Context(), chi.URLParam(r, "id"), req.DeclareWinner)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

// GetVariant assigns (or returns the sticky) variant of a caller.
func (h *Handlers) GetVariant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentName string                 `json:"experiment_name"`
		Subject        string                 `json:"user_id_or_session_id"`
		Attributes     map[string]interface{} `json:"attributes,omitempty"`
	}
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if req.ExperimentName == "" {
		h.badRequest(w, "experiment_name is required")
		return
	}
	v, err := h.Experiments.GetVariant(r.Context(), req.ExperimentName, req.Subject, req.Attributes)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (h *Handlers) RecordResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExperimentName string  `json:"experiment_name"`
		MetricName     string  `json:"metric_name"`
		Value          float64 `json:"value"`
		Subject        string  `json:"user_id_or_session_id"`
	}
	if err := decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	recorded, err := h.Experiments.Record(r.Context(), req.ExperimentName, req.MetricName, req.Value, req.Subject)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"recorded": recorded})
}

func (h *Handlers) AnalyzeExperiment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Experiments.Analyze(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("metric"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handlers) ExperimentSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Experiments.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}
