// Package handlers implements the HTTP handlers for the LoanPilot
// orchestrator API. Handlers decode, call one service and map the result or
// the error kind to a response; no domain logic lives here.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/agent"
	"github.com/loanpilot/orchestrator/internal/bus"
	"github.com/loanpilot/orchestrator/internal/crm"
	"github.com/loanpilot/orchestrator/internal/email"
	"github.com/loanpilot/orchestrator/internal/experiments"
	"github.com/loanpilot/orchestrator/internal/ledger"
	"github.com/loanpilot/orchestrator/internal/reconcile"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/internal/tools"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// maxBody bounds decoded request bodies; raw emails are the largest payload.
const maxBody = 10 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Events      contracts.Publisher
	Bus         *bus.Bus
	Agents      *agent.Registry
	Runner      *agent.Runner
	Tools       *tools.Registry
	Invocations store.InvocationStore
	ToolCalls   store.ToolCallStore
	Ledger      *ledger.Ledger
	Experiments *experiments.Engine
	Emails      *email.Pipeline
	Profiles    *crm.Service
	Reconcile   *reconcile.Service
	FeedHub     http.Handler

	// RetryAfter is advertised on 429 responses.
	RetryAfter time.Duration
}

// ── Responses ────────────────────────────────────────────────

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string           `json:"error"`
	Kind  models.ErrorKind `json:"kind"`
	Code  string           `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

// respondError maps err to a status by kind. Store errors that reach a
// handler unwrapped are classified here too.
func (h *Handlers) respondError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	switch {
	case store.IsNotFound(err):
		kind = models.KindNotFound
	case store.IsDuplicate(err), errors.Is(err, store.ErrVersionConflict):
		kind = models.KindConflict
	}

	status := statusFor(kind)
	if status == http.StatusTooManyRequests && h.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.RetryAfter.Seconds())))
	}
	if status >= 500 && kind != models.KindProviderUnavailable {
		log.Error().Err(err).Msg("Request failed")
	}
	respondJSON(w, status, errorBody{Error: err.Error(), Kind: kind, Code: models.CodeOf(err)})
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindPermissionDenied:
		return http.StatusForbidden
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict, models.KindCancelled:
		return http.StatusConflict
	case models.KindBelowThreshold:
		return http.StatusUnprocessableEntity
	case models.KindBackpressure:
		return http.StatusTooManyRequests
	case models.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handlers) badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	h.respondError(w, models.NewError(models.KindValidation, "", format, args...))
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return models.NewError(models.KindValidation, "", "invalid request body: %v", err)
	}
	return nil
}

// ── Query helpers ────────────────────────────────────────────

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, models.NewError(models.KindValidation, "", "%s must be a non-negative integer", name)
	}
	return n, nil
}

// queryTime accepts RFC 3339 timestamps or YYYY-MM-DD dates.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, models.NewError(models.KindValidation, "", "%s must be RFC 3339 or YYYY-MM-DD", name)
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
