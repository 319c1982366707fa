package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

type stubPublisher struct {
	res *models.PublishResult
	err error
}

func (p *stubPublisher) Publish(_ context.Context, _ *models.Event) (*models.PublishResult, error) {
	return p.res, p.err
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind models.ErrorKind
		want int
	}{
		{models.KindValidation, http.StatusBadRequest},
		{models.KindPermissionDenied, http.StatusForbidden},
		{models.KindNotFound, http.StatusNotFound},
		{models.KindConflict, http.StatusConflict},
		{models.KindCancelled, http.StatusConflict},
		{models.KindBelowThreshold, http.StatusUnprocessableEntity},
		{models.KindBackpressure, http.StatusTooManyRequests},
		{models.KindProviderUnavailable, http.StatusServiceUnavailable},
		{models.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.kind); got != tt.want {
			t.Errorf("statusFor(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestRespondError_StoreErrors(t *testing.T) {
	h := &Handlers{}

	w := httptest.NewRecorder()
	h.respondError(w, fmt.Errorf("load: %w", &store.ErrNotFound{Entity: "agent", Key: "x"}))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.respondError(w, fmt.Errorf("save: %w", store.ErrVersionConflict))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	h.respondError(w, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"Internal"`)
}

func TestPublishEvent_Backpressure(t *testing.T) {
	h := &Handlers{
		Events:     &stubPublisher{err: models.NewError(models.KindBackpressure, models.CodeBackpressure, "queue full")},
		RetryAfter: 3 * time.Second,
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events",
		strings.NewReader(`{"event_type":"LeadCreated","entity_type":"lead","entity_id":"1"}`))
	w := httptest.NewRecorder()
	h.PublishEvent(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), models.CodeBackpressure)
}

func TestPublishEvent_MalformedBody(t *testing.T) {
	h := &Handlers{Events: &stubPublisher{}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(`{"event_type":`))
	w := httptest.NewRecorder()
	h.PublishEvent(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryHelpers(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=5&bad=-1&since=2025-03-01&until=2025-03-02T10:00:00Z&when=yesterday", nil)

	n, err := queryInt(r, "limit", 10)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = queryInt(r, "missing", 10)
	assert.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = queryInt(r, "bad", 10)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	since, err := queryTime(r, "since")
	assert.NoError(t, err)
	assert.Equal(t, 2025, since.Year())

	until, err := queryTime(r, "until")
	assert.NoError(t, err)
	assert.Equal(t, 10, until.Hour())

	_, err = queryTime(r, "when")
	assert.Error(t, err)
}
