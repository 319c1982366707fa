// Package llm implements the orchestrator's Completer: provider drivers for
// Anthropic and OpenAI behind a failover router, plus helpers for pulling
// structured JSON out of free-form model output.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// Router sends completions to the first healthy provider, failing over in
// configured order. Drivers that do not serve the requested model are tried
// last with their own default model.
type Router struct {
	drivers []contracts.ProviderDriver

	// Latency tracking: provider kind → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64
}

var _ contracts.Completer = (*Router)(nil)

// NewRouter creates a router over drivers in failover order.
func NewRouter(drivers ...contracts.ProviderDriver) *Router {
	return &Router{drivers: drivers, latencies: make(map[string]int64)}
}

// Providers lists the configured provider kinds in failover order.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d.Kind())
	}
	return out
}

// Complete implements contracts.Completer. When every provider fails the
// error is a ProviderUnavailable models.Error with code LLM_UNAVAILABLE.
func (r *Router) Complete(ctx context.Context, req contracts.CompletionRequest) (string, error) {
	if len(r.drivers) == 0 {
		return "", models.NewError(models.KindProviderUnavailable, models.CodeLLMUnavailable, "no LLM providers configured")
	}

	var lastErr error
	for _, d := range r.order(req.Model) {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		call := req
		if !d.Supports(req.Model) {
			call.Model = ""
		}

		start := time.Now()
		text, err := d.Complete(ctx, call)
		if err != nil {
			log.Warn().
				Str("provider", d.Kind()).
				Str("model", call.Model).
				Err(err).
				Msg("Provider call failed, trying next")
			lastErr = err
			continue
		}
		r.trackLatency(d.Kind(), time.Since(start))
		return text, nil
	}

	if errors.Is(lastErr, context.Canceled) {
		return "", models.WrapError(models.KindCancelled, models.CodeLLMUnavailable, lastErr)
	}
	return "", models.WrapError(models.KindProviderUnavailable, models.CodeLLMUnavailable,
		fmt.Errorf("all providers failed, last error: %w", lastErr))
}

func (r *Router) order(model string) []contracts.ProviderDriver {
	ordered := make([]contracts.ProviderDriver, len(r.drivers))
	copy(ordered, r.drivers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Supports(model) && !ordered[j].Supports(model)
	})
	return ordered
}

func (r *Router) trackLatency(kind string, d time.Duration) {
	ms := d.Milliseconds()
	r.latencyMu.Lock()
	defer r.latencyMu.Unlock()
	if prev, ok := r.latencies[kind]; ok {
		r.latencies[kind] = (prev*4 + ms) / 5
		return
	}
	r.latencies[kind] = ms
}

// Latency returns the rolling average latency in milliseconds for a provider.
func (r *Router) Latency(kind string) int64 {
	r.latencyMu.RLock()
	defer r.latencyMu.RUnlock()
	return r.latencies[kind]
}
