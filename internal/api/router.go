package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/loanpilot/orchestrator/internal/api/handlers"
	"github.com/loanpilot/orchestrator/internal/api/middleware"
	"github.com/loanpilot/orchestrator/internal/config"
	"github.com/loanpilot/orchestrator/internal/metrics"
)

// NewRouter creates the HTTP router with all API routes. mcp may be nil to
// leave the MCP endpoint unmounted; auth may be nil to disable API keys.
func NewRouter(cfg *config.Config, h *handlers.Handlers, mcp http.Handler, m *metrics.Metrics, auth *middleware.APIKeyAuth) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Actor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry(m))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Actor-Id", "X-Request-Id", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "Retry-After", "Mcp-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if auth != nil {
		r.Use(auth.Middleware)
	}

	// Health & info
	r.Get("/healthz", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", m.Handler())
	if mcp != nil {
		r.Handle("/mcp", mcp)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", h.PublishEvent)

		// Agent registry
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Patch("/", h.UpdateAgent)
				r.Post("/subscriptions", h.Subscribe)
				r.Delete("/subscriptions/{eventType}", h.Unsubscribe)
			})
		})

		// Tool registry
		r.Get("/tools", h.ListTools)
		r.Get("/tools/{name}", h.GetTool)

		// Invocations
		r.Route("/invocations", func(r chi.Router) {
			r.Get("/", h.ListInvocations)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetInvocation)
				r.Post("/approve", h.ApproveInvocation)
				r.Post("/reject", h.RejectInvocation)
				r.Post("/cancel", h.CancelInvocation)
				r.Post("/retry", h.RetryInvocation)
				r.Post("/update-outcome", h.UpdateOutcome)
			})
		})

		// Action ledger
		r.Get("/health", h.Health)
		r.Route("/ledger", func(r chi.Router) {
			r.Get("/actions", h.ListActions)
			r.Get("/actions/{id}", h.GetAction)
			r.Get("/rollups", h.Rollup)
		})

		// Experiments
		r.Route("/experiments", func(r chi.Router) {
			r.Get("/", h.ListExperiments)
			r.Post("/", h.CreateExperiment)
			r.Post("/get-variant", h.GetVariant)
			r.Post("/record-result", h.RecordResult)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetExperiment)
				r.Post("/start", h.StartExperiment)
				r.Post("/pause", h.PauseExperiment)
				r.Post("/stop", h.StopExperiment)
				r.Get("/analyze", h.AnalyzeExperiment)
				r.Get("/summary", h.ExperimentSummary)
			})
		})

		// Email extraction
		r.Route("/emails", func(r chi.Router) {
			r.Get("/", h.ListEmails)
			r.Post("/ingest", h.IngestEmail)
			r.Get("/{id}", h.GetEmail)
			r.Post("/{id}/retry", h.RetryEmail)
		})

		// Profiles
		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", h.ListProfiles)
			r.Get("/{id}", h.GetProfile)
			r.Get("/{id}/history", h.ProfileHistory)
		})

		// Reconciliation
		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/conflicts", h.ListConflicts)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
			r.Get("/pending", h.ListPending)
			r.Get("/feed", h.Feed)
			r.Get("/feed/stream", h.FeedStream)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "loanpilot-orchestrator",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "loanpilot-orchestrator",
		})
	}
}
