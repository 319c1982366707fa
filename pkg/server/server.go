// Package server assembles the LoanPilot orchestrator: store, registries,
// dispatcher, runner, pipelines and the HTTP surface.
//
// It lives in pkg/ so other binaries (workers, admin tools) can compose the
// same server and wrap its handler.
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/agent"
	"github.com/loanpilot/orchestrator/internal/api"
	"github.com/loanpilot/orchestrator/internal/api/handlers"
	"github.com/loanpilot/orchestrator/internal/api/middleware"
	"github.com/loanpilot/orchestrator/internal/bus"
	"github.com/loanpilot/orchestrator/internal/catalog"
	"github.com/loanpilot/orchestrator/internal/config"
	"github.com/loanpilot/orchestrator/internal/crm"
	"github.com/loanpilot/orchestrator/internal/email"
	"github.com/loanpilot/orchestrator/internal/embeddings"
	"github.com/loanpilot/orchestrator/internal/experiments"
	"github.com/loanpilot/orchestrator/internal/guardrails"
	"github.com/loanpilot/orchestrator/internal/ledger"
	"github.com/loanpilot/orchestrator/internal/llm"
	"github.com/loanpilot/orchestrator/internal/mcpgw"
	"github.com/loanpilot/orchestrator/internal/metrics"
	"github.com/loanpilot/orchestrator/internal/notify"
	"github.com/loanpilot/orchestrator/internal/reconcile"
	"github.com/loanpilot/orchestrator/internal/retention"
	"github.com/loanpilot/orchestrator/internal/retry"
	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/internal/store/sqlite"
	"github.com/loanpilot/orchestrator/internal/telemetry"
	"github.com/loanpilot/orchestrator/internal/tools"
	"github.com/loanpilot/orchestrator/internal/vectorstore"
	"github.com/loanpilot/orchestrator/pkg/contracts"
	"github.com/loanpilot/orchestrator/pkg/models"
)

// Server holds the initialized orchestrator.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the profile, event and invocation store.
	Store *store.MemoryStore

	// Bus is the event dispatcher. Drain it before closing the store.
	Bus *bus.Bus

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	closers []func() error
}

// Options override pieces of the default wiring, mainly for tests.
type Options struct {
	// LLM replaces the provider router built from configuration.
	LLM contracts.Completer
	// Embedder replaces the configured embedding driver.
	Embedder contracts.Embedder
}

// New loads configuration from the environment and builds the server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load(), Options{})
}

// NewWithConfig builds every component from cfg.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	srv := &Server{Config: cfg, Port: cfg.Port}
	ok := false
	defer func() {
		if !ok {
			srv.closeAll()
		}
	}()

	// Telemetry
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.closers = append(srv.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})
	m := metrics.New()

	// Storage
	dataStore := store.NewMemoryStoreAt(cfg.Store.DataDir)
	srv.Store = dataStore
	srv.closers = append(srv.closers, dataStore.Close)
	log.Info().Str("data_dir", cfg.Store.DataDir).Msg("✅ Store initialized")

	var expStore store.ExperimentStore = dataStore
	if cfg.Store.ExperimentsDB != "" {
		sq, err := sqlite.New(cfg.Store.ExperimentsDB)
		if err != nil {
			return nil, fmt.Errorf("open experiments db: %w", err)
		}
		srv.closers = append(srv.closers, sq.Close)
		expStore = sq
		log.Info().Str("path", cfg.Store.ExperimentsDB).Msg("✅ Experiments database opened")
	}

	// Providers
	completer := opts.LLM
	if completer == nil {
		completer = newLLMRouter(cfg.LLM)
	}
	embedder := opts.Embedder
	if embedder == nil {
		embedder = embeddings.New(cfg.Embeddings)
	}
	vectors, closeVectors, err := vectorstore.New(ctx, cfg.VectorMemory, cfg.Embeddings.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("init vector memory: %w", err)
	}
	srv.closers = append(srv.closers, func() error { closeVectors(); return nil })
	memory := vectorstore.NewMemory(embedder, vectors)
	log.Info().Str("backend", cfg.VectorMemory.Backend).Msg("✅ Vector memory initialized")

	// Registries
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	guard := guardrails.New(cat.Guardrails()...)
	profiles := crm.NewService(dataStore)
	agents := agent.NewRegistry(dataStore, cfg.Dispatcher.DefaultThreshold)
	toolRegistry := tools.NewRegistry(dataStore)
	tools.BindBuiltins(toolRegistry, tools.Builtins{
		Profiles: profiles,
		Tasks:    dataStore,
		Sender:   notify.NewService(cfg.Notify),
		Guard:    guard,
	})
	if _, err := cat.Seed(ctx, agents, toolRegistry); err != nil {
		return nil, fmt.Errorf("seed catalog: %w", err)
	}
	invoker := tools.NewInvoker(toolRegistry, dataStore,
		tools.WithTimeout(cfg.Dispatcher.ToolTimeout),
		tools.WithMetrics(m),
	)

	// Observability and review
	actions := ledger.New(dataStore, dataStore, ledger.WithMetrics(m))
	engine := experiments.NewEngine(expStore, m)
	var rec *reconcile.Service
	hub := reconcile.NewHub(func(ctx context.Context) ([]models.FeedItem, error) {
		return rec.Feed(ctx)
	})
	rec = reconcile.NewService(dataStore, dataStore, profiles, hub, m)

	// Runner and dispatcher
	runner := agent.NewRunner(agent.Deps{
		Invocations: dataStore,
		Events:      dataStore,
		Agents:      agents,
		Tools:       toolRegistry,
		Invoker:     invoker,
		LLM:         completer,
		Memory:      memory,
		Ledger:      actions,
		Experiments: engine,
		Feed:        hub,
		Metrics:     m,
		Timeouts: agent.Timeouts{
			LLM:    cfg.Dispatcher.LLMTimeout,
			Memory: cfg.Dispatcher.MemoryTimeout,
		},
	})
	dispatcher := bus.New(dataStore, dataStore, agents, runner, bus.Options{
		HighWaterMark:      cfg.Dispatcher.HighWaterMark,
		DefaultMaxInFlight: cfg.Dispatcher.DefaultMaxInFlight,
		Metrics:            m,
	})
	runner.SetScheduler(dispatcher)
	srv.Bus = dispatcher
	log.Info().Int("high_water_mark", cfg.Dispatcher.HighWaterMark).Msg("✅ Event bus initialized")

	pipeline := email.New(dataStore, profiles, rec, dispatcher, completer, email.Options{
		Model:      cfg.LLM.AnthropicModel,
		LLMTimeout: cfg.Dispatcher.LLMTimeout,
		Retry:      retry.Default,
		Metrics:    m,
		Guard:      guard,
	})
	runner.RegisterHandler(email.HandlerName, pipeline)
	log.Info().Msg("✅ Email pipeline registered")

	if cfg.Retention.EmailDays > 0 {
		srv.startJanitor(cfg, dataStore)
	}

	gw, err := mcpgw.New(ctx, toolRegistry, invoker, dispatcher, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init mcp gateway: %w", err)
	}

	// HTTP
	h := &handlers.Handlers{
		Events:      dispatcher,
		Bus:         dispatcher,
		Agents:      agents,
		Runner:      runner,
		Tools:       toolRegistry,
		Invocations: dataStore,
		ToolCalls:   dataStore,
		Ledger:      actions,
		Experiments: engine,
		Emails:      pipeline,
		Profiles:    profiles,
		Reconcile:   rec,
		FeedHub:     hub,
		RetryAfter:  cfg.Dispatcher.RetryAfter,
	}
	var auth *middleware.APIKeyAuth
	if len(cfg.APIKeys) > 0 {
		auth = middleware.NewAPIKeyAuth(cfg.APIKeys)
		log.Info().Int("keys", len(cfg.APIKeys)).Msg("🔐 API key auth enabled")
	}
	srv.Handler = api.NewRouter(cfg, h, gw.Handler(), m, auth)

	ok = true
	return srv, nil
}

// Shutdown drains the dispatcher, then releases the store and providers.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.Bus != nil {
		if err := s.Bus.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain bus: %w", err))
		}
	}
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// startJanitor runs email retention until the server shuts down.
func (s *Server) startJanitor(cfg *config.Config, emails store.EmailStore) {
	janitor := retention.NewJanitor(emails, retention.Options{
		RetentionDays: cfg.Retention.EmailDays,
		Interval:      cfg.Retention.Interval,
	})
	archiveDir := cfg.Retention.ArchiveDir
	if archiveDir == "" && cfg.Store.DataDir != "" {
		archiveDir = filepath.Join(cfg.Store.DataDir, "archive")
	}
	janitor.RegisterArchiver(retention.NewLocalFileArchiver(archiveDir, cfg.Retention.Compress))

	jctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		janitor.Start(jctx)
	}()
	s.closers = append(s.closers, func() error {
		cancel()
		<-done
		return nil
	})
}

// closeAll runs closers in reverse order of acquisition.
func (s *Server) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// newLLMRouter builds provider drivers in the configured failover order.
// Providers without credentials are skipped.
func newLLMRouter(cfg config.LLMConfig) *llm.Router {
	var drivers []contracts.ProviderDriver
	for _, p := range cfg.Providers {
		switch p {
		case "anthropic":
			if cfg.AnthropicKey != "" {
				drivers = append(drivers, llm.NewAnthropicDriver(cfg.AnthropicKey, cfg.AnthropicModel, cfg.MaxTokens))
			}
		case "openai":
			if cfg.OpenAIKey != "" {
				drivers = append(drivers, llm.NewOpenAIDriver(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.MaxTokens))
			}
		default:
			log.Warn().Str("provider", p).Msg("Unknown LLM provider ignored")
		}
	}
	r := llm.NewRouter(drivers...)
	if len(drivers) == 0 {
		log.Warn().Msg("⚠️ No LLM provider configured; agents will escalate to review")
	} else {
		log.Info().Strs("providers", r.Providers()).Msg("✅ LLM router initialized")
	}
	return r
}
