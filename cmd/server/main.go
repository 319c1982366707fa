// LoanPilot orchestrator: the agent runtime behind the mortgage CRM.
//
// It provides:
//   - Event bus with per-agent backpressure
//   - Agent registry and runner (LLM decisions, confidence gate, review queue)
//   - Tool registry and audited invoker, also exposed over MCP
//   - Action ledger with health scores and daily rollups
//   - Experiment engine (sticky assignment, significance analysis)
//   - Email extraction pipeline and reconciliation queue

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loanpilot/orchestrator/internal/config"
	"github.com/loanpilot/orchestrator/pkg/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Str("version", cfg.Version).Msg("🏦 LoanPilot orchestrator starting...")

	ctx := context.Background()
	srv, err := server.NewWithConfig(ctx, cfg, server.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown: stop accepting requests, then drain queued invocations.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Orchestrator shutdown incomplete")
		}
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("🚀 LoanPilot orchestrator is ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-done
	log.Info().Msg("👋 Stopped")
}
