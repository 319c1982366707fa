package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LOANPILOT_PORT", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LOANPILOT_EMBEDDINGS", "")
	t.Setenv("LOANPILOT_API_KEYS", "")
	t.Setenv("LOANPILOT_EMAIL_RETENTION_DAYS", "")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Dispatcher.LLMTimeout != 25*time.Second {
		t.Errorf("LLMTimeout = %v, want 25s", cfg.Dispatcher.LLMTimeout)
	}
	if cfg.Embeddings.Provider != "hash" {
		t.Errorf("Embeddings.Provider = %q, want hash without an OpenAI key", cfg.Embeddings.Provider)
	}
	if len(cfg.LLM.Providers) != 2 || cfg.LLM.Providers[0] != "anthropic" {
		t.Errorf("LLM.Providers = %v", cfg.LLM.Providers)
	}
	if len(cfg.APIKeys) != 0 {
		t.Errorf("APIKeys = %v, want none", cfg.APIKeys)
	}
	if cfg.Retention.EmailDays != 30 || !cfg.Retention.Compress {
		t.Errorf("Retention = %+v, want 30 days compressed", cfg.Retention)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LOANPILOT_PORT", "9090")
	t.Setenv("LOANPILOT_LLM_PROVIDERS", "openai, anthropic")
	t.Setenv("LOANPILOT_TOOL_TIMEOUT", "3s")
	t.Setenv("LOANPILOT_DEFAULT_CONFIDENCE_THRESHOLD", "0.65")
	t.Setenv("LOANPILOT_HIGH_WATER_MARK", "not-a-number")
	t.Setenv("LOANPILOT_API_KEYS", "k1,k2")
	t.Setenv("LOANPILOT_EMAIL_RETENTION_DAYS", "0")

	cfg := Load()
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LLM.Providers[0] != "openai" || cfg.LLM.Providers[1] != "anthropic" {
		t.Errorf("LLM.Providers = %v", cfg.LLM.Providers)
	}
	if cfg.Dispatcher.ToolTimeout != 3*time.Second {
		t.Errorf("ToolTimeout = %v, want 3s", cfg.Dispatcher.ToolTimeout)
	}
	if cfg.Dispatcher.DefaultThreshold != 0.65 {
		t.Errorf("DefaultThreshold = %v, want 0.65", cfg.Dispatcher.DefaultThreshold)
	}
	if cfg.Dispatcher.HighWaterMark != 200 {
		t.Errorf("HighWaterMark = %d, want fallback 200", cfg.Dispatcher.HighWaterMark)
	}
	if len(cfg.APIKeys) != 2 {
		t.Errorf("APIKeys = %v, want 2 keys", cfg.APIKeys)
	}
	if cfg.Retention.EmailDays != 0 {
		t.Errorf("Retention.EmailDays = %d, want 0 (disabled)", cfg.Retention.EmailDays)
	}
}
