package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the LoanPilot orchestrator.
type Config struct {
	Port        int
	Version     string
	LogLevel    string
	CORSOrigins []string
	// APIKeys enables key auth on /api/v1 and /mcp when non-empty.
	APIKeys      []string
	Store        StoreConfig
	Telemetry    TelemetryConfig
	LLM          LLMConfig
	Embeddings   EmbeddingsConfig
	VectorMemory VectorMemoryConfig
	Dispatcher   DispatcherConfig
	Notify       NotifyConfig
	Catalog      CatalogConfig
	Retention    RetentionConfig
}

type StoreConfig struct {
	// DataDir holds the memory store snapshot. Empty disables persistence.
	DataDir string
	// ExperimentsDB is a SQLite path; when set, experiments live there.
	ExperimentsDB string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
	// SampleRatio applies to root spans; 0 or 1 samples everything.
	SampleRatio float64
}

type LLMConfig struct {
	// Providers is the failover order, e.g. "anthropic,openai".
	Providers      []string
	AnthropicKey   string
	AnthropicModel string
	OpenAIKey      string
	OpenAIBaseURL  string
	OpenAIModel    string
	MaxTokens      int
}

type EmbeddingsConfig struct {
	Provider   string // "openai" or "hash"
	OpenAIKey  string
	Model      string
	Dimensions int
}

type VectorMemoryConfig struct {
	Backend      string // "embedded", "pgvector" or "qdrant"
	PostgresURL  string
	QdrantHost   string
	QdrantPort   int
	QdrantAPIKey string
	QdrantTLS    bool
	Collection   string
}

type DispatcherConfig struct {
	// HighWaterMark bounds queued plus running invocations per agent.
	HighWaterMark      int
	DefaultMaxInFlight int
	// DefaultThreshold applies to agents registered without a confidence threshold.
	DefaultThreshold float64
	LLMTimeout       time.Duration
	ToolTimeout      time.Duration
	MemoryTimeout    time.Duration
	RetryAfter       time.Duration
}

type NotifyConfig struct {
	SMSWebhookURL   string
	EmailWebhookURL string
	WebhookSecret   string
}

type CatalogConfig struct {
	// Path to a YAML catalog; empty uses the embedded default.
	Path string
}

type RetentionConfig struct {
	// EmailDays is how long raw email bodies are kept after processing. 0 disables the janitor.
	EmailDays int
	Interval  time.Duration
	// ArchiveDir receives gzipped JSONL archives before bodies are scrubbed.
	ArchiveDir string
	Compress   bool
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env")
	}

	openAIKey := envStr("OPENAI_API_KEY", "")
	return &Config{
		Port:        envInt("LOANPILOT_PORT", 8080),
		Version:     envStr("LOANPILOT_VERSION", "0.1.0"),
		LogLevel:    envStr("LOANPILOT_LOG_LEVEL", "info"),
		CORSOrigins: envList("LOANPILOT_CORS_ORIGINS", []string{"*"}),
		APIKeys:     envList("LOANPILOT_API_KEYS", nil),
		Store: StoreConfig{
			DataDir:       envStr("LOANPILOT_DATA_DIR", defaultDataDir()),
			ExperimentsDB: envStr("LOANPILOT_EXPERIMENTS_DB", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "loanpilot-orchestrator"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		LLM: LLMConfig{
			Providers:      envList("LOANPILOT_LLM_PROVIDERS", []string{"anthropic", "openai"}),
			AnthropicKey:   envStr("ANTHROPIC_API_KEY", ""),
			AnthropicModel: envStr("LOANPILOT_ANTHROPIC_MODEL", "claude-sonnet-4-5"),
			OpenAIKey:      openAIKey,
			OpenAIBaseURL:  envStr("OPENAI_BASE_URL", ""),
			OpenAIModel:    envStr("LOANPILOT_OPENAI_MODEL", "gpt-4o-mini"),
			MaxTokens:      envInt("LOANPILOT_LLM_MAX_TOKENS", 1024),
		},
		Embeddings: EmbeddingsConfig{
			Provider:   envStr("LOANPILOT_EMBEDDINGS", defaultEmbeddings(openAIKey)),
			OpenAIKey:  openAIKey,
			Model:      envStr("LOANPILOT_EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimensions: envInt("LOANPILOT_EMBEDDING_DIMENSIONS", 1536),
		},
		VectorMemory: VectorMemoryConfig{
			Backend:      envStr("LOANPILOT_VECTOR_BACKEND", "embedded"),
			PostgresURL:  envStr("DATABASE_URL", ""),
			QdrantHost:   envStr("QDRANT_HOST", "localhost"),
			QdrantPort:   envInt("QDRANT_PORT", 6334),
			QdrantAPIKey: envStr("QDRANT_API_KEY", ""),
			QdrantTLS:    envBool("QDRANT_TLS", false),
			Collection:   envStr("LOANPILOT_VECTOR_COLLECTION", "agent_memory"),
		},
		Dispatcher: DispatcherConfig{
			HighWaterMark:      envInt("LOANPILOT_HIGH_WATER_MARK", 200),
			DefaultMaxInFlight: envInt("LOANPILOT_MAX_IN_FLIGHT", 4),
			DefaultThreshold:   envFloat("LOANPILOT_DEFAULT_CONFIDENCE_THRESHOLD", 0.8),
			LLMTimeout:         envDuration("LOANPILOT_LLM_TIMEOUT", 25*time.Second),
			ToolTimeout:        envDuration("LOANPILOT_TOOL_TIMEOUT", 20*time.Second),
			MemoryTimeout:      envDuration("LOANPILOT_MEMORY_TIMEOUT", 5*time.Second),
			RetryAfter:         envDuration("LOANPILOT_RETRY_AFTER", 5*time.Second),
		},
		Notify: NotifyConfig{
			SMSWebhookURL:   envStr("LOANPILOT_SMS_WEBHOOK_URL", ""),
			EmailWebhookURL: envStr("LOANPILOT_EMAIL_WEBHOOK_URL", ""),
			WebhookSecret:   envStr("LOANPILOT_WEBHOOK_SECRET", ""),
		},
		Catalog: CatalogConfig{
			Path: envStr("LOANPILOT_CATALOG", ""),
		},
		Retention: RetentionConfig{
			EmailDays:  envInt("LOANPILOT_EMAIL_RETENTION_DAYS", 30),
			Interval:   envDuration("LOANPILOT_RETENTION_INTERVAL", time.Hour),
			ArchiveDir: envStr("LOANPILOT_ARCHIVE_DIR", ""),
			Compress:   envBool("LOANPILOT_ARCHIVE_COMPRESS", true),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + string(os.PathSeparator) + ".loanpilot"
}

func defaultEmbeddings(openAIKey string) string {
	if openAIKey != "" {
		return "openai"
	}
	return "hash"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
