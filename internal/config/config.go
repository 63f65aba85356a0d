// Package config provides application configuration with multi-source
// priority: environment variables override the config file, which overrides
// defaults. Validation lives in validation.go, Postgres helpers in
// storage.go.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

const (
	// DefaultMaxRounds bounds tool-request rounds per turn.
	DefaultMaxRounds = 3

	// DefaultMaxFileSize is the per-upload size ceiling (20 MiB).
	DefaultMaxFileSize = 20 << 20

	// DefaultRetrievalTopK bounds results per retrieval sub-query.
	DefaultRetrievalTopK = 5

	// DefaultMaxHistoryMessages caps client-supplied history per turn.
	DefaultMaxHistoryMessages = 100
)

// ObjectStoreConfig holds S3-compatible object storage settings.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"` // SENSITIVE: never logged
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// IngestConfig tunes upload acceptance and chunking.
type IngestConfig struct {
	MaxFileSize       int64    `mapstructure:"max_file_size"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	ChunkSize         int      `mapstructure:"chunk_size"`
	ChunkOverlap      int      `mapstructure:"chunk_overlap"`
}

// AccountingConfig configures the external accounting-system integration:
// the MCP server command serving its tools and the party-directory API.
type AccountingConfig struct {
	MCPCommand   string   `mapstructure:"mcp_command"`
	MCPArgs      []string `mapstructure:"mcp_args"`
	DirectoryURL string   `mapstructure:"directory_url"`
}

// ObservabilityConfig configures trace export.
type ObservabilityConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// Config stores application configuration.
type Config struct {
	// AI provider and model configuration.
	Provider      string `mapstructure:"provider"`
	ModelName     string `mapstructure:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model"`
	OllamaHost    string `mapstructure:"ollama_host"`

	// Conversation limits.
	MaxRounds          int `mapstructure:"max_rounds"`
	RetrievalTopK      int `mapstructure:"retrieval_top_k"`
	MaxHistoryMessages int `mapstructure:"max_history_messages"`

	// HTTP server.
	ServerAddr  string   `mapstructure:"server_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Storage (see storage.go for the URL helpers).
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE: never logged
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`

	Ingest IngestConfig `mapstructure:"ingest"`

	Accounting AccountingConfig `mapstructure:"accounting"`

	Observability ObservabilityConfig `mapstructure:"observability"`

	// Logging.
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load reads configuration from defaults, an optional config file, and
// ADVISOR_* environment variables, then validates the result.
// Provider API keys (GEMINI_API_KEY, OPENAI_API_KEY) are read by the model
// SDK directly and only checked for presence here.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("provider", ProviderGemini)
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("embedder_model", "gemini-embedding-001")
	v.SetDefault("ollama_host", "http://localhost:11434")

	v.SetDefault("max_rounds", DefaultMaxRounds)
	v.SetDefault("retrieval_top_k", DefaultRetrievalTopK)
	v.SetDefault("max_history_messages", DefaultMaxHistoryMessages)

	v.SetDefault("server_addr", ":8080")
	v.SetDefault("cors_origins", []string{})

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "advisor")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db_name", "advisor")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("object_store.endpoint", "localhost:9000")
	v.SetDefault("object_store.access_key", "")
	v.SetDefault("object_store.secret_key", "")
	v.SetDefault("object_store.bucket", "advisor-uploads")
	v.SetDefault("object_store.use_ssl", false)

	v.SetDefault("ingest.max_file_size", DefaultMaxFileSize)
	v.SetDefault("ingest.allowed_extensions", []string{".pdf", ".txt", ".md", ".csv"})
	v.SetDefault("ingest.chunk_size", 1000)
	v.SetDefault("ingest.chunk_overlap", 200)

	v.SetDefault("accounting.mcp_command", "")
	v.SetDefault("accounting.mcp_args", []string{})
	v.SetDefault("accounting.directory_url", "")

	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.endpoint", "localhost:4318")
	v.SetDefault("observability.service_name", "advisor")
	v.SetDefault("observability.environment", "dev")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/advisor")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ADVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine: defaults + env cover everything.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FullModelName returns the provider-qualified model name the model
// framework expects ("googleai/gemini-2.5-flash").
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return "ollama/" + c.ModelName
	case ProviderOpenAI:
		return "openai/" + c.ModelName
	default:
		return "googleai/" + c.ModelName
	}
}
