package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Qdrant    QdrantConfig    `yaml:"qdrant" mapstructure:"qdrant"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Chunk     ChunkConfig     `yaml:"chunk" mapstructure:"chunk"`
	Scrape    ScrapeConfig    `yaml:"scrape" mapstructure:"scrape"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Retrieval RetrievalConfig `yaml:"retrieval" mapstructure:"retrieval"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// JinaConfig holds Jina embeddings API settings.
type JinaConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	Model        string `yaml:"model" mapstructure:"model"`
	Dimensions   int    `yaml:"dimensions" mapstructure:"dimensions"`
	MaxBatchSize int    `yaml:"max_batch_size" mapstructure:"max_batch_size"`
}

// QdrantConfig holds vector index settings.
type QdrantConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	Collection string `yaml:"collection" mapstructure:"collection"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	RouterModel string  `yaml:"router_model" mapstructure:"router_model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// ChunkConfig configures text splitting before embedding.
type ChunkConfig struct {
	Size    int `yaml:"size" mapstructure:"size"`
	Overlap int `yaml:"overlap" mapstructure:"overlap"`
}

// ScrapeConfig configures the news scraper.
type ScrapeConfig struct {
	SourcesFile   string `yaml:"sources_file" mapstructure:"sources_file"`
	MaxConcurrent int    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	IDFilter      bool   `yaml:"id_filter" mapstructure:"id_filter"`
}

// IngestConfig configures the indexing pipeline.
type IngestConfig struct {
	MaxConcurrent   int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	UpsertBatchSize int `yaml:"upsert_batch_size" mapstructure:"upsert_batch_size"`
	UpsertPerSecond int `yaml:"upsert_per_second" mapstructure:"upsert_per_second"`
}

// RetrievalConfig configures news search defaults.
type RetrievalConfig struct {
	MaxResults          int     `yaml:"max_results" mapstructure:"max_results"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CRYPTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "crypto-agent.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8010)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3010", "http://localhost:8010"})
	v.SetDefault("jina.base_url", "https://api.jina.ai")
	v.SetDefault("jina.model", "jina-embeddings-v3")
	v.SetDefault("jina.dimensions", 512)
	v.SetDefault("jina.max_batch_size", 100)
	v.SetDefault("qdrant.url", "http://localhost:6333")
	v.SetDefault("qdrant.collection", "crypto_news")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.router_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.temperature", 0.7)
	v.SetDefault("chunk.size", 1000)
	v.SetDefault("chunk.overlap", 100)
	v.SetDefault("scrape.sources_file", "sources.yaml")
	v.SetDefault("scrape.max_concurrent", 10)
	v.SetDefault("scrape.timeout_secs", 15)
	v.SetDefault("ingest.max_concurrent", 3)
	v.SetDefault("ingest.upsert_batch_size", 10)
	v.SetDefault("ingest.upsert_per_second", 20)
	v.SetDefault("retrieval.max_results", 10)
	v.SetDefault("retrieval.similarity_threshold", 0.6)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
