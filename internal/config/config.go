// Package config loads recalld configuration.
//
// Values come from hardcoded defaults, then an optional YAML file, then
// RECALLD_* environment variables. Sections are plain data; the packages
// that consume them (logging, telemetry, vectorstore, keyword, reranker,
// embeddings) translate them into their own config types.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Config holds the complete recalld configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Keyword     KeywordConfig     `koanf:"keyword"`
	Reranker    RerankerConfig    `koanf:"reranker"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Ingest      IngestConfig      `koanf:"ingest"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
	BodyLimit       string   `koanf:"body_limit"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig selects log level and format. The level can be changed
// while the server runs by editing the config file.
type LoggingConfig struct {
	Level           string `koanf:"level"`
	Format          string `koanf:"format"`
	OTEL            bool   `koanf:"otel"`
	DisableSampling bool   `koanf:"disable_sampling"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// VectorStoreConfig selects the default backend, per-namespace overrides and
// the settings of each backend.
type VectorStoreConfig struct {
	Provider string `koanf:"provider"`

	// Namespaces maps a namespace id to the provider serving it. Namespaces
	// not listed use Provider.
	Namespaces map[string]string `koanf:"namespaces"`

	Qdrant      QdrantConfig      `koanf:"qdrant"`
	Pinecone    PineconeConfig    `koanf:"pinecone"`
	Turbopuffer TurbopufferConfig `koanf:"turbopuffer"`
	Embedded    EmbeddedConfig    `koanf:"embedded"`

	BatchSize    int      `koanf:"batch_size"`
	RateLimit    float64  `koanf:"rate_limit"`
	MaxRetries   int      `koanf:"max_retries"`
	RetryBackoff Duration `koanf:"retry_backoff"`
}

// QdrantConfig holds Qdrant gRPC settings.
type QdrantConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	APIKey   Secret `koanf:"api_key"`
	UseTLS   bool   `koanf:"use_tls"`
	Distance string `koanf:"distance"`
}

// PineconeConfig holds Pinecone index settings.
type PineconeConfig struct {
	APIKey    Secret `koanf:"api_key"`
	IndexHost string `koanf:"index_host"`
}

// TurbopufferConfig holds turbopuffer API settings.
type TurbopufferConfig struct {
	BaseURL string   `koanf:"base_url"`
	APIKey  Secret   `koanf:"api_key"`
	Timeout Duration `koanf:"timeout"`
}

// EmbeddedConfig holds chromem-go settings.
type EmbeddedConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// KeywordConfig holds RediSearch settings.
type KeywordConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Addr      string `koanf:"addr"`
	Password  Secret `koanf:"password"`
	DB        int    `koanf:"db"`
	Index     string `koanf:"index"`
	KeyPrefix string `koanf:"key_prefix"`
}

// RerankerConfig selects the reranker. An empty provider disables
// reranking; requests asking for it get the original order back.
type RerankerConfig struct {
	Provider string       `koanf:"provider"`
	Cohere   CohereConfig `koanf:"cohere"`
}

// CohereConfig holds settings for a Cohere-compatible rerank endpoint.
type CohereConfig struct {
	BaseURL string   `koanf:"base_url"`
	APIKey  Secret   `koanf:"api_key"`
	Model   string   `koanf:"model"`
	Timeout Duration `koanf:"timeout"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider   string   `koanf:"provider"`
	BaseURL    string   `koanf:"base_url"`
	APIKey     Secret   `koanf:"api_key"`
	Model      string   `koanf:"model"`
	Dimensions int      `koanf:"dimensions"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"`
	CacheDir   string   `koanf:"cache_dir"`
}

// IngestConfig controls how documents are split into chunks before
// embedding.
type IngestConfig struct {
	ChunkSize    int `koanf:"chunk_size"`
	ChunkOverlap int `koanf:"chunk_overlap"`
}

var (
	vectorProviders   = []string{"qdrant", "pinecone", "turbopuffer", "embedded", "chromem"}
	rerankProviders   = []string{"", "cohere", "lexical", "simple"}
	embedderProviders = []string{"openai", "tei", "fastembed"}
)

// Default returns the configuration used when nothing else is set: an
// embedded store on disk, a local TEI embedder and no reranker.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
			RequestTimeout:  Duration(60 * time.Second),
			BodyLimit:       "8M",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
		},
		VectorStore: VectorStoreConfig{
			Provider: "embedded",
			Qdrant: QdrantConfig{
				Host:     "localhost",
				Port:     6334,
				Distance: "cosine",
			},
			Turbopuffer: TurbopufferConfig{
				BaseURL: "https://api.turbopuffer.com",
				Timeout: Duration(30 * time.Second),
			},
			Embedded: EmbeddedConfig{
				Path:     "~/.local/share/recalld/vectorstore",
				Compress: true,
			},
			BatchSize:    50,
			RetryBackoff: Duration(500 * time.Millisecond),
		},
		Keyword: KeywordConfig{
			Addr:      "localhost:6379",
			Index:     "recalld-keyword",
			KeyPrefix: "recalld:chunk:",
		},
		Reranker: RerankerConfig{
			Cohere: CohereConfig{
				BaseURL: "https://api.cohere.com",
				Model:   "rerank-english-v3.0",
				Timeout: Duration(10 * time.Second),
			},
		},
		Embeddings: EmbeddingsConfig{
			Provider: "tei",
			BaseURL:  "http://localhost:8080",
			Model:    "BAAI/bge-small-en-v1.5",
			Timeout:  Duration(30 * time.Second),
		},
		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
		},
	}
}

// ProviderFor returns the vector store provider name serving namespace.
func (c *VectorStoreConfig) ProviderFor(namespace string) string {
	if p, ok := c.Namespaces[namespace]; ok && p != "" {
		return p
	}
	return c.Provider
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint required when telemetry is enabled"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %g", c.Telemetry.SampleRate))
	}

	if !oneOf(c.VectorStore.Provider, vectorProviders) {
		errs = append(errs, fmt.Errorf("unknown vectorstore.provider %q", c.VectorStore.Provider))
	}
	for ns, p := range c.VectorStore.Namespaces {
		if ns == "" {
			errs = append(errs, errors.New("vectorstore.namespaces: empty namespace id"))
		}
		if !oneOf(p, vectorProviders) {
			errs = append(errs, fmt.Errorf("vectorstore.namespaces.%s: unknown provider %q", ns, p))
		}
	}
	if c.VectorStore.BatchSize < 0 || c.VectorStore.MaxRetries < 0 || c.VectorStore.RateLimit < 0 {
		errs = append(errs, errors.New("vectorstore batch_size, max_retries and rate_limit must not be negative"))
	}

	if !oneOf(c.Reranker.Provider, rerankProviders) {
		errs = append(errs, fmt.Errorf("unknown reranker.provider %q", c.Reranker.Provider))
	}
	if !oneOf(c.Embeddings.Provider, embedderProviders) {
		errs = append(errs, fmt.Errorf("unknown embeddings.provider %q", c.Embeddings.Provider))
	}

	if c.Ingest.ChunkSize <= 0 {
		errs = append(errs, errors.New("ingest.chunk_size must be positive"))
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errs = append(errs, fmt.Errorf("ingest.chunk_overlap must be in [0, chunk_size), got %d", c.Ingest.ChunkOverlap))
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed []string) bool {
	return slices.Contains(allowed, strings.ToLower(v))
}
