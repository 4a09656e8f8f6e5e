package retrieval

import (
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/keyword"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/reranker"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// ConfigFromSettings maps the vectorstore and ingest sections onto an
// engine Config.
func ConfigFromSettings(s *config.Config) (Config, error) {
	vs := s.VectorStore

	def, err := vectorstore.ParseProvider(vs.Provider)
	if err != nil {
		return Config{}, err
	}
	namespaces := make(map[string]vectorstore.Provider, len(vs.Namespaces))
	for ns, name := range vs.Namespaces {
		p, err := vectorstore.ParseProvider(name)
		if err != nil {
			return Config{}, fmt.Errorf("namespace %s: %w", ns, err)
		}
		namespaces[ns] = p
	}
	distance, err := parseDistance(vs.Qdrant.Distance)
	if err != nil {
		return Config{}, err
	}

	retry := vectorstore.RetryConfig{MaxRetries: vs.MaxRetries, Backoff: vs.RetryBackoff.Duration()}
	return Config{
		DefaultProvider: def,
		Namespaces:      namespaces,
		Stores: vectorstore.Config{
			Qdrant: vectorstore.QdrantConfig{
				Host:     vs.Qdrant.Host,
				Port:     vs.Qdrant.Port,
				APIKey:   vs.Qdrant.APIKey.Value(),
				UseTLS:   vs.Qdrant.UseTLS,
				Distance: distance,
				Retry:    retry,
			},
			Pinecone: vectorstore.PineconeConfig{
				APIKey:    vs.Pinecone.APIKey.Value(),
				IndexHost: vs.Pinecone.IndexHost,
				Retry:     retry,
			},
			Turbopuffer: vectorstore.TurbopufferConfig{
				BaseURL: vs.Turbopuffer.BaseURL,
				APIKey:  vs.Turbopuffer.APIKey.Value(),
				Timeout: vs.Turbopuffer.Timeout.Duration(),
				Retry:   retry,
			},
			Embedded: vectorstore.ChromemConfig{
				Path:     vs.Embedded.Path,
				Compress: vs.Embedded.Compress,
			},
			Batch: vectorstore.BatchConfig{
				Size:      vs.BatchSize,
				RateLimit: vs.RateLimit,
			},
		},
		ChunkSize:    s.Ingest.ChunkSize,
		ChunkOverlap: s.Ingest.ChunkOverlap,
	}, nil
}

func defaultStoreKey(vs config.VectorStoreConfig, p vectorstore.Provider) config.Secret {
	switch p {
	case vectorstore.ProviderQdrant:
		return vs.Qdrant.APIKey
	case vectorstore.ProviderPinecone:
		return vs.Pinecone.APIKey
	case vectorstore.ProviderTurbopuffer:
		return vs.Turbopuffer.APIKey
	default:
		return ""
	}
}

func parseDistance(s string) (qdrant.Distance, error) {
	switch strings.ToLower(s) {
	case "", "cosine":
		return qdrant.Distance_Cosine, nil
	case "dot":
		return qdrant.Distance_Dot, nil
	case "euclid", "euclidean":
		return qdrant.Distance_Euclid, nil
	case "manhattan":
		return qdrant.Distance_Manhattan, nil
	default:
		return 0, fmt.Errorf("%w: unknown qdrant distance %q", vectorstore.ErrInvalidConfig, s)
	}
}

// KeywordFromSettings maps the keyword section onto a keyword.Config.
func KeywordFromSettings(s config.KeywordConfig) keyword.Config {
	return keyword.Config{
		Addr:      s.Addr,
		Password:  s.Password.Value(),
		DB:        s.DB,
		Index:     s.Index,
		KeyPrefix: s.KeyPrefix,
	}
}

// RerankerFromSettings maps the reranker section onto a reranker.Config.
// ok is false when reranking is disabled.
func RerankerFromSettings(s config.RerankerConfig) (cfg reranker.Config, ok bool, err error) {
	if strings.TrimSpace(s.Provider) == "" {
		return reranker.Config{}, false, nil
	}
	kind, err := reranker.ParseKind(s.Provider)
	if err != nil {
		return reranker.Config{}, false, err
	}
	return reranker.Config{
		Kind: kind,
		Cohere: reranker.CohereConfig{
			BaseURL: s.Cohere.BaseURL,
			APIKey:  s.Cohere.APIKey.Value(),
			Model:   s.Cohere.Model,
			Timeout: s.Cohere.Timeout.Duration(),
		},
	}, true, nil
}

// Open builds the embedder, reranker, keyword store and engine described by
// s. Vector stores open lazily on first use.
func Open(s *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := ConfigFromSettings(s)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.New(embeddings.FromSettings(s.Embeddings), logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	opts := []Option{WithLogger(logger.Named("retrieval"))}

	rcfg, enabled, err := RerankerFromSettings(s.Reranker)
	if err != nil {
		_ = embedder.Close()
		return nil, err
	}
	if enabled {
		r, err := reranker.New(rcfg, logger.Named("reranker"))
		if err != nil {
			_ = embedder.Close()
			return nil, fmt.Errorf("creating reranker: %w", err)
		}
		opts = append(opts, WithReranker(r))
	}

	if s.Keyword.Enabled {
		opts = append(opts, WithKeyword(keyword.NewStore(KeywordFromSettings(s.Keyword), logger.Named("keyword"))))
	}

	engine, err := New(cfg, embedder, opts...)
	if err != nil {
		_ = embedder.Close()
		return nil, err
	}
	logger.Info("retrieval engine configured",
		zap.String("default_provider", cfg.DefaultProvider.String()),
		zap.String("embedder", embedder.Model()),
		zap.String("reranker", s.Reranker.Provider),
		zap.Bool("keyword", s.Keyword.Enabled),
		logging.Secret("embeddings_api_key", s.Embeddings.APIKey),
		logging.Secret(cfg.DefaultProvider.String()+"_api_key", defaultStoreKey(s.VectorStore, cfg.DefaultProvider)),
	)
	return engine, nil
}
