package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

var (
	_ Store = (*QdrantStore)(nil)
	_ Store = (*PineconeStore)(nil)
	_ Store = (*TurbopufferStore)(nil)
	_ Store = (*ChromemStore)(nil)
)

// Config selects a backend and carries the settings of every backend. Only
// the selected backend's section is read.
type Config struct {
	Provider Provider

	Qdrant      QdrantConfig
	Pinecone    PineconeConfig
	Turbopuffer TurbopufferConfig
	Embedded    ChromemConfig

	Batch BatchConfig
}

// NewStore creates the Store for cfg.Provider.
//
//	store, err := vectorstore.NewStore(vectorstore.Config{
//	    Provider: vectorstore.ProviderQdrant,
//	    Qdrant:   vectorstore.QdrantConfig{Host: "localhost", Port: 6334},
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", cfg.Provider.String()))

	switch cfg.Provider {
	case ProviderQdrant:
		return asStore(NewQdrantStore(cfg.Qdrant, cfg.Batch, logger))
	case ProviderPinecone:
		return asStore(NewPineconeStore(cfg.Pinecone, cfg.Batch, logger))
	case ProviderTurbopuffer:
		return asStore(NewTurbopufferStore(cfg.Turbopuffer, cfg.Batch, logger))
	case ProviderEmbedded:
		return asStore(NewChromemStore(cfg.Embedded, cfg.Batch, logger))
	default:
		return nil, fmt.Errorf("%w: unsupported vector store provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// asStore keeps a failed constructor's typed nil out of the interface.
func asStore[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
