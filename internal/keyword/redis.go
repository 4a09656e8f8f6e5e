package keyword

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// backend is the subset of RediSearch the store needs.
type backend interface {
	CreateIndex(ctx context.Context, index, keyPrefix string) error
	WriteHashes(ctx context.Context, hashes map[string]map[string]any) error
	DeleteKeys(ctx context.Context, keys []string) error
	Search(ctx context.Context, index, query string, opts *redis.FTSearchOptions) (redis.FTSearchResult, error)
	Close() error
}

// redisBackend talks to Redis Stack through go-redis.
type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(cfg Config) *redisBackend {
	return &redisBackend{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		// FT.SEARCH replies are only parsed into FTSearchResult over RESP2.
		Protocol: 2,
	})}
}

// indexSchema lists the indexed hash fields. metadata is stored but not
// indexed.
func indexSchema() []*redis.FieldSchema {
	return []*redis.FieldSchema{
		{FieldName: fieldText, FieldType: redis.SearchFieldTypeText},
		{FieldName: fieldID, FieldType: redis.SearchFieldTypeTag},
		{FieldName: fieldNamespaceID, FieldType: redis.SearchFieldTypeTag},
		{FieldName: fieldTenantID, FieldType: redis.SearchFieldTypeTag},
		{FieldName: fieldDocumentID, FieldType: redis.SearchFieldTypeTag},
	}
}

func (b *redisBackend) CreateIndex(ctx context.Context, index, keyPrefix string) error {
	err := b.client.FTCreate(ctx, index,
		&redis.FTCreateOptions{OnHash: true, Prefix: []any{keyPrefix}},
		indexSchema()...,
	).Err()
	if err != nil && !isIndexExists(err) {
		return err
	}
	return nil
}

func isIndexExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Index already exists")
}

func (b *redisBackend) WriteHashes(ctx context.Context, hashes map[string]map[string]any) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, fields := range hashes {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing hashes: %w", err)
	}
	return nil
}

func (b *redisBackend) DeleteKeys(ctx context.Context, keys []string) error {
	return b.client.Del(ctx, keys...).Err()
}

func (b *redisBackend) Search(ctx context.Context, index, query string, opts *redis.FTSearchOptions) (redis.FTSearchResult, error) {
	return b.client.FTSearchWithArgs(ctx, index, query, opts).Result()
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
