package embeddings

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider keeps embeddings in memory for a limited time.
type CachedProvider struct {
	provider Provider
	cache    *cache.Cache
}

var _ Provider = &CachedProvider{}

// NewCachedProvider wraps provider with a TTL cache. A ttl of zero keeps
// entries until the process exits.
func NewCachedProvider(provider Provider, ttl time.Duration) *CachedProvider {
	expiration := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiration = ttl
		cleanup = 2 * ttl
	}
	return &CachedProvider{
		provider: provider,
		cache:    cache.New(expiration, cleanup),
	}
}

func (c *CachedProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v.([]float32), nil
	}

	embedding, err := c.provider.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(text, embedding)
	return embedding, nil
}

// GenerateBatchEmbeddings only sends the texts missing from the cache to
// the wrapped provider.
func (c *CachedProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if v, ok := c.cache.Get(text); ok {
			results[i] = v.([]float32)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	generated, err := c.provider.GenerateBatchEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, embedding := range generated {
		results[missingIdx[j]] = embedding
		c.cache.SetDefault(missing[j], embedding)
	}
	return results, nil
}

func (c *CachedProvider) GetModel() EmbeddingModel {
	return c.provider.GetModel()
}

func (c *CachedProvider) Size() int {
	return c.cache.ItemCount()
}

func (c *CachedProvider) ClearCache() {
	c.cache.Flush()
}
