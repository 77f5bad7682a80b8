// Package embeddings computes message embeddings for vector search.
//
// A Provider turns text into a vector for one model. Providers can be
// wrapped by an in-memory or on-disk cache, and a Registry resolves the
// model ID stored in a message's meta to the provider that produced it.
package embeddings

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var ErrUnknownModel = errors.New("unknown embedding model")

// EmbeddingModel contains metadata about the embedding model
type EmbeddingModel struct {
	Name       string
	Dimensions int
}

// Provider defines the interface for generating embeddings
type Provider interface {
	// GenerateEmbedding creates an embedding vector for the given text
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// GenerateBatchEmbeddings creates embedding vectors for multiple texts,
	// returned in input order
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)

	GetModel() EmbeddingModel
}

// Registry maps model IDs to providers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: map[string]Provider{}}
	for _, p := range providers {
		r.Register(p.GetModel().Name, p)
	}
	return r
}

func (r *Registry) Register(model string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[model] = p
}

func (r *Registry) Get(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[model]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q", model)
	}
	return p, nil
}

func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]string, 0, len(r.providers))
	for k := range r.providers {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// Embed embeds text with the provider registered for model.
func (r *Registry) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	p, err := r.Get(model)
	if err != nil {
		return nil, err
	}
	return p.GenerateEmbedding(ctx, text)
}
