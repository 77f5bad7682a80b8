package embeddings

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 4

// DefaultGenerateBatchEmbeddings embeds texts one after the other. Providers
// without a native batch endpoint can use it.
func DefaultGenerateBatchEmbeddings(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = embedding
	}
	return results, nil
}

// ParallelGenerateBatchEmbeddings embeds texts with at most maxConcurrency
// requests in flight. The first error cancels the remaining requests.
func ParallelGenerateBatchEmbeddings(ctx context.Context, p Provider, texts []string, maxConcurrency int) ([][]float32, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultConcurrency
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			embedding, err := p.GenerateEmbedding(gctx, text)
			if err != nil {
				return err
			}
			results[i] = embedding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
