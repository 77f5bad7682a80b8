package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingProvider struct {
	*lengthProvider
	fail string
}

func (f *failingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == f.fail {
		return nil, errors.New("boom")
	}
	return f.lengthProvider.GenerateEmbedding(ctx, text)
}

func TestBatchProcessing(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		results, err := DefaultGenerateBatchEmbeddings(context.Background(), newLengthProvider("test-model"), []string{"one", "two", "three"})
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{3, 1, 2}, {3, 1, 2}, {5, 1, 2}}, results)
	})

	t.Run("parallel keeps input order", func(t *testing.T) {
		texts := []string{"one", "two", "three", "four", "five"}
		results, err := ParallelGenerateBatchEmbeddings(context.Background(), newLengthProvider("test-model"), texts, 2)
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{3, 1, 2}, {3, 1, 2}, {5, 1, 2}, {4, 1, 2}, {4, 1, 2}}, results)
	})

	t.Run("empty input", func(t *testing.T) {
		results, err := DefaultGenerateBatchEmbeddings(context.Background(), newLengthProvider("test-model"), nil)
		require.NoError(t, err)
		assert.Empty(t, results)

		results, err = ParallelGenerateBatchEmbeddings(context.Background(), newLengthProvider("test-model"), nil, 0)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("error", func(t *testing.T) {
		p := &failingProvider{lengthProvider: newLengthProvider("test-model"), fail: "two"}
		_, err := ParallelGenerateBatchEmbeddings(context.Background(), p, []string{"one", "two", "three"}, 2)
		assert.EqualError(t, err, "boom")
	})
}

func TestOllamaProviderUnreachable(t *testing.T) {
	provider := NewOllamaProvider("http://127.0.0.1:1", "", 0)
	assert.Equal(t, EmbeddingModel{Name: DefaultOllamaModel, Dimensions: 384}, provider.GetModel())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := provider.GenerateBatchEmbeddings(ctx, []string{"one", "two"})
	assert.Error(t, err)
}

func TestCachedProvider(t *testing.T) {
	t.Run("batch is served from cache", func(t *testing.T) {
		provider := newLengthProvider("test-model")
		cached := NewCachedProvider(provider, 0)

		texts := []string{"one", "two", "three"}
		results1, err := cached.GenerateBatchEmbeddings(context.Background(), texts)
		require.NoError(t, err)
		calls := provider.calls.Load()

		results2, err := cached.GenerateBatchEmbeddings(context.Background(), texts)
		require.NoError(t, err)
		assert.Equal(t, results1, results2)
		assert.Equal(t, calls, provider.calls.Load())
		assert.Equal(t, 3, cached.Size())
	})

	t.Run("partial cache hit", func(t *testing.T) {
		provider := newLengthProvider("test-model")
		cached := NewCachedProvider(provider, time.Minute)

		_, err := cached.GenerateBatchEmbeddings(context.Background(), []string{"one", "two"})
		require.NoError(t, err)

		results, err := cached.GenerateBatchEmbeddings(context.Background(), []string{"one", "three", "two"})
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{3, 1, 2}, {5, 1, 2}, {3, 1, 2}}, results)
		assert.Equal(t, int32(3), provider.calls.Load())
	})

	t.Run("expiry", func(t *testing.T) {
		provider := newLengthProvider("test-model")
		cached := NewCachedProvider(provider, 10*time.Millisecond)

		_, err := cached.GenerateEmbedding(context.Background(), "one")
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
		_, err = cached.GenerateEmbedding(context.Background(), "one")
		require.NoError(t, err)
		assert.Equal(t, int32(2), provider.calls.Load())

		cached.ClearCache()
		assert.Equal(t, 0, cached.Size())
	})
}
