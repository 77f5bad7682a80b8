package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// reversed to check that results are placed by index
		data := []map[string]any{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len(req.Input[i])), 0.5},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProvider(t *testing.T) {
	srv := newEmbeddingServer(t)
	p := NewOpenAIProvider("key", srv.URL, "", 0)
	assert.Equal(t, EmbeddingModel{Name: DefaultOpenAIModel, Dimensions: 1536}, p.GetModel())

	e, err := p.GenerateEmbedding(context.Background(), "abcd")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 0.5}, e)

	batch, err := p.GenerateBatchEmbeddings(context.Background(), []string{"a", "abc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0.5}, {3, 0.5}}, batch)

	batch, err = p.GenerateBatchEmbeddings(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestOpenAIProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "down"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "m", 8)
	_, err := p.GenerateEmbedding(context.Background(), "x")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	srv := newEmbeddingServer(t)
	r, err := NewRegistryFromConfigs(
		Config{Type: ProviderOpenAI, Model: "small", APIKey: "key", BaseURL: srv.URL, CacheType: CacheMemory},
		Config{Type: ProviderOllama, Model: "local"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "small"}, r.Models())

	e, err := r.Embed(context.Background(), "small", "xy")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 0.5}, e)

	_, err = r.Embed(context.Background(), "missing", "xy")
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = NewProvider(Config{Type: "cohere"})
	assert.Error(t, err)
	_, err = NewProvider(Config{CacheType: "redis"})
	assert.Error(t, err)

	p, err := NewProvider(Config{Model: "m", CacheType: CacheDisk, CacheDirectory: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &DiskCacheProvider{}, p)
}
