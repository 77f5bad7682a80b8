package embeddings

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "text-embedding-3-small"

// OpenAIProvider calls an OpenAI-compatible /embeddings endpoint.
type OpenAIProvider struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

var _ Provider = &OpenAIProvider{}

// NewOpenAIProvider creates a provider. An empty baseURL uses the OpenAI API.
func NewOpenAIProvider(apiKey string, baseURL string, model string, dimensions int) *OpenAIProvider {
	if model == "" {
		model = DefaultOpenAIModel
	}
	if dimensions <= 0 {
		dimensions = 1536
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(config),
		model:      openai.EmbeddingModel(model),
		dimensions: dimensions,
	}
}

func (p *OpenAIProvider) newRequest(texts []string) openai.EmbeddingRequest {
	return openai.EmbeddingRequest{
		Input: texts,
		Model: p.model,
	}
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ret, err := p.GenerateBatchEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return ret[0], nil
}

// GenerateBatchEmbeddings sends all texts in one request. Results are placed
// by the index the API returns, not by response order.
func (p *OpenAIProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, p.newRequest(texts))
	if err != nil {
		return nil, errors.Wrap(err, "openai embeddings request failed")
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Errorf("expected %d embeddings from OpenAI, got %d", len(texts), len(resp.Data))
	}

	results := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, errors.Errorf("embedding index %d out of range", d.Index)
		}
		results[d.Index] = d.Embedding
	}
	return results, nil
}

func (p *OpenAIProvider) GetModel() EmbeddingModel {
	return EmbeddingModel{
		Name:       string(p.model),
		Dimensions: p.dimensions,
	}
}
