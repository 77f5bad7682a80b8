package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "all-minilm"
)

type OllamaProvider struct {
	baseURL     string
	model       string
	dimensions  int
	concurrency int
	client      *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

var _ Provider = &OllamaProvider{}

type OllamaOption func(p *OllamaProvider)

func WithHTTPClient(c *http.Client) OllamaOption {
	return func(p *OllamaProvider) {
		p.client = c
	}
}

func WithConcurrency(n int) OllamaOption {
	return func(p *OllamaProvider) {
		p.concurrency = n
	}
}

func NewOllamaProvider(baseURL string, model string, dimensions int, options ...OllamaOption) *OllamaProvider {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	if dimensions <= 0 {
		dimensions = 384 // all-minilm
	}

	p := &OllamaProvider{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       model,
		dimensions:  dimensions,
		concurrency: DefaultConcurrency,
		client:      http.DefaultClient,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

func (p *OllamaProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	jsonData, err := json.Marshal(ollamaRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close ollama response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}
	if len(result.Embedding) == 0 {
		return nil, errors.New("ollama returned an empty embedding")
	}

	return result.Embedding, nil
}

// GenerateBatchEmbeddings fans out one request per text; the endpoint has no
// batch form.
func (p *OllamaProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return ParallelGenerateBatchEmbeddings(ctx, p, texts, p.concurrency)
}

func (p *OllamaProvider) GetModel() EmbeddingModel {
	return EmbeddingModel{
		Name:       p.model,
		Dimensions: p.dimensions,
	}
}
