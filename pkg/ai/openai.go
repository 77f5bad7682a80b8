package ai

import (
	"context"
	"io"
	"math"

	"github.com/go-go-golems/loom/pkg/conversation"
	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client   *openai.Client
	embedder Embedder
}

var _ Client = &OpenAIClient{}

type OpenAIOption func(c *OpenAIClient)

// WithEmbedder routes Embed calls to e instead of the /embeddings endpoint of
// the same API.
func WithEmbedder(e Embedder) OpenAIOption {
	return func(c *OpenAIClient) {
		c.embedder = e
	}
}

func NewOpenAIClient(apiKey string, baseURL string, options ...OpenAIOption) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	ret := &OpenAIClient{client: openai.NewClientWithConfig(config)}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func toOpenAIMessage(m pipeline.FinalMessage) openai.ChatCompletionMessage {
	if m.Parts == nil {
		return openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case conversation.PartTypeText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		case conversation.PartTypeImage:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.Image,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		default:
			log.Warn().Str("type", string(p.Type)).Str("filename", p.Filename).Msg("dropping part not supported by the chat completions API")
		}
	}
	return openai.ChatCompletionMessage{Role: string(m.Role), MultiContent: parts}
}

func makeCompletionRequest(req Request, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toOpenAIMessage(m))
	}

	p := req.Params
	if p.TopK > 0 {
		log.Debug().Int("top_k", p.TopK).Msg("top_k is not supported by the OpenAI API, ignoring")
	}
	var logitBias map[string]int
	if len(p.LogitBias) > 0 {
		logitBias = make(map[string]int, len(p.LogitBias))
		for k, v := range p.LogitBias {
			logitBias[k] = int(math.Round(v))
		}
	}

	return openai.ChatCompletionRequest{
		Model:            req.Model,
		Messages:         msgs,
		MaxTokens:        p.MaxTokens,
		Temperature:      float32(p.Temperature),
		TopP:             float32(p.TopP),
		Stream:           stream,
		Stop:             p.Stop,
		PresencePenalty:  float32(p.PresencePenalty),
		FrequencyPenalty: float32(p.FrequencyPenalty),
		LogitBias:        logitBias,
	}
}

func (c *OpenAIClient) GenerateText(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	resp, err := c.client.CreateChatCompletion(ctx, makeCompletionRequest(req, false))
	if err != nil {
		return nil, errors.Wrap(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	ret := &Response{
		Text:       resp.Choices[0].Message.Content,
		StopReason: string(resp.Choices[0].FinishReason),
	}
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		ret.Usage = &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return ret, nil
}

func (c *OpenAIClient) StreamText(ctx context.Context, req Request) (<-chan Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, makeCompletionRequest(req, true))
	if err != nil {
		return nil, errors.Wrap(err, "could not open completion stream")
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(c Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				send(Chunk{Err: err})
				return
			}

			chunk := Chunk{}
			if len(response.Choices) > 0 {
				chunk.Delta = response.Choices[0].Delta.Content
				chunk.StopReason = string(response.Choices[0].FinishReason)
			}
			if chunk.Delta == "" && chunk.StopReason == "" {
				continue
			}
			if !send(chunk) {
				return
			}
		}
	}()

	return ch, nil
}

func (c *OpenAIClient) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	if c.embedder != nil {
		return c.embedder.Embed(ctx, model, text)
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, errors.Wrap(err, "embeddings request failed")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data received")
	}
	return resp.Data[0].Embedding, nil
}
