// Package ai is the model-call boundary: text generation, streaming and
// embeddings behind a small Client interface.
package ai

import (
	"context"

	"github.com/go-go-golems/loom/pkg/pipeline"
	"github.com/go-go-golems/loom/pkg/preset"
	"github.com/pkg/errors"
)

var ErrEmptyPrompt = errors.New("empty prompt")

type Request struct {
	Model    string
	Messages []pipeline.FinalMessage
	Params   preset.GenerationParams
}

func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return ErrEmptyPrompt
	}
	return nil
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type Response struct {
	Text string
	// StopReason is the provider's finish reason, e.g. "stop" or "length".
	StopReason string
	Usage      *Usage
}

// Chunk is one streamed delta. The last chunk of a failed stream carries
// Err; a stream that ends normally is just closed.
type Chunk struct {
	Delta      string
	StopReason string
	Usage      *Usage
	Err        error
}

type Client interface {
	GenerateText(ctx context.Context, req Request) (*Response, error)
	// StreamText returns a channel that is closed when the stream ends or
	// ctx is canceled.
	StreamText(ctx context.Context, req Request) (<-chan Chunk, error)
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Embedder is the embedding half of Client.
type Embedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}
