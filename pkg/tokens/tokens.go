// Package tokens counts tokens for context pruning.
package tokens

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
	"github.com/weaviate/tiktoken-go"
)

type Backend string

const (
	// BackendTokenizer uses the embedded encodings of tiktoken-go/tokenizer.
	BackendTokenizer Backend = "tokenizer"
	// BackendTiktoken uses weaviate/tiktoken-go, which loads its encodings lazily.
	BackendTiktoken Backend = "tiktoken"

	DefaultEncoding = "cl100k_base"
)

// Counter counts the tokens of a text. It implements pipeline.TokenCounter.
type Counter struct {
	encoding string
	count    func(text string) (int, error)
}

type counterConfig struct {
	backend  Backend
	model    string
	encoding string
}

type Option func(c *counterConfig)

func WithBackend(b Backend) Option {
	return func(c *counterConfig) {
		c.backend = b
	}
}

// WithModel picks the encoding used by the model, falling back to the
// default encoding for unknown models.
func WithModel(model string) Option {
	return func(c *counterConfig) {
		c.model = model
	}
}

func WithEncoding(encoding string) Option {
	return func(c *counterConfig) {
		c.encoding = encoding
	}
}

func NewCounter(options ...Option) (*Counter, error) {
	cfg := &counterConfig{backend: BackendTokenizer}
	for _, o := range options {
		o(cfg)
	}
	derived := cfg.encoding == ""
	if derived {
		cfg.encoding = EncodingForModel(cfg.model)
	}

	switch cfg.backend {
	case BackendTokenizer:
		codec, err := tokenizer.Get(tokenizer.Encoding(cfg.encoding))
		if err != nil && derived && cfg.encoding != DefaultEncoding {
			log.Warn().Err(err).Str("encoding", cfg.encoding).Msg("encoding not available, counting with the default one")
			cfg.encoding = DefaultEncoding
			codec, err = tokenizer.Get(tokenizer.Encoding(cfg.encoding))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "could not load encoding %s", cfg.encoding)
		}
		return &Counter{
			encoding: cfg.encoding,
			count: func(text string) (int, error) {
				ids, _, err := codec.Encode(text)
				if err != nil {
					return 0, err
				}
				return len(ids), nil
			},
		}, nil
	case BackendTiktoken:
		enc, err := tiktoken.GetEncoding(cfg.encoding)
		if err != nil {
			return nil, errors.Wrapf(err, "could not load encoding %s", cfg.encoding)
		}
		return &Counter{
			encoding: cfg.encoding,
			count: func(text string) (int, error) {
				return len(enc.Encode(text, nil, nil)), nil
			},
		}, nil
	default:
		return nil, errors.Errorf("unknown token counter backend %q", cfg.backend)
	}
}

func (c *Counter) Encoding() string {
	return c.encoding
}

func (c *Counter) Count(ctx context.Context, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.count(text)
	if err != nil {
		return 0, errors.Wrap(err, "could not count tokens")
	}
	return n, nil
}

// EncodingForModel maps a model name to its encoding.
func EncodingForModel(model string) string {
	switch {
	case model == "":
		return DefaultEncoding
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "o200k_base"
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5-turbo"), strings.HasPrefix(model, "text-embedding"):
		return "cl100k_base"
	case strings.HasPrefix(model, "text-davinci-002"), strings.HasPrefix(model, "text-davinci-003"):
		return "p50k_base"
	default:
		return DefaultEncoding
	}
}
