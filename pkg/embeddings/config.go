package embeddings

import (
	"time"

	"github.com/pkg/errors"
)

type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderOllama ProviderType = "ollama"
)

type CacheType string

const (
	CacheNone   CacheType = "none"
	CacheMemory CacheType = "memory"
	CacheDisk   CacheType = "disk"
)

// Config describes one embedding provider. It is decoded from the
// `embeddings` section of the CLI configuration.
type Config struct {
	Type       ProviderType `mapstructure:"type" yaml:"type"`
	Model      string       `mapstructure:"model" yaml:"model"`
	Dimensions int          `mapstructure:"dimensions" yaml:"dimensions"`
	APIKey     string       `mapstructure:"api-key" yaml:"api-key"`
	BaseURL    string       `mapstructure:"base-url" yaml:"base-url"`

	CacheType       CacheType     `mapstructure:"cache-type" yaml:"cache-type"`
	CacheTTL        time.Duration `mapstructure:"cache-ttl" yaml:"cache-ttl"`
	CacheDirectory  string        `mapstructure:"cache-directory" yaml:"cache-directory"`
	CacheMaxEntries int           `mapstructure:"cache-max-entries" yaml:"cache-max-entries"`
	CacheMaxSize    int64         `mapstructure:"cache-max-size" yaml:"cache-max-size"`
}

// NewProvider builds the provider described by cfg, wrapped in its cache.
func NewProvider(cfg Config) (Provider, error) {
	var p Provider
	switch cfg.Type {
	case ProviderOpenAI, "":
		p = NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case ProviderOllama:
		p = NewOllamaProvider(cfg.BaseURL, cfg.Model, cfg.Dimensions)
	default:
		return nil, errors.Errorf("unsupported embeddings provider %q", cfg.Type)
	}

	switch cfg.CacheType {
	case CacheNone, "":
		return p, nil
	case CacheMemory:
		return NewCachedProvider(p, cfg.CacheTTL), nil
	case CacheDisk:
		opts := []Option{WithDirectory(cfg.CacheDirectory)}
		if cfg.CacheMaxEntries > 0 {
			opts = append(opts, WithMaxEntries(cfg.CacheMaxEntries))
		}
		if cfg.CacheMaxSize > 0 {
			opts = append(opts, WithMaxSize(cfg.CacheMaxSize))
		}
		return NewDiskCacheProvider(p, opts...)
	default:
		return nil, errors.Errorf("unsupported embeddings cache %q", cfg.CacheType)
	}
}

// NewRegistryFromConfigs builds one provider per config, keyed by model name.
func NewRegistryFromConfigs(cfgs ...Config) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		p, err := NewProvider(cfg)
		if err != nil {
			return nil, err
		}
		r.Register(p.GetModel().Name, p)
	}
	return r, nil
}
