package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const textPrefixLength = 100

// DiskCacheEntry is one cached embedding, stored as a JSON file named after
// the sha256 of the text.
type DiskCacheEntry struct {
	Embedding  []float32 `json:"embedding"`
	TextPrefix string    `json:"text_prefix"`
}

// DiskCacheProvider persists embeddings under a per-model directory and
// evicts the least recently read files past maxEntries or maxSize.
type DiskCacheProvider struct {
	provider   Provider
	directory  string
	maxSize    int64
	maxEntries int
	mu         sync.RWMutex
}

var _ Provider = &DiskCacheProvider{}

type Option func(*DiskCacheProvider)

func WithDirectory(dir string) Option {
	return func(p *DiskCacheProvider) {
		if dir != "" {
			p.directory = dir
		}
	}
}

func WithMaxSize(size int64) Option {
	return func(p *DiskCacheProvider) {
		p.maxSize = size
	}
}

func WithMaxEntries(count int) Option {
	return func(p *DiskCacheProvider) {
		p.maxEntries = count
	}
}

// DefaultCacheDirectory returns ~/.loom/cache/embeddings/<model>.
func DefaultCacheDirectory(model string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(homeDir, ".loom", "cache", "embeddings", filepath.Base(model)), nil
}

func NewDiskCacheProvider(provider Provider, opts ...Option) (*DiskCacheProvider, error) {
	p := &DiskCacheProvider{
		provider:   provider,
		maxSize:    1 << 30,
		maxEntries: 10000,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.directory == "" {
		dir, err := DefaultCacheDirectory(provider.GetModel().Name)
		if err != nil {
			return nil, err
		}
		p.directory = dir
	}
	if err := os.MkdirAll(p.directory, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}

	return p, nil
}

func (p *DiskCacheProvider) cacheFilePath(text string) string {
	hash := sha256.Sum256([]byte(text))
	return filepath.Join(p.directory, hex.EncodeToString(hash[:]))
}

func (p *DiskCacheProvider) writeEntry(text string, entry *DiskCacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal entry")
	}
	if err := atomic.WriteFile(p.cacheFilePath(text), bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "failed to write cache file")
	}
	return nil
}

// readEntry returns nil without error on a miss. Corrupted files count as a
// miss and are removed.
func (p *DiskCacheProvider) readEntry(text string) (*DiskCacheEntry, error) {
	path := p.cacheFilePath(text)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read cache file")
	}

	// eviction orders by mtime
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("could not touch embedding cache file")
	}

	var entry DiskCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("removing corrupted embedding cache file")
		_ = os.Remove(path)
		return nil, nil
	}

	return &entry, nil
}

func (p *DiskCacheProvider) enforceSize() error {
	entries, err := os.ReadDir(p.directory)
	if err != nil {
		return errors.Wrap(err, "failed to read cache directory")
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}

	var files []fileInfo
	var totalSize int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(p.directory, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		totalSize += info.Size()
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for i := 0; i < len(files) && (len(files)-i > p.maxEntries || totalSize > p.maxSize); i++ {
		if err := os.Remove(files[i].path); err != nil {
			return errors.Wrap(err, "failed to remove cache file")
		}
		totalSize -= files[i].size
	}

	return nil
}

func (p *DiskCacheProvider) store(text string, embedding []float32) error {
	prefix := text
	if len(prefix) > textPrefixLength {
		prefix = prefix[:textPrefixLength]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeEntry(text, &DiskCacheEntry{Embedding: embedding, TextPrefix: prefix}); err != nil {
		return err
	}
	return p.enforceSize()
}

func (p *DiskCacheProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	entry, err := p.GetCachedEntry(text)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry.Embedding, nil
	}

	embedding, err := p.provider.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := p.store(text, embedding); err != nil {
		return nil, err
	}
	return embedding, nil
}

func (p *DiskCacheProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		entry, err := p.GetCachedEntry(text)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			results[i] = entry.Embedding
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	generated, err := p.provider.GenerateBatchEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, embedding := range generated {
		results[missingIdx[j]] = embedding
		if err := p.store(missing[j], embedding); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (p *DiskCacheProvider) GetCachedEntry(text string) (*DiskCacheEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readEntry(text)
}

func (p *DiskCacheProvider) GetModel() EmbeddingModel {
	return p.provider.GetModel()
}

func (p *DiskCacheProvider) Directory() string {
	return p.directory
}

func (p *DiskCacheProvider) ClearCache() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.RemoveAll(p.directory); err != nil {
		return errors.Wrap(err, "failed to clear cache")
	}
	return os.MkdirAll(p.directory, 0o755)
}
