package embeddings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lengthProvider embeds a text as {len(text), 1, 2} and counts the calls
// that reach it.
type lengthProvider struct {
	model string
	calls atomic.Int32
}

func newLengthProvider(model string) *lengthProvider {
	return &lengthProvider{model: model}
}

func (p *lengthProvider) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	return []float32{float32(len(text)), 1, 2}, nil
}

func (p *lengthProvider) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return DefaultGenerateBatchEmbeddings(ctx, p, texts)
}

func (p *lengthProvider) GetModel() EmbeddingModel {
	return EmbeddingModel{Name: p.model, Dimensions: 3}
}

var chatLines = []string{
	"Ada looks up from the loom.",
	"What are you weaving?",
	"A pattern that remembers every thread.",
}

func TestDiskCacheFromConfig(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistryFromConfigs(Config{
		Type:            ProviderOllama,
		Model:           "nomic-embed-text",
		BaseURL:         "http://127.0.0.1:1",
		CacheType:       CacheDisk,
		CacheDirectory:  dir,
		CacheMaxEntries: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"nomic-embed-text"}, r.Models())

	p, err := r.Get("nomic-embed-text")
	require.NoError(t, err)
	disk, ok := p.(*DiskCacheProvider)
	require.True(t, ok)
	assert.Equal(t, dir, disk.Directory())
	assert.Equal(t, 2, disk.maxEntries)
	assert.Equal(t, int64(1<<30), disk.maxSize)

	_, err = NewProvider(Config{CacheType: "redis"})
	assert.Error(t, err)
}

func TestDiskCacheDefaultDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	disk, err := NewDiskCacheProvider(newLengthProvider("nomic-ai/nomic-embed-text"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".loom", "cache", "embeddings", "nomic-embed-text"), disk.Directory())
}

func TestDiskCacheSurvivesRuns(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newLengthProvider("emb")
	disk, err := NewDiskCacheProvider(first, WithDirectory(dir))
	require.NoError(t, err)
	vecs, err := disk.GenerateBatchEmbeddings(ctx, chatLines[:2])
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{27, 1, 2}, {21, 1, 2}}, vecs)
	assert.Equal(t, int32(2), first.calls.Load())

	// a later `loom embed` builds a fresh provider on the same directory
	second := newLengthProvider("emb")
	disk, err = NewDiskCacheProvider(second, WithDirectory(dir))
	require.NoError(t, err)
	r := NewRegistry(disk)

	v, err := r.Embed(ctx, "emb", chatLines[0])
	require.NoError(t, err)
	assert.Equal(t, []float32{27, 1, 2}, v)
	assert.Equal(t, int32(0), second.calls.Load())

	vecs, err = disk.GenerateBatchEmbeddings(ctx, chatLines)
	require.NoError(t, err)
	assert.Equal(t, []float32{38, 1, 2}, vecs[2])
	assert.Equal(t, int32(1), second.calls.Load(), "only the new line is embedded")

	entry, err := disk.GetCachedEntry(chatLines[2])
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, chatLines[2], entry.TextPrefix)

	_, err = r.Embed(ctx, "other", chatLines[0])
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestDiskCacheEvictsLeastRecentlyRead(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	disk, err := NewDiskCacheProvider(newLengthProvider("emb"), WithDirectory(dir), WithMaxEntries(2))
	require.NoError(t, err)

	for i, line := range chatLines[:2] {
		_, err := disk.GenerateEmbedding(ctx, line)
		require.NoError(t, err)
		old := time.Now().Add(time.Duration(i-2) * time.Hour)
		require.NoError(t, os.Chtimes(disk.cacheFilePath(line), old, old))
	}
	// reading the first line makes the second one the oldest
	_, err = disk.GetCachedEntry(chatLines[0])
	require.NoError(t, err)

	_, err = disk.GenerateEmbedding(ctx, chatLines[2])
	require.NoError(t, err)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	entry, err := disk.GetCachedEntry(chatLines[1])
	require.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = disk.GetCachedEntry(chatLines[0])
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestDiskCacheReplacesCorruptedEntry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	provider := newLengthProvider("emb")
	disk, err := NewDiskCacheProvider(provider, WithDirectory(dir))
	require.NoError(t, err)

	long := chatLines[2] + " " + chatLines[2] + " " + chatLines[2]
	_, err = disk.GenerateEmbedding(ctx, long)
	require.NoError(t, err)

	path := disk.cacheFilePath(long)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored DiskCacheEntry
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Len(t, stored.TextPrefix, textPrefixLength)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	v, err := disk.GenerateEmbedding(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, []float32{float32(len(long)), 1, 2}, v)
	assert.Equal(t, int32(2), provider.calls.Load())

	require.NoError(t, disk.ClearCache())
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}
