package resources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fixtureDir(t *testing.T) string {
	dir := t.TempDir()
	writeFile(t, dir, "characters/ada.[character].json", `{"name": "Ada", "description": "an engineer", "REGEX": [{"id": "r", "enabled": true, "find_regex": "a", "replace_string": "b"}]}`)
	writeFile(t, dir, "characters/bob.[character].yaml", "name: Bob\nscenario: a lab\n")
	writeFile(t, dir, "lore/world.[lorebook].json", `{"name": "world", "entries": [{"enabled": true, "id": "e", "activationEffect": {"position": 2, "content": "c"}}]}`)
	writeFile(t, dir, "presets/main.[preset].yaml", "name: main\nvariants:\n  - id: v\n    modelRegex: gpt\n    prompts:\n      - id: p\n        enabled: true\n        role: system\n        injectPosition: BEFORE_CHAR\n        content: hi\n")
	writeFile(t, dir, "setting.[setting].json", `{"lorebook": {"scan_depth": 7, "max_recursion_count": 1}}`)
	writeFile(t, dir, "models.[modelConfig].json", `{"chatModel": "gpt-4o", "embeddingModel": "emb"}`)
	writeFile(t, dir, "notes.txt", "ignored")
	return dir
}

func TestParseFileName(t *testing.T) {
	name, typ, ok := ParseFileName("dir/my.hero.[character].json")
	require.True(t, ok)
	assert.Equal(t, "my.hero", name)
	assert.Equal(t, TypeCharacter, typ)

	_, typ, ok = ParseFileName("x.[preset].yml")
	require.True(t, ok)
	assert.Equal(t, TypePreset, typ)

	_, _, ok = ParseFileName("plain.json")
	assert.False(t, ok)
	assert.Equal(t, "ada.[character].json", FileName("ada", TypeCharacter))
}

func TestLoadDir(t *testing.T) {
	snap, err := LoadDir(fixtureDir(t))
	require.NoError(t, err)

	require.Len(t, snap.Characters, 2)
	assert.Equal(t, "characters/ada.[character].json", snap.Characters[0].Path)
	assert.Equal(t, "Bob", snap.Characters[1].Content.Name)
	assert.Len(t, snap.CharacterRegex(), 1)

	require.Len(t, snap.Lorebooks, 1)
	e := snap.Lorebooks[0].Content.Entries[0]
	assert.Equal(t, 2, *e.ActivationEffect.Position.Depth)

	require.Len(t, snap.Presets, 1)
	p := snap.Presets[0].Content
	require.Len(t, p.Variants, 1)
	assert.Equal(t, "BEFORE_CHAR", p.Variants[0].Prompts[0].InjectPosition.Location)
	assert.Equal(t, 40960, p.MaxChatHistoryToken, "defaults are kept for missing fields")

	assert.Equal(t, 7, snap.Setting.Lorebook.ScanDepth)
	assert.Equal(t, 0.75, snap.Setting.Vectorization.SimilarityThreshold)
	assert.Equal(t, "gpt-4o", snap.ModelConfig.ChatModel)
	assert.Equal(t, "emb", snap.ModelConfig.EmbeddingCallModel())

	env := snap.CharacterEnv()
	assert.Equal(t, "Ada", env["name"])
	assert.Equal(t, "Ada, Bob", env["allNames"])
}

func TestLoadDirFilters(t *testing.T) {
	dir := fixtureDir(t)

	snap, err := LoadDir(dir, WithInclude("characters/*"))
	require.NoError(t, err)
	assert.Len(t, snap.Characters, 2)
	assert.Empty(t, snap.Presets)
	assert.Equal(t, 20, snap.Setting.Lorebook.ScanDepth, "default setting without a setting file")

	snap, err = LoadDir(dir, WithExclude("characters/bob*"))
	require.NoError(t, err)
	assert.Len(t, snap.Characters, 1)
}

func TestLoadDirErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.[character].json", `{"name": `)
	_, err := LoadDir(dir)
	assert.Error(t, err)

	dir = t.TempDir()
	writeFile(t, dir, "bad.[character].json", `{"name": 3}`)
	_, err = LoadDir(dir, WithValidation())
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, TypeCharacter, verr.Type)
}

func TestSchema(t *testing.T) {
	for _, typ := range Types {
		s, err := Schema(typ)
		require.NoError(t, err, typ)
		assert.Equal(t, string(typ), s.Title)
	}
	_, err := Schema("unknown")
	assert.True(t, errors.Is(err, ErrUnknownType))

	s, err := Schema(TypeLorebook)
	require.NoError(t, err)
	assert.Contains(t, s.Required, "entries")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(TypeLorebook, []byte(`{"entries": [], "custom": 1}`)))
	assert.Error(t, Validate(TypeLorebook, []byte(`{"name": "no entries"}`)))
	assert.NoError(t, Validate(TypePreset, []byte(`{"name": "p", "generationParams": {"stop": "x"}}`)))
	assert.NoError(t, Validate(TypePreset, []byte(`{"name": "p", "generationParams": {"stop": ["x"]}}`)))
	assert.NoError(t, Validate(TypeSetting, []byte(`{"vectorization": {"enabled": true}}`)))
	assert.NoError(t, Validate(TypeChat, []byte(`{"name": "c", "messages": [{"id": "x", "alternatives": []}]}`)))
	assert.Error(t, Validate(TypeCharacter, []byte(`{"description": "nameless"}`)))
}
